package wire

import (
	"encoding/json"
	"fmt"

	"github.com/dealistaan/chatsync/pkg/types"
)

// Envelope is the REST response wrapper: {success, message?, data:{...}}.
// Message is usually a status text, but the send endpoint of some server
// versions puts the created message object there.
type Envelope struct {
	Success *bool           `json:"success,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Rejected reports an explicit success:false.
func (e Envelope) Rejected() bool { return e.Success != nil && !*e.Success }

// Text returns Message when it is a string.
func (e Envelope) Text() string {
	var s string
	if err := json.Unmarshal(e.Message, &s); err != nil {
		return ""
	}
	return s
}

// Field looks key up in Data, then in a doubly wrapped data.data block.
func (e Envelope) Field(key string) (json.RawMessage, bool) {
	return field(e.Data, key)
}

func field(raw json.RawMessage, key string) (json.RawMessage, bool) {
	if !isObject(raw) {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	if v, ok := obj[key]; ok && !isNull(v) {
		return v, true
	}
	if inner, ok := obj["data"]; ok {
		return field(inner, key)
	}
	return nil, false
}

// CreatedMessage returns the message object of a send response: the
// top-level message when it is an object, else data.messageData, else
// data.message.
func (e Envelope) CreatedMessage() (Message, error) {
	candidates := []json.RawMessage{e.Message}
	for _, key := range []string{"messageData", "message"} {
		if v, ok := e.Field(key); ok {
			candidates = append(candidates, v)
		}
	}
	for _, raw := range candidates {
		if !isObject(raw) {
			continue
		}
		return decodeMessage(raw)
	}
	return Message{}, ErrNoMessage
}

// ConversationSummary is one row of GET /messages/get-conversations.
type ConversationSummary struct {
	UnderscoreID json.RawMessage `json:"_id,omitempty"`
	OtherUser    Ref             `json:"otherUser"`
	LastMessage  *Message        `json:"lastMessage,omitempty"`
	UnreadCount  Count           `json:"unreadCount"`
	Product      *Ref            `json:"product,omitempty"`
	// ProductInfo is the $lookup result some server versions return instead
	// of a populated product.
	ProductInfo []Ref `json:"productInfo,omitempty"`
}

// ToDomain converts a summary row for self.
func (c ConversationSummary) ToDomain(self types.PeerID) (types.Conversation, error) {
	peer := c.OtherUser.ID
	if peer == "" {
		// Aggregations group by peer id and expose it as `_id`.
		id, err := scalarString(c.UnderscoreID)
		if err != nil {
			return types.Conversation{}, err
		}
		peer = id
	}
	if peer == "" {
		return types.Conversation{}, fmt.Errorf("conversation without peer")
	}

	out := types.Conversation{
		PeerID:          types.PeerID(peer),
		PeerDisplayName: c.OtherUser.Name,
		UnreadCount:     c.UnreadCount.Value,
	}
	if c.LastMessage != nil {
		msg, err := c.LastMessage.ToDomain(self)
		if err == nil {
			// Summaries do not always populate both parties.
			msg.PeerID = out.PeerID
			out.LastMessage = &msg
			out.UpdatedAt = msg.CreatedAt
			out.Product = msg.Product
		}
		if out.PeerDisplayName == "" {
			out.PeerDisplayName = c.LastMessage.PeerName(self)
		}
	}
	if out.Product == nil {
		switch {
		case c.Product != nil && !c.Product.IsZero():
			out.Product = &types.ProductContext{ID: c.Product.ID, Title: c.Product.Name}
		case len(c.ProductInfo) > 0 && !c.ProductInfo[0].IsZero():
			out.Product = &types.ProductContext{ID: c.ProductInfo[0].ID, Title: c.ProductInfo[0].Name}
		}
	}
	return out, nil
}
