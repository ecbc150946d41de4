package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dealistaan/chatsync/pkg/types"
)

// ErrNoMessage is returned when a payload does not carry a message document.
var ErrNoMessage = errors.New("payload has no message")

// Message is the server message document.
//
// Observed shapes:
//   - {"_id":"m1","sender":{"_id":"u1","name":"Ali"},"receiver":"u2",...}
//   - {"id":"m1","sender":"u1","receiver":{"id":"u2"},...}
//   - product populated ({"_id":"p1","title":"Bike"}) or a bare id
type Message struct {
	UnderscoreID json.RawMessage `json:"_id,omitempty"`
	ID           json.RawMessage `json:"id,omitempty"`
	// LocalID is echoed back by servers that support client ids.
	LocalID   string    `json:"localId,omitempty"`
	TempID    string    `json:"tempId,omitempty"`
	Sender    Ref       `json:"sender"`
	Receiver  Ref       `json:"receiver"`
	Content   string    `json:"content"`
	Product   *Ref      `json:"product,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

// ServerID returns the server-assigned id, preferring `_id`.
func (m Message) ServerID() (string, error) {
	id, err := scalarString(m.UnderscoreID)
	if err != nil || id != "" {
		return id, err
	}
	return scalarString(m.ID)
}

// ClientID returns the client id echoed by the server, if any.
func (m Message) ClientID() string {
	if m.LocalID != "" {
		return m.LocalID
	}
	return m.TempID
}

// ToDomain converts a server message into the domain shape from the point of
// view of self. The peer is the receiver for messages self sent and the sender
// otherwise.
func (m Message) ToDomain(self types.PeerID) (types.Message, error) {
	id, err := m.ServerID()
	if err != nil {
		return types.Message{}, err
	}
	if id == "" {
		return types.Message{}, fmt.Errorf("message without id")
	}

	out := types.Message{
		ID:        types.ServerID(id),
		TempID:    types.ClientID(m.ClientID()),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Time,
		IsRead:    m.IsRead,
		State:     types.MessageConfirmed,
	}
	switch {
	case self != "" && types.PeerID(m.Sender.ID) == self:
		out.Direction = types.DirectionSent
		out.PeerID = types.PeerID(m.Receiver.ID)
	default:
		out.Direction = types.DirectionReceived
		out.PeerID = types.PeerID(m.Sender.ID)
	}
	if out.PeerID == "" {
		return types.Message{}, fmt.Errorf("message %s without peer", id)
	}
	if out.TempID == "" {
		// Messages the server originated carry no client id; the server id is
		// stable and unique within the thread.
		out.TempID = types.ClientID("srv:" + id)
	}
	if m.Product != nil && !m.Product.IsZero() {
		out.Product = &types.ProductContext{ID: m.Product.ID, Title: m.Product.Name}
	}
	return out, nil
}

// PeerName returns the display name of the peer side of the message.
func (m Message) PeerName(self types.PeerID) string {
	if self != "" && types.PeerID(m.Sender.ID) == self {
		return m.Receiver.Name
	}
	return m.Sender.Name
}

// ExtractMessage finds the message document inside a payload.
//
// It accepts {"message":{...}}, {"data":{"message":{...}}} and a bare message
// document at the top level, in that order.
func ExtractMessage(raw json.RawMessage) (Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Message{}, ErrNoMessage
	}

	var env struct {
		Message json.RawMessage `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, err
	}

	nested := []json.RawMessage{env.Message}
	if isObject(env.Data) {
		var holder messageHolder
		if err := json.Unmarshal(env.Data, &holder); err != nil {
			return Message{}, err
		}
		nested = append(nested, holder.Message)
	}
	for _, candidate := range nested {
		if isObject(candidate) {
			return decodeMessage(candidate)
		}
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		return Message{}, err
	}
	if id, _ := msg.ServerID(); id == "" && strings.TrimSpace(msg.Content) == "" {
		return Message{}, ErrNoMessage
	}
	return msg, nil
}

type messageHolder struct {
	Message json.RawMessage `json:"message"`
}

func decodeMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
