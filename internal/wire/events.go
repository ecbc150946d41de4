package wire

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Inbound transport event names.
const (
	EventReceiveMessage    = "receive_message"
	EventMessageSent       = "message_sent"
	EventUnreadCountUpdate = "unread_count_update"
	EventUserTyping        = "user_typing"
	EventUserStatusChange  = "user_status_change"
	EventMessagesRead      = "messages_read"
)

// Outbound transport event names.
const (
	EventUserOnline  = "user_online"
	EventSendMessage = "send_message"
	EventMarkAsRead  = "mark_as_read"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
)

// InboundEvents lists every event name the engine subscribes to.
var InboundEvents = []string{
	EventReceiveMessage,
	EventMessageSent,
	EventUnreadCountUpdate,
	EventUserTyping,
	EventUserStatusChange,
	EventMessagesRead,
}

// maxCount bounds counts decoded from the wire.
const maxCount = math.MaxUint32

// Count is an unread counter that tolerates numeric strings and out of range
// values from the server. Values are clamped to [0, maxCount].
type Count struct {
	Value uint
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Count) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = Count{}
		return nil
	}
	s, err := scalarString(b)
	if err != nil {
		return err
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	switch {
	case !(n > 0): // negative or NaN
		n = 0
	case n > maxCount:
		n = maxCount
	}
	*c = Count{Value: uint(n), Set: true}
	return nil
}

// ReceiveMessagePayload is the body of receive_message and message_sent.
// UnreadCount, when present, is the receiver's global unread total.
type ReceiveMessagePayload struct {
	UnreadCount Count `json:"unreadCount"`
}

// UnreadCountUpdatePayload is the body of unread_count_update. Without a
// sender the count is the global total.
type UnreadCountUpdatePayload struct {
	UnreadCount Count `json:"unreadCount"`
	SenderID    Ref   `json:"senderId"`
	UserID      Ref   `json:"userId"`
}

// Peer returns the conversation the count belongs to, if any.
func (p UnreadCountUpdatePayload) Peer() string {
	if p.SenderID.ID != "" {
		return p.SenderID.ID
	}
	return p.UserID.ID
}

// UserTypingPayload is the body of user_typing.
type UserTypingPayload struct {
	UserID         Ref  `json:"userId"`
	ConversationID Ref  `json:"conversationId"`
	IsTyping       bool `json:"isTyping"`
}

// UserStatusPayload is the body of user_status_change.
type UserStatusPayload struct {
	UserID Ref    `json:"userId"`
	Status string `json:"status"`
}

// MessagesReadPayload is the body of messages_read: the reader read every
// message the sender sent up to ReadAt.
type MessagesReadPayload struct {
	ReaderID Ref       `json:"readerId"`
	UserID   Ref       `json:"userId"`
	SenderID Ref       `json:"senderId"`
	ReadAt   Timestamp `json:"readAt"`
}

// Reader returns the peer that read the messages. When the payload names no
// reader, the sender is used unless it is self.
func (p MessagesReadPayload) Reader(self string) string {
	if p.ReaderID.ID != "" {
		return p.ReaderID.ID
	}
	if p.UserID.ID != "" {
		return p.UserID.ID
	}
	if p.SenderID.ID != self {
		return p.SenderID.ID
	}
	return ""
}

// SendMessagePayload is the body of send_message and of the REST send call.
type SendMessagePayload struct {
	Receiver string `json:"receiver"`
	Product  string `json:"product,omitempty"`
	Content  string `json:"content"`
	LocalID  string `json:"localId,omitempty"`
}

// MarkAsReadPayload is the body of mark_as_read and of the REST mark-read call.
type MarkAsReadPayload struct {
	SenderID string `json:"senderId"`
}

// TypingPayload is the body of typing_start and typing_stop.
type TypingPayload struct {
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId"`
}

// Decode unmarshals a raw payload into v.
func Decode(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, v)
}
