// Package types holds the domain model shared by the conversation engine and
// its view layers.
package types

import (
	"time"
)

// PeerID identifies the other participant of a 1:1 conversation.
type PeerID string

// ServerID is the server-assigned message id. The zero value means the
// message has not been confirmed yet.
type ServerID string

// ClientID is the locally generated identity every message carries until (and
// after) the server confirms it.
type ClientID string

// Direction tells whether a message was sent by the local user or received
// from the peer.
type Direction string

const (
	// DirectionSent marks messages authored by the local user.
	DirectionSent Direction = "sent"
	// DirectionReceived marks messages authored by the peer.
	DirectionReceived Direction = "received"
)

// MessageState is the delivery state of a message.
type MessageState string

const (
	// MessagePending is an optimistic message that has not been confirmed.
	MessagePending MessageState = "pending"
	// MessageConfirmed carries a server id.
	MessageConfirmed MessageState = "confirmed"
	// MessageFailed is an optimistic message whose send was rejected. It stays
	// visible so the user can retry.
	MessageFailed MessageState = "failed"
)

// ProductContext is the listing a conversation (or message) is about.
type ProductContext struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Message is a single entry of a thread.
type Message struct {
	ID        ServerID        `json:"id,omitempty"`
	TempID    ClientID        `json:"tempId"`
	PeerID    PeerID          `json:"peerId"`
	Direction Direction       `json:"direction"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
	IsRead    bool            `json:"isRead"`
	State     MessageState    `json:"state"`
	Product   *ProductContext `json:"product,omitempty"`
}

// HasServerID reports whether the server has assigned an id.
func (m Message) HasServerID() bool { return m.ID != "" }

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Product != nil {
		p := *m.Product
		m.Product = &p
	}
	return m
}

// Conversation is the summary row of a 1:1 thread.
type Conversation struct {
	PeerID          PeerID          `json:"peerId"`
	PeerDisplayName string          `json:"peerDisplayName,omitempty"`
	Product         *ProductContext `json:"product,omitempty"`
	LastMessage     *Message        `json:"lastMessage,omitempty"`
	UnreadCount     uint            `json:"unreadCount"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	if c.Product != nil {
		p := *c.Product
		c.Product = &p
	}
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		c.LastMessage = &m
	}
	return c
}

// ConnectionState is the lifecycle state of the push transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// TypingState is the ephemeral "peer is typing" indicator.
type TypingState struct {
	PeerID    PeerID    `json:"peerId"`
	IsTyping  bool      `json:"isTyping"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PresenceStatus is the last status reported for a peer.
type PresenceStatus struct {
	PeerID PeerID `json:"peerId"`
	Status string `json:"status"`
}
