// Package ingest is the single entry point for inbound transport events.
//
// A Router decodes each raw event through a dispatch table keyed by wire event
// name and hands the typed domain event to a Consumer synchronously. It keeps
// no state beyond the table; wire quirks end here.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
)

// ErrUnknownEvent is reported to the drop hook for events outside the table.
var ErrUnknownEvent = errors.New("unknown event")

// RawEvent is an inbound transport event as received.
type RawEvent struct {
	Name    string
	Payload json.RawMessage
}

// MessageEvent is a message pushed by the server: either a message from a peer
// or the echo of one the local user sent.
type MessageEvent struct {
	Message  types.Message
	PeerName string
	// GlobalUnread is the receiver's total unread count when the server
	// included it.
	GlobalUnread    uint
	HasGlobalUnread bool
}

// UnreadEvent is an authoritative unread count. An empty Peer means the count
// is the global total.
type UnreadEvent struct {
	Peer  types.PeerID
	Count uint
}

// TypingEvent reports that a peer started or stopped typing.
type TypingEvent struct {
	Peer     types.PeerID
	IsTyping bool
}

// StatusEvent reports a peer presence change.
type StatusEvent struct {
	Peer   types.PeerID
	Status string
}

// ReadEvent reports that Reader read the local user's messages up to Cutoff.
// A zero Cutoff means "everything delivered so far".
type ReadEvent struct {
	Reader types.PeerID
	Cutoff time.Time
}

// Consumer receives normalized domain events.
type Consumer interface {
	MessageReceived(MessageEvent)
	MessageEchoed(MessageEvent)
	UnreadCountChanged(UnreadEvent)
	PeerTyping(TypingEvent)
	PeerStatusChanged(StatusEvent)
	MessagesRead(ReadEvent)
}

type handler func(r *Router, payload json.RawMessage) error

// table maps wire event names to decoders.
var table = map[string]handler{
	wire.EventReceiveMessage:    (*Router).receiveMessage,
	wire.EventMessageSent:       (*Router).messageSent,
	wire.EventUnreadCountUpdate: (*Router).unreadCountUpdate,
	wire.EventUserTyping:        (*Router).userTyping,
	wire.EventUserStatusChange:  (*Router).userStatusChange,
	wire.EventMessagesRead:      (*Router).messagesRead,
}

// Router dispatches raw events to a Consumer.
type Router struct {
	self     types.PeerID
	consumer Consumer
	// OnDrop, when set, is called for every event that is not delivered.
	OnDrop func(event string, err error)
}

// NewRouter returns a router delivering to consumer. self is the local user id
// and may be empty when unknown.
func NewRouter(self types.PeerID, consumer Consumer) *Router {
	return &Router{self: self, consumer: consumer}
}

// SetSelf updates the local user id, e.g. after a token change.
func (r *Router) SetSelf(self types.PeerID) { r.self = self }

// Handle decodes ev and delivers it. Unknown or malformed events are dropped
// with a warning; Handle never panics on payload content.
func (r *Router) Handle(ev RawEvent) {
	h, ok := table[ev.Name]
	if !ok {
		r.drop(ev.Name, ErrUnknownEvent)
		return
	}
	if err := h(r, ev.Payload); err != nil {
		r.drop(ev.Name, err)
		return
	}
	if logger.Enabled(logger.LevelTrace) {
		logger.Tracef("ingest: %s %s", ev.Name, string(ev.Payload))
	}
}

func (r *Router) drop(event string, err error) {
	logger.Warnf("ingest: dropping %q: %v", event, err)
	if r.OnDrop != nil {
		r.OnDrop(event, err)
	}
}

func (r *Router) receiveMessage(payload json.RawMessage) error {
	ev, err := r.decodeMessage(payload, false)
	if err != nil {
		return err
	}
	r.consumer.MessageReceived(ev)
	return nil
}

func (r *Router) messageSent(payload json.RawMessage) error {
	ev, err := r.decodeMessage(payload, true)
	if err != nil {
		return err
	}
	r.consumer.MessageEchoed(ev)
	return nil
}

// decodeMessage normalizes a message payload. The event kind decides the
// direction, so it does not depend on knowing the local user id.
func (r *Router) decodeMessage(payload json.RawMessage, echo bool) (MessageEvent, error) {
	m, err := wire.ExtractMessage(payload)
	if err != nil {
		return MessageEvent{}, err
	}

	// An echo is always our own message, so its sender is self.
	viewpoint := types.PeerID("")
	if echo {
		viewpoint = types.PeerID(m.Sender.ID)
		if viewpoint == "" {
			return MessageEvent{}, errors.New("echo without sender")
		}
	}
	msg, err := m.ToDomain(viewpoint)
	if err != nil {
		return MessageEvent{}, err
	}
	if !echo && r.self != "" && msg.PeerID == r.self {
		return MessageEvent{}, fmt.Errorf("received message %s from self", msg.ID)
	}

	var extra wire.ReceiveMessagePayload
	if err := wire.Decode(payload, &extra); err != nil {
		return MessageEvent{}, err
	}
	return MessageEvent{
		Message:         msg,
		PeerName:        m.PeerName(viewpoint),
		GlobalUnread:    extra.UnreadCount.Value,
		HasGlobalUnread: extra.UnreadCount.Set,
	}, nil
}

func (r *Router) unreadCountUpdate(payload json.RawMessage) error {
	var p wire.UnreadCountUpdatePayload
	if err := wire.Decode(payload, &p); err != nil {
		return err
	}
	if !p.UnreadCount.Set {
		return errors.New("unread count missing")
	}
	r.consumer.UnreadCountChanged(UnreadEvent{
		Peer:  types.PeerID(p.Peer()),
		Count: p.UnreadCount.Value,
	})
	return nil
}

func (r *Router) userTyping(payload json.RawMessage) error {
	var p wire.UserTypingPayload
	if err := wire.Decode(payload, &p); err != nil {
		return err
	}
	peer := p.UserID.ID
	if peer == "" {
		peer = p.ConversationID.ID
	}
	if peer == "" {
		return errors.New("typing event without user")
	}
	r.consumer.PeerTyping(TypingEvent{Peer: types.PeerID(peer), IsTyping: p.IsTyping})
	return nil
}

func (r *Router) userStatusChange(payload json.RawMessage) error {
	var p wire.UserStatusPayload
	if err := wire.Decode(payload, &p); err != nil {
		return err
	}
	if p.UserID.ID == "" {
		return errors.New("status event without user")
	}
	r.consumer.PeerStatusChanged(StatusEvent{Peer: types.PeerID(p.UserID.ID), Status: p.Status})
	return nil
}

func (r *Router) messagesRead(payload json.RawMessage) error {
	var p wire.MessagesReadPayload
	if err := wire.Decode(payload, &p); err != nil {
		return err
	}
	reader := p.Reader(string(r.self))
	if reader == "" {
		return errors.New("read receipt without reader")
	}
	r.consumer.MessagesRead(ReadEvent{Reader: types.PeerID(reader), Cutoff: p.ReadAt.Time})
	return nil
}
