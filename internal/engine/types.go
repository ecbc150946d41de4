package engine

import (
	"encoding/json"
	"time"

	"github.com/dealistaan/chatsync/internal/actor"
	"github.com/dealistaan/chatsync/internal/connection"
	"github.com/dealistaan/chatsync/internal/directory"
	"github.com/dealistaan/chatsync/internal/ingest"
	"github.com/dealistaan/chatsync/internal/outbox"
	"github.com/dealistaan/chatsync/internal/receipts"
	"github.com/dealistaan/chatsync/internal/store"
	"github.com/dealistaan/chatsync/internal/typing"
	"github.com/dealistaan/chatsync/internal/unread"
	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/types"
)

// Config configures an Engine.
type Config struct {
	Connection connection.Config
	Typing     typing.Config
	Outbox     outbox.Config

	// ConversationPoll and ThreadPoll are the safety-net refetch intervals
	// used while connected. Zero disables polling.
	ConversationPoll time.Duration
	ThreadPoll       time.Duration

	// RequestTimeout bounds every directory call.
	RequestTimeout time.Duration

	// SelfID overrides the user id read from the token.
	SelfID types.PeerID

	MailboxSize int
	// UpdateBuffer is the number of updates queued for subscribers before
	// new ones are dropped.
	UpdateBuffer int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Connection:       connection.DefaultConfig(),
		Typing:           typing.DefaultConfig(),
		Outbox:           outbox.DefaultConfig(),
		ConversationPoll: 5 * time.Second,
		ThreadPoll:       2 * time.Second,
		RequestTimeout:   10 * time.Second,
		MailboxSize:      actor.DefaultMailboxSize,
		UpdateBuffer:     256,
	}
}

// UpdateKind tells subscribers what changed.
type UpdateKind string

const (
	UpdateConnection    UpdateKind = "connection"
	UpdateConversations UpdateKind = "conversations"
	UpdateThread        UpdateKind = "thread"
	UpdateTyping        UpdateKind = "typing"
	UpdatePresence      UpdateKind = "presence"
	UpdateSent          UpdateKind = "sent"
	UpdateSendFailed    UpdateKind = "send_failed"
	UpdateError         UpdateKind = "error"
)

// Update is a change notification for the view layer. Only the fields that
// belong to Kind are set; slices are copies the subscriber may keep.
type Update struct {
	Kind UpdateKind

	Connection    types.ConnectionState
	Peer          types.PeerID
	Conversations []types.Conversation
	TotalUnread   uint
	Thread        []types.Message
	Typing        types.TypingState
	Presence      types.PresenceStatus

	// TempID and Message describe the outcome of a send.
	TempID  types.ClientID
	Message types.Message

	Err error
}

// View is a consistent snapshot of the engine state.
type View struct {
	Self          types.PeerID
	Connection    types.ConnectionState
	LastError     error
	Selected      types.PeerID
	Conversations []types.Conversation
	TotalUnread   uint
	// PendingSends counts sends awaiting an outcome.
	PendingSends int
	// TypingPeers lists every peer currently typing, ordered by peer.
	TypingPeers []types.TypingState

	// Peer is the conversation the thread fields describe.
	Peer     types.PeerID
	Thread   []types.Message
	Typing   types.TypingState
	Presence string
}

// Timer names. Per-peer and per-send timers append ":" and the key.
const (
	timerReconnect         = "reconnect"
	timerPollConversations = "poll-conversations"
	timerPollThread        = "poll-thread"
	timerTypingLocal       = "typing-local"
	timerTypingRemote      = "typing-remote"
	timerSendTimeout       = "send-timeout"
)

// State is the loop-owned engine state. Every field is touched only by the
// reducer.
type State struct {
	cfg Config

	conn     *connection.Manager
	store    *store.Store
	outbox   *outbox.Pipeline
	typing   *typing.Tracker
	unread   *unread.Aggregator
	receipts *receipts.Propagator
	router   *ingest.Router

	self     types.PeerID
	token    string
	presence map[types.PeerID]string

	// timers maps live timer names to the sequence of their latest start, so
	// fires of cancelled or replaced timers are recognised.
	timers   map[string]uint64
	timerSeq uint64
	retryGen uint64

	snapshotInFlight bool
	snapshotAgain    bool
	threadInFlight   map[types.PeerID]bool

	// Scratch space for the input being reduced.
	now          time.Time
	fx           []actor.Effect
	dirtyConvs   bool
	dirtyThreads map[types.PeerID]bool
}

// Inputs

// cmdConnect starts the session with a bearer token.
type cmdConnect struct {
	actor.InputBase
	Token string
	Self  types.PeerID
	Now   time.Time
	Reply chan error
}

// cmdDisconnect closes the transport.
type cmdDisconnect struct {
	actor.InputBase
	Reply chan error
}

// cmdSelect changes the viewed conversation. An empty peer deselects.
type cmdSelect struct {
	actor.InputBase
	Peer types.PeerID
	Now  time.Time
}

// cmdSend starts an optimistic send.
type cmdSend struct {
	actor.InputBase
	TempID  types.ClientID
	Peer    types.PeerID
	Content string
	Product *types.ProductContext
	Now     time.Time
	Reply   chan error
}

// cmdRetry re-sends a failed message.
type cmdRetry struct {
	actor.InputBase
	TempID types.ClientID
	Now    time.Time
	Reply  chan error
}

// cmdKeypress records local typing activity.
type cmdKeypress struct {
	actor.InputBase
	Peer types.PeerID
	Now  time.Time
}

type cmdStopTyping struct {
	actor.InputBase
	Peer types.PeerID
}

// cmdDelete deletes one of the user's messages.
type cmdDelete struct {
	actor.InputBase
	Peer  types.PeerID
	ID    types.ServerID
	Reply chan error
}

// cmdRefresh refetches the conversation list and the viewed thread.
type cmdRefresh struct {
	actor.InputBase
}

// cmdView asks for a View of peer, or of the selected conversation.
type cmdView struct {
	actor.InputBase
	Peer  types.PeerID
	Now   time.Time
	Reply chan View
}

// evTransportConnected is the handshake acknowledgment of generation Gen.
type evTransportConnected struct {
	actor.InputBase
	Gen uint64
	Now time.Time
}

// evTransportDropped reports a connect error or unexpected close.
type evTransportDropped struct {
	actor.InputBase
	Gen uint64
	Err error
	Now time.Time
}

// evTransportEvent is an inbound server event.
type evTransportEvent struct {
	actor.InputBase
	Gen     uint64
	Name    string
	Payload json.RawMessage
	Now     time.Time
}

// evTimerFired is emitted when a named timer started by effStartTimer fires.
type evTimerFired struct {
	actor.InputBase
	Name string
	Seq  uint64
	Now  time.Time
}

type evConversationsFetched struct {
	actor.InputBase
	Convs []types.Conversation
	Err   error
	Now   time.Time
}

type evThreadFetched struct {
	actor.InputBase
	Peer types.PeerID
	Msgs []types.Message
	Err  error
	Now  time.Time
}

// evSendDone is the outcome of a REST send.
type evSendDone struct {
	actor.InputBase
	TempID types.ClientID
	Msg    types.Message
	Err    error
	Now    time.Time
}

type evMarkReadDone struct {
	actor.InputBase
	Call unread.Call
	Err  error
}

type evDeleteDone struct {
	actor.InputBase
	Peer  types.PeerID
	ID    types.ServerID
	Err   error
	Reply chan error
}

// Effects

// effOpenTransport dials the transport for generation Gen.
type effOpenTransport struct {
	actor.EffectBase
	Gen   uint64
	Token string
}

// effCloseTransport closes the transport of generation Gen.
type effCloseTransport struct {
	actor.EffectBase
	Gen uint64
}

// effEmit sends an event on the transport of generation Gen. Emits for a
// generation that is no longer open are dropped.
type effEmit struct {
	actor.EffectBase
	Gen     uint64
	Event   string
	Payload any
}

// effStartTimer schedules (or replaces) the named timer.
type effStartTimer struct {
	actor.EffectBase
	Name  string
	Seq   uint64
	After time.Duration
}

type effCancelTimer struct {
	actor.EffectBase
	Name string
}

type effFetchConversations struct {
	actor.EffectBase
	Auth directory.Credentials
}

type effFetchThread struct {
	actor.EffectBase
	Auth directory.Credentials
	Peer types.PeerID
}

type effSendMessage struct {
	actor.EffectBase
	Auth    directory.Credentials
	TempID  types.ClientID
	Payload wire.SendMessagePayload
}

type effMarkRead struct {
	actor.EffectBase
	Auth directory.Credentials
	Call unread.Call
}

type effDeleteMessage struct {
	actor.EffectBase
	Auth  directory.Credentials
	Peer  types.PeerID
	ID    types.ServerID
	Reply chan error
}

// effPublish hands an update to subscribers.
type effPublish struct {
	actor.EffectBase
	Update Update
}

// effCompleteReply completes a pending command reply.
type effCompleteReply struct {
	actor.EffectBase
	Reply chan error
	Err   error
}

type effReplyView struct {
	actor.EffectBase
	Reply chan View
	View  View
}

// effDropped counts an inbound event the router could not deliver.
type effDropped struct {
	actor.EffectBase
	Event string
}
