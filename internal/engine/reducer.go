package engine

import (
	"sort"
	"strings"
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
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
)

// newState returns the initial engine state for cfg.
func newState(cfg Config) *State {
	s := &State{
		cfg:            cfg,
		conn:           connection.New(cfg.Connection),
		store:          store.New(),
		typing:         typing.New(cfg.Typing),
		self:           cfg.SelfID,
		presence:       make(map[types.PeerID]string),
		timers:         make(map[string]uint64),
		threadInFlight: make(map[types.PeerID]bool),
		dirtyThreads:   make(map[types.PeerID]bool),
	}
	s.outbox = outbox.New(cfg.Outbox, s.store)
	s.unread = unread.New(s.store)
	s.receipts = receipts.New(s.store, s.unread)
	s.router = ingest.NewRouter(s.self, s)
	s.router.OnDrop = func(event string, _ error) {
		s.emit(effDropped{Event: event})
	}
	return s
}

// Reduce is the engine reducer. State is mutated in place and returned; the
// effects describe the I/O the runtime must perform.
func Reduce(s *State, input actor.Input) (*State, []actor.Effect) {
	switch in := input.(type) {
	case cmdConnect:
		s.now = in.Now
		s.reduceConnect(in)
	case cmdDisconnect:
		s.reduceDisconnect(in)
	case cmdSelect:
		s.now = in.Now
		s.reduceSelect(in)
	case cmdSend:
		s.now = in.Now
		s.reduceSend(in)
	case cmdRetry:
		s.now = in.Now
		s.reduceRetry(in)
	case cmdKeypress:
		s.now = in.Now
		s.reduceKeypress(in)
	case cmdStopTyping:
		s.stopLocalTyping(in.Peer)
	case cmdDelete:
		s.reduceDelete(in)
	case cmdRefresh:
		s.requestSnapshot()
		if peer := s.receipts.Selected(); peer != "" {
			s.requestThread(peer)
		}
	case cmdView:
		s.now = in.Now
		s.emit(effReplyView{Reply: in.Reply, View: s.view(in.Peer)})

	case evTransportConnected:
		s.now = in.Now
		s.reduceTransportConnected(in)
	case evTransportDropped:
		s.now = in.Now
		s.reduceTransportDropped(in)
	case evTransportEvent:
		s.now = in.Now
		s.reduceTransportEvent(in)
	case evTimerFired:
		s.now = in.Now
		s.reduceTimerFired(in)
	case evConversationsFetched:
		s.now = in.Now
		s.reduceConversationsFetched(in)
	case evThreadFetched:
		s.now = in.Now
		s.reduceThreadFetched(in)
	case evSendDone:
		s.now = in.Now
		s.reduceSendDone(in)
	case evMarkReadDone:
		s.reduceMarkReadDone(in)
	case evDeleteDone:
		s.reduceDeleteDone(in)
	default:
		logger.Debugf("engine: ignoring input %T", input)
	}

	s.flush()
	fx := s.fx
	s.fx = nil
	return s, fx
}

func (s *State) emit(eff actor.Effect) { s.fx = append(s.fx, eff) }

func (s *State) publish(u Update) { s.emit(effPublish{Update: u}) }

func (s *State) reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	s.emit(effCompleteReply{Reply: ch, Err: err})
}

func (s *State) markThread(peer types.PeerID) {
	s.dirtyThreads[peer] = true
	s.dirtyConvs = true
}

// flush publishes the conversation list and threads touched by the input.
func (s *State) flush() {
	if s.dirtyConvs {
		s.dirtyConvs = false
		s.publish(Update{
			Kind:          UpdateConversations,
			Conversations: s.store.Conversations(),
			TotalUnread:   s.unread.Total(),
		})
	}
	if len(s.dirtyThreads) == 0 {
		return
	}
	peers := make([]types.PeerID, 0, len(s.dirtyThreads))
	for peer := range s.dirtyThreads {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, peer := range peers {
		s.publish(Update{Kind: UpdateThread, Peer: peer, Thread: s.store.Thread(peer)})
	}
	clear(s.dirtyThreads)
}

func (s *State) creds() directory.Credentials {
	return directory.Credentials{Token: s.token, Self: s.self}
}

func (s *State) connected() bool { return s.conn.State() == types.StateConnected }

// emitTransport sends an event on the open transport. Outside the Connected
// state emits are dropped; they are all best effort.
func (s *State) emitTransport(event string, payload any) {
	if !s.connected() {
		return
	}
	s.emit(effEmit{Gen: s.conn.Generation(), Event: event, Payload: payload})
}

// Timers

func timerKey(kind string, key string) string { return kind + ":" + key }

func (s *State) startTimer(name string, after time.Duration) {
	if after < 0 {
		after = 0
	}
	s.timerSeq++
	s.timers[name] = s.timerSeq
	s.emit(effStartTimer{Name: name, Seq: s.timerSeq, After: after})
}

func (s *State) cancelTimer(name string) {
	if _, ok := s.timers[name]; !ok {
		return
	}
	delete(s.timers, name)
	s.emit(effCancelTimer{Name: name})
}

func (s *State) reduceTimerFired(ev evTimerFired) {
	if seq, ok := s.timers[ev.Name]; !ok || seq != ev.Seq {
		return
	}
	delete(s.timers, ev.Name)

	kind, key, _ := strings.Cut(ev.Name, ":")
	switch kind {
	case timerReconnect:
		if plan, ok := s.conn.RetryDue(s.retryGen); ok {
			logger.Infof("engine: reconnecting (attempt %d)", plan.Attempt)
			s.applyPlan(plan)
		}
	case timerPollConversations:
		s.requestSnapshot()
		s.schedulePoll(timerPollConversations, s.cfg.ConversationPoll)
	case timerPollThread:
		if peer := s.receipts.Selected(); peer != "" {
			s.requestThread(peer)
			s.schedulePoll(timerPollThread, s.cfg.ThreadPoll)
		}
	case timerTypingLocal:
		peer := types.PeerID(key)
		stop, next := s.typing.LocalIdle(peer, s.now)
		switch {
		case stop:
			s.emitTransport(wire.EventTypingStop, typingPayload(peer))
		case !next.IsZero():
			s.startTimer(ev.Name, next.Sub(s.now))
		}
	case timerTypingRemote:
		peer := types.PeerID(key)
		cleared, next := s.typing.Expire(peer, s.now)
		switch {
		case cleared:
			s.publishTyping(peer)
		case !next.IsZero():
			s.startTimer(ev.Name, next.Sub(s.now))
		}
	case timerSendTimeout:
		tempID := types.ClientID(key)
		if s.outbox.InFlight(tempID) {
			s.sendFailed(tempID, outbox.ErrConfirmTimeout)
		}
	}
}

func (s *State) schedulePoll(name string, every time.Duration) {
	if every <= 0 || !s.connected() {
		return
	}
	s.startTimer(name, every)
}

func (s *State) startPolls() {
	s.schedulePoll(timerPollConversations, s.cfg.ConversationPoll)
	if s.receipts.Selected() != "" {
		s.schedulePoll(timerPollThread, s.cfg.ThreadPoll)
	}
}

func (s *State) stopPolls() {
	s.cancelTimer(timerPollConversations)
	s.cancelTimer(timerPollThread)
}

// Connection

func (s *State) reduceConnect(cmd cmdConnect) {
	plan, err := s.conn.Connect(cmd.Token)
	if err != nil {
		s.reply(cmd.Reply, err)
		return
	}
	if cmd.Self != "" && cmd.Self != s.self {
		if s.self != "" {
			logger.Infof("engine: user changed from %s to %s, dropping cached state", s.self, cmd.Self)
			s.resetSession()
		}
		s.self = cmd.Self
		s.router.SetSelf(cmd.Self)
	}
	s.token = cmd.Token
	s.applyPlan(plan)
	if plan.Open {
		// The directory does not depend on the transport.
		s.requestSnapshot()
	}
	s.reply(cmd.Reply, nil)
}

func (s *State) reduceDisconnect(cmd cmdDisconnect) {
	if peer := s.receipts.Selected(); peer != "" && s.typing.StopLocal(peer) {
		s.emitTransport(wire.EventTypingStop, typingPayload(peer))
		s.cancelTimer(timerKey(timerTypingLocal, string(peer)))
	}
	s.applyPlan(s.conn.Disconnect())
	s.stopPolls()
	s.reply(cmd.Reply, nil)
}

func (s *State) reduceTransportConnected(ev evTransportConnected) {
	plan, ok := s.conn.Connected(ev.Gen)
	if !ok {
		return
	}
	s.applyPlan(plan)
	s.emitTransport(wire.EventUserOnline, nil)

	// Anything may have happened while the transport was down.
	s.requestSnapshot()
	if peer := s.receipts.Selected(); peer != "" {
		s.requestThread(peer)
	}
	s.startPolls()
}

func (s *State) reduceTransportDropped(ev evTransportDropped) {
	plan, ok := s.conn.Dropped(ev.Gen, ev.Err)
	if !ok {
		return
	}
	s.applyPlan(plan)
	s.stopPolls()
}

// applyPlan turns a connection plan into effects.
func (s *State) applyPlan(plan connection.Plan) {
	if plan.CancelRetry {
		s.cancelTimer(timerReconnect)
	}
	if plan.Close {
		s.emit(effCloseTransport{Gen: plan.CloseGen})
	}
	if plan.Open {
		s.emit(effOpenTransport{Gen: plan.Gen, Token: plan.Token})
	}
	if plan.Retry {
		s.retryGen = plan.Gen
		s.startTimer(timerReconnect, plan.RetryIn)
	}
	if plan.Terminal != nil {
		logger.Errorf("engine: %v", plan.Terminal)
		s.publish(Update{Kind: UpdateError, Err: plan.Terminal})
	}
	if plan.Changed {
		s.publish(Update{Kind: UpdateConnection, Connection: s.conn.State()})
	}
}

func (s *State) reduceTransportEvent(ev evTransportEvent) {
	if ev.Gen != s.conn.Generation() {
		return
	}
	s.router.Handle(ingest.RawEvent{Name: ev.Name, Payload: ev.Payload})
}

// resetSession drops everything cached for the previous user.
func (s *State) resetSession() {
	s.store.Reset()
	s.outbox.Reset()
	s.typing.Reset()
	s.unread.Reset()
	s.receipts.Reset()
	clear(s.presence)
	clear(s.threadInFlight)
	for name := range s.timers {
		if name != timerReconnect {
			s.cancelTimer(name)
		}
	}
	s.dirtyConvs = true
}

// Snapshots

// requestSnapshot fetches the conversation list. Requests made while a fetch
// is in flight are coalesced into one follow-up fetch.
func (s *State) requestSnapshot() {
	if s.token == "" {
		return
	}
	if s.snapshotInFlight {
		s.snapshotAgain = true
		return
	}
	s.snapshotInFlight = true
	s.emit(effFetchConversations{Auth: s.creds()})
}

func (s *State) requestThread(peer types.PeerID) {
	if s.token == "" || peer == "" || s.threadInFlight[peer] {
		return
	}
	s.threadInFlight[peer] = true
	s.emit(effFetchThread{Auth: s.creds(), Peer: peer})
}

func (s *State) reduceConversationsFetched(ev evConversationsFetched) {
	s.snapshotInFlight = false
	if ev.Err != nil {
		logger.Warnf("engine: conversation snapshot failed: %v", ev.Err)
	} else if err := s.store.IngestSnapshot(ev.Convs); err != nil {
		logger.Warnf("engine: conversation snapshot rejected: %v", err)
	} else {
		// Zeroes of in-flight mark-reads survive the snapshot.
		s.unread.AfterSnapshot()
		s.dirtyConvs = true
		if peer := s.receipts.Selected(); peer != "" && s.store.Unread(peer) > 0 && !s.unread.InFlight(peer) {
			s.markRead(peer)
		}
	}
	if s.snapshotAgain {
		s.snapshotAgain = false
		s.requestSnapshot()
	}
}

func (s *State) reduceThreadFetched(ev evThreadFetched) {
	delete(s.threadInFlight, ev.Peer)
	if ev.Err != nil {
		logger.Warnf("engine: fetching thread with %s failed: %v", ev.Peer, ev.Err)
		return
	}
	n, err := s.store.IngestThread(ev.Peer, ev.Msgs)
	if err != nil {
		logger.Warnf("engine: thread with %s rejected: %v", ev.Peer, err)
		return
	}
	changed := n > 0
	if s.receipts.Viewing(ev.Peer) && s.store.MarkReceivedRead(ev.Peer) > 0 {
		changed = true
	}
	if changed {
		s.markThread(ev.Peer)
	}
}

// Read state

// markRead zeroes peer's count and tells the server.
func (s *State) markRead(peer types.PeerID) {
	s.store.MarkReceivedRead(peer)
	s.sendMarkRead(s.unread.MarkRead(peer))
	s.markThread(peer)
}

func (s *State) sendMarkRead(call unread.Call) {
	s.emit(effMarkRead{Auth: s.creds(), Call: call})
	s.emitTransport(wire.EventMarkAsRead, wire.MarkAsReadPayload{SenderID: string(call.Peer)})
}

func (s *State) reduceMarkReadDone(ev evMarkReadDone) {
	if ev.Err != nil {
		logger.Warnf("engine: mark-read for %s failed: %v", ev.Call.Peer, ev.Err)
	}
	if s.unread.MarkReadDone(ev.Call, ev.Err) {
		s.dirtyConvs = true
	}
}

func (s *State) reduceSelect(cmd cmdSelect) {
	prev := s.receipts.Selected()
	if prev != "" && prev != cmd.Peer {
		s.stopLocalTyping(prev)
		if s.typing.ClearRemote(prev, s.now) {
			s.publishTyping(prev)
		}
		s.cancelTimer(timerKey(timerTypingRemote, string(prev)))
	}

	sel := s.receipts.Select(cmd.Peer)
	if cmd.Peer == "" {
		s.cancelTimer(timerPollThread)
		return
	}
	if sel.MarkRead {
		s.sendMarkRead(sel.Call)
		s.dirtyConvs = true
	}
	if sel.Flipped > 0 || sel.MarkRead {
		s.markThread(cmd.Peer)
	}
	s.requestThread(cmd.Peer)
	s.cancelTimer(timerPollThread)
	s.schedulePoll(timerPollThread, s.cfg.ThreadPoll)
}

// Sending

func (s *State) reduceSend(cmd cmdSend) {
	req, err := s.outbox.Send(cmd.TempID, cmd.Peer, cmd.Content, cmd.Product, cmd.Now)
	if err != nil {
		s.reply(cmd.Reply, err)
		return
	}
	s.reply(cmd.Reply, nil)
	s.stopLocalTyping(cmd.Peer)
	s.markThread(cmd.Peer)
	s.perform(req)
}

func (s *State) reduceRetry(cmd cmdRetry) {
	req, err := s.outbox.Retry(cmd.TempID)
	if err != nil {
		s.reply(cmd.Reply, err)
		return
	}
	s.reply(cmd.Reply, nil)
	s.markThread(req.Peer)
	s.perform(req)
}

// perform issues a send request through its mode.
func (s *State) perform(req outbox.Request) {
	if s.token == "" {
		s.sendFailed(req.TempID, connection.ErrNoToken)
		return
	}
	switch req.Mode {
	case outbox.ModeTransport:
		if !s.connected() {
			s.sendFailed(req.TempID, ErrNotConnected)
			return
		}
		s.emitTransport(wire.EventSendMessage, req.Payload)
		s.startTimer(timerKey(timerSendTimeout, string(req.TempID)), s.outbox.Config().ConfirmTimeout)
	default:
		s.emit(effSendMessage{Auth: s.creds(), TempID: req.TempID, Payload: req.Payload})
	}
}

func (s *State) reduceSendDone(ev evSendDone) {
	if ev.Err != nil {
		s.sendFailed(ev.TempID, ev.Err)
		return
	}
	wasInFlight := s.outbox.InFlight(ev.TempID)
	res, err := s.outbox.Succeeded(ev.TempID, ev.Msg)
	if err != nil {
		logger.Warnf("engine: reconciling %s: %v", ev.TempID, err)
		return
	}
	s.markThread(ev.Msg.PeerID)
	if wasInFlight {
		s.publishSent(res.TempID)
	}
}

func (s *State) sendFailed(tempID types.ClientID, cause error) {
	s.cancelTimer(timerKey(timerSendTimeout, string(tempID)))
	changed, err := s.outbox.Failed(tempID, cause)
	if !changed {
		if err != nil {
			logger.Warnf("engine: marking %s failed: %v", tempID, err)
		}
		return
	}
	logger.Warnf("engine: send %s: %v", tempID, err)
	msg, _ := s.store.Message(tempID)
	s.markThread(msg.PeerID)
	s.publish(Update{Kind: UpdateSendFailed, Peer: msg.PeerID, TempID: tempID, Message: msg, Err: err})
}

func (s *State) publishSent(tempID types.ClientID) {
	msg, ok := s.store.Message(tempID)
	if !ok {
		return
	}
	s.publish(Update{Kind: UpdateSent, Peer: msg.PeerID, TempID: tempID, Message: msg})
}

func (s *State) reduceDelete(cmd cmdDelete) {
	if cmd.Peer == "" || cmd.ID == "" {
		s.reply(cmd.Reply, store.ErrInvalidArgument)
		return
	}
	if s.token == "" {
		s.reply(cmd.Reply, connection.ErrNoToken)
		return
	}
	s.emit(effDeleteMessage{Auth: s.creds(), Peer: cmd.Peer, ID: cmd.ID, Reply: cmd.Reply})
}

func (s *State) reduceDeleteDone(ev evDeleteDone) {
	if ev.Err == nil {
		if err := s.store.RemoveMessage(ev.Peer, ev.ID); err != nil {
			logger.Debugf("engine: removing deleted message %s: %v", ev.ID, err)
		} else {
			s.markThread(ev.Peer)
		}
	}
	s.reply(ev.Reply, ev.Err)
}

// Typing

func typingPayload(peer types.PeerID) wire.TypingPayload {
	return wire.TypingPayload{ReceiverID: string(peer), ConversationID: string(peer)}
}

func (s *State) reduceKeypress(cmd cmdKeypress) {
	if cmd.Peer == "" {
		return
	}
	start, idleAt := s.typing.Keypress(cmd.Peer, s.now)
	if !start {
		return
	}
	s.emitTransport(wire.EventTypingStart, typingPayload(cmd.Peer))
	s.startTimer(timerKey(timerTypingLocal, string(cmd.Peer)), idleAt.Sub(s.now))
}

func (s *State) stopLocalTyping(peer types.PeerID) {
	if !s.typing.StopLocal(peer) {
		return
	}
	s.emitTransport(wire.EventTypingStop, typingPayload(peer))
	s.cancelTimer(timerKey(timerTypingLocal, string(peer)))
}

func (s *State) publishTyping(peer types.PeerID) {
	s.publish(Update{Kind: UpdateTyping, Peer: peer, Typing: s.typing.Remote(peer, s.now)})
}

// View

func (s *State) view(peer types.PeerID) View {
	v := View{
		Self:          s.self,
		Connection:    s.conn.State(),
		LastError:     s.conn.LastError(),
		Selected:      s.receipts.Selected(),
		Conversations: s.store.Conversations(),
		TotalUnread:   s.unread.Total(),
		PendingSends:  s.outbox.Pending(),
		TypingPeers:   s.typing.RemoteAll(s.now),
	}
	if peer == "" {
		peer = v.Selected
	}
	if peer == "" {
		return v
	}
	v.Peer = peer
	v.Thread = s.store.Thread(peer)
	v.Typing = s.typing.Remote(peer, s.now)
	v.Presence = s.presence[peer]
	return v
}

// ingest.Consumer

var _ ingest.Consumer = (*State)(nil)

// MessageReceived implements ingest.Consumer.
func (s *State) MessageReceived(ev ingest.MessageEvent) {
	msg := ev.Message
	peer := msg.PeerID
	res, err := s.store.IngestMessage(msg, peer)
	if err != nil {
		logger.Warnf("engine: dropping received message: %v", err)
		return
	}
	s.store.SetDisplayName(peer, ev.PeerName)

	if res.Outcome == store.Inserted {
		s.markThread(peer)
		if !msg.IsRead {
			if call, ok := s.receipts.Received(peer); ok {
				s.sendMarkRead(call)
			}
		}
	}

	// A message ends the peer's typing.
	if s.typing.ClearRemote(peer, s.now) {
		s.publishTyping(peer)
	}
	s.cancelTimer(timerKey(timerTypingRemote, string(peer)))

	if ev.HasGlobalUnread && s.unread.GlobalTotal(ev.GlobalUnread) {
		s.requestSnapshot()
	}
}

// MessageEchoed implements ingest.Consumer.
func (s *State) MessageEchoed(ev ingest.MessageEvent) {
	msg := ev.Message
	res, err := s.store.IngestEcho(msg, msg.PeerID)
	if err != nil {
		logger.Warnf("engine: dropping echo: %v", err)
		return
	}
	s.store.SetDisplayName(msg.PeerID, ev.PeerName)
	switch res.Outcome {
	case store.Inserted, store.Confirmed:
		s.markThread(msg.PeerID)
	}
	if s.outbox.Settled(res.TempID) {
		s.cancelTimer(timerKey(timerSendTimeout, string(res.TempID)))
		s.publishSent(res.TempID)
	}
}

// UnreadCountChanged implements ingest.Consumer.
func (s *State) UnreadCountChanged(ev ingest.UnreadEvent) {
	if ev.Peer == "" {
		if s.unread.GlobalTotal(ev.Count) {
			s.requestSnapshot()
		}
		return
	}
	if !s.unread.Authoritative(ev.Peer, ev.Count) {
		// A conversation we have never seen: the list is stale.
		s.requestSnapshot()
		return
	}
	s.dirtyConvs = true
	if ev.Count > 0 && s.receipts.Viewing(ev.Peer) {
		s.markRead(ev.Peer)
	}
}

// PeerTyping implements ingest.Consumer.
func (s *State) PeerTyping(ev ingest.TypingEvent) {
	if ev.Peer == s.self {
		return
	}
	changed, expiresAt := s.typing.PeerTyping(ev.Peer, ev.IsTyping, s.now)
	name := timerKey(timerTypingRemote, string(ev.Peer))
	if ev.IsTyping {
		s.startTimer(name, expiresAt.Sub(s.now))
	} else {
		s.cancelTimer(name)
	}
	if changed {
		s.publishTyping(ev.Peer)
	}
}

// PeerStatusChanged implements ingest.Consumer.
func (s *State) PeerStatusChanged(ev ingest.StatusEvent) {
	if s.presence[ev.Peer] == ev.Status {
		return
	}
	s.presence[ev.Peer] = ev.Status
	s.publish(Update{
		Kind:     UpdatePresence,
		Peer:     ev.Peer,
		Presence: types.PresenceStatus{PeerID: ev.Peer, Status: ev.Status},
	})
}

// MessagesRead implements ingest.Consumer.
func (s *State) MessagesRead(ev ingest.ReadEvent) {
	if s.receipts.PeerRead(ev.Reader, ev.Cutoff, s.now) > 0 {
		s.markThread(ev.Reader)
	}
}
