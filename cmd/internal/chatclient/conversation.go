package chatclient

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/jonboulle/clockwork"
)

// SendState is the status of the most recent send of a Conversation.
type SendState int

const (
	SendIdle SendState = iota
	SendSending
	SendAcknowledged
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendSending:
		return "sending"
	case SendAcknowledged:
		return "acknowledged"
	case SendFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Conversation is the client view of one conversation: an ordered message
// log, remote typing indicators and read receipts, kept current from the
// Manager's events. Every delivered message goes through the same duplicate
// check, whether it arrived as a send acknowledgement, a room broadcast or a
// history page.
type Conversation struct {
	m      *Manager
	id     string
	userID string
	log    *slog.Logger

	mu          sync.Mutex
	msgs        []v1.Message
	index       map[string]int
	lastSeq     int64
	dedup       *dedupWindow
	typing      map[string]bool
	typingTimer clockwork.Timer
	typingSeq   uint64
	localTyping bool
	sendState   SendState
	closed      bool

	updates listeners[struct{}]
	unsub   []func()
}

// Open joins conversationID and returns its view. userID identifies the local
// user, whose own typing echoes are ignored.
func (m *Manager) Open(conversationID, userID string) *Conversation {
	c := &Conversation{
		m:      m,
		id:     strings.TrimSpace(conversationID),
		userID: userID,
		log:    m.log.With("conversation_id", conversationID),
		index:  make(map[string]int),
		dedup:  newDedupWindow(m.cfg.DedupSize, m.cfg.DedupTTL),
		typing: make(map[string]bool),
	}
	c.unsub = append(c.unsub,
		m.OnNewMessage(func(msg v1.Message) {
			if msg.ConversationID == c.id {
				c.deliver(msg)
			}
		}),
		m.OnMessageRead(c.applyRead),
		m.OnTyping(c.applyTyping),
	)
	if err := m.JoinConversation(context.Background(), c.id); err != nil {
		c.log.Warn("chat.join.fail", "err", err)
	}
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// OnUpdate subscribes to changes of the log, receipts or typing indicators.
func (c *Conversation) OnUpdate(fn func()) (unsubscribe func()) {
	return c.updates.add(func(struct{}) { fn() })
}

// Messages returns a snapshot of the log in arrival order.
func (c *Conversation) Messages() []v1.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.Message, len(c.msgs))
	for i, msg := range c.msgs {
		out[i] = cloneMessage(msg)
	}
	return out
}

// RemoteTyping reports whether any other user is typing.
func (c *Conversation) RemoteTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.typing) > 0
}

// TypingUsers returns the other users currently typing.
func (c *Conversation) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typing))
	for u := range c.typing {
		out = append(out, u)
	}
	return out
}

// SendState returns the status of the most recent send.
func (c *Conversation) SendState() SendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendState
}

// Seed merges an initial history page ahead of live messages. Messages
// already in the log are skipped.
func (c *Conversation) Seed(history []v1.Message) {
	c.mu.Lock()
	now := c.m.clock.Now()
	var older []v1.Message
	for _, msg := range history {
		if msg.ConversationID != "" && msg.ConversationID != c.id {
			continue
		}
		if _, ok := c.index[msg.ID]; ok {
			continue
		}
		c.dedup.observe(msg.ID, now)
		c.index[msg.ID] = -1
		older = append(older, cloneMessage(msg))
	}
	if len(older) == 0 {
		c.mu.Unlock()
		return
	}
	c.msgs = append(older, c.msgs...)
	for i, msg := range c.msgs {
		c.index[msg.ID] = i
		if msg.Seq > c.lastSeq {
			c.lastSeq = msg.Seq
		}
	}
	c.mu.Unlock()
	c.updates.emit(struct{}{})
}

// SendMessage sends content and blocks until the server acknowledges it with
// the persisted message. The acknowledged message is in the log when
// SendMessage returns. Cancelling ctx abandons the wait.
func (c *Conversation) SendMessage(ctx context.Context, content string) (v1.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return v1.Message{}, ErrEmptyContent
	}
	if c.isClosed() {
		return v1.Message{}, ErrClosed
	}
	if c.m.ActiveConversation() != c.id {
		return v1.Message{}, c.sendFailed(ErrNotJoined)
	}
	socketID := c.m.SocketID()
	if socketID == "" {
		return v1.Message{}, c.sendFailed(ErrNotConnected)
	}

	c.setSendState(SendSending)
	requestID := newRequestID(socketID, c.m.clock.Now())
	ch := c.m.addPending(requestID, func(msg v1.Message) {
		if msg.ConversationID == c.id {
			c.deliver(msg)
		}
	})
	defer c.m.dropPending(requestID)

	err := c.m.emit(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: c.id,
		Content:        content,
		RequestID:      requestID,
	})
	if err != nil {
		return v1.Message{}, c.sendFailed(err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return v1.Message{}, c.sendFailed(res.err)
		}
		c.setSendState(SendAcknowledged)
		return res.msg, nil
	case <-ctx.Done():
		return v1.Message{}, c.sendFailed(ctx.Err())
	}
}

func (c *Conversation) sendFailed(err error) error {
	c.setSendState(SendFailed)
	c.log.Warn("chat.send.fail", "err", err)
	c.m.cfg.Notifier.Notify(Notice{Kind: NoticeSendFailed, Message: MsgSendFailed, Err: err})
	return err
}

func (c *Conversation) setSendState(s SendState) {
	c.mu.Lock()
	c.sendState = s
	c.mu.Unlock()
}

// SendTyping announces that the local user is typing. The indicator is
// withdrawn automatically after the typing timeout unless SendTyping is
// called again.
func (c *Conversation) SendTyping() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingSeq++
	seq := c.typingSeq
	c.localTyping = true
	c.typingTimer = c.m.clock.AfterFunc(c.m.cfg.TypingTimeout, func() { c.typingIdle(seq) })
	c.mu.Unlock()

	c.m.emitBestEffort(v1.TypeTyping, v1.TypingPayload{ConversationID: c.id})
}

// StopTyping withdraws the local typing indicator.
func (c *Conversation) StopTyping() {
	c.mu.Lock()
	c.cancelTypingLocked()
	c.mu.Unlock()
	c.m.emitBestEffort(v1.TypeStopTyping, v1.TypingPayload{ConversationID: c.id})
}

func (c *Conversation) cancelTypingLocked() (wasTyping bool) {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingSeq++
	wasTyping = c.localTyping
	c.localTyping = false
	return wasTyping
}

func (c *Conversation) typingIdle(seq uint64) {
	c.mu.Lock()
	if seq != c.typingSeq || !c.localTyping {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	c.typingTimer = nil
	c.mu.Unlock()
	c.m.emitBestEffort(v1.TypeStopTyping, v1.TypingPayload{ConversationID: c.id})
}

// MarkMessageAsRead reports messageID as read by the local user. The receipt
// is applied when the server broadcasts it back.
func (c *Conversation) MarkMessageAsRead(ctx context.Context, messageID string) error {
	err := c.m.emit(ctx, v1.TypeMarkMessageRead, v1.MarkMessageReadPayload{MessageID: messageID})
	if err != nil {
		c.log.Warn("chat.read.fail", "message_id", messageID, "err", err)
	}
	return err
}

// Close unsubscribes the view, withdraws a pending typing indicator and
// leaves the conversation if it is still the active one.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasTyping := c.cancelTypingLocked()
	c.mu.Unlock()

	for _, u := range c.unsub {
		u()
	}
	if wasTyping {
		c.m.emitBestEffort(v1.TypeStopTyping, v1.TypingPayload{ConversationID: c.id})
	}
	if err := c.m.LeaveConversation(context.Background(), c.id); err != nil {
		c.log.Debug("chat.leave.fail", "err", err)
	}
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ---- inbound ----

func (c *Conversation) deliver(msg v1.Message) {
	c.mu.Lock()
	if c.dedup.observe(msg.ID, c.m.clock.Now()) {
		c.mu.Unlock()
		c.log.Debug("chat.message.duplicate", "message_id", msg.ID)
		return
	}
	if _, ok := c.index[msg.ID]; ok {
		c.mu.Unlock()
		return
	}
	switch {
	case c.lastSeq > 0 && msg.Seq > c.lastSeq+1:
		c.log.Debug("chat.message.gap", "last_seq", c.lastSeq, "seq", msg.Seq)
	case msg.Seq != 0 && msg.Seq <= c.lastSeq:
		c.log.Debug("chat.message.out_of_order", "last_seq", c.lastSeq, "seq", msg.Seq)
	}
	if msg.Seq > c.lastSeq {
		c.lastSeq = msg.Seq
	}
	c.index[msg.ID] = len(c.msgs)
	c.msgs = append(c.msgs, cloneMessage(msg))
	c.mu.Unlock()
	c.updates.emit(struct{}{})
}

func (c *Conversation) applyRead(p v1.MessageReadPayload) {
	if p.ConversationID != "" && p.ConversationID != c.id {
		return
	}
	c.mu.Lock()
	i, ok := c.index[p.MessageID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, rs := range c.msgs[i].ReadStatuses {
		if rs.UserID == p.UserID {
			c.mu.Unlock()
			return
		}
	}
	readAt := p.ReadAt
	if readAt.IsZero() {
		readAt = c.m.clock.Now().UTC()
	}
	c.msgs[i].ReadStatuses = append(c.msgs[i].ReadStatuses, v1.ReadStatus{UserID: p.UserID, ReadAt: readAt})
	c.mu.Unlock()
	c.updates.emit(struct{}{})
}

func (c *Conversation) applyTyping(ev TypingEvent) {
	if ev.ConversationID != c.id || ev.UserID == "" || ev.UserID == c.userID {
		return
	}
	c.mu.Lock()
	changed := c.typing[ev.UserID] != ev.Typing
	if ev.Typing {
		c.typing[ev.UserID] = true
	} else {
		delete(c.typing, ev.UserID)
	}
	c.mu.Unlock()
	if changed {
		c.updates.emit(struct{}{})
	}
}

func cloneMessage(msg v1.Message) v1.Message {
	msg.ReadStatuses = append([]v1.ReadStatus(nil), msg.ReadStatuses...)
	return msg
}
