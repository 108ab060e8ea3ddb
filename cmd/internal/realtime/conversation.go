package realtime

import (
	"log/slog"
	"sync"

	v1 "talentchat/shared/contracts/realtime/v1"
)

// Conversation is an in-memory room: membership + broadcast fanout.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Sequenced serializes persist+broadcast so every member observes the same order.
type Conversation struct {
	log *slog.Logger
	ID  string

	// dropped is invoked once per envelope dropped for a slow member.
	dropped func()

	seqMu sync.Mutex

	mu      sync.RWMutex
	members map[string]*Client
}

// NewConversation constructs a room.
func NewConversation(log *slog.Logger, id string) *Conversation {
	return &Conversation{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership. Joining twice is a no-op.
func (c *Conversation) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	_, already := c.members[client.SessionID]
	c.members[client.SessionID] = client
	c.mu.Unlock()

	if !already {
		c.log.Info("conversation.member.join", "conversation_id", c.ID, "session_id", client.SessionID, "user_id", client.UserID)
	}
}

// Leave removes a client from membership. It reports whether the client was a member.
// The client connection itself is not affected.
func (c *Conversation) Leave(sessionID string) bool {
	if c == nil || sessionID == "" {
		return false
	}

	c.mu.Lock()
	_, ok := c.members[sessionID]
	delete(c.members, sessionID)
	c.mu.Unlock()

	if ok {
		c.log.Info("conversation.member.leave", "conversation_id", c.ID, "session_id", sessionID)
	}
	return ok
}

// Has reports whether sessionID is currently a member.
func (c *Conversation) Has(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[sessionID]
	return ok
}

// Len returns the number of members.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Sequenced runs fn while holding the room's ordering lock.
func (c *Conversation) Sequenced(fn func()) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	fn()
}

// Broadcast fans an envelope out to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (c *Conversation) Broadcast(env v1.Envelope) {
	c.BroadcastExcept("", env)
}

// BroadcastExcept fans an envelope out to all members but skipSessionID.
func (c *Conversation) BroadcastExcept(skipSessionID string, env v1.Envelope) {
	if c == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, m := range c.members {
		if m == nil || id == skipSessionID {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole conversation.
			if c.dropped != nil {
				c.dropped()
			}
			c.log.Warn("conversation.broadcast.drop", "conversation_id", c.ID, "session_id", id, "type", env.Type)
		}
	}
}
