package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory rooms. Rooms have no persistence of their own; an empty
// room is dropped and recreated on the next join.
type Hub struct {
	log *slog.Logger

	// onDrop is attached to every room created by this hub.
	onDrop func()

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:           log,
		conversations: make(map[string]*Conversation),
	}
}

// GetOrCreateConversation returns a stable in-memory room handle.
func (h *Hub) GetOrCreateConversation(conversationID string) *Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getOrCreateLocked(conversationID)
}

func (h *Hub) getOrCreateLocked(conversationID string) *Conversation {
	if c, ok := h.conversations[conversationID]; ok {
		return c
	}
	c := NewConversation(h.log, conversationID)
	c.dropped = h.onDrop
	h.conversations[conversationID] = c
	return c
}

// Join adds client to the room of conversationID and returns the room.
func (h *Hub) Join(conversationID string, client *Client) *Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.getOrCreateLocked(conversationID)
	c.Join(client)
	return c
}

// Leave removes sessionID from conv and drops the room once it is empty.
func (h *Hub) Leave(conv *Conversation, sessionID string) bool {
	if conv == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ok := conv.Leave(sessionID)
	if conv.Len() == 0 && h.conversations[conv.ID] == conv {
		delete(h.conversations, conv.ID)
	}
	return ok
}

// Lookup returns the live room for conversationID, if any.
func (h *Hub) Lookup(conversationID string) (*Conversation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conversations[conversationID]
	return c, ok
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conversations)
}
