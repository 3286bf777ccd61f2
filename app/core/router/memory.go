package router

import (
	"context"
	"sync"
	"time"
)

const undoTTL = 60 * time.Second

// ResponseMemory keeps the last agent-emitted message and at most one
// undoable action per session. Acknowledgments are never stored.
type ResponseMemory struct {
	mu          sync.Mutex
	lastMessage string
	undo        *undoable
	ttl         time.Duration
	now         func() time.Time
}

type undoable struct {
	description string
	handle      func(context.Context) error
	storedAt    time.Time
}

func NewResponseMemory() *ResponseMemory {
	return &ResponseMemory{ttl: undoTTL, now: time.Now}
}

func (m *ResponseMemory) StoreMessage(msg string) {
	if msg == "" {
		return
	}
	m.mu.Lock()
	m.lastMessage = msg
	m.mu.Unlock()
}

func (m *ResponseMemory) LastMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessage
}

func (m *ResponseMemory) StoreUndoable(description string, handle func(context.Context) error) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	m.undo = &undoable{description: description, handle: handle, storedAt: m.now()}
	m.mu.Unlock()
}

// Undo invokes the stored handle and returns the line to speak. The slot
// clears on use and lapses after the TTL.
func (m *ResponseMemory) Undo(ctx context.Context) string {
	m.mu.Lock()
	u := m.undo
	if u != nil && m.now().Sub(u.storedAt) > m.ttl {
		m.undo = nil
		u = nil
	}
	if u != nil {
		m.undo = nil
	}
	m.mu.Unlock()

	if u == nil {
		return "Nothing to undo."
	}
	if err := u.handle(ctx); err != nil {
		return "I couldn't undo that."
	}
	if u.description != "" {
		return "Undone: " + u.description
	}
	return "Undone."
}
