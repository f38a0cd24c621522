package chatsync

import (
	"context"
	"encoding/json"
	"sync"
)

// ============================================================================
// Push Channel Contract
// ============================================================================

// AckFunc receives the server's acknowledgement of an emission: the response
// payload on success, or a non-nil error.
type AckFunc func(data json.RawMessage, err error)

// PushChannel is the write side of the persistent connection. The engine
// never owns the connection lifecycle; it only emits through it.
type PushChannel interface {
	// Emit sends a fire-and-forget event.
	Emit(ctx context.Context, event string, payload any) error
	// EmitWithAck sends an event and calls ack exactly once, asynchronously,
	// with the server's response.
	EmitWithAck(ctx context.Context, event string, payload any, ack AckFunc) error
}

// ============================================================================
// Session
// ============================================================================

// Session is what the authenticated session provides to the engine.
type Session struct {
	UserID  string
	Channel PushChannel
	Online  *PresenceSet
}

// PresenceSet is a goroutine-safe set of online user ids.
type PresenceSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewPresenceSet creates a set holding ids.
func NewPresenceSet(ids ...string) *PresenceSet {
	s := &PresenceSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// IsOnline reports whether userID is online.
func (s *PresenceSet) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[userID]
	return ok
}

// Add marks userID online and reports whether it was offline before.
func (s *PresenceSet) Add(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[userID]; ok {
		return false
	}
	s.ids[userID] = struct{}{}
	return true
}

// Remove marks userID offline.
func (s *PresenceSet) Remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, userID)
}

// Reset replaces the whole set.
func (s *PresenceSet) Reset(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

// Len returns the number of online users.
func (s *PresenceSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
