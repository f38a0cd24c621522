package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// Typing Signal Timer
// ============================================================================

type typingState struct {
	timer *time.Timer
	gen   uint64
}

// TypingTimer tracks which peers are typing. Each peer has at most one expiry
// timer; a renewed signal replaces it instead of stacking a second one.
type TypingTimer struct {
	mu       sync.Mutex
	timeout  time.Duration
	peers    map[string]*typingState
	gen      uint64
	onChange func(peerID string, typing bool)
}

// NewTypingTimer creates a timer. onChange, if set, is called outside the
// internal lock whenever a peer's flag flips.
func NewTypingTimer(timeout time.Duration, onChange func(peerID string, typing bool)) *TypingTimer {
	return &TypingTimer{
		timeout:  timeout,
		peers:    make(map[string]*typingState),
		onChange: onChange,
	}
}

// Start marks peerID as typing and restarts its countdown.
func (t *TypingTimer) Start(peerID string) {
	t.mu.Lock()
	st, wasTyping := t.peers[peerID]
	if wasTyping {
		st.timer.Stop()
	} else {
		st = &typingState{}
		t.peers[peerID] = st
	}
	t.gen++
	gen := t.gen
	st.gen = gen
	st.timer = time.AfterFunc(t.timeout, func() { t.expire(peerID, gen) })
	t.mu.Unlock()

	if !wasTyping {
		t.notify(peerID, true)
	}
}

// Stop clears peerID's flag and timer.
func (t *TypingTimer) Stop(peerID string) {
	t.mu.Lock()
	st, ok := t.peers[peerID]
	if ok {
		st.timer.Stop()
		delete(t.peers, peerID)
	}
	t.mu.Unlock()

	if ok {
		t.notify(peerID, false)
	}
}

// expire runs on timer fire. A timer that was replaced before it fired
// carries an old generation and is ignored.
func (t *TypingTimer) expire(peerID string, gen uint64) {
	t.mu.Lock()
	st, ok := t.peers[peerID]
	if !ok || st.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.peers, peerID)
	t.mu.Unlock()

	t.notify(peerID, false)
}

// IsTyping reports whether peerID is currently typing.
func (t *TypingTimer) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peerID]
	return ok
}

// Reset stops every timer without notifying.
func (t *TypingTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, st := range t.peers {
		st.timer.Stop()
		delete(t.peers, id)
	}
}

func (t *TypingTimer) notify(peerID string, typing bool) {
	if t.onChange == nil {
		return
	}
	defer func() { recover() }() // swallow panics in user callbacks
	t.onChange(peerID, typing)
}
