package client

import (
	"sync"

	"github.com/adewale/keyboardia-sub010/internal/session"
)

// StateHandle is a stable reference cell around the client's local copy
// of the session document. Long-lived effects (a resync loop, a render
// subscription) must capture the handle, never the state: the handle's
// identity survives every mutation, so a state change gives such an
// effect no reason to re-fire or re-subscribe.
type StateHandle struct {
	mu    sync.RWMutex
	state session.State
}

func NewStateHandle(initial session.State) *StateHandle {
	return &StateHandle{state: initial.Clone()}
}

// Get returns a deep copy of the current document.
func (h *StateHandle) Get() session.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Clone()
}

// Set replaces the document wholesale, as applying a snapshot does.
func (h *StateHandle) Set(s session.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s.Clone()
}

// Update mutates the document in place under the handle's lock.
func (h *StateHandle) Update(fn func(*session.State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.state)
}

// View runs fn with read access to the live document, skipping the
// copy Get makes. fn must not mutate or retain the state.
func (h *StateHandle) View(fn func(*session.State)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(&h.state)
}
