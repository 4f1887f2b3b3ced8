package server

import "sync"

// Slot holds the active State. Readers copy the pointer out under the read
// lock and never hold it while a script runs.
type Slot struct {
	mu    sync.RWMutex
	state *State
}

// NewSlot returns a slot holding s, which may be nil.
func NewSlot(s *State) *Slot {
	return &Slot{state: s}
}

// Load returns the active state, or nil before the first successful build.
func (s *Slot) Load() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Swap installs next and returns the state it replaced.
func (s *Slot) Swap(next *State) *State {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	return prev
}
