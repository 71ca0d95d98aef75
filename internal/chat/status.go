package chat

import (
	"sync"

	"github.com/supportsync/supportsync-go/internal/domain"
)

// Update is one observed change to the connectivity state or error slot.
type Update struct {
	State domain.ConnState
	Err   string
}

// Status is the error/status surface consumed by the presentation layer:
// an observable connectivity state plus a single current-error slot. The
// slot holds the most recent failure and is explicitly dismissible.
type Status struct {
	mu       sync.Mutex
	state    domain.ConnState
	errMsg   string
	watchers map[int]chan Update
	nextID   int
}

// NewStatus creates a status surface in the Disconnected state.
func NewStatus() *Status {
	return &Status{
		state:    domain.StateDisconnected,
		watchers: make(map[int]chan Update),
	}
}

// State returns the current connectivity state.
func (s *Status) State() domain.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the current user-visible error, empty when none.
func (s *Status) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Clear dismisses the current error.
func (s *Status) Clear() {
	s.mu.Lock()
	s.errMsg = ""
	s.notifyLocked()
	s.mu.Unlock()
}

// Watch registers an observer for state/error changes. The returned cancel
// func releases the subscription.
func (s *Status) Watch() (<-chan Update, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan Update, 16)
	s.watchers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Status) setState(st domain.ConnState) {
	s.mu.Lock()
	if s.state != st {
		s.state = st
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// fail overwrites the error slot with the most recent failure.
func (s *Status) fail(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Status) notifyLocked() {
	u := Update{State: s.state, Err: s.errMsg}
	for _, ch := range s.watchers {
		select {
		case ch <- u:
		default:
		}
	}
}
