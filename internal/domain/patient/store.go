package patient

import (
	"sync"
	"time"
)

// Listener is notified after every dispatch with the action and the state
// it produced.
type Listener func(a Action, s State)

// Store owns the current State. All mutations go through Dispatch, which is
// serialized; listeners run inside that serialization so they observe states
// in dispatch order. A listener must not call Dispatch.
type Store struct {
	dispatchMu sync.Mutex

	mu        sync.RWMutex
	state     State
	listeners []*subscription
	now       func() time.Time
}

type subscription struct {
	fn Listener
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the clock used to stamp UpdatePatient actions.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithInitialState seeds the store.
func WithInitialState(st State) StoreOption {
	return func(s *Store) { s.state = st }
}

// NewStore creates a store holding the empty initial state.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		state: NewState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dispatch applies a and notifies listeners. It returns the new state.
func (s *Store) Dispatch(a Action) State {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatchLocked(a)
}

// Update derives an action from the current state and dispatches it without
// letting another dispatch in between. fn returning false dispatches
// nothing; Update then reports false with the unchanged state. fn must not
// call back into the store.
func (s *Store) Update(fn func(State) (Action, bool)) (State, bool) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	a, ok := fn(s.State())
	if !ok {
		return s.State(), false
	}
	return s.dispatchLocked(a), true
}

// dispatchLocked must be called with dispatchMu held.
func (s *Store) dispatchLocked(a Action) State {
	a = deref(a)
	if up, ok := a.(UpdatePatient); ok && up.At.IsZero() {
		up.At = s.now()
		a = up
	}

	s.mu.Lock()
	next := Apply(s.state, a)
	s.state = next
	subs := append([]*subscription(nil), s.listeners...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(a, next)
	}
	return next
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	sub := &subscription{fn: l}
	s.mu.Lock()
	s.listeners = append(s.listeners, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range s.listeners {
			if existing == sub {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}
