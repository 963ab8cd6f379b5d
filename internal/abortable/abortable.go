// Package abortable models the uniform start/stop/abort lifecycle
// broadcast used by Consumer to coordinate everything it owns (the
// receive buffer's broker subscription, the listener consumer) without
// each having to know about the others.
package abortable

import "sync"

// Abortable is any resource exposing the three lifecycle verbs a
// Consumer broadcasts on connection start/stop/close.
type Abortable interface {
	// Start resumes normal operation (e.g. re-subscribing to the
	// broker).
	Start()
	// Stop quiesces the resource (cancels subscriptions) without
	// aborting waiters; buffered state may be resumed later.
	Stop()
	// Abort terminates the resource permanently, waking any parked
	// waiters with domain.ErrAborted.
	Abort()
}

// Set is a concurrency-safe bag of Abortables that broadcasts start,
// stop and abort to every member. Re-entrant broadcasts of the same
// action are no-ops, so a Stop triggered while a Stop is already
// in-flight on this Set does not double-stop members.
type Set struct {
	mu      sync.Mutex
	members []Abortable

	starting bool
	stopping bool
	aborting bool
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// Add registers a member. Safe to call concurrently with broadcasts.
func (s *Set) Add(a Abortable) {
	s.mu.Lock()
	s.members = append(s.members, a)
	s.mu.Unlock()
}

// Remove unregisters a member, used by resources that self-complete
// (e.g. a one-shot synchronous consumer removing itself on return).
func (s *Set) Remove(a Abortable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.members {
		if m == a {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return
		}
	}
}

// Start broadcasts Start to every current member, unless a Start is
// already in progress on this Set.
func (s *Set) Start() {
	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return
	}
	s.starting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	for _, m := range s.snapshot() {
		m.Start()
	}
}

// Stop broadcasts Stop to every current member, unless a Stop is
// already in progress on this Set.
func (s *Set) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stopping = false
		s.mu.Unlock()
	}()

	for _, m := range s.snapshot() {
		m.Stop()
	}
}

// Abort broadcasts Abort to every current member, unless an Abort is
// already in progress on this Set.
func (s *Set) Abort() {
	s.mu.Lock()
	if s.aborting {
		s.mu.Unlock()
		return
	}
	s.aborting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.aborting = false
		s.mu.Unlock()
	}()

	for _, m := range s.snapshot() {
		m.Abort()
	}
}

func (s *Set) snapshot() []Abortable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Abortable, len(s.members))
	copy(out, s.members)
	return out
}
