// Package gate implements the receive-admission gate described in
// spec.md §4.2: an OPEN/CLOSED/ABORTED state machine with an occupancy
// counter, used to admit synchronous receive() calls only while the
// connection is started and to drain them on stop/close.
package gate

import (
	"sync"
	"time"

	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/metrics"
	"github.com/Harsh-BH/amqp-consumer-core/internal/timing"
)

type state int

const (
	stateOpen state = iota
	stateClosed
	stateAborted
)

// Gate admits and drains concurrent receive() occupants. Waiters are
// woken by closing wake, the same broadcast-channel pattern used by
// ManagedConsumer's waitc in the reconnect path this core was adapted
// from: every state transition that should unblock a waiter replaces
// wake with a fresh, open channel after closing the old one.
type Gate struct {
	mu         sync.Mutex
	st         state
	occupancy  int
	generation uint64
	wake       chan struct{}
}

// New returns a Gate. If open is false the gate starts CLOSED, mirroring
// a Consumer constructed on an initially-paused connection.
func New(open bool) *Gate {
	g := &Gate{wake: make(chan struct{})}
	if !open {
		g.st = stateClosed
	}
	return g
}

// broadcast wakes every waiter parked in Enter/WaitToClear. g.mu must
// be held.
func (g *Gate) broadcast() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// Enter blocks while the gate is CLOSED until the gate opens (in which
// case it increments occupancy and returns true), the deadline expires
// (returns false, nil) or the gate is aborted for the waiter's
// generation (returns domain.ErrAborted).
func (g *Gate) Enter(deadline timing.Tracker) (bool, error) {
	for {
		g.mu.Lock()
		myGen := g.generation

		switch g.st {
		case stateOpen:
			g.occupancy++
			g.mu.Unlock()
			metrics.GateOccupancy.Inc()
			return true, nil
		case stateAborted:
			aborted := g.generation == myGen
			g.mu.Unlock()
			if aborted {
				return false, domain.ErrAborted
			}
			return false, nil
		}

		// CLOSED.
		if deadline.IsZero() {
			g.mu.Unlock()
			return false, nil
		}
		wake := g.wake
		g.mu.Unlock()

		if deadline.IsInfinite() {
			<-wake
			continue
		}
		if deadline.TimedOut() {
			return false, nil
		}
		select {
		case <-wake:
			continue
		case <-time.After(deadline.Remaining()):
			return false, nil
		}
	}
}

// Exit decrements occupancy and wakes any waitToClear callers once it
// reaches zero. Calling Exit without a matching successful Enter is a
// programming error.
func (g *Gate) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.occupancy == 0 {
		panic("gate: Exit without matching Enter")
	}
	g.occupancy--
	metrics.GateOccupancy.Dec()
	if g.occupancy == 0 {
		g.broadcast()
	}
}

// Open transitions the gate to OPEN and wakes all waiters so they can
// attempt to enter.
func (g *Gate) Open() {
	g.mu.Lock()
	g.st = stateOpen
	g.generation++
	g.broadcast()
	g.mu.Unlock()
}

// Close transitions the gate to CLOSED. New entrants block; existing
// occupants are unaffected.
func (g *Gate) Close() {
	g.mu.Lock()
	g.st = stateClosed
	g.mu.Unlock()
}

// AbortWaiters transitions the gate to ABORTED for the current
// generation and wakes all waiters so each returns domain.ErrAborted.
func (g *Gate) AbortWaiters() {
	g.mu.Lock()
	g.st = stateAborted
	g.broadcast()
	g.mu.Unlock()
}

// WaitToClear blocks until occupancy reaches zero or the deadline
// expires, returning true if occupancy cleared.
func (g *Gate) WaitToClear(deadline timing.Tracker) bool {
	for {
		g.mu.Lock()
		if g.occupancy == 0 {
			g.mu.Unlock()
			return true
		}
		if deadline.IsZero() {
			g.mu.Unlock()
			return false
		}
		wake := g.wake
		g.mu.Unlock()

		if deadline.IsInfinite() {
			<-wake
			continue
		}
		if deadline.TimedOut() {
			return false
		}
		select {
		case <-wake:
			continue
		case <-time.After(deadline.Remaining()):
			return false
		}
	}
}

// Occupancy returns the current occupant count, for tests and metrics.
func (g *Gate) Occupancy() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.occupancy
}
