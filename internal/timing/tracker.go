// Package timing carries deadlines through the consumer core as
// TimeTracker values rather than raw durations, so that nested waits
// (gate → buffer → broker call) see an exact, monotonically-shrinking
// remaining budget instead of re-deriving it from a start time at each
// level.
package timing

import "time"

// Zero is the sentinel meaning "do not block" — the equivalent of JMS's
// receiveNoWait semantics.
var Zero = New(0)

// Infinite is the sentinel meaning "wait indefinitely" — the JMS
// convention that a zero-millisecond receive() timeout means forever.
var Infinite = Tracker{infinite: true}

// Tracker is an immutable deadline computed from a duration at
// construction time. Remaining() is monotonic-clock derived so it is
// unaffected by wall-clock adjustments.
type Tracker struct {
	deadline time.Time
	infinite bool
	zero     bool
}

// New returns a Tracker that expires after d. A duration of zero
// produces the Zero sentinel (non-blocking); a negative duration is
// clamped to zero.
func New(d time.Duration) Tracker {
	if d <= 0 {
		return Tracker{zero: true}
	}
	return Tracker{deadline: time.Now().Add(d)}
}

// NewFromTimeout maps the JMS receive(timeout) convention onto a
// Tracker: timeout == 0 means wait indefinitely, positive is
// milliseconds.
func NewFromTimeout(timeoutMs int64) Tracker {
	if timeoutMs == 0 {
		return Infinite
	}
	return New(time.Duration(timeoutMs) * time.Millisecond)
}

// IsZero reports whether this tracker never blocks.
func (t Tracker) IsZero() bool {
	return t.zero
}

// IsInfinite reports whether this tracker never times out.
func (t Tracker) IsInfinite() bool {
	return t.infinite
}

// Remaining returns the time left until the deadline. It saturates at
// zero for expired or zero trackers and is arbitrarily large (but
// finite, so it composes with context.WithTimeout) for infinite ones.
func (t Tracker) Remaining() time.Duration {
	switch {
	case t.zero:
		return 0
	case t.infinite:
		return time.Duration(1<<63 - 1)
	default:
		d := time.Until(t.deadline)
		if d < 0 {
			return 0
		}
		return d
	}
}

// TimedOut reports whether the deadline has already passed. A zero
// tracker is always considered timed out (there is nothing to wait
// for); an infinite tracker never is.
func (t Tracker) TimedOut() bool {
	if t.infinite {
		return false
	}
	if t.zero {
		return true
	}
	return !time.Now().Before(t.deadline)
}

// Deadline returns the absolute deadline and whether one exists. ok is
// false for an infinite tracker.
func (t Tracker) Deadline() (deadline time.Time, ok bool) {
	if t.infinite {
		return time.Time{}, false
	}
	return t.deadline, true
}
