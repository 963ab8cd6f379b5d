package abortable_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harsh-BH/amqp-consumer-core/internal/abortable"
)

type fakeMember struct {
	starts atomic.Int32
	stops  atomic.Int32
	aborts atomic.Int32
}

func (f *fakeMember) Start() { f.starts.Add(1) }
func (f *fakeMember) Stop()  { f.stops.Add(1) }
func (f *fakeMember) Abort() { f.aborts.Add(1) }

func TestSet_BroadcastsToAllMembers(t *testing.T) {
	s := abortable.New()
	a := &fakeMember{}
	b := &fakeMember{}
	s.Add(a)
	s.Add(b)

	s.Start()
	s.Stop()
	s.Abort()

	for name, m := range map[string]*fakeMember{"a": a, "b": b} {
		if m.starts.Load() != 1 {
			t.Errorf("%s: expected 1 Start, got %d", name, m.starts.Load())
		}
		if m.stops.Load() != 1 {
			t.Errorf("%s: expected 1 Stop, got %d", name, m.stops.Load())
		}
		if m.aborts.Load() != 1 {
			t.Errorf("%s: expected 1 Abort, got %d", name, m.aborts.Load())
		}
	}
}

func TestSet_RemoveStopsFurtherBroadcasts(t *testing.T) {
	s := abortable.New()
	a := &fakeMember{}
	s.Add(a)
	s.Remove(a)

	s.Start()

	if a.starts.Load() != 0 {
		t.Errorf("expected removed member to receive no broadcasts, got %d starts", a.starts.Load())
	}
}

// reentrantStop calls Set.Stop() from within a member's Stop(), modeling
// a member that triggers its own parent Set during teardown. The
// re-entrancy guard must prevent infinite recursion / double Stop.
type reentrantStop struct {
	set     *abortable.Set
	entered atomic.Int32
}

func (r *reentrantStop) Start() {}
func (r *reentrantStop) Abort() {}
func (r *reentrantStop) Stop() {
	r.entered.Add(1)
	r.set.Stop()
}

func TestSet_StopIsReentrantSafe(t *testing.T) {
	s := abortable.New()
	r := &reentrantStop{set: s}
	s.Add(r)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Set.Stop() deadlocked on re-entrant Stop call")
	}

	if r.entered.Load() != 1 {
		t.Errorf("expected exactly 1 entry into Stop(), got %d", r.entered.Load())
	}
}
