package gate_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/gate"
	"github.com/Harsh-BH/amqp-consumer-core/internal/timing"
)

func TestGate_ClosedRejectsNoWaitEntry(t *testing.T) {
	g := gate.New(false)
	ok, err := g.Enter(timing.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected Enter to fail with Zero deadline on a CLOSED gate")
	}
}

func TestGate_OpenAdmitsImmediately(t *testing.T) {
	g := gate.New(true)
	ok, err := g.Enter(timing.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected Enter to succeed on an OPEN gate")
	}
	if g.Occupancy() != 1 {
		t.Errorf("expected occupancy 1, got %d", g.Occupancy())
	}
	g.Exit()
	if g.Occupancy() != 0 {
		t.Errorf("expected occupancy 0 after Exit, got %d", g.Occupancy())
	}
}

func TestGate_OpenWakesParkedWaiter(t *testing.T) {
	g := gate.New(false)
	result := make(chan bool, 1)

	go func() {
		ok, _ := g.Enter(timing.Infinite)
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	g.Open()

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("expected waiter to be admitted once gate opened")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken by Open()")
	}
}

func TestGate_AbortWaitersReturnsErrAborted(t *testing.T) {
	g := gate.New(false)
	result := make(chan error, 1)

	go func() {
		_, err := g.Enter(timing.Infinite)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	g.AbortWaiters()

	select {
	case err := <-result:
		if !errors.Is(err, domain.ErrAborted) {
			t.Fatalf("expected domain.ErrAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken by AbortWaiters()")
	}
}

func TestGate_EnterTimesOutWithoutOpening(t *testing.T) {
	g := gate.New(false)
	start := time.Now()
	ok, err := g.Enter(timing.New(30 * time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected Enter to time out on a gate that never opens")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("expected Enter to actually wait out its deadline")
	}
}

func TestGate_WaitToClearBlocksUntilOccupancyDrains(t *testing.T) {
	g := gate.New(true)
	ok, _ := g.Enter(timing.Zero)
	if !ok {
		t.Fatal("setup: expected Enter to succeed")
	}

	cleared := make(chan bool, 1)
	go func() {
		cleared <- g.WaitToClear(timing.Infinite)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-cleared:
		t.Fatal("expected WaitToClear to still be blocked while occupant is present")
	default:
	}

	g.Exit()

	select {
	case ok := <-cleared:
		if !ok {
			t.Fatal("expected WaitToClear to return true once occupancy reached zero")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitToClear never woke after Exit()")
	}
}

func TestGate_ExitWithoutEnterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Exit without a matching Enter to panic")
		}
	}()
	gate.New(true).Exit()
}
