package receivebuffer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/broker"
	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/receivebuffer"
	"github.com/Harsh-BH/amqp-consumer-core/internal/timing"
)

func TestBuffer_NoWaitReturnsFalseOnEmptyQueue(t *testing.T) {
	m := broker.NewMock()
	buf := receivebuffer.New(m, "q", false, 5, zap.NewNop())

	_, ok, err := buf.Get(context.Background(), timing.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no message on an empty queue")
	}
}

func TestBuffer_NoWaitReturnsEnqueuedMessage(t *testing.T) {
	m := broker.NewMock()
	m.Enqueue("q", []byte("hello"))
	buf := receivebuffer.New(m, "q", false, 5, zap.NewNop())

	resp, ok, err := buf.Get(context.Background(), timing.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a message")
	}
	if string(resp.Body) != "hello" {
		t.Errorf("expected body %q, got %q", "hello", resp.Body)
	}
}

func TestBuffer_BlockingGetSubscribesAndDrainsFIFO(t *testing.T) {
	m := broker.NewMock()
	buf := receivebuffer.New(m, "q", false, 5, zap.NewNop())

	done := make(chan domain.Response, 1)
	go func() {
		resp, ok, err := buf.Get(context.Background(), timing.New(time.Second))
		if err != nil || !ok {
			t.Errorf("expected a delivered message, got ok=%v err=%v", ok, err)
		}
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	m.Enqueue("q", []byte("pushed"))

	select {
	case resp := <-done:
		if string(resp.Body) != "pushed" {
			t.Errorf("expected body %q, got %q", "pushed", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("Get never returned after a message was pushed")
	}
}

func TestBuffer_AmortizesOneSubscriptionAcrossManyGets(t *testing.T) {
	m := broker.NewMock()
	var consumeCalls int
	m.BasicConsumeFn = func(queue, tag string) error {
		consumeCalls++
		return nil
	}
	buf := receivebuffer.New(m, "q", false, 5, zap.NewNop())

	for i := 0; i < 3; i++ {
		m.Enqueue("q", []byte("msg"))
	}

	for i := 0; i < 3; i++ {
		_, ok, err := buf.Get(context.Background(), timing.New(time.Second))
		if err != nil || !ok {
			t.Fatalf("get %d: expected a message, got ok=%v err=%v", i, ok, err)
		}
	}

	if consumeCalls != 1 {
		t.Errorf("expected exactly 1 basic.consume for a batch of 3 within budget 5, got %d", consumeCalls)
	}
}

func TestBuffer_AbortWakesWaitersAndNacksDiscarded(t *testing.T) {
	m := broker.NewMock()
	buf := receivebuffer.New(m, "q", false, 5, zap.NewNop())

	// Push three messages: the priming Get below takes the first, the
	// waiter may take the second, and at least the third is still in
	// the FIFO unconsumed when Abort runs.
	m.Enqueue("q", []byte("first"))
	m.Enqueue("q", []byte("second"))
	m.Enqueue("q", []byte("third"))

	// Prime the subscription and let the first message flow through,
	// leaving the rest buffered.
	_, ok, err := buf.Get(context.Background(), timing.New(time.Second))
	if err != nil || !ok {
		t.Fatalf("expected first message, got ok=%v err=%v", ok, err)
	}
	time.Sleep(20 * time.Millisecond) // let the remaining deliveries land in the FIFO

	waitResult := make(chan error, 1)
	go func() {
		_, _, err := buf.Get(context.Background(), timing.Infinite)
		waitResult <- err
	}()
	time.Sleep(20 * time.Millisecond)

	buf.Abort()

	select {
	case err := <-waitResult:
		// The buffered "second" message may have been handed out before
		// Abort ran; either outcome is valid so long as Abort does not
		// hang. If it wasn't handed out, Abort must report it aborted.
		if err != nil && !errors.Is(err, domain.ErrAborted) {
			t.Fatalf("expected nil or domain.ErrAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get never returned after Abort()")
	}

	if len(m.NackedTags) == 0 {
		t.Fatal("expected Abort to nack the responses still buffered in the FIFO")
	}
	for _, tag := range m.NackedTags {
		if !m.NackRequeued[tag] {
			t.Errorf("expected discarded delivery %d to be nacked with requeue=true", tag)
		}
	}

	_, ok, err = buf.Get(context.Background(), timing.Zero)
	if !errors.Is(err, domain.ErrAborted) {
		t.Fatalf("expected domain.ErrAborted from a buffer used after Abort, got ok=%v err=%v", ok, err)
	}
}

// A Get caller's own ctx being cancelled (the "thread interruption"
// path, spec.md §5/§7) must not tear down the shared subscription: it
// is amortized across every receive() caller, not owned by whichever
// one happened to trigger it (spec.md §4.3).
func TestBuffer_CallerCtxCancelDoesNotKillSharedSubscription(t *testing.T) {
	m := broker.NewMock()
	buf := receivebuffer.New(m, "q", false, 5, zap.NewNop())

	interruptedCtx, cancel := context.WithCancel(context.Background())
	firstResult := make(chan error, 1)
	go func() {
		_, _, err := buf.Get(interruptedCtx, timing.Infinite)
		firstResult <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the first Get trigger ensureSubscribed
	cancel()                          // simulate the first caller being interrupted

	select {
	case err := <-firstResult:
		if err != nil {
			t.Fatalf("expected the interrupted Get to return nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("interrupted Get never returned")
	}

	// A second, uninterrupted caller must still be served by the same
	// (still-live) subscription rather than blocking forever.
	second := make(chan domain.Response, 1)
	go func() {
		resp, ok, err := buf.Get(context.Background(), timing.New(time.Second))
		if err != nil || !ok {
			t.Errorf("expected a delivered message for the second caller, got ok=%v err=%v", ok, err)
		}
		second <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	m.Enqueue("q", []byte("still-alive"))

	select {
	case resp := <-second:
		if string(resp.Body) != "still-alive" {
			t.Errorf("expected body %q, got %q", "still-alive", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("second Get never returned: shared subscription was killed by the first caller's ctx cancellation")
	}
}
