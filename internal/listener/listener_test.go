package listener_test

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/broker"
	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/listener"
)

type fakeAcker struct {
	autoAck   bool
	delivered atomic.Int32
}

func (f *fakeAcker) HandleDelivered(msg domain.Message, tag uint64) { f.delivered.Add(1) }
func (f *fakeAcker) AutoAck() bool                                  { return f.autoAck }

func decodeBody(resp domain.Response) (domain.Message, error) {
	return domain.Message{ID: "1", Body: resp.Body}, nil
}

func TestListenerConsumer_AutoAcksAfterSuccessfulInvocation(t *testing.T) {
	m := broker.NewMock()
	acker := &fakeAcker{autoAck: true}
	var invoked atomic.Int32

	lc := listener.New(m, "q", false, decodeBody, func(domain.Message) { invoked.Add(1) },
		acker, time.Second, func() bool { return false }, zap.NewNop())
	lc.Start()
	defer lc.Abort()

	m.Enqueue("q", []byte("hi"))

	deadline := time.Now().Add(time.Second)
	for invoked.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if invoked.Load() != 1 {
		t.Fatalf("expected listener invoked once, got %d", invoked.Load())
	}

	deadline = time.Now().Add(time.Second)
	for len(m.AckedTags) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(m.AckedTags) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(m.AckedTags))
	}
}

func TestListenerConsumer_PanicNacksWithRequeue(t *testing.T) {
	m := broker.NewMock()
	acker := &fakeAcker{autoAck: true}

	lc := listener.New(m, "q", false, decodeBody, func(domain.Message) { panic("boom") },
		acker, time.Second, func() bool { return false }, zap.NewNop())
	lc.Start()
	defer lc.Abort()

	m.Enqueue("q", []byte("hi"))

	deadline := time.Now().Add(time.Second)
	for len(m.NackedTags) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(m.NackedTags) != 1 {
		t.Fatalf("expected 1 nack after listener panic, got %d", len(m.NackedTags))
	}
	if !m.NackRequeued[m.NackedTags[0]] {
		t.Error("expected panic to nack with requeue=true so the message redelivers")
	}
}

func TestListenerConsumer_ClosingRejectsWithRequeue(t *testing.T) {
	m := broker.NewMock()
	acker := &fakeAcker{autoAck: true}
	var invoked atomic.Int32

	lc := listener.New(m, "q", false, decodeBody, func(domain.Message) { invoked.Add(1) },
		acker, time.Second, func() bool { return true }, zap.NewNop())
	lc.Start()
	defer lc.Abort()

	m.Enqueue("q", []byte("hi"))

	deadline := time.Now().Add(time.Second)
	for len(m.NackedTags) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(m.NackedTags) != 1 {
		t.Fatalf("expected the delivery to be nacked while closing, got %d nacks", len(m.NackedTags))
	}
	if !m.NackRequeued[m.NackedTags[0]] {
		t.Error("expected the closing path to nack with requeue=true so the message redelivers")
	}
	if invoked.Load() != 0 {
		t.Error("expected the listener to never run once the consumer is closing")
	}
}

func TestListenerConsumer_StopCancelsSubscription(t *testing.T) {
	m := broker.NewMock()
	acker := &fakeAcker{autoAck: true}

	lc := listener.New(m, "q", false, decodeBody, func(domain.Message) {},
		acker, time.Second, func() bool { return false }, zap.NewNop())
	lc.Start()

	if !lc.Active() {
		t.Fatal("expected listener to be active after Start")
	}

	lc.Stop()
	if lc.Active() {
		t.Fatal("expected listener to be inactive after Stop")
	}
}
