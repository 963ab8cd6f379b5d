package broker

import (
	"context"
	"sync"
	"time"

	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
)

var _ Broker = (*Mock)(nil)

// Mock is a test double for Broker, following the shape of
// worker/internal/repository/mock/mock.go: override functions plus
// recorded calls for assertions, backed by a simple in-memory queue.
type Mock struct {
	mu sync.Mutex

	queues map[string][]domain.Response
	subs   map[string]chan struct{} // tag -> cancelled

	nextTag uint64

	AckedTags    []uint64
	NackedTags   []uint64
	NackRequeued map[uint64]bool

	// ConsumedNoLocal records the noLocal flag passed to each
	// BasicConsume call, keyed by consumer tag, for assertions.
	ConsumedNoLocal map[string]bool

	BasicGetFn     func(queue string, autoAck bool) (domain.Response, bool, error)
	BasicConsumeFn func(queue string, tag string) error
}

// NewMock returns an empty Mock broker.
func NewMock() *Mock {
	return &Mock{
		queues:          make(map[string][]domain.Response),
		subs:            make(map[string]chan struct{}),
		NackRequeued:    make(map[uint64]bool),
		ConsumedNoLocal: make(map[string]bool),
	}
}

// Enqueue appends a response to queue's backing FIFO, as if the broker
// had received a new message to deliver.
func (m *Mock) Enqueue(queue string, body []byte) domain.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTag++
	resp := domain.Response{
		Envelope: domain.Envelope{DeliveryTag: m.nextTag},
		Body:     body,
	}
	m.queues[queue] = append(m.queues[queue], resp)
	return resp
}

// Requeue re-appends a response to the front of queue's FIFO, modeling
// broker redelivery after a nack(requeue=true).
func (m *Mock) Requeue(queue string, resp domain.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp.Envelope.Redelivered = true
	m.queues[queue] = append([]domain.Response{resp}, m.queues[queue]...)
}

func (m *Mock) BasicGet(_ context.Context, queue string, autoAck bool) (domain.Response, bool, error) {
	if m.BasicGetFn != nil {
		return m.BasicGetFn(queue, autoAck)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return domain.Response{}, false, nil
	}
	resp := q[0]
	m.queues[queue] = q[1:]
	if autoAck {
		m.AckedTags = append(m.AckedTags, resp.Envelope.DeliveryTag)
	}
	return resp, true, nil
}

func (m *Mock) BasicConsume(ctx context.Context, queue string, autoAck bool, tag string, noLocal, exclusive bool, handler DeliveryHandler) (string, error) {
	if m.BasicConsumeFn != nil {
		if err := m.BasicConsumeFn(queue, tag); err != nil {
			return "", err
		}
	}

	cancelled := make(chan struct{})
	m.mu.Lock()
	m.subs[tag] = cancelled
	m.ConsumedNoLocal[tag] = noLocal
	m.mu.Unlock()

	go func() {
		for {
			m.mu.Lock()
			q := m.queues[queue]
			if len(q) == 0 {
				m.mu.Unlock()
				select {
				case <-cancelled:
					handler.OnCancel(tag)
					return
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Millisecond):
				}
				continue
			}
			resp := q[0]
			m.queues[queue] = q[1:]
			if autoAck {
				m.AckedTags = append(m.AckedTags, resp.Envelope.DeliveryTag)
			}
			m.mu.Unlock()

			select {
			case <-cancelled:
				handler.OnCancel(tag)
				return
			default:
			}
			handler.OnDelivery(resp)
		}
	}()

	return tag, nil
}

func (m *Mock) BasicAck(deliveryTag uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AckedTags = append(m.AckedTags, deliveryTag)
	return nil
}

func (m *Mock) BasicNack(deliveryTag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NackedTags = append(m.NackedTags, deliveryTag)
	m.NackRequeued[deliveryTag] = requeue
	return nil
}

func (m *Mock) BasicCancel(consumerTag string) error {
	m.mu.Lock()
	cancelled, ok := m.subs[consumerTag]
	if ok {
		delete(m.subs, consumerTag)
	}
	m.mu.Unlock()
	if ok {
		close(cancelled)
	}
	return nil
}
