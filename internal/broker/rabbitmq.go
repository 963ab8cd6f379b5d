package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
)

var _ Broker = (*RabbitBroker)(nil)

// RabbitBroker implements Broker over a single amqp091-go channel on a
// connection owned by the caller (sessions share one channel per
// spec.md §5 "Shared resources").
type RabbitBroker struct {
	logger *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc
}

// NewRabbitBroker wraps an already-opened *amqp.Channel. Channel
// lifecycle (Qos, reconnect) is the caller's responsibility, exactly as
// worker/internal/delivery/amqp/consumer.go manages its own channel.
func NewRabbitBroker(ch *amqp.Channel, logger *zap.Logger) *RabbitBroker {
	return &RabbitBroker{
		ch:     ch,
		logger: logger,
		subs:   make(map[string]context.CancelFunc),
	}
}

// SetChannel swaps in a freshly reconnected channel. Any subscriptions
// started against the old channel are no longer deliverable; callers
// are expected to re-subscribe via the AbortableSet's Start after a
// reconnect.
func (b *RabbitBroker) SetChannel(ch *amqp.Channel) {
	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()
}

func (b *RabbitBroker) channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// BasicGet implements Broker.
func (b *RabbitBroker) BasicGet(_ context.Context, queue string, autoAck bool) (domain.Response, bool, error) {
	ch := b.channel()
	if ch == nil {
		return domain.Response{}, false, fmt.Errorf("broker: channel not available")
	}

	delivery, ok, err := ch.Get(queue, autoAck)
	if err != nil {
		return domain.Response{}, false, fmt.Errorf("broker: basic.get: %w", err)
	}
	if !ok {
		return domain.Response{}, false, nil
	}

	return domain.Response{
		Envelope: domain.Envelope{
			DeliveryTag: delivery.DeliveryTag,
			Redelivered: delivery.Redelivered,
		},
		Body: delivery.Body,
	}, true, nil
}

// BasicConsume implements Broker. Each delivery is pushed to handler
// from a dedicated goroutine that drains the amqp091-go delivery
// channel, mirroring the consume loop in
// worker/internal/delivery/amqp/consumer.go.
func (b *RabbitBroker) BasicConsume(ctx context.Context, queue string, autoAck bool, tag string, noLocal, exclusive bool, handler DeliveryHandler) (string, error) {
	ch := b.channel()
	if ch == nil {
		return "", fmt.Errorf("broker: channel not available")
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		autoAck,
		exclusive,
		noLocal,
		false, // no-wait
		nil,   // arguments: spec.md Non-goals excludes custom subscription args
	)
	if err != nil {
		return "", fmt.Errorf("broker: basic.consume: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.subsMu.Lock()
	b.subs[tag] = cancel
	b.subsMu.Unlock()

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					handler.OnCancel(tag)
					return
				}
				handler.OnDelivery(domain.Response{
					Envelope: domain.Envelope{
						DeliveryTag: delivery.DeliveryTag,
						Redelivered: delivery.Redelivered,
					},
					Body: delivery.Body,
				})
			}
		}
	}()

	return tag, nil
}

// BasicAck implements Broker.
func (b *RabbitBroker) BasicAck(deliveryTag uint64) error {
	ch := b.channel()
	if ch == nil {
		return fmt.Errorf("broker: channel not available")
	}
	if err := ch.Ack(deliveryTag, false); err != nil {
		return fmt.Errorf("broker: basic.ack: %w", err)
	}
	return nil
}

// BasicNack implements Broker.
func (b *RabbitBroker) BasicNack(deliveryTag uint64, requeue bool) error {
	ch := b.channel()
	if ch == nil {
		return fmt.Errorf("broker: channel not available")
	}
	if err := ch.Nack(deliveryTag, false, requeue); err != nil {
		return fmt.Errorf("broker: basic.nack: %w", err)
	}
	return nil
}

// BasicCancel implements Broker.
func (b *RabbitBroker) BasicCancel(consumerTag string) error {
	b.subsMu.Lock()
	cancel, ok := b.subs[consumerTag]
	if ok {
		delete(b.subs, consumerTag)
	}
	b.subsMu.Unlock()
	if ok {
		cancel()
	}

	ch := b.channel()
	if ch == nil {
		return fmt.Errorf("broker: channel not available")
	}
	if err := ch.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("broker: basic.cancel: %w", err)
	}
	return nil
}
