// Package broker adapts the wire-level RabbitMQ client to the narrow
// capability surface spec.md §6 describes: basicGet, basicConsume,
// basicAck, basicCancel, basicNack. Everything above this package
// (gate, buffer, listener, consumer) is written against the Broker
// interface only, never against amqp091-go directly.
package broker

import (
	"context"

	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
)

// DeliveryHandler is the callback surface a subscription drives.
// OnDelivery fires once per message; OnCancel fires if the broker
// cancels the subscription out of band (e.g. queue deleted);
// OnShutdown fires if the underlying channel/connection goes away.
type DeliveryHandler interface {
	OnDelivery(resp domain.Response)
	OnCancel(tag string)
	OnShutdown(reason error)
}

// Broker is the external collaborator spec.md §1 calls "the wire-level
// broker client": it is consumed, never owned, by this module.
type Broker interface {
	// BasicGet performs a single non-blocking fetch. It returns
	// ok == false when the queue is empty.
	BasicGet(ctx context.Context, queue string, autoAck bool) (resp domain.Response, ok bool, err error)

	// BasicConsume opens a push subscription on queue, driving handler
	// for every delivery until BasicCancel is called or the broker
	// cancels it. The returned tag is the one passed in, echoed back
	// for symmetry with basicCancel.
	BasicConsume(ctx context.Context, queue string, autoAck bool, tag string, noLocal, exclusive bool, handler DeliveryHandler) (consumerTag string, err error)

	// BasicAck acknowledges a single delivery.
	BasicAck(deliveryTag uint64) error

	// BasicNack negatively acknowledges a single delivery, optionally
	// requeueing it.
	BasicNack(deliveryTag uint64, requeue bool) error

	// BasicCancel ends a subscription previously opened with
	// BasicConsume.
	BasicCancel(consumerTag string) error
}
