package receivebuffer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
)

// onceOnlyConsumer is a pre-fetching subscription callback that accepts
// up to budget deliveries and then auto-cancels itself, per spec.md
// §4.3 step 3. It implements broker.DeliveryHandler.
type onceOnlyConsumer struct {
	buf    *Buffer
	budget int
	tag    string

	mu       sync.Mutex
	consumed int
	done     bool
}

func newOnceOnlyConsumer(buf *Buffer, budget int) *onceOnlyConsumer {
	return &onceOnlyConsumer{
		buf:    buf,
		budget: budget,
		tag:    "jms-consumer-" + uuid.NewString(),
	}
}

// OnDelivery implements broker.DeliveryHandler.
func (o *onceOnlyConsumer) OnDelivery(resp domain.Response) {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		// Late delivery after exhaustion/cancel raced with the broker;
		// nack it with requeue so it is redelivered to the next subscriber.
		_ = o.buf.br.BasicNack(resp.Envelope.DeliveryTag, true)
		return
	}
	o.consumed++
	exhausted := o.consumed >= o.budget
	o.done = exhausted
	o.mu.Unlock()

	o.buf.deliver(resp)

	if exhausted {
		o.buf.subscriptionExhausted(o.tag)
	}
}

// OnCancel implements broker.DeliveryHandler: the broker (or our own
// basicCancel reply) ended the subscription.
func (o *onceOnlyConsumer) OnCancel(tag string) {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
	o.buf.subscriptionExhausted(tag)
}

// OnShutdown implements broker.DeliveryHandler.
func (o *onceOnlyConsumer) OnShutdown(error) {
	o.mu.Lock()
	o.done = true
	o.mu.Unlock()
}
