// Package listener implements the broker subscription that drives an
// application-registered message listener, per spec.md §4.4.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/broker"
	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/metrics"
)

// Decoder turns the raw broker response into a domain.Message; a
// decode failure is logged and nacked, never surfaced to the listener.
type Decoder func(resp domain.Response) (domain.Message, error)

// Acker is the session-facing hook the Consumer uses to decide whether
// to ack immediately after a successful invocation (AUTO/DUPS_OK) and
// to report every delivered message to the session.
type Acker interface {
	// HandleDelivered is called once per successfully decoded message,
	// before the listener runs, whatever the ack mode.
	HandleDelivered(msg domain.Message, tag uint64)
	// AutoAck reports whether this session's ack mode acks immediately
	// after a successful delivery.
	AutoAck() bool
}

var _ broker.DeliveryHandler = (*Consumer)(nil)

// Consumer is a broker subscription bound to a user-provided listener.
// At most one listener invocation runs at a time per Consumer
// (spec.md §4.4 Constraints); listener invocations do not pass through
// the receive gate.
type Consumer struct {
	br      broker.Broker
	queue   string
	noLocal bool
	decode  Decoder
	onMsg   func(domain.Message)
	acker   Acker
	logger  *zap.Logger

	termTimeout time.Duration

	isClosing func() bool

	mu          sync.Mutex
	tag         string
	subscribed  bool
	invoking    chan struct{} // non-nil while a listener invocation is in flight
	stoppedChan chan struct{} // closed once Abort/Stop completes

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a ListenerConsumer. termTimeout is the connection's
// listener-termination timeout (spec.md §5 "Timeouts"), expressed as a
// Go duration rather than raw nanoseconds. isClosing reports the
// Consumer's closing/closed flags so in-flight deliveries can be
// rejected per spec.md §4.4 step 1.
func New(
	br broker.Broker,
	queue string,
	noLocal bool,
	decode Decoder,
	onMsg func(domain.Message),
	acker Acker,
	termTimeout time.Duration,
	isClosing func() bool,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		br:          br,
		queue:       queue,
		noLocal:     noLocal,
		decode:      decode,
		onMsg:       onMsg,
		acker:       acker,
		termTimeout: termTimeout,
		isClosing:   isClosing,
		logger:      logger,
	}
}

// Start subscribes to the broker, mirroring a connection start or
// resume. It is idempotent; calling it while already subscribed is a
// no-op.
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.ctx = ctx
	c.cancel = cancel
	c.stoppedChan = make(chan struct{})

	tag := "jms-consumer-" + uuid.NewString()
	subTag, err := c.br.BasicConsume(ctx, c.queue, false, tag, c.noLocal, false, c)
	if err != nil {
		c.logger.Error("listener: subscribe failed", zap.String("queue", c.queue), zap.Error(err))
		cancel()
		return
	}
	c.tag = subTag
	c.subscribed = true
	metrics.ActiveListeners.Inc()
}

// Stop waits up to termTimeout for an in-flight listener invocation to
// return (or until Abort runs), then cancels the subscription. This is
// the "orderly stop" path of spec.md §4.4.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	invoking := c.invoking
	stopped := c.stoppedChan
	c.mu.Unlock()

	if invoking != nil {
		select {
		case <-invoking:
		case <-stopped:
		case <-time.After(c.termTimeout):
		}
	}
	c.cancelSubscription()
}

// Abort immediately cancels the subscription and signals any pending
// wait to return, without waiting for an in-flight invocation. This is
// the "forced abort" path used when a listener is replaced or the
// consumer is closed.
func (c *Consumer) Abort() {
	c.cancelSubscription()
}

func (c *Consumer) cancelSubscription() {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	tag := c.tag
	cancel := c.cancel
	stopped := c.stoppedChan
	c.subscribed = false
	c.mu.Unlock()
	metrics.ActiveListeners.Dec()

	if cancel != nil {
		cancel()
	}
	if tag != "" {
		_ = c.br.BasicCancel(tag)
	}
	if stopped != nil {
		select {
		case <-stopped:
		default:
			close(stopped)
		}
	}
}

// OnDelivery implements broker.DeliveryHandler.
func (c *Consumer) OnDelivery(resp domain.Response) {
	if c.isClosing() {
		// spec.md §4.4 step 1: nack-with-requeue so the broker
		// redelivers once the consumer (or its successor) resubscribes.
		_ = c.br.BasicNack(resp.Envelope.DeliveryTag, true)
		return
	}

	msg, err := c.decode(resp)
	if err != nil {
		c.logger.Error("listener: decode failed", zap.Error(err))
		_ = c.br.BasicNack(resp.Envelope.DeliveryTag, false)
		metrics.NacksTotal.WithLabelValues("false").Inc()
		metrics.ListenerInvocationsTotal.WithLabelValues("decode_failed").Inc()
		return
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.invoking = done
	c.mu.Unlock()

	c.acker.HandleDelivered(msg, resp.Envelope.DeliveryTag)

	func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("listener: onMessage panicked, nacking", zap.Any("panic", r))
				_ = c.br.BasicNack(resp.Envelope.DeliveryTag, true)
				metrics.NacksTotal.WithLabelValues("true").Inc()
				metrics.ListenerInvocationsTotal.WithLabelValues("panicked").Inc()
			} else if c.acker.AutoAck() {
				if err := c.br.BasicAck(resp.Envelope.DeliveryTag); err != nil {
					c.logger.Error("listener: ack failed", zap.Error(err))
				}
				metrics.AcksTotal.Inc()
				metrics.ListenerInvocationsTotal.WithLabelValues("acked").Inc()
			} else {
				metrics.ListenerInvocationsTotal.WithLabelValues("deferred").Inc()
			}
		}()
		c.onMsg(msg)
	}()

	c.mu.Lock()
	c.invoking = nil
	c.mu.Unlock()
}

// OnCancel implements broker.DeliveryHandler.
func (c *Consumer) OnCancel(tag string) {
	c.mu.Lock()
	wasSubscribed := c.subscribed
	c.subscribed = false
	c.mu.Unlock()
	if wasSubscribed {
		metrics.ActiveListeners.Dec()
	}
}

// OnShutdown implements broker.DeliveryHandler.
func (c *Consumer) OnShutdown(reason error) {
	c.logger.Warn("listener: subscription shut down", zap.Error(reason))
	c.mu.Lock()
	wasSubscribed := c.subscribed
	c.subscribed = false
	c.mu.Unlock()
	if wasSubscribed {
		metrics.ActiveListeners.Dec()
	}
}

// Active reports whether a broker subscription currently backs this
// listener consumer.
func (c *Consumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}
