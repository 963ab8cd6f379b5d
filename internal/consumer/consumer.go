// Package consumer implements the Consumer state machine described in
// spec.md §4.1: the per-destination object applications call receive(),
// receiveNoWait() and setMessageListener() on, coordinating the receive
// gate, the pull-mode buffer and the push-mode listener consumer
// underneath a single PAUSED/ACTIVE/CLOSED lifecycle.
package consumer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/abortable"
	"github.com/Harsh-BH/amqp-consumer-core/internal/broker"
	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/gate"
	"github.com/Harsh-BH/amqp-consumer-core/internal/listener"
	"github.com/Harsh-BH/amqp-consumer-core/internal/metrics"
	"github.com/Harsh-BH/amqp-consumer-core/internal/receivebuffer"
	"github.com/Harsh-BH/amqp-consumer-core/internal/timing"
)

// state is the Consumer lifecycle state from spec.md §4.1.
type state int32

const (
	statePaused state = iota
	stateActive
	stateClosed
)

// MessageListener is the application callback installed via
// SetMessageListener. It must not block indefinitely; spec.md §4.4
// bounds its execution by the connection's termination timeout on stop.
type MessageListener func(domain.Message)

// Session is the narrow back-reference a Consumer holds on its owning
// session: Close unregisters through it, and each delivery reads its
// ack mode and reports the delivered message to it. It is
// implemented by internal/session.Session; Consumer never imports that
// package to avoid a cycle.
type Session interface {
	// Unregister removes the consumer from the session's registry. It
	// is idempotent.
	Unregister(c *Consumer)
	// AckMode reports the session's acknowledgement mode.
	AckMode() domain.AckMode
	// HandleDelivered is called for every delivered message, whatever
	// the ack mode; the session decides what bookkeeping applies.
	HandleDelivered(msg domain.Message, tag uint64)
}

// Decoder turns a raw broker response into an application-visible
// Message. A decode failure is treated as a poison message: nacked
// without requeue, never surfaced to receive()/the listener.
type Decoder func(resp domain.Response) (domain.Message, error)

// Consumer is a single JMS-style message consumer bound to one
// destination. All exported methods are safe for concurrent use.
type Consumer struct {
	session Session
	br      broker.Broker
	dest    domain.Destination
	decode  Decoder
	logger  *zap.Logger

	termTimeout time.Duration
	stopTimeout time.Duration

	st     atomic.Int32
	closed atomic.Bool

	// durable and noLocal are the data-model flags of spec.md §3:
	// "durable, noLocal default false and are set by the creating
	// session before first use." They are set once, via SetDurable/
	// SetNoLocal, before the consumer is ever Resume()d; atomics make
	// that write visible to the goroutines that read them afterward
	// without requiring a separate lock.
	durable atomic.Bool
	noLocal atomic.Bool

	// gate admits receive()/receiveNoWait() callers only while ACTIVE
	// and drains them on Pause/Close, per spec.md §4.2.
	gate    *gate.Gate
	buf     *receivebuffer.Buffer
	members *abortable.Set

	listenerMu sync.Mutex
	// listenerKey is the reflect.Value pointer of the currently
	// installed listener func, used to short-circuit a redundant
	// SetMessageListener call with the same value per spec.md §9 Open
	// Question ("setMessageListener swaps are reference-equality
	// short-circuited").
	listenerKey uintptr
	lc          *listener.Consumer
}

// New constructs a Consumer bound to dest, initially PAUSED. The
// session calls Resume() once the connection (or this consumer's
// session) is started.
func New(
	session Session,
	br broker.Broker,
	dest domain.Destination,
	decode Decoder,
	batchingSize int,
	termTimeout time.Duration,
	stopTimeout time.Duration,
	logger *zap.Logger,
) *Consumer {
	c := &Consumer{
		session:     session,
		br:          br,
		dest:        dest,
		decode:      decode,
		logger:      logger,
		termTimeout: termTimeout,
		stopTimeout: stopTimeout,
		members:     abortable.New(),
	}
	c.st.Store(int32(statePaused))
	c.gate = gate.New(false)
	c.buf = receivebuffer.New(br, dest.QueueName(), false, batchingSize, logger)
	c.members.Add(c.buf)
	return c
}

// SetDurable records whether this is a durable (topic) subscription.
// Per spec.md §3 Construction, the creating session sets this before
// the consumer's first use (i.e. before Resume()); it is not meant to
// change afterward.
func (c *Consumer) SetDurable(durable bool) {
	c.durable.Store(durable)
}

// SetNoLocal records whether this consumer should not receive messages
// published on the same connection it is subscribed from. Per spec.md
// §3 Construction, the creating session sets this before first use; it
// is threaded into both the receive buffer's and the listener's broker
// subscriptions (spec.md §6 BasicConsume's noLocal parameter).
func (c *Consumer) SetNoLocal(noLocal bool) {
	c.noLocal.Store(noLocal)
	c.buf.SetNoLocal(noLocal)
}

// Durable reports whether this is a durable topic subscription
// (spec.md §3, §6 session-facing getters).
func (c *Consumer) Durable() bool {
	return c.durable.Load()
}

// NoLocal reports whether this consumer excludes messages published on
// its own connection (spec.md §3, §6 session-facing getters).
func (c *Consumer) NoLocal() bool {
	return c.noLocal.Load()
}

// Session returns the owning session back-reference (spec.md §6
// session-facing getters).
func (c *Consumer) Session() Session {
	return c.session
}

// IsClosed reports whether Close has been called (spec.md §6
// session-facing interface: "internalClose(), pause(), resume(),
// isClosed()"). It turns true as soon as Close starts, before the
// listener and buffer subscriptions have been torn down; there is no
// separate flag for a Close that has finished.
func (c *Consumer) IsClosed() bool {
	return c.closed.Load()
}

func (c *Consumer) loadState() state {
	return state(c.st.Load())
}

func (c *Consumer) storeState(v state) {
	c.st.Store(int32(v))
}

func (c *Consumer) isClosing() bool {
	return c.loadState() == stateClosed
}

// Resume transitions PAUSED -> ACTIVE, opening the gate and, if a
// listener is installed, starting the listener subscription. The
// buffer's subscription is not started here; the buffer subscribes
// lazily on the next blocking receive. It is a no-op if already ACTIVE
// or CLOSED.
func (c *Consumer) Resume() {
	if c.loadState() != statePaused {
		return
	}
	c.storeState(stateActive)
	c.buf.Reset()
	c.gate.Open()
	c.members.Start()
}

// Pause transitions ACTIVE -> PAUSED, closing the gate to new
// receive() admissions, stopping subscriptions in flight, and waiting
// up to stopTimeout for already-admitted receive() calls to finish
// without discarding buffered messages or failing them with an error
// (they simply keep waiting, per spec.md §4.1 "Pause never aborts").
func (c *Consumer) Pause() {
	if c.loadState() != stateActive {
		return
	}
	c.storeState(statePaused)
	c.gate.Close()
	c.members.Stop()
	c.gate.WaitToClear(timing.New(c.stopTimeout))
}

// Receive blocks until a message is delivered, the given timeout
// (milliseconds, JMS convention: 0 == forever) elapses, or the consumer
// closes. It returns a zero Message and a nil error on timeout, when
// the consumer closes during the wait, or when ctx is cancelled while
// waiting on the receive buffer, mirroring
// javax.jms.MessageConsumer.receive(long). A call parked at the gate of
// a paused consumer does not observe ctx; it waits for its deadline,
// Resume or Close. On a consumer that is already closed it returns
// domain.ErrIllegalState.
func (c *Consumer) Receive(ctx context.Context, timeoutMs int64) (domain.Message, error) {
	return c.receive(ctx, timing.NewFromTimeout(timeoutMs))
}

// ReceiveNoWait performs a single non-blocking attempt, mirroring
// MessageConsumer.receiveNoWait().
func (c *Consumer) ReceiveNoWait(ctx context.Context) (domain.Message, error) {
	return c.receive(ctx, timing.Zero)
}

func (c *Consumer) receive(ctx context.Context, deadline timing.Tracker) (domain.Message, error) {
	if c.loadState() == stateClosed {
		return domain.Message{}, domain.ErrIllegalState
	}

	admitted, err := c.gate.Enter(deadline)
	if err != nil {
		// domain.ErrAborted: the gate was aborted underneath us
		// (consumer closing). spec.md §4.1: never surface as an error.
		metrics.ReceivesTotal.WithLabelValues("aborted").Inc()
		return domain.Message{}, nil
	}
	if !admitted {
		metrics.ReceivesTotal.WithLabelValues("timed_out").Inc()
		return domain.Message{}, nil
	}
	defer c.gate.Exit()

	start := time.Now()
	resp, ok, err := c.buf.Get(ctx, deadline)
	metrics.ReceiveLatency.WithLabelValues(c.dest.QueueName()).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrAborted) {
			// The buffer was aborted underneath us (consumer closing).
			// spec.md §4.1: never surface this to the caller as an error.
			metrics.ReceivesTotal.WithLabelValues("aborted").Inc()
			return domain.Message{}, nil
		}
		return domain.Message{}, err
	}
	if !ok {
		metrics.ReceivesTotal.WithLabelValues("timed_out").Inc()
		return domain.Message{}, nil
	}

	msg, derr := c.decode(resp)
	if derr != nil {
		c.logger.Error("consumer: decode failed", zap.Error(derr))
		_ = c.br.BasicNack(resp.Envelope.DeliveryTag, false)
		metrics.NacksTotal.WithLabelValues("false").Inc()
		metrics.ReceivesTotal.WithLabelValues("decode_failed").Inc()
		return domain.Message{}, nil
	}

	c.session.HandleDelivered(msg, resp.Envelope.DeliveryTag)

	if c.session.AckMode().AutoAcks() {
		if aerr := c.br.BasicAck(resp.Envelope.DeliveryTag); aerr != nil {
			c.logger.Error("consumer: ack failed", zap.Error(aerr))
		}
		metrics.AcksTotal.Inc()
	}

	metrics.ReceivesTotal.WithLabelValues("delivered").Inc()
	return msg, nil
}

// SetMessageListener installs fn as the asynchronous listener, starting
// a push subscription if the consumer is ACTIVE. Passing nil removes
// any installed listener. Installing the same *already-installed*
// listener value is a no-op (spec.md §9 Open Question: reference
// equality short-circuits a redundant swap instead of cycling the
// subscription).
func (c *Consumer) SetMessageListener(fn MessageListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	if fn == nil {
		if c.lc == nil {
			return
		}
		c.members.Remove(c.lc)
		c.lc.Abort()
		c.lc = nil
		c.listenerKey = 0
		return
	}

	key := reflect.ValueOf(fn).Pointer()
	if c.lc != nil && key == c.listenerKey {
		return
	}

	if c.lc != nil {
		c.members.Remove(c.lc)
		c.lc.Abort()
	}

	lc := listener.New(
		c.br,
		c.dest.QueueName(),
		c.noLocal.Load(),
		func(resp domain.Response) (domain.Message, error) { return c.decode(resp) },
		fn,
		sessionAcker{c.session},
		c.termTimeout,
		c.isClosing,
		c.logger,
	)
	c.lc = lc
	c.listenerKey = key
	c.members.Add(lc)

	if c.loadState() == stateActive {
		lc.Start()
	}
}

// sessionAcker adapts Session to listener.Acker.
type sessionAcker struct {
	session Session
}

func (s sessionAcker) HandleDelivered(msg domain.Message, tag uint64) {
	s.session.HandleDelivered(msg, tag)
}

func (s sessionAcker) AutoAck() bool {
	return s.session.AckMode().AutoAcks()
}

// Close transitions the consumer to CLOSED: aborts every owned
// Abortable (buffer subscription, listener subscription) so parked
// receive() calls return a zero Message and a nil error, and in-flight
// listener invocations are bounded by the connection's stop timeout,
// then unregisters from
// the session. Close is idempotent.
func (c *Consumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.storeState(stateClosed)
	c.gate.AbortWaiters()

	c.listenerMu.Lock()
	lc := c.lc
	c.listenerMu.Unlock()
	if lc != nil {
		stopped := make(chan struct{})
		go func() {
			lc.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(c.stopTimeout):
			lc.Abort()
		}
	}

	c.members.Abort()
	c.session.Unregister(c)
}

// Destination returns the destination this consumer reads from.
func (c *Consumer) Destination() domain.Destination {
	return c.dest
}
