// Package receivebuffer bridges the broker's push-only subscription
// model to pull semantics: one outstanding broker subscription feeds a
// bounded FIFO that many synchronous receive() calls drain, per
// spec.md §4.3.
package receivebuffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/broker"
	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/timing"
)

// DefaultBatchingSize is the default maximum number of pre-fetched
// undelivered messages in the buffer (spec.md GLOSSARY).
const DefaultBatchingSize = 5

// Buffer amortizes one broker subscription across many receive()
// calls. It never acks; the owning Consumer decides whether to ack
// after handing a message to the application.
type Buffer struct {
	br      broker.Broker
	queue   string
	noLocal bool
	batch   int
	logger  *zap.Logger

	mu       sync.Mutex
	wake     chan struct{}
	fifo     []domain.Response
	subTag   string
	subbed   bool
	aborted  bool
	cancelFn context.CancelFunc
}

// New returns a Buffer that will subscribe to queue on demand.
func New(br broker.Broker, queue string, noLocal bool, batchingSize int, logger *zap.Logger) *Buffer {
	if batchingSize <= 0 {
		batchingSize = DefaultBatchingSize
	}
	return &Buffer{
		br:      br,
		queue:   queue,
		noLocal: noLocal,
		batch:   batchingSize,
		logger:  logger,
		wake:    make(chan struct{}),
	}
}

func (b *Buffer) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// SetNoLocal updates the noLocal flag used on the next subscription
// this buffer opens. The owning Consumer calls this once, before first
// use, per spec.md §3 Construction; it has no effect on a subscription
// already in flight.
func (b *Buffer) SetNoLocal(noLocal bool) {
	b.mu.Lock()
	b.noLocal = noLocal
	b.mu.Unlock()
}

// Get implements the protocol in spec.md §4.3: dequeue if available,
// a single non-blocking basicGet for a zero deadline, otherwise start
// (or reuse) the in-flight subscription and block until a message
// arrives, the deadline expires, or the buffer is aborted.
func (b *Buffer) Get(ctx context.Context, deadline timing.Tracker) (domain.Response, bool, error) {
	b.mu.Lock()
	if len(b.fifo) > 0 {
		resp := b.fifo[0]
		b.fifo = b.fifo[1:]
		b.mu.Unlock()
		return resp, true, nil
	}
	if b.aborted {
		b.mu.Unlock()
		return domain.Response{}, false, domain.ErrAborted
	}
	b.mu.Unlock()

	if deadline.IsZero() {
		resp, ok, err := b.br.BasicGet(ctx, b.queue, false)
		if err != nil {
			return domain.Response{}, false, err
		}
		return resp, ok, nil
	}

	b.ensureSubscribed()

	for {
		b.mu.Lock()
		if len(b.fifo) > 0 {
			resp := b.fifo[0]
			b.fifo = b.fifo[1:]
			b.mu.Unlock()
			return resp, true, nil
		}
		if b.aborted {
			b.mu.Unlock()
			return domain.Response{}, false, domain.ErrAborted
		}
		wake := b.wake
		b.mu.Unlock()

		if deadline.IsInfinite() {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return domain.Response{}, false, nil
			}
		}
		if deadline.TimedOut() {
			return domain.Response{}, false, nil
		}
		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return domain.Response{}, false, nil
		case <-time.After(deadline.Remaining()):
			return domain.Response{}, false, nil
		}
	}
}

// ensureSubscribed starts the shared subscription if none is currently
// in flight. The subscription's context is rooted in
// context.Background(), not any single Get caller's ctx: it is one
// subscription amortized across many receive() calls (spec.md §4.3),
// so its lifetime must be owned by the buffer itself — cancelled only
// by Stop, Abort or the onceOnlyConsumer exhausting its budget — and
// must survive any one caller's context being cancelled (spec.md §5/§7
// thread-interruption path).
func (b *Buffer) ensureSubscribed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subbed || b.aborted {
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	b.cancelFn = cancel

	occ := newOnceOnlyConsumer(b, b.batch)
	subTag, err := b.br.BasicConsume(subCtx, b.queue, false, occ.tag, b.noLocal, false, occ)
	if err != nil {
		b.logger.Warn("receivebuffer: subscribe failed", zap.String("queue", b.queue), zap.Error(err))
		cancel()
		return
	}
	b.subTag = subTag
	b.subbed = true
}

// Stop cancels the in-flight subscription, if any. Buffered responses
// remain and are handed out on subsequent Get calls after Start.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelSubscriptionLocked()
}

func (b *Buffer) cancelSubscriptionLocked() {
	if !b.subbed {
		return
	}
	tag := b.subTag
	cancel := b.cancelFn
	b.subbed = false
	b.subTag = ""
	b.cancelFn = nil
	go func() {
		_ = b.br.BasicCancel(tag)
	}()
	if cancel != nil {
		cancel()
	}
}

// Start is a no-op: the buffer re-establishes its subscription lazily,
// on the next Get that needs one.
func (b *Buffer) Start() {}

// Abort cancels the subscription, wakes all waiters with
// domain.ErrAborted, and discards the FIFO. Per spec.md §9 Open
// Questions, each discarded response is explicitly nacked with
// requeue=true before being dropped, rather than relying solely on
// broker-side unacked-message recovery after channel close.
func (b *Buffer) Abort() {
	b.mu.Lock()
	b.cancelSubscriptionLocked()
	b.aborted = true
	discarded := b.fifo
	b.fifo = nil
	b.broadcast()
	b.mu.Unlock()

	for _, resp := range discarded {
		if err := b.br.BasicNack(resp.Envelope.DeliveryTag, true); err != nil {
			b.logger.Warn("receivebuffer: nack on discard failed",
				zap.Uint64("delivery_tag", resp.Envelope.DeliveryTag), zap.Error(err))
		}
	}
}

// Reset clears the aborted flag so the buffer can be reused after a
// Consumer.Resume following a prior Abort-free Stop. Pause/resume never
// aborts the buffer; only internalClose does, and a closed buffer is
// never reused.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.aborted = false
	b.mu.Unlock()
}

// deliver is called by onceOnlyConsumer for each message it receives.
func (b *Buffer) deliver(resp domain.Response) {
	b.mu.Lock()
	b.fifo = append(b.fifo, resp)
	b.broadcast()
	b.mu.Unlock()
}

// subscriptionExhausted is called once the onceOnlyConsumer has used up
// its budget or the broker cancelled it. It issues the actual
// basic.cancel so the broker-side subscription does not keep running
// after the onceOnlyConsumer stops accepting deliveries (spec.md §4.3
// step 3: "accepts up to batchingSize messages then auto-cancels
// itself").
func (b *Buffer) subscriptionExhausted(tag string) {
	b.mu.Lock()
	if b.subTag != tag {
		b.mu.Unlock()
		return
	}
	cancel := b.cancelFn
	b.subbed = false
	b.subTag = ""
	b.cancelFn = nil
	b.mu.Unlock()

	go func() {
		_ = b.br.BasicCancel(tag)
	}()
	if cancel != nil {
		cancel()
	}
}

