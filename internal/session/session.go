// Package session implements the consumer registry and ack-mode
// dispatch described in spec.md §3: the owner of every Consumer on a
// connection, responsible for routing internalClose and deciding
// whether a delivered message is acked immediately or deferred.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/broker"
	"github.com/Harsh-BH/amqp-consumer-core/internal/consumer"
	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
)

// Dedup is the narrow surface session needs from a duplicate-delivery
// detector. It is satisfied by *store.RedisDedupStore; nil disables
// dedup bookkeeping entirely (spec.md never requires it).
type Dedup interface {
	// MarkDelivered returns true if this is the first time msg.ID has
	// been seen, false if it is a redelivered duplicate.
	MarkDelivered(ctx context.Context, msgID string) (firstSeen bool, err error)
}

// Session owns every Consumer created against one connection/channel.
// It is the Session implementation Consumer calls back through.
type Session struct {
	br      broker.Broker
	ackMode domain.AckMode
	dedup   Dedup
	logger  *zap.Logger

	termTimeout time.Duration
	stopTimeout time.Duration

	mu        sync.Mutex
	consumers map[*consumer.Consumer]struct{}
	closed    bool
}

var _ consumer.Session = (*Session)(nil)

// New constructs a Session with the given acknowledgement mode. dedup
// may be nil to disable redelivery bookkeeping.
func New(
	br broker.Broker,
	ackMode domain.AckMode,
	dedup Dedup,
	termTimeout time.Duration,
	stopTimeout time.Duration,
	logger *zap.Logger,
) *Session {
	return &Session{
		br:          br,
		ackMode:     ackMode,
		dedup:       dedup,
		logger:      logger,
		termTimeout: termTimeout,
		stopTimeout: stopTimeout,
		consumers:   make(map[*consumer.Consumer]struct{}),
	}
}

// AckMode implements consumer.Session.
func (s *Session) AckMode() domain.AckMode {
	return s.ackMode
}

// CreateConsumer builds and registers a Consumer bound to dest,
// decoding deliveries with decode. durable and noLocal are set on the
// consumer before it is returned, per spec.md §3 Construction
// ("durable, noLocal default false and are set by the creating session
// before first use"). The consumer starts PAUSED; call Resume
// (directly, or via Session.Resume) to begin delivery.
func (s *Session) CreateConsumer(dest domain.Destination, decode consumer.Decoder, batchingSize int, durable, noLocal bool) (*consumer.Consumer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrClosed
	}
	s.mu.Unlock()

	c := consumer.New(s, s.br, dest, decode, batchingSize, s.termTimeout, s.stopTimeout, s.logger)
	c.SetDurable(durable)
	c.SetNoLocal(noLocal)

	s.mu.Lock()
	s.consumers[c] = struct{}{}
	s.mu.Unlock()

	return c, nil
}

// Unregister implements consumer.Session: removes c from the registry.
// Idempotent.
func (s *Session) Unregister(c *consumer.Consumer) {
	s.mu.Lock()
	delete(s.consumers, c)
	s.mu.Unlock()
}

// HandleDelivered implements consumer.Session. When a Dedup store is
// configured, a redelivered duplicate is logged but otherwise passed
// through unchanged: spec.md leaves application-level duplicate
// handling to the caller, this only makes the redelivery observable
// (see SPEC_FULL.md §4 "Redelivery/dedup bookkeeping"). For CLIENT and
// TRANSACTED sessions, and when no Dedup store is configured, it records
// nothing.
func (s *Session) HandleDelivered(msg domain.Message, tag uint64) {
	if s.dedup == nil || !s.ackMode.AutoAcks() {
		return
	}
	firstSeen, err := s.dedup.MarkDelivered(context.Background(), msg.ID)
	if err != nil {
		s.logger.Warn("session: dedup check failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if !firstSeen {
		s.logger.Info("session: redelivered duplicate observed",
			zap.String("message_id", msg.ID), zap.Uint64("delivery_tag", tag))
	}
}

// Resume activates every registered consumer (spec.md §4.1 PAUSED ->
// ACTIVE), mirroring a connection start.
func (s *Session) Resume() {
	for _, c := range s.snapshot() {
		c.Resume()
	}
}

// Pause quiesces every registered consumer without aborting in-flight
// waiters, mirroring a connection stop.
func (s *Session) Pause() {
	for _, c := range s.snapshot() {
		c.Pause()
	}
}

// Close closes every registered consumer and marks the session closed.
// CreateConsumer fails with domain.ErrClosed afterward. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range s.snapshot() {
		c.Close()
	}
}

func (s *Session) snapshot() []*consumer.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*consumer.Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		out = append(out, c)
	}
	return out
}
