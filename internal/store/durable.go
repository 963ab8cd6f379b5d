package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSubscriptionNotFound is returned by Lookup when no durable
// registration exists for the given name.
var ErrSubscriptionNotFound = errors.New("store: durable subscription not found")

// DurableSubscription is the persisted record a durable topic
// subscription resolves to on reconnect, per SPEC_FULL.md §4 "Durable
// topic subscriptions".
type DurableSubscription struct {
	SubscriptionName string
	TopicName        string
	QueueName        string
}

// PostgresDurableStore persists durable-subscription-name -> queue-name
// bindings, following the query/Exec shape of
// worker/internal/repository/postgres/job_repo.go.
type PostgresDurableStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDurableStore wraps an already-configured pgxpool.Pool.
// Schema migration is the caller's responsibility, matching the
// teacher's repository constructors.
func NewPostgresDurableStore(pool *pgxpool.Pool) *PostgresDurableStore {
	return &PostgresDurableStore{pool: pool}
}

// Lookup returns the existing queue name bound to (subscriptionName,
// topicName), or ErrSubscriptionNotFound if this is the first time the
// pair has been seen.
func (s *PostgresDurableStore) Lookup(ctx context.Context, subscriptionName, topicName string) (string, error) {
	const query = `
		SELECT queue_name FROM durable_subscriptions
		WHERE subscription_name = $1 AND topic_name = $2`

	var queueName string
	err := s.pool.QueryRow(ctx, query, subscriptionName, topicName).Scan(&queueName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSubscriptionNotFound
		}
		return "", fmt.Errorf("store: lookup durable subscription: %w", err)
	}
	return queueName, nil
}

// Register persists a new (subscriptionName, topicName) -> queueName
// binding, upserting so a re-declare of the same durable subscription
// is idempotent.
func (s *PostgresDurableStore) Register(ctx context.Context, subscriptionName, topicName, queueName string) error {
	const query = `
		INSERT INTO durable_subscriptions (subscription_name, topic_name, queue_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (subscription_name) DO UPDATE SET topic_name = EXCLUDED.topic_name, queue_name = EXCLUDED.queue_name`

	_, err := s.pool.Exec(ctx, query, subscriptionName, topicName, queueName)
	if err != nil {
		return fmt.Errorf("store: register durable subscription: %w", err)
	}
	return nil
}

// Unregister removes a durable subscription's binding, mirroring JMS
// Session.unsubscribe().
func (s *PostgresDurableStore) Unregister(ctx context.Context, subscriptionName string) error {
	const query = `DELETE FROM durable_subscriptions WHERE subscription_name = $1`
	tag, err := s.pool.Exec(ctx, query, subscriptionName)
	if err != nil {
		return fmt.Errorf("store: unregister durable subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
