// Command consumer-demo wires the consumer concurrency core to a real
// RabbitMQ broker, Postgres durable-subscription store and Redis dedup
// store. It installs an asynchronous message listener on a plain queue
// and creates a durable topic consumer whose queue is resolved through
// Postgres; nothing in the demo calls Receive on either consumer. The
// wiring follows the shape of worker/cmd/worker/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Harsh-BH/amqp-consumer-core/internal/broker"
	"github.com/Harsh-BH/amqp-consumer-core/internal/config"
	"github.com/Harsh-BH/amqp-consumer-core/internal/domain"
	"github.com/Harsh-BH/amqp-consumer-core/internal/session"
	"github.com/Harsh-BH/amqp-consumer-core/internal/store"
)

// resolveDurableTopicDestination implements spec.md §6 "Queue-name
// selection" for durable topic subscriptions: reuse the previously
// registered private queue if one exists for (subscriptionName,
// topicName), otherwise declare a fresh one and register it so a
// future restart binds to the same queue instead of leaking a new one.
func resolveDurableTopicDestination(ctx context.Context, durable *store.PostgresDurableStore, subscriptionName, topicName string, ch *amqp.Channel, logger *zap.Logger) (domain.Destination, error) {
	queueName, err := durable.Lookup(ctx, subscriptionName, topicName)
	switch {
	case err == nil:
		logger.Info("reusing durable subscription queue", zap.String("queue", queueName))
	case errors.Is(err, store.ErrSubscriptionNotFound):
		queueName = "durable." + subscriptionName
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return domain.Destination{}, fmt.Errorf("consumer-demo: declare durable queue: %w", err)
		}
		if err := durable.Register(ctx, subscriptionName, topicName, queueName); err != nil {
			return domain.Destination{}, fmt.Errorf("consumer-demo: register durable subscription: %w", err)
		}
		logger.Info("registered new durable subscription queue", zap.String("queue", queueName))
	default:
		return domain.Destination{}, fmt.Errorf("consumer-demo: lookup durable subscription: %w", err)
	}

	return domain.Destination{IsQueue: false, PhysicalName: topicName, PerConsumerName: queueName}, nil
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("starting consumer-demo")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	durableStore := store.NewPostgresDurableStore(dbPool)
	logger.Info("connected to postgres")

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}
	redisClient := goredis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	dedupStore := store.NewRedisDedupStore(redisClient, time.Duration(cfg.Consumer.DedupTTLSeconds)*time.Second)
	logger.Info("connected to redis")

	conn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("failed to open channel", zap.Error(err))
	}
	defer ch.Close()
	if err := ch.Qos(cfg.Consumer.BatchingSize, 0, false); err != nil {
		logger.Fatal("failed to set qos", zap.Error(err))
	}
	logger.Info("connected to rabbitmq")

	rabbitBroker := broker.NewRabbitBroker(ch, logger)

	sess := session.New(
		rabbitBroker,
		domain.AckClient,
		dedupStore,
		time.Duration(cfg.Consumer.TerminationTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Consumer.StopTimeoutMs)*time.Millisecond,
		logger,
	)

	decode := func(resp domain.Response) (domain.Message, error) {
		return domain.Message{ID: fmt.Sprintf("%d", resp.Envelope.DeliveryTag), Body: resp.Body, Redelivered: resp.Envelope.Redelivered}, nil
	}

	queueDest := domain.Destination{IsQueue: true, PhysicalName: "demo.queue"}
	queueConsumer, err := sess.CreateConsumer(queueDest, decode, cfg.Consumer.BatchingSize, false, false)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	queueConsumer.SetMessageListener(func(msg domain.Message) {
		logger.Info("listener received message", zap.String("message_id", msg.ID), zap.Int("body_len", len(msg.Body)))
	})

	topicDest, err := resolveDurableTopicDestination(ctx, durableStore, "demo-subscription", "demo.topic", ch, logger)
	if err != nil {
		logger.Fatal("failed to resolve durable topic subscription", zap.Error(err))
	}
	topicConsumer, err := sess.CreateConsumer(topicDest, decode, cfg.Consumer.BatchingSize, true, false)
	if err != nil {
		logger.Fatal("failed to create topic consumer", zap.Error(err))
	}

	sess.Resume()
	logger.Info("consumers active", zap.String("queue", queueDest.QueueName()), zap.String("topic_queue", topicConsumer.Destination().QueueName()))

	metricsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Consumer.MetricsPort),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()
		if err := dbPool.Ping(pingCtx); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsSrv.Handler = mux

	go func() {
		logger.Info("metrics/health server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down consumer-demo")

	sess.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("consumer-demo stopped")
}
