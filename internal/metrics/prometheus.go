// Package metrics exposes prometheus instrumentation for the consumer
// lifecycle, following the promauto package-global pattern of
// worker/internal/metrics/prometheus.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReceivesTotal counts receive()/receiveNoWait() calls by outcome
	// (delivered, timed_out, aborted, decode_failed).
	ReceivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqp_consumer_receives_total",
			Help: "Total number of synchronous receive attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ReceiveLatency tracks how long receive() blocked before returning.
	ReceiveLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "amqp_consumer_receive_latency_seconds",
			Help:    "Time spent blocked in receive() before returning",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"queue"},
	)

	// ListenerInvocationsTotal counts message listener invocations by
	// outcome (acked, deferred, panicked, decode_failed).
	ListenerInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqp_consumer_listener_invocations_total",
			Help: "Total number of message listener invocations by outcome",
		},
		[]string{"outcome"},
	)

	// AcksTotal and NacksTotal count broker acknowledgement calls.
	AcksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "amqp_consumer_acks_total",
			Help: "Total number of basic.ack calls issued",
		},
	)
	NacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqp_consumer_nacks_total",
			Help: "Total number of basic.nack calls issued, by requeue flag",
		},
		[]string{"requeue"},
	)

	// ActiveListeners tracks the number of consumers with an installed
	// message listener currently subscribed.
	ActiveListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "amqp_consumer_active_listeners",
			Help: "Number of consumers with an active push subscription",
		},
	)

	// GateOccupancy tracks the number of goroutines currently admitted
	// past a receive gate, summed across consumers.
	GateOccupancy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "amqp_consumer_gate_occupancy",
			Help: "Current number of in-flight receive() calls admitted past the gate",
		},
	)
)
