// Package domain holds the value types shared across the consumer
// concurrency core: destinations, acknowledgement modes and the
// message envelope handed back to applications.
package domain

import "fmt"

// AckMode mirrors the acknowledgement modes a session recognizes.
// AUTO and DUPSOK behave identically at the consumer layer (ack
// immediately after delivery); CLIENT defers to the message; TRANSACTED
// defers to session commit.
type AckMode int

const (
	AckAuto AckMode = iota
	AckDupsOK
	AckClient
	AckTransacted
)

func (m AckMode) String() string {
	switch m {
	case AckAuto:
		return "auto"
	case AckDupsOK:
		return "dups-ok"
	case AckClient:
		return "client"
	case AckTransacted:
		return "transacted"
	default:
		return fmt.Sprintf("AckMode(%d)", int(m))
	}
}

// AutoAcks reports whether the core should ack immediately after a
// successful delivery, rather than leaving the ack to the application
// or to session commit.
func (m AckMode) AutoAcks() bool {
	return m == AckAuto || m == AckDupsOK
}

// Destination is the abstract address a Consumer reads from. Queues use
// their physical name directly; topics are backed by a private,
// per-consumer queue (see GLOSSARY in spec.md).
type Destination struct {
	IsQueue        bool
	PhysicalName   string
	PerConsumerName string
}

// QueueName resolves the broker queue name to subscribe to, per
// spec.md §6 "Queue-name selection".
func (d Destination) QueueName() string {
	if d.IsQueue {
		return d.PhysicalName
	}
	return d.PerConsumerName
}

// Envelope carries the broker metadata attached to a delivered message.
type Envelope struct {
	DeliveryTag uint64
	Redelivered bool
}

// Response is the opaque tuple the broker hands back for a single
// delivered message, before decoding.
type Response struct {
	Envelope Envelope
	Body     []byte
}

// Message is the decoded, application-visible form of a Response.
type Message struct {
	ID          string
	Body        []byte
	Redelivered bool
}
