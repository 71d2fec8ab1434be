// Package ingress delivers raw telemetry events into the pipeline.
//
// The pipeline consumes a Source and does not care where events come
// from; the production source is an MQTT subscription, tests use an
// in-memory one.
package ingress

import "time"

// Event is one raw message as received from the transport, before
// decoding or validation.
type Event struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Source produces raw telemetry events.
type Source interface {
	// Start begins delivery. Events arrive on the channel returned by
	// Events until Close is called.
	Start() error

	// Events is the delivery channel. It is closed when the source
	// shuts down.
	Events() <-chan Event

	// Close stops delivery and closes the events channel. Idempotent.
	Close()
}
