// Package telemetry defines the core data types that flow through the
// ingestion pipeline.
//
// Key types:
//   - Message: a single validated telemetry event, from ingress to storage
//   - ConfigError: a fatal configuration problem detected at startup
package telemetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message represents a single telemetry event.
// It is immutable once validated; the buffer owns it until it is handed
// to a storage backend.
type Message struct {
	// ID is assigned at ingest time and is not part of the storage
	// contract; backends may persist their own identifiers instead.
	ID string

	// Topic is the hierarchical, slash-delimited routing key.
	Topic string

	// Payload is the decoded payload: a JSON object, array, or scalar.
	Payload any

	// Timestamp is the device-reported time of the event.
	Timestamp time.Time

	// ReceivedAt is the arrival time at the pipeline.
	ReceivedAt time.Time
}

// NewMessage builds a message with a fresh ID and the given arrival time.
func NewMessage(topic string, payload any, timestamp, receivedAt time.Time) Message {
	return Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		Timestamp:  timestamp,
		ReceivedAt: receivedAt,
	}
}

// PayloadObject returns the payload as an object, or nil if the payload
// is an array or scalar.
func (m *Message) PayloadObject() map[string]any {
	obj, _ := m.Payload.(map[string]any)
	return obj
}

// ConfigError marks a fatal configuration problem. The process must not
// start when one is returned during load.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// NewConfigError builds a ConfigError for the given config key.
func NewConfigError(key, format string, args ...any) *ConfigError {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}
