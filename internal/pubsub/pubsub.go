// Package pubsub provides a generic publish/subscribe event broker.
// It decouples the engine session from its observers: process
// lifecycle signals, streaming search events, and log fan-out all
// travel through brokers of the appropriate payload type.
package pubsub

import (
	"context"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// EventEngineReady fires when the handshake completes, at startup
	// and after every successful restart.
	EventEngineReady EventType = "engine_ready"
	// EventEngineRestarted fires after a crash recovery succeeds.
	EventEngineRestarted EventType = "engine_restarted"
	// EventEngineDown fires when an unexpected process exit is
	// detected, before any restart attempt.
	EventEngineDown EventType = "engine_down"
	// EventEngineStopped fires when the process exits after an
	// intentional shutdown request.
	EventEngineStopped EventType = "engine_stopped"
	// EventEngineFatal fires when the crash budget is exhausted. The
	// host process must observe this and terminate non-zero.
	EventEngineFatal EventType = "engine_fatal"

	// EventSearchInfo is a pass-through search progress line.
	EventSearchInfo EventType = "search_info"
	// EventSearchBestMove is a pass-through best-move line.
	EventSearchBestMove EventType = "search_bestmove"

	// EventLogEntry is a formatted log entry republished by the log
	// package for diagnostic streams.
	EventLogEntry EventType = "log_entry"
)

// Event is a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher publishes events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
