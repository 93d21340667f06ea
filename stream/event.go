// Package stream fans batch job progress out to connected clients via
// topic-based pub/sub. The engine publishes; the API layer subscribes
// on behalf of SSE and WebSocket connections.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of job event.
type EventType string

const (
	// EventProgress is emitted after each processed row.
	EventProgress EventType = "job.progress"
	// EventHeartbeat is emitted periodically while a job runs, so a
	// client parked behind the rate limiter knows the job is alive.
	EventHeartbeat EventType = "job.heartbeat"
	// EventDone is emitted once when every row has been processed.
	EventDone EventType = "job.done"
	// EventCanceled is emitted once when a job stops with a partial result.
	EventCanceled EventType = "job.canceled"
	// EventError is emitted once when a job aborts.
	EventError EventType = "job.error"
)

// Terminal reports whether the event type ends a job's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventDone, EventCanceled, EventError:
		return true
	}
	return false
}

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the job event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// UnmarshalData decodes the event payload into v.
func (e *Event) UnmarshalData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// JobEventData is the payload carried by every job event.
type JobEventData struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	HasResult bool   `json:"has_result"`
	Error     string `json:"error,omitempty"`
}
