package domain

import (
	"encoding/json"
	"time"
)

// AggregateType is the only aggregate kind recorded in the event store.
const AggregateType = "Task"

// EventType names the kind of a recorded event.
type EventType string

const (
	EventTaskCreated EventType = "TaskCreated"
	EventTaskUpdated EventType = "TaskUpdated"
	EventTaskDeleted EventType = "TaskDeleted"
)

// Routing keys used on the task_events exchange.
const (
	RoutingKeyCreated = "task.created"
	RoutingKeyUpdated = "task.updated"
	RoutingKeyDeleted = "task.deleted"
)

// RoutingKeys lists every routing key the notification queue is bound to.
var RoutingKeys = []string{RoutingKeyCreated, RoutingKeyUpdated, RoutingKeyDeleted}

// RoutingKey returns the broker routing key for an event type.
func (t EventType) RoutingKey() string {
	switch t {
	case EventTaskCreated:
		return RoutingKeyCreated
	case EventTaskUpdated:
		return RoutingKeyUpdated
	case EventTaskDeleted:
		return RoutingKeyDeleted
	}
	return ""
}

// Event is an append-only record in the events table.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// EventData is the snapshot stored in Event.EventData.
type EventData struct {
	AggregateID string    `json:"aggregateId"`
	Name        string    `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Previous    *Snapshot `json:"previous,omitempty"`
	EventType   EventType `json:"eventType"`
	Timestamp   string    `json:"timestamp"`
}

// Envelope is the JSON body of every broker message.
type Envelope struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// TaskCreatedPayload is the data of a task.created message.
type TaskCreatedPayload struct {
	TaskID      string  `json:"taskId"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// TaskUpdatedPayload is the data of a task.updated message.
type TaskUpdatedPayload struct {
	TaskID       string   `json:"taskId"`
	Name         string   `json:"name"`
	Description  *string  `json:"description"`
	Status       Status   `json:"status"`
	PreviousData Snapshot `json:"previousData"`
}

// TaskDeletedPayload is the data of a task.deleted message.
type TaskDeletedPayload struct {
	TaskID string `json:"taskId"`
}

// TimestampLayout is the ISO-8601 form used for envelope and event timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewEnvelope wraps data for publication under routingKey.
func NewEnvelope(routingKey string, data any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{EventType: routingKey, Data: raw, Timestamp: FormatTimestamp(at)}, nil
}
