package domain

import "fmt"

// ValidationError is returned when a request carries missing or invalid input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TaskNotFoundError is returned when an aggregate has no read-model row.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// InfrastructureError is returned when a store, cache, or broker operation fails.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// MessageProcessingError is returned when a delivered message cannot be handled.
// EventType is empty when the message could not be parsed.
type MessageProcessingError struct {
	EventType string
	Err       error
}

func (e *MessageProcessingError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("process message: %v", e.Err)
	}
	return fmt.Sprintf("process %s message: %v", e.EventType, e.Err)
}

func (e *MessageProcessingError) Unwrap() error { return e.Err }

// VersionConflictError is returned when another command appended the same
// event version for an aggregate first.
type VersionConflictError struct {
	AggregateID string
	Version     int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("aggregate %s: event version %d already exists", e.AggregateID, e.Version)
}
