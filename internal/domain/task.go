package domain

import "time"

// Status represents the lifecycle states of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the known task statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Task is the read-model row projected from a task aggregate's events.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot captures the mutable fields of a task at a point in time.
type Snapshot struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Status      Status  `json:"status"`
}

// Snapshot returns the mutable fields of t.
func (t *Task) Snapshot() Snapshot {
	return Snapshot{Name: t.Name, Description: t.Description, Status: t.Status}
}

// TaskPatch describes a partial update. A nil field leaves the stored value untouched.
type TaskPatch struct {
	Name        *string
	Description *string
	Status      *Status
}

// NewTaskPatch builds a patch from raw request fields. Empty strings count as absent.
func NewTaskPatch(name, description, status string) TaskPatch {
	var p TaskPatch
	if name != "" {
		p.Name = &name
	}
	if description != "" {
		p.Description = &description
	}
	if status != "" {
		s := Status(status)
		p.Status = &s
	}
	return p
}

// IsEmpty reports whether the patch supplies no fields.
func (p TaskPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Status == nil
}

// Validate checks the supplied fields.
func (p TaskPatch) Validate() error {
	if p.IsEmpty() {
		return &ValidationError{Reason: "At least one field (name, description, or status) is required"}
	}
	if p.Status != nil && !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "status must be one of pending, in-progress, completed"}
	}
	return nil
}

// Apply returns the snapshot produced by merging p over current.
func (p TaskPatch) Apply(current Snapshot) Snapshot {
	merged := current
	if p.Name != nil {
		merged.Name = *p.Name
	}
	if p.Description != nil {
		d := *p.Description
		merged.Description = &d
	}
	if p.Status != nil {
		merged.Status = *p.Status
	}
	return merged
}
