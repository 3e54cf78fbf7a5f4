// Package handlers delivers rendered task notifications to side-effect channels.
package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Notification is a task event rendered for delivery.
type Notification struct {
	EventType string          `json:"eventType"`
	TaskID    string          `json:"taskId"`
	Subject   string          `json:"subject"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Channel delivers a notification somewhere.
type Channel interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Registry holds the channels every notification is sent to.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel, replacing any channel with the same name.
// Safe to call concurrently.
func (r *Registry) Register(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
}

// Channels returns the registered channels ordered by name.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
