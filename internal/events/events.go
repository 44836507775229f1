// Package events defines the lifecycle notifications a crawl run emits.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Type denotes the kind of milestone represented by an Event.
type Type string

// Supported event types.
const (
	TypeRunStarted     Type = "RUN_STARTED"
	TypeRunFinished    Type = "RUN_FINISHED"
	TypeRequestHandled Type = "REQUEST_HANDLED"
	TypeRequestRetried Type = "REQUEST_RETRIED"
	TypeRequestFailed  Type = "REQUEST_FAILED"
)

// Event captures a single crawl milestone.
type Event struct {
	// RunID identifies the crawl run that emitted the event.
	RunID string `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time `json:"ts"`
	Type Type      `json:"type"`
	// URL is the optional page URL; it should not contain credentials.
	URL string `json:"url,omitempty"`
	// Retries carries the item's retry count for request events.
	Retries int `json:"retries,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeRunStarted, TypeRunFinished:
	case TypeRequestHandled, TypeRequestRetried, TypeRequestFailed:
		if e.URL == "" {
			return errors.New("request events require a url")
		}
	default:
		return errors.New("unknown event type")
	}
	return nil
}

// Publisher delivers events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Memory collects events in process, for tests and local runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory constructs an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the event after validating it.
func (m *Memory) Publish(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
