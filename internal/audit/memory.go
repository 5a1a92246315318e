package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents is the default maximum number of events to retain.
const DefaultMaxEvents = 10000

// MemoryRecorder is an in-memory implementation of Recorder.
// It stores events in a slice with newest events first.
// Thread-safe; retention is capped to prevent unbounded growth.
type MemoryRecorder struct {
	mu        sync.RWMutex
	events    []*Event
	maxEvents int
}

// MemoryRecorderOption configures a MemoryRecorder.
type MemoryRecorderOption func(*MemoryRecorder)

// WithMaxEvents sets the maximum number of events to retain.
func WithMaxEvents(max int) MemoryRecorderOption {
	return func(m *MemoryRecorder) {
		if max > 0 {
			m.maxEvents = max
		}
	}
}

// NewMemoryRecorder creates a new in-memory audit recorder.
func NewMemoryRecorder(opts ...MemoryRecorderOption) *MemoryRecorder {
	m := &MemoryRecorder{
		events:    make([]*Event, 0),
		maxEvents: DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record stores an audit event.
func (m *MemoryRecorder) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	cpy := *event
	m.events = append([]*Event{&cpy}, m.events...)
	if len(m.events) > m.maxEvents {
		m.events = m.events[:m.maxEvents]
	}
	return nil
}

// List retrieves audit events with optional filtering.
// Returns the requested page, the total count of matches, and any error.
func (m *MemoryRecorder) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var filtered []*Event
	for _, e := range m.events {
		if !matchesFilters(e, opts) {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	start := opts.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + opts.Limit
	if end > len(filtered) {
		end = len(filtered)
	}

	page := filtered[start:end]
	copies := make([]*Event, len(page))
	for i, e := range page {
		cpy := *e
		copies[i] = &cpy
	}
	return copies, total, nil
}

// ListByUser retrieves all events for a local user.
func (m *MemoryRecorder) ListByUser(ctx context.Context, userID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if e.UserID == userID {
			cpy := *e
			result = append(result, &cpy)
		}
	}
	return result, nil
}

// matchesFilters checks if an event matches the provided filter options.
func matchesFilters(e *Event, opts ListOptions) bool {
	if opts.Action != "" && e.Action != opts.Action {
		return false
	}
	if opts.Provider != "" && e.Provider != opts.Provider {
		return false
	}
	if opts.UserID != "" && e.UserID != opts.UserID {
		return false
	}
	if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && e.Timestamp.After(*opts.Until) {
		return false
	}
	return true
}
