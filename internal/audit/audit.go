// Package audit records authentication events for security review.
// Every login, account provisioning, disconnect, and logout leaves an event.
package audit

import (
	"context"
	"time"
)

// Event represents a single auditable authentication action.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Provider  string    `json:"provider"`
	UserID    string    `json:"user_id,omitempty"`
	// ExternalUserID is the provider-side subject, when known.
	ExternalUserID string `json:"external_user_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	IPAddress      string `json:"ip_address,omitempty"`
	// Detail carries a human-readable note, e.g. the denial reason.
	Detail string `json:"detail,omitempty"`
}

// ListOptions provides filtering and pagination options for listing events.
type ListOptions struct {
	Limit    int
	Offset   int
	Action   string
	Provider string
	UserID   string
	Since    *time.Time
	Until    *time.Time
}

// Recorder defines the interface for audit event persistence.
type Recorder interface {
	// Record stores an event, assigning ID and timestamp if unset.
	Record(ctx context.Context, event *Event) error

	// List retrieves events with optional filtering, newest first.
	// Returns the page and the total count of matching events.
	List(ctx context.Context, opts ListOptions) ([]*Event, int, error)

	// ListByUser retrieves all events for a local user, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Event, error)
}

// Valid actions for audit events.
const (
	ActionLoginStarted = "login_started"
	ActionLogin        = "login"
	ActionLoginDenied  = "login_denied"
	ActionProvision    = "provision"
	ActionDisconnect   = "disconnect"
	ActionLogout       = "logout"
)
