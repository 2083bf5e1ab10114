package models

import (
	"encoding/json"
	"time"
)

// Status is the pairing/connection state of an instance.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusQRPending    Status = "qr_pending"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusQRPending, StatusConnected, StatusDisconnected, StatusClosed:
		return true
	}
	return false
}

// InstanceRecord is the persisted configuration of an instance. It is the
// restore source of truth on boot and is shared between the manager and
// storage layers.
type InstanceRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InstanceState is a snapshot of the runtime state of a registered instance.
type InstanceState struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	WebhookURL     string          `json:"webhook,omitempty"`
	Status         Status          `json:"status"`
	PairingCode    string          `json:"qr,omitempty"`
	ConnectionInfo json.RawMessage `json:"info,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Summary returns the lightweight listing view of the state.
func (s InstanceState) Summary() InstanceSummary {
	return InstanceSummary{
		ID:         s.ID,
		Status:     s.Status,
		Name:       s.Name,
		WebhookURL: s.WebhookURL,
		CreatedAt:  s.CreatedAt,
	}
}

// InstanceSummary is the listing view of an instance.
type InstanceSummary struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Name       string    `json:"name"`
	WebhookURL string    `json:"webhook,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Forwarded event types.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventMessage      = "message"
)

// ForwardEvent is the event body relayed to webhooks and the event bus.
type ForwardEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Info    json.RawMessage `json:"info,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Delivery is the envelope posted to an instance's webhook.
type Delivery struct {
	InstanceID string       `json:"instanceId"`
	Event      ForwardEvent `json:"event"`
}
