// Package adapter defines the boundary between the instance manager and the
// client that speaks the messaging network's protocol. The manager only
// consumes lifecycle events and issues send and close calls; pairing, the
// wire protocol and QR generation live behind a Handle.
package adapter

import (
	"context"
	"encoding/json"
)

// EventKind identifies what an adapter reported.
type EventKind string

const (
	EventPairingCode EventKind = "pairing_code"
	EventStatus      EventKind = "status"
	EventMessage     EventKind = "message"
)

// ConnectionStatus is the connection state reported with EventStatus.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Event is one item of an instance's event stream. Which fields are set
// depends on Kind.
type Event struct {
	Kind EventKind

	// EventPairingCode
	Code string

	// EventStatus
	Status ConnectionStatus
	Info   json.RawMessage
	Reason string

	// EventMessage
	Payload json.RawMessage
}

// PairingCode builds a pairing-code-ready event.
func PairingCode(code string) Event {
	return Event{Kind: EventPairingCode, Code: code}
}

// Connected builds a status event for an open connection.
func Connected(info json.RawMessage) Event {
	return Event{Kind: EventStatus, Status: StatusConnected, Info: info}
}

// Disconnected builds a status event for a closed connection.
func Disconnected(reason string) Event {
	return Event{Kind: EventStatus, Status: StatusDisconnected, Reason: reason}
}

// Message builds an inbound message event.
func Message(payload json.RawMessage) Event {
	return Event{Kind: EventMessage, Payload: payload}
}

// CredentialStore persists the pairing credentials of one instance so a
// restarted process can reconnect without scanning a new code.
type CredentialStore interface {
	// Load returns nil data when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Config is passed to Starter.Start.
type Config struct {
	Name        string
	Credentials CredentialStore
}

// Starter opens connections. Start returns once the connection attempt is
// under way; pairing and connection progress arrive on Handle.Events.
type Starter interface {
	Start(ctx context.Context, id string, cfg Config) (Handle, error)
}

// Handle is one live connection.
//
// Events is closed after Close, or when the adapter gives up on the
// connection for good. SendText and SendMedia must not be called
// concurrently; the manager serializes them per instance.
type Handle interface {
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) (json.RawMessage, error)
	SendMedia(ctx context.Context, to string, data []byte, caption string) (json.RawMessage, error)
	Close() error
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, id string, cfg Config) (Handle, error)

func (f StarterFunc) Start(ctx context.Context, id string, cfg Config) (Handle, error) {
	return f(ctx, id, cfg)
}

// Unpairer is implemented by handles that can revoke their pairing on the
// network side. Close only drops the connection and keeps credentials valid,
// which is what a process shutdown wants; delete unpairs first.
type Unpairer interface {
	Unpair(ctx context.Context) error
}
