// Package wire is the contract between the session supervisor and a
// messaging-network client.  Implementations own the socket; the
// supervisor owns the lifecycle.
package wire

import (
	"context"
	"time"
)

// Credentials is the opaque authentication blob persisted per tenant.  A
// nil value means the tenant has never paired.
type Credentials []byte

// EventType enumerates connection-state events.
type EventType int

const (
	EventConnecting EventType = iota
	EventPairing
	EventOpen
	EventClose
	EventCredentials
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventPairing:
		return "pairing"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

// Event is one connection-state notification.  Only the field matching
// Type is meaningful: Code for EventPairing, Identity for EventOpen,
// Reason for EventClose, Credentials for EventCredentials.
type Event struct {
	Type        EventType
	Code        string
	Identity    string
	Reason      string
	Credentials Credentials
}

// RawMessage is an inbound message as delivered by the wire client.
type RawMessage struct {
	ID        string
	Chat      string
	Sender    string
	Recipient string
	PushName  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	IsFromMe  bool
	// IsBroadcast marks status/broadcast/newsletter chats.
	IsBroadcast bool
}

// Handle is a single live wire connection for one tenant.
type Handle interface {
	// Events carries connection-state events.  Nothing is delivered after
	// Close returns; the channel may or may not be closed.
	Events() <-chan Event
	// Messages carries inbound messages under the same rule as Events.
	Messages() <-chan RawMessage
	Send(ctx context.Context, to, text string) (string, error)
	Alive() bool
	Close() error
}

// Factory opens wire connections.
type Factory interface {
	Open(ctx context.Context, tenantID string, creds Credentials) (Handle, error)
}
