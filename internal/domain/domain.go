// Package domain holds the records shared by the session supervisor, the
// message pipeline and the persistence layer.
package domain

import (
	"errors"
	"time"
)

// LeadSourceInbound tags leads created from inbound messaging activity.
const LeadSourceInbound = "messaging-inbound"

// ErrLeadExists is returned by lead repositories when a lead for the same
// (tenant, phone) pair was created concurrently.
var ErrLeadExists = errors.New("lead already exists")

// ConnectionStatus is the durable view of one tenant's connection, written
// on every session transition that changes it.
type ConnectionStatus struct {
	IsConnected     bool
	PhoneNumber     string
	State           string
	LastConnectedAt *time.Time
}

// InboundMessage is an inbound wire message after filtering and
// normalization.  ID is the wire-assigned message id and doubles as the
// dedup key.
type InboundMessage struct {
	ID          string
	TenantID    string
	From        string
	To          string
	DisplayName string
	Body        string
	Timestamp   time.Time
	IsGroup     bool
	IsFromMe    bool
}

// Lead is the CRM record auto-created for a new external contact.
type Lead struct {
	ID        string
	TenantID  string
	Phone     string
	Name      string
	Source    string
	Stage     string
	CreatedAt time.Time
}
