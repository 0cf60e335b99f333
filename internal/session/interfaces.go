package session

import (
	"context"

	"your.org/wa-tenant-sessions/internal/domain"
	"your.org/wa-tenant-sessions/internal/wire"
)

// CredentialStore persists the opaque authentication blob of each tenant.
// Load reports found=false when nothing is stored.
type CredentialStore interface {
	Load(ctx context.Context, tenantID string) (creds wire.Credentials, found bool, err error)
	Save(ctx context.Context, tenantID string, creds wire.Credentials) error
	Delete(ctx context.Context, tenantID string) error
	// List returns every tenant that currently has stored credentials.
	List(ctx context.Context) ([]string, error)
}

// StatusRepository records the connection status of a tenant.
type StatusRepository interface {
	UpsertStatus(ctx context.Context, tenantID string, st domain.ConnectionStatus) error
}

type nopStatuses struct{}

func (nopStatuses) UpsertStatus(context.Context, string, domain.ConnectionStatus) error { return nil }

// Observer receives lifecycle callbacks.  Every method runs synchronously
// on the goroutine that owns the tenant, except OnMessage which runs on the
// tenant's message pump.  Implementations must not call back into the
// Manager for the same tenant.
type Observer interface {
	OnPairingCode(ctx context.Context, tenantID, code string)
	OnOpen(ctx context.Context, tenantID, identity string)
	OnClose(ctx context.Context, tenantID string, reason Reason, disposition Disposition)
	OnMessage(ctx context.Context, tenantID string, msg wire.RawMessage)
}

// ObserverFuncs adapts plain functions to Observer.  Nil fields are skipped.
type ObserverFuncs struct {
	PairingCode func(ctx context.Context, tenantID, code string)
	Open        func(ctx context.Context, tenantID, identity string)
	Close       func(ctx context.Context, tenantID string, reason Reason, disposition Disposition)
	Message     func(ctx context.Context, tenantID string, msg wire.RawMessage)
}

func (f ObserverFuncs) OnPairingCode(ctx context.Context, tenantID, code string) {
	if f.PairingCode != nil {
		f.PairingCode(ctx, tenantID, code)
	}
}

func (f ObserverFuncs) OnOpen(ctx context.Context, tenantID, identity string) {
	if f.Open != nil {
		f.Open(ctx, tenantID, identity)
	}
}

func (f ObserverFuncs) OnClose(ctx context.Context, tenantID string, reason Reason, d Disposition) {
	if f.Close != nil {
		f.Close(ctx, tenantID, reason, d)
	}
}

func (f ObserverFuncs) OnMessage(ctx context.Context, tenantID string, msg wire.RawMessage) {
	if f.Message != nil {
		f.Message(ctx, tenantID, msg)
	}
}

// Observers fans each callback out to every member in order.
type Observers []Observer

func (o Observers) OnPairingCode(ctx context.Context, tenantID, code string) {
	for _, ob := range o {
		ob.OnPairingCode(ctx, tenantID, code)
	}
}

func (o Observers) OnOpen(ctx context.Context, tenantID, identity string) {
	for _, ob := range o {
		ob.OnOpen(ctx, tenantID, identity)
	}
}

func (o Observers) OnClose(ctx context.Context, tenantID string, reason Reason, d Disposition) {
	for _, ob := range o {
		ob.OnClose(ctx, tenantID, reason, d)
	}
}

func (o Observers) OnMessage(ctx context.Context, tenantID string, msg wire.RawMessage) {
	for _, ob := range o {
		ob.OnMessage(ctx, tenantID, msg)
	}
}
