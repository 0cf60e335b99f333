package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"your.org/wa-tenant-sessions/internal/domain"
	ilog "your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/wire"
)

// Status strings reported to callers.
const (
	StatusConnecting   = "connecting"
	StatusQRReady      = "qr_ready"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

func statusOf(st State) string {
	switch st {
	case StateAwaitingPairing:
		return StatusQRReady
	case StateOpen:
		return StatusConnected
	case StateClosed:
		return StatusDisconnected
	default:
		return StatusConnecting
	}
}

// Status is the caller-facing view of a tenant session.
type Status struct {
	Status      string `json:"status"`
	IsConnected bool   `json:"is_connected"`
	QRCode      string `json:"qr_code,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Manager is the command surface over the registry and the per-tenant
// supervisors.
type Manager struct {
	policy   Policy
	factory  wire.Factory
	creds    CredentialStore
	statuses StatusRepository
	observer Observer
	registry *Registry

	mu       sync.Mutex
	lastErrs map[string]string
}

// NewManager wires a manager.  statuses and observer may be nil.
func NewManager(factory wire.Factory, creds CredentialStore, statuses StatusRepository, observer Observer, policy Policy) *Manager {
	if statuses == nil {
		statuses = nopStatuses{}
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	return &Manager{
		policy:   policy.withDefaults(),
		factory:  factory,
		creds:    creds,
		statuses: statuses,
		observer: observer,
		registry: NewRegistry(),
		lastErrs: make(map[string]string),
	}
}

// Registry exposes the tenant map for read-only inspection.
func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Policy() Policy { return m.policy }

// Initialize starts a session for tenantID unless a live one exists, and
// returns immediately.  Progress is observed through GetStatus or the
// observer callbacks.
func (m *Manager) Initialize(ctx context.Context, tenantID string) (Status, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Status{}, ErrTenantRequired
	}
	_, created := m.registry.GetOrCreate(tenantID, func() *Supervisor {
		s := newSupervisor(tenantID, m.policy, m.factory, m.creds, m.statuses, m.observer, m.supervisorClosed)
		s.Start()
		return s
	})
	if created {
		m.mu.Lock()
		delete(m.lastErrs, tenantID)
		m.mu.Unlock()
		ilog.WithTenant(tenantID).Info("session initialized")
	}
	return m.GetStatus(tenantID), nil
}

// GetStatus never fails: an unknown tenant reports disconnected.
func (m *Manager) GetStatus(tenantID string) Status {
	s, ok := m.registry.Get(tenantID)
	if !ok {
		m.mu.Lock()
		last := m.lastErrs[tenantID]
		m.mu.Unlock()
		return Status{Status: StatusDisconnected, LastError: last}
	}
	snap := s.Snapshot()
	st := Status{Status: statusOf(snap.State)}
	switch snap.State {
	case StateAwaitingPairing:
		st.QRCode = snap.PairingCode
	case StateOpen:
		st.IsConnected = true
		st.PhoneNumber = snap.Identity
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}
	return st
}

// Send blocks the caller until the wire accepts the message or the send
// timeout expires.
func (m *Manager) Send(ctx context.Context, tenantID, to, text string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", ErrTenantRequired
	}
	s, ok := m.registry.Get(tenantID)
	if !ok {
		return "", ErrNotConnected
	}
	return s.Send(ctx, to, text)
}

// Disconnect forces the tenant to Closed and purges its credentials.  It is
// idempotent and also purges stored credentials when no session is live.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrTenantRequired
	}
	if s, ok := m.registry.Get(tenantID); ok {
		if err := s.Disconnect(ctx); err != nil {
			return err
		}
	}
	// the session may have closed on its own and kept its credentials
	if err := m.creds.Delete(ctx, tenantID); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	if err := m.statuses.UpsertStatus(ctx, tenantID, domain.ConnectionStatus{State: StatusDisconnected}); err != nil {
		ilog.WithTenant(tenantID).Error("persist status: %v", err)
	}
	return nil
}

// ListReady returns the tenants with an open session.
func (m *Manager) ListReady() []string { return m.registry.ListReady() }

// RestoreSaved initializes every tenant that has stored credentials.
func (m *Manager) RestoreSaved(ctx context.Context) ([]string, error) {
	ids, err := m.creds.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	started := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := m.Initialize(ctx, id); err != nil {
			ilog.WithTenant(id).Error("restore: %v", err)
			continue
		}
		started = append(started, id)
	}
	ilog.Infof("restored %d sessions", len(started))
	return started, nil
}

// Shutdown stops every supervisor and keeps credentials on disk.
func (m *Manager) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.registry.All() {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				ilog.WithTenant(s.TenantID()).Warn("shutdown: %v", err)
			}
		}(s)
	}
	wg.Wait()
}

func (m *Manager) supervisorClosed(s *Supervisor) {
	m.registry.removeIf(s.tenantID, s)
	snap := s.Snapshot()
	m.mu.Lock()
	if snap.LastError != nil {
		m.lastErrs[s.tenantID] = snap.LastError.Error()
	} else {
		delete(m.lastErrs, s.tenantID)
	}
	m.mu.Unlock()
}
