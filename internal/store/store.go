// Package store persists connection status, inbound messages and leads in
// a single SQLite database (modernc driver, no cgo).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"your.org/wa-tenant-sessions/internal/domain"
)

// Same PRAGMAs as the per-tenant wire databases, to reduce SQLITE_BUSY
// under concurrent tenants.
const dsnFormat = "file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS connection_status (
		tenant_id         TEXT PRIMARY KEY,
		is_connected      INTEGER NOT NULL DEFAULT 0,
		phone_number      TEXT NOT NULL DEFAULT '',
		state             TEXT NOT NULL DEFAULT '',
		last_connected_at INTEGER,
		updated_at        INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		tenant_id    TEXT NOT NULL,
		id           TEXT NOT NULL,
		from_addr    TEXT NOT NULL,
		to_addr      TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		body         TEXT NOT NULL DEFAULT '',
		is_group     INTEGER NOT NULL DEFAULT 0,
		sent_at      INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS leads (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		phone      TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL,
		stage      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (tenant_id, phone)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_from ON messages (tenant_id, from_addr)`,
}

// Store implements the status, message and lead repositories.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file (and its directory) if needed and applies
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf(dsnFormat, path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer at a time; WAL lets readers proceed
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping backs the readyz probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// UpsertStatus records the latest connection status of a tenant.  A nil
// LastConnectedAt keeps the previously stored value.
func (s *Store) UpsertStatus(ctx context.Context, tenantID string, st domain.ConnectionStatus) error {
	var last sql.NullInt64
	if st.LastConnectedAt != nil {
		last = sql.NullInt64{Int64: st.LastConnectedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_status (tenant_id, is_connected, phone_number, state, last_connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			is_connected      = excluded.is_connected,
			phone_number      = CASE WHEN excluded.phone_number <> '' THEN excluded.phone_number ELSE connection_status.phone_number END,
			state             = excluded.state,
			last_connected_at = COALESCE(excluded.last_connected_at, connection_status.last_connected_at),
			updated_at        = excluded.updated_at`,
		tenantID, boolInt(st.IsConnected), st.PhoneNumber, st.State, last, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", tenantID, err)
	}
	return nil
}

// GetStatus returns the stored status of a tenant; found is false when the
// tenant never connected.
func (s *Store) GetStatus(ctx context.Context, tenantID string) (st domain.ConnectionStatus, found bool, err error) {
	var (
		connected int
		last      sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT is_connected, phone_number, state, last_connected_at
		FROM connection_status WHERE tenant_id = ?`, tenantID).
		Scan(&connected, &st.PhoneNumber, &st.State, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConnectionStatus{}, false, nil
	}
	if err != nil {
		return domain.ConnectionStatus{}, false, fmt.Errorf("get status %s: %w", tenantID, err)
	}
	st.IsConnected = connected == 1
	if last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		st.LastConnectedAt = &t
	}
	return st, true, nil
}

// SaveMessage inserts msg unless (tenant, id) is already stored.
func (s *Store) SaveMessage(ctx context.Context, msg domain.InboundMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (tenant_id, id, from_addr, to_addr, display_name, body, is_group, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING`,
		msg.TenantID, msg.ID, msg.From, msg.To, msg.DisplayName, msg.Body, boolInt(msg.IsGroup),
		msg.Timestamp.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountMessages returns how many messages a tenant has from a given address.
func (s *Store) CountMessages(ctx context.Context, tenantID, from string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE tenant_id = ? AND from_addr = ?`, tenantID, from).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// FindLeadByAddress returns nil, nil when no lead exists.
func (s *Store) FindLeadByAddress(ctx context.Context, tenantID, phone string) (*domain.Lead, error) {
	var (
		l       domain.Lead
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, phone, name, source, stage, created_at
		FROM leads WHERE tenant_id = ? AND phone = ?`, tenantID, phone).
		Scan(&l.ID, &l.TenantID, &l.Phone, &l.Name, &l.Source, &l.Stage, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find lead: %w", err)
	}
	l.CreatedAt = time.UnixMilli(created).UTC()
	return &l, nil
}

// CreateLead inserts lead.  domain.ErrLeadExists is returned when the
// (tenant, phone) pair is already taken.
func (s *Store) CreateLead(ctx context.Context, lead domain.Lead) (*domain.Lead, error) {
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, tenant_id, phone, name, source, stage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, phone) DO NOTHING`,
		lead.ID, lead.TenantID, lead.Phone, lead.Name, lead.Source, lead.Stage, lead.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrLeadExists
	}
	return &lead, nil
}

// ListLeads returns the leads of a tenant, oldest first.
func (s *Store) ListLeads(ctx context.Context, tenantID string) ([]domain.Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, phone, name, source, stage, created_at
		FROM leads WHERE tenant_id = ? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()
	var out []domain.Lead
	for rows.Next() {
		var (
			l       domain.Lead
			created int64
		)
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Phone, &l.Name, &l.Source, &l.Stage, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
