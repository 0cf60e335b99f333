package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/patrickmn/go-cache"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	_ "modernc.org/sqlite"

	ilog "your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/wire"
)

// Factory opens whatsmeow connections.  Each tenant gets its own SQLite
// device store under SESSION_STORE/<tenant>/session.db; the credential blob
// handed back to the supervisor is the device JID inside that store.
type Factory struct {
	sessionStore string
	region       string

	// E.164 -> resolved JID string, shared by all tenants
	pnCache *cache.Cache
}

// NewFactory returns a Factory rooted at sessionStore.  region is used to
// parse recipients given without a country code.
func NewFactory(sessionStore, region string) *Factory {
	if strings.TrimSpace(region) == "" {
		region = "BR"
	}
	return &Factory{
		sessionStore: sessionStore,
		region:       strings.ToUpper(region),
		pnCache:      cache.New(pnCacheTTL, 2*pnCacheTTL),
	}
}

// SessionPath is the per-tenant directory holding session.db.
func (f *Factory) SessionPath(tenantID string) string {
	return filepath.Join(f.sessionStore, tenantID)
}

// Open builds a client for tenantID and starts connecting.  It returns once
// the socket is up; pairing, login and failures arrive on the handle's
// event channel.
func (f *Factory) Open(ctx context.Context, tenantID string, creds wire.Credentials) (wire.Handle, error) {
	if err := os.MkdirAll(f.SessionPath(tenantID), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir session dir: %w", err)
	}

	// PRAGMAs para reduzir SQLITE_BUSY e melhorar concorrência
	dbPath := filepath.Join(f.SessionPath(tenantID), "session.db")
	dsn := fmt.Sprintf(
		"file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		dbPath,
	)
	container, err := sqlstore.New(ctx, "sqlite", dsn, ilog.WA("Database"))
	if err != nil {
		return nil, fmt.Errorf("sqlstore.New: %w", err)
	}

	device, err := f.device(ctx, container, creds)
	if err != nil {
		_ = container.Close()
		if errors.Is(err, errUnknownDevice) {
			ilog.WithTenant(tenantID).Warn("stored device %q not found", string(creds))
			return closedHandle(reasonInvalidSession), nil
		}
		return nil, err
	}

	cli := whatsmeow.NewClient(device, ilog.WA("Client"))
	// the supervisor owns reconnects
	cli.EnableAutoReconnect = false
	cli.AutoTrustIdentity = true

	h := newHandle(tenantID, cli, container, &resolver{cache: f.pnCache, region: f.region})
	h.handlerID = cli.AddEventHandler(h.onEvent)

	if cli.Store.ID == nil {
		// Ainda não pareado: abre canal de QR ANTES do Connect
		qrCh, err := cli.GetQRChannel(h.ctx)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("get QR channel: %w", err)
		}
		go h.watchQR(qrCh)
	} else if len(creds) == 0 {
		// paired by an earlier layout that kept no credential blob
		h.push(wire.Event{Type: wire.EventCredentials, Credentials: wire.Credentials(cli.Store.ID.String())})
	}
	h.push(wire.Event{Type: wire.EventConnecting})

	if err := cli.Connect(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return h, nil
}

var errUnknownDevice = errors.New("device not in store")

func (f *Factory) device(ctx context.Context, container *sqlstore.Container, creds wire.Credentials) (*store.Device, error) {
	if len(creds) == 0 {
		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("get first device: %w", err)
		}
		if device == nil {
			device = container.NewDevice()
		}
		return device, nil
	}
	jid, err := types.ParseJID(string(creds))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnknownDevice, err)
	}
	device, err := container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if device == nil {
		return nil, errUnknownDevice
	}
	return device, nil
}
