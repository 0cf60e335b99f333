// Package status mirrors tenant connection status into Redis so external
// dashboards can read it without going through the HTTP API.  Keys have
// the form tenant-status:{tenant}; values are connecting, qr_ready, online
// or offline.
package status

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"your.org/wa-tenant-sessions/internal/domain"
	ilog "your.org/wa-tenant-sessions/internal/log"
)

const keyPrefix = "tenant-status:"

// Repository is the durable status store wrapped by the mirror.
type Repository interface {
	UpsertStatus(ctx context.Context, tenantID string, st domain.ConnectionStatus) error
}

// Dial parses redisURL and pings the server.  An empty URL returns a nil
// client, which every consumer treats as "Redis disabled".
func Dial(redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		// keep the client; go-redis reconnects on the next command
		ilog.Warnf("redis ping failed: %v", err)
	}
	return c, nil
}

// Mirror forwards every status write to the wrapped repository and then
// copies a short value into Redis.  Redis failures are logged only.
type Mirror struct {
	next   Repository
	client *redis.Client
}

func NewMirror(next Repository, client *redis.Client) *Mirror {
	return &Mirror{next: next, client: client}
}

func (m *Mirror) UpsertStatus(ctx context.Context, tenantID string, st domain.ConnectionStatus) error {
	var err error
	if m.next != nil {
		err = m.next.UpsertStatus(ctx, tenantID, st)
	}
	m.Set(ctx, tenantID, Value(st))
	return err
}

// Set writes value for tenantID.
func (m *Mirror) Set(ctx context.Context, tenantID, value string) {
	if m.client == nil || strings.TrimSpace(tenantID) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.client.Set(ctx, keyPrefix+tenantID, value, 0).Err(); err != nil {
		ilog.WithTenant(tenantID).Warn("redis status %s: %v", value, err)
	}
}

// Value maps a stored status to the mirrored value.
func Value(st domain.ConnectionStatus) string {
	if st.IsConnected {
		return "online"
	}
	switch st.State {
	case "qr_ready":
		return "qr_ready"
	case "connecting":
		return "connecting"
	default:
		return "offline"
	}
}
