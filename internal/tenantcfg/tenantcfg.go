// Package tenantcfg reads per-tenant pipeline overrides from Redis.  The
// key tenant-config:{tenant} holds a JSON object; only the fields below are
// read, and any missing or malformed field keeps the default:
//
//	{"createLeads": true, "leadStage": "new"}
package tenantcfg

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	redis "github.com/redis/go-redis/v9"

	ilog "your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/pipeline"
)

const keyPrefix = "tenant-config:"

// Source implements pipeline.SettingsSource.  Lookups are cached for a
// short time so a busy tenant does not hit Redis on every message.
type Source struct {
	client   *redis.Client
	defaults pipeline.Settings
	cache    *cache.Cache
}

// New returns a Source.  A nil client always yields defaults.
func New(client *redis.Client, defaults pipeline.Settings, ttl time.Duration) *Source {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Source{client: client, defaults: defaults, cache: cache.New(ttl, 2*ttl)}
}

func (s *Source) Settings(ctx context.Context, tenantID string) pipeline.Settings {
	if s.client == nil {
		return s.defaults
	}
	if v, ok := s.cache.Get(tenantID); ok {
		return v.(pipeline.Settings)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, err := s.client.Get(ctx, keyPrefix+tenantID).Bytes()
	if err != nil {
		if err != redis.Nil {
			ilog.WithTenant(tenantID).Warn("tenant config: %v", err)
		}
		s.cache.SetDefault(tenantID, s.defaults)
		return s.defaults
	}
	set := Parse(raw, s.defaults)
	s.cache.SetDefault(tenantID, set)
	return set
}

// Parse overlays the fields present in raw onto defaults.
func Parse(raw []byte, defaults pipeline.Settings) pipeline.Settings {
	out := defaults
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return out
	}
	if v, ok := m["createLeads"]; ok {
		if b, ok2 := asBool(v); ok2 {
			out.CreateLeads = b
		}
	}
	if v, ok := m["leadStage"]; ok {
		if str, ok2 := v.(string); ok2 && strings.TrimSpace(str) != "" {
			out.LeadStage = strings.TrimSpace(str)
		}
	}
	return out
}

// Helpers to decode loosely-typed JSON values
func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, false
		}
		return b, true
	case float64:
		return t != 0, true
	default:
		return false, false
	}
}
