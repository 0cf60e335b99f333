// Package pipeline turns inbound wire messages into stored messages and
// CRM leads.  It is invoked once per message on the tenant's message pump,
// so calls for one tenant never overlap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"your.org/wa-tenant-sessions/internal/domain"
	"your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/wire"
)

// ErrFiltered is returned by Handle for messages dropped by the business
// filter (self-sent, group, broadcast).
var ErrFiltered = errors.New("message filtered")

// MessageRepository stores inbound messages.  SaveMessage must treat a
// duplicate (tenant, id) as a no-op and report inserted=false.
type MessageRepository interface {
	SaveMessage(ctx context.Context, msg domain.InboundMessage) (inserted bool, err error)
}

// LeadRepository finds and creates CRM leads.  FindLeadByAddress returns
// nil, nil when absent; CreateLead returns domain.ErrLeadExists when a
// concurrent writer won.
type LeadRepository interface {
	FindLeadByAddress(ctx context.Context, tenantID, phone string) (*domain.Lead, error)
	CreateLead(ctx context.Context, lead domain.Lead) (*domain.Lead, error)
}

// Settings are the per-tenant knobs of the pipeline.
type Settings struct {
	CreateLeads bool
	LeadStage   string
}

// SettingsSource resolves Settings for a tenant.  Implementations fall back
// to defaults on any error.
type SettingsSource interface {
	Settings(ctx context.Context, tenantID string) Settings
}

type staticSettings Settings

func (s staticSettings) Settings(context.Context, string) Settings { return Settings(s) }

// Pipeline implements the inbound message fan-out.
type Pipeline struct {
	messages MessageRepository
	leads    LeadRepository
	settings SettingsSource
	region   string
	now      func() time.Time

	// tenant|phone -> struct{} for leads known to exist
	known *cache.Cache
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSettings sets the per-tenant settings source.
func WithSettings(src SettingsSource) Option {
	return func(p *Pipeline) {
		if src != nil {
			p.settings = src
		}
	}
}

// WithRegion sets the default phone region used for numbers without a
// country code.
func WithRegion(region string) Option {
	return func(p *Pipeline) { p.region = strings.ToUpper(strings.TrimSpace(region)) }
}

// WithKnownLeadTTL controls how long an existing lead is remembered before
// the repository is asked again.
func WithKnownLeadTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.known = cache.New(ttl, 2*ttl)
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// DefaultSettings are used when no source is configured.
func DefaultSettings(stage string) Settings {
	if strings.TrimSpace(stage) == "" {
		stage = "new"
	}
	return Settings{CreateLeads: true, LeadStage: stage}
}

func New(messages MessageRepository, leads LeadRepository, opts ...Option) *Pipeline {
	p := &Pipeline{
		messages: messages,
		leads:    leads,
		settings: staticSettings(DefaultSettings("")),
		region:   "BR",
		now:      time.Now,
		known:    cache.New(30*time.Minute, time.Hour),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle processes one inbound message: filter, normalize, persist, then
// ensure a lead exists for the sender.  Lead failures are logged and never
// undo the stored message.
func (p *Pipeline) Handle(ctx context.Context, tenantID string, raw wire.RawMessage) error {
	entry := log.WithTenant(tenantID).WithMessageID(raw.ID)
	if raw.IsFromMe || raw.IsGroup || raw.IsBroadcast {
		return ErrFiltered
	}
	set := p.settings.Settings(ctx, tenantID)

	msg, err := Normalize(tenantID, raw, p.region, p.now())
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	inserted, err := p.messages.SaveMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	if !inserted {
		entry.Debug("duplicate message ignored")
	} else {
		entry.Info("evt=message_in from=%s", msg.From)
	}

	if set.CreateLeads {
		if err := p.ensureLead(ctx, msg, set.LeadStage); err != nil {
			entry.Error("lead for %s: %v", msg.From, err)
		}
	}
	return nil
}

// Consume is Handle with the error logged instead of returned, suitable as
// a message callback.
func (p *Pipeline) Consume(ctx context.Context, tenantID string, raw wire.RawMessage) {
	err := p.Handle(ctx, tenantID, raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrFiltered):
		log.WithTenant(tenantID).WithMessageID(raw.ID).Debug("message filtered")
	default:
		log.WithTenant(tenantID).WithMessageID(raw.ID).Error("inbound message: %v", err)
	}
}

func (p *Pipeline) ensureLead(ctx context.Context, msg domain.InboundMessage, stage string) error {
	key := msg.TenantID + "|" + msg.From
	if _, ok := p.known.Get(key); ok {
		return nil
	}
	existing, err := p.leads.FindLeadByAddress(ctx, msg.TenantID, msg.From)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	if existing != nil {
		p.known.SetDefault(key, struct{}{})
		return nil
	}
	if stage == "" {
		stage = DefaultSettings("").LeadStage
	}
	lead := domain.Lead{
		ID:        uuid.NewString(),
		TenantID:  msg.TenantID,
		Phone:     msg.From,
		Name:      msg.DisplayName,
		Source:    domain.LeadSourceInbound,
		Stage:     stage,
		CreatedAt: p.now().UTC(),
	}
	if _, err := p.leads.CreateLead(ctx, lead); err != nil {
		if errors.Is(err, domain.ErrLeadExists) {
			p.known.SetDefault(key, struct{}{})
			return nil
		}
		return fmt.Errorf("create: %w", err)
	}
	p.known.SetDefault(key, struct{}{})
	log.WithTenant(msg.TenantID).Info("evt=lead_created phone=%s", msg.From)
	return nil
}
