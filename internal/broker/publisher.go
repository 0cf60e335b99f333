// Package broker publishes session lifecycle and inbound-message events to
// RabbitMQ.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	ilog "your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/session"
	"your.org/wa-tenant-sessions/internal/wire"
)

// Event names, also the routing-key prefix.
const (
	EventPairing = "session.pairing"
	EventOpen    = "session.open"
	EventClose   = "session.close"
	EventMessage = "message.inbound"
)

const queueSize = 1024

// Event is the JSON body of every published message.
type Event struct {
	Event       string          `json:"event"`
	TenantID    string          `json:"tenant_id"`
	At          time.Time       `json:"at"`
	Code        string          `json:"code,omitempty"`
	Identity    string          `json:"identity,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Disposition string          `json:"disposition,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
}

// MessagePayload is the inbound-message part of a message.inbound event.
type MessagePayload struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	PushName  string    `json:"push_name,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsGroup   bool      `json:"is_group"`
}

// RoutingKey is "<event>.<tenant>".
func RoutingKey(event, tenantID string) string {
	return event + "." + tenantID
}

// Publisher implements session.Observer.  Callbacks only enqueue; Run owns
// the connection and publishes.  When the queue is full events are dropped.
type Publisher struct {
	url      string
	exchange string
	now      func() time.Time

	queue chan Event

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ session.Observer = (*Publisher)(nil)

// NewPublisher returns a publisher for exchange.  An empty url disables it.
func NewPublisher(url, exchange string) *Publisher {
	return &Publisher{
		url:      url,
		exchange: exchange,
		now:      time.Now,
		queue:    make(chan Event, queueSize),
	}
}

// Enabled reports whether an AMQP URL was configured.
func (p *Publisher) Enabled() bool { return p.url != "" }

func (p *Publisher) OnPairingCode(_ context.Context, tenantID, code string) {
	p.enqueue(Event{Event: EventPairing, TenantID: tenantID, Code: code})
}

func (p *Publisher) OnOpen(_ context.Context, tenantID, identity string) {
	p.enqueue(Event{Event: EventOpen, TenantID: tenantID, Identity: identity})
}

func (p *Publisher) OnClose(_ context.Context, tenantID string, reason session.Reason, disp session.Disposition) {
	p.enqueue(Event{Event: EventClose, TenantID: tenantID, Reason: string(reason), Disposition: disp.String()})
}

func (p *Publisher) OnMessage(_ context.Context, tenantID string, m wire.RawMessage) {
	if m.IsFromMe || m.IsBroadcast {
		return
	}
	p.enqueue(Event{Event: EventMessage, TenantID: tenantID, Message: &MessagePayload{
		ID:        m.ID,
		Chat:      m.Chat,
		Sender:    m.Sender,
		PushName:  m.PushName,
		Text:      m.Text,
		Timestamp: m.Timestamp,
		IsGroup:   m.IsGroup,
	}})
}

func (p *Publisher) enqueue(ev Event) {
	if !p.Enabled() {
		return
	}
	ev.At = p.now().UTC()
	select {
	case p.queue <- ev:
	default:
		ilog.WithTenant(ev.TenantID).Warn("event queue full, dropping %s", ev.Event)
	}
}

// Run publishes queued events until ctx is cancelled, then publishes what
// is still queued and returns.
func (p *Publisher) Run(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	defer p.close()
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				ilog.WithTenant(ev.TenantID).Error("publish %s: %v", ev.Event, err)
				p.reset()
			}
		}
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case ev := <-p.queue:
			if err := p.publish(context.Background(), ev); err != nil {
				ilog.WithTenant(ev.TenantID).Error("publish %s: %v", ev.Event, err)
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev Event) error {
	ch, err := p.ensure()
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rk := RoutingKey(ev.Event, ev.TenantID)
	if err := ch.PublishWithContext(pubCtx, p.exchange, rk, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	ilog.Debugf("amqp event published rk=%s bytes=%d", rk, len(body))
	return nil
}

func (p *Publisher) ensure() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil {
		return p.ch, nil
	}
	// (Re)connect
	if p.conn != nil {
		_ = p.conn.Close()
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p.conn = conn
	p.ch = ch
	ilog.Infof("AMQP event publisher connected: exchange=%s", p.exchange)
	return ch, nil
}

func (p *Publisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

func (p *Publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
