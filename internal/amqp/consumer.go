package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"your.org/wa-tenant-sessions/internal/config"
	ilog "your.org/wa-tenant-sessions/internal/log"
)

// Sender is the part of the session manager the consumer drives.
type Sender interface {
	Send(ctx context.Context, tenantID, to, text string) (string, error)
}

// SendCommand is one outbound text message request.
type SendCommand struct {
	TenantID string `json:"tenant_id,omitempty"`
	To       string `json:"to"`
	Text     string `json:"text"`
}

// Envelope é o wrapper esperado no RB: { payload: {...}, id: "..." }
type Envelope struct {
	Payload SendCommand `json:"payload"`
	ID      string      `json:"id,omitempty"`
}

var errSkip = errors.New("not a send command")

// Consumer reads send commands from the outgoing queue and runs them on a
// bounded worker pool.
type Consumer struct {
	cfg    *config.Config
	sender Sender
	pool   *ants.Pool
}

func NewConsumer(cfg *config.Config, sender Sender) (*Consumer, error) {
	pool, err := ants.NewPool(cfg.AMQPWorkers)
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	return &Consumer{cfg: cfg, sender: sender, pool: pool}, nil
}

// Close waits up to five seconds for in-flight sends.
func (c *Consumer) Close() {
	if err := c.pool.ReleaseTimeout(5 * time.Second); err != nil {
		ilog.Warnf("worker pool release: %v", err)
	}
}

func suffixFromRoutingKey(binding, rk string) string {
	prefix := binding
	if i := strings.IndexAny(binding, "*#"); i >= 0 {
		prefix = strings.TrimSuffix(binding[:i], ".")
	}
	if prefix != "" && strings.HasPrefix(rk, prefix+".") {
		return strings.TrimPrefix(rk, prefix+".")
	}
	parts := strings.Split(rk, ".")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return rk
}

// decodeCommand accepts the enveloped form and, for older producers, a bare
// SendCommand body.  The tenant falls back to the routing-key suffix.
func decodeCommand(binding, rk string, body []byte) (SendCommand, string, error) {
	// Rapidamente ignore payloads de status (não são mensagens a enviar)
	var probe struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if _, ok := probe.Payload["status"]; ok {
			return SendCommand{}, "", errSkip
		}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || (env.Payload.To == "" && env.Payload.Text == "") {
		var legacy SendCommand
		if err2 := json.Unmarshal(body, &legacy); err2 != nil {
			return SendCommand{}, "", fmt.Errorf("decode message: %v (legacy err: %v)", err, err2)
		}
		env.Payload = legacy
	}
	cmd := env.Payload
	cmd.TenantID = strings.TrimSpace(cmd.TenantID)
	if cmd.TenantID == "" {
		cmd.TenantID = suffixFromRoutingKey(binding, rk)
	}
	switch {
	case cmd.TenantID == "":
		return cmd, env.ID, errors.New("no tenant in payload or routing key")
	case strings.TrimSpace(cmd.To) == "":
		return cmd, env.ID, errors.New("empty recipient")
	case strings.TrimSpace(cmd.Text) == "":
		return cmd, env.ID, errors.New("empty text")
	}
	return cmd, env.ID, nil
}

// handle decodes one delivery and submits it to the pool.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	cmd, id, err := decodeCommand(c.cfg.AMQPBinding, d.RoutingKey, d.Body)
	if errors.Is(err, errSkip) {
		ilog.Debugf("skipping non-send payload rk=%s", d.RoutingKey)
		return
	}
	if err != nil {
		raw := string(d.Body)
		if len(raw) > 1500 {
			raw = raw[:1500] + "...(truncated)"
		}
		ilog.Errorf("invalid send command rk=%s: %v payload_raw=%s", d.RoutingKey, err, raw)
		return
	}
	ilog.Debugf("amqp command decoded tenant=%s id=%s to=%q", cmd.TenantID, id, cmd.To)

	err = c.pool.Submit(func() {
		msgID, err := c.sender.Send(ctx, cmd.TenantID, cmd.To, cmd.Text)
		entry := ilog.WithTenant(cmd.TenantID).WithMessageID(id)
		if err != nil {
			entry.Error("failed to send message to=%q: %v", cmd.To, err)
			return
		}
		entry.Info("evt=amqp_sent to=%s wire_id=%s", cmd.To, msgID)
	})
	if err != nil {
		ilog.WithTenant(cmd.TenantID).WithMessageID(id).Error("submit send: %v", err)
	}
}

// Start consumes until ctx is cancelled.  With no AMQP URL it just waits.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cfg.AMQPURL == "" {
		ilog.Infof("AMQP URL is empty; skipping consumer startup")
		<-ctx.Done()
		return nil
	}
	conn, err := amqp.Dial(c.cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareOutgoing(ch, c.cfg); err != nil {
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(
		c.cfg.AMQPQueue,
		"",
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to consume from queue: %w", err)
	}

	ilog.Infof("AMQP consumer connected, waiting for messages on %s", c.cfg.AMQPBinding)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Close(); err != nil {
				ilog.Errorf("failed to close AMQP channel: %v", err)
			}
			if err := conn.Close(); err != nil {
				ilog.Errorf("failed to close AMQP connection: %v", err)
			}
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("AMQP deliveries channel closed")
			}
			c.handle(ctx, d)
		}
	}
}
