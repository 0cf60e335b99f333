package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"your.org/wa-tenant-sessions/internal/log"
)

var errHandleClosed = errors.New("handle closed")

// Send delivers a text message and returns the network message id.  Bare
// phone numbers are resolved to their registered JID first; when the lookup
// fails the normalized number is used as is.
func (h *handle) Send(ctx context.Context, to, text string) (string, error) {
	if h.cli == nil || h.ctx.Err() != nil {
		return "", errHandleClosed
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty text")
	}
	jid, err := toJID(to)
	if err != nil {
		return "", err
	}
	if !strings.Contains(to, "@") {
		if resolved, ok := h.resolver.resolve(ctx, h.cli, to); ok {
			jid = resolved
		}
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := h.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", jid.String(), err)
	}
	log.WithTenant(h.tenantID).WithMessageID(string(resp.ID)).Info("evt=message_out to=%s", jid.String())
	return string(resp.ID), nil
}

func toUserJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	if strings.Contains(to, "@") {
		j, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, err
		}
		if j.Server == "" {
			j.Server = types.DefaultUserServer
		}
		return j, nil
	}
	digits := digitsOnly(to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("empty msisdn after normalization")
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func toJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return toUserJID(to)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
