// events.go
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/wire"
)

// Close reasons reported on the event channel.
const (
	reasonLoggedOut      = "logged_out"
	reasonReplaced       = "replaced"
	reasonInvalidSession = "invalid_session"
	reasonConnectionLost = "connection_lost"
	reasonStreamEnded    = "stream_ended"
	reasonConnectFailure = "connect_failure"
	reasonClientOutdated = "client_outdated"
	reasonTemporaryBan   = "temporary_ban"
	reasonPairingTimeout = "pairing_timeout"
	reasonPairingError   = "pairing_error"
)

const (
	eventBuffer   = 16
	messageBuffer = 256
)

// handle is one whatsmeow client wrapped as a wire.Handle.  Channels are
// never closed; after Close every push is dropped.
type handle struct {
	tenantID  string
	cli       *whatsmeow.Client
	container *sqlstore.Container
	resolver  *resolver
	handlerID uint32

	events chan wire.Event
	msgs   chan wire.RawMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newHandle(tenantID string, cli *whatsmeow.Client, container *sqlstore.Container, res *resolver) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		tenantID:  tenantID,
		cli:       cli,
		container: container,
		resolver:  res,
		events:    make(chan wire.Event, eventBuffer),
		msgs:      make(chan wire.RawMessage, messageBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// closedHandle reports a single close and nothing else.  Used when the
// stored device is gone and no client can be built.
func closedHandle(reason string) *handle {
	h := newHandle("", nil, nil, nil)
	h.push(wire.Event{Type: wire.EventClose, Reason: reason})
	return h
}

func (h *handle) Events() <-chan wire.Event        { return h.events }
func (h *handle) Messages() <-chan wire.RawMessage { return h.msgs }

func (h *handle) Alive() bool {
	return h.cli != nil && h.ctx.Err() == nil && h.cli.IsConnected()
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		if h.cli != nil {
			h.cli.RemoveEventHandler(h.handlerID)
			h.cli.Disconnect()
		}
		if h.container != nil {
			if err := h.container.Close(); err != nil {
				log.WithTenant(h.tenantID).Warn("close device store: %v", err)
			}
		}
	})
	return nil
}

func (h *handle) push(ev wire.Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h *handle) deliver(m wire.RawMessage) {
	select {
	case h.msgs <- m:
	case <-h.ctx.Done():
	}
}

// onEvent is registered with AddEventHandler; whatsmeow calls it
// synchronously from its own goroutines.
func (h *handle) onEvent(evt interface{}) {
	if h.ctx.Err() != nil {
		return
	}
	if reason, ok := closeReason(evt); ok {
		log.WithTenant(h.tenantID).Warn("evt=close reason=%s detail=%s", reason, describe(evt))
		h.push(wire.Event{Type: wire.EventClose, Reason: reason})
		return
	}
	switch e := evt.(type) {
	case *events.PairSuccess:
		log.WithTenant(h.tenantID).Info("evt=pair_success jid=%s platform=%s", e.ID.String(), e.Platform)
		h.push(wire.Event{Type: wire.EventCredentials, Credentials: wire.Credentials(e.ID.String())})
	case *events.Connected:
		identity := ""
		if h.cli.Store != nil && h.cli.Store.ID != nil {
			identity = h.cli.Store.ID.User
		}
		h.push(wire.Event{Type: wire.EventOpen, Identity: identity})
	case *events.KeepAliveTimeout:
		log.WithTenant(h.tenantID).Warn("keepalive timeout errors=%d last_success=%s", e.ErrorCount, e.LastSuccess.Format(time.RFC3339))
	case *events.Message:
		if raw, ok := h.toRaw(e); ok {
			h.deliver(raw)
		}
	}
}

// closeReason maps whatsmeow connection events to wire close reasons.
func closeReason(evt interface{}) (string, bool) {
	switch e := evt.(type) {
	case *events.LoggedOut:
		return reasonLoggedOut, true
	case *events.StreamReplaced:
		return reasonReplaced, true
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return reasonInvalidSession, true
		}
		return reasonConnectFailure, true
	case *events.ClientOutdated:
		return reasonClientOutdated, true
	case *events.TemporaryBan:
		return reasonTemporaryBan, true
	case *events.StreamError:
		return reasonStreamEnded, true
	case *events.Disconnected:
		return reasonConnectionLost, true
	}
	return "", false
}

func describe(evt interface{}) string {
	switch e := evt.(type) {
	case *events.LoggedOut:
		return e.Reason.String()
	case *events.ConnectFailure:
		return fmt.Sprintf("%s %s", e.Reason.String(), e.Message)
	case *events.TemporaryBan:
		return e.String()
	case *events.StreamError:
		return e.Code
	}
	return ""
}

func (h *handle) toRaw(e *events.Message) (wire.RawMessage, bool) {
	msg := e.Message
	if msg == nil || msg.GetProtocolMessage() != nil || msg.GetReactionMessage() != nil {
		return wire.RawMessage{}, false
	}
	chat := e.Info.Chat
	sender := e.Info.Sender
	if !e.Info.IsFromMe {
		sender = h.phoneJID(sender)
	}
	if chat.Server == types.HiddenUserServer {
		chat = h.phoneJID(chat)
	}
	raw := wire.RawMessage{
		ID:          e.Info.ID,
		Chat:        chat.String(),
		Sender:      sender.ToNonAD().String(),
		PushName:    e.Info.PushName,
		Text:        extractText(msg),
		Timestamp:   e.Info.Timestamp,
		IsGroup:     e.Info.IsGroup || isGroupJID(chat),
		IsFromMe:    e.Info.IsFromMe,
		IsBroadcast: isBroadcastJID(chat),
	}
	if h.cli.Store != nil && h.cli.Store.ID != nil {
		raw.Recipient = h.cli.Store.ID.ToNonAD().String()
	}
	return raw, true
}

// phoneJID swaps a LID for the phone-number JID when the mapping is known.
func (h *handle) phoneJID(j types.JID) types.JID {
	if j.Server != types.HiddenUserServer || h.container == nil || h.container.LIDMap == nil {
		return j
	}
	pn, err := h.container.LIDMap.GetPNForLID(h.ctx, j.ToNonAD())
	if err != nil || pn.IsEmpty() {
		return j
	}
	return pn
}

func isGroupJID(j types.JID) bool {
	return strings.HasSuffix(j.Server, "g.us")
}

// isBroadcastJID covers status@broadcast, broadcast lists and newsletters.
func isBroadcastJID(j types.JID) bool {
	return j.Server == types.BroadcastServer || j.Server == types.NewsletterServer
}

func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if s := m.GetConversation(); s != "" {
		return s
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return extractAnyCaption(m)
}

func extractAnyCaption(m *waE2E.Message) string {
	switch {
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}
