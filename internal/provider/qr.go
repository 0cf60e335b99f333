package provider

import (
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"

	"your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/wire"
)

// watchQR must be started before Connect.  It forwards every fresh code as
// a pairing event and turns the channel's failure items into a close.
func (h *handle) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		ev, ok := qrEvent(item)
		if !ok {
			continue
		}
		if ev.Type == wire.EventClose {
			log.WithTenant(h.tenantID).Warn("evt=qr_%s err=%v", item.Event, item.Error)
		}
		h.push(ev)
	}
}

func qrEvent(item whatsmeow.QRChannelItem) (wire.Event, bool) {
	switch {
	case item.Event == "code":
		// item.Code == string crua do QR (não é PNG)
		if item.Code == "" {
			return wire.Event{}, false
		}
		return wire.Event{Type: wire.EventPairing, Code: item.Code}, true
	case item.Event == "success":
		// PairSuccess and Connected arrive through the event handler
		return wire.Event{}, false
	case item.Event == "timeout":
		return wire.Event{Type: wire.EventClose, Reason: reasonPairingTimeout}, true
	case item.Event == "error", strings.HasPrefix(item.Event, "err-"):
		return wire.Event{Type: wire.EventClose, Reason: reasonPairingError}, true
	}
	return wire.Event{}, false
}

// QRPNG renders a pairing code as a PNG of the given pixel size.
func QRPNG(code string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}
