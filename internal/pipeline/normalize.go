package pipeline

import (
	"errors"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"your.org/wa-tenant-sessions/internal/domain"
	"your.org/wa-tenant-sessions/internal/wire"
)

var errMissingID = errors.New("message without id")

// NormalizeAddress turns a wire address ("5511999999999@s.whatsapp.net",
// "5511999999999:12@s.whatsapp.net", "+55 11 99999-9999") into bare E.164
// digits.  Digits that are not a possible international number are parsed
// as a national number of region.  Input that is not a phone number is
// returned with only the server part removed.
func NormalizeAddress(addr, region string) string {
	a := strings.TrimSpace(addr)
	if i := strings.IndexByte(a, '@'); i >= 0 {
		a = a[:i]
	}
	if i := strings.IndexByte(a, ':'); i >= 0 {
		a = a[:i]
	}
	digits := phonenumbers.NormalizeDigitsOnly(a)
	if digits == "" {
		return a
	}
	if num, err := phonenumbers.Parse("+"+digits, ""); err == nil && phonenumbers.IsPossibleNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	}
	if region != "" && !strings.HasPrefix(a, "+") {
		if num, err := phonenumbers.Parse(a, region); err == nil && phonenumbers.IsValidNumber(num) {
			return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
		}
	}
	return digits
}

// Normalize converts a raw wire message into an InboundMessage.  The sender
// falls back to the chat address; the display name falls back to the sender.
func Normalize(tenantID string, raw wire.RawMessage, region string, now time.Time) (domain.InboundMessage, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return domain.InboundMessage{}, errMissingID
	}
	sender := raw.Sender
	if strings.TrimSpace(sender) == "" {
		sender = raw.Chat
	}
	from := NormalizeAddress(sender, region)
	name := strings.TrimSpace(raw.PushName)
	if name == "" {
		name = from
	}
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return domain.InboundMessage{
		ID:          raw.ID,
		TenantID:    tenantID,
		From:        from,
		To:          NormalizeAddress(raw.Recipient, region),
		DisplayName: name,
		Body:        raw.Text,
		Timestamp:   ts.UTC(),
		IsGroup:     raw.IsGroup,
		IsFromMe:    raw.IsFromMe,
	}, nil
}
