package provider

import (
	"context"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/patrickmn/go-cache"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
)

const pnCacheTTL = 24 * time.Hour

type resolver struct {
	cache  *cache.Cache
	region string
}

// resolve queries WhatsApp for the canonical JID of a phone number, trying
// BR candidates.  Returns (jid, true) if resolved, otherwise (empty, false).
func (r *resolver) resolve(ctx context.Context, cli *whatsmeow.Client, phone string) (types.JID, bool) {
	e164 := normalizeE164Local(phone, r.region)
	if e164 == "" {
		e164 = phone
	}
	if v, ok := r.cache.Get(e164); ok {
		if j, err := types.ParseJID(v.(string)); err == nil {
			return j, true
		}
	}
	for _, cand := range candidatesBR(e164) {
		res, err := cli.IsOnWhatsApp(ctx, []string{cand})
		if err != nil || len(res) == 0 {
			continue
		}
		info := res[0]
		if info.IsIn && info.JID.Server == types.DefaultUserServer && info.JID.User != "" {
			r.cache.SetDefault(e164, info.JID.String())
			return info.JID, true
		}
	}
	return types.EmptyJID, false
}

func normalizeE164Local(input, region string) string {
	in := strings.TrimSpace(input)
	if strings.HasPrefix(in, "+") {
		region = ""
	}
	num, err := phonenumbers.Parse(in, region)
	if err != nil {
		return ""
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// candidatesBR: for +55 DDD local, try original, with 9, and without 9.
func candidatesBR(pnE164 string) []string {
	if !strings.HasPrefix(pnE164, "+55") || len(pnE164) < 5 {
		return []string{pnE164}
	}
	rest := pnE164[3:]
	if len(rest) < 10 {
		return []string{pnE164}
	}
	ddd := rest[:2]
	local := rest[2:]
	with9 := pnE164
	if !strings.HasPrefix(local, "9") {
		with9 = "+55" + ddd + "9" + local
	}
	without9 := pnE164
	if strings.HasPrefix(local, "9") && len(local) >= 9 {
		without9 = "+55" + ddd + local[1:]
	}
	seen := map[string]bool{}
	out := []string{}
	for _, n := range []string{pnE164, with9, without9} {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
