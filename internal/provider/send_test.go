package provider

import (
	"errors"
	"testing"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"your.org/wa-tenant-sessions/internal/wire"
)

func TestToUserJIDDigits(t *testing.T) {
	j, err := toUserJID("5562991728088")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.User != "5562991728088" {
		t.Fatalf("user mismatch: %s", j.User)
	}
	if j.Server != "s.whatsapp.net" {
		t.Fatalf("server mismatch: %s", j.Server)
	}
}

func TestToJIDParsing(t *testing.T) {
	j1, err := toJID("5562991728088@s.whatsapp.net")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j1.Server != "s.whatsapp.net" || j1.User != "5562991728088" {
		t.Fatalf("parsed JID mismatch: %#v", j1)
	}
	j2, err := toJID("+55 (62) 99172-8088")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j2.Server != "s.whatsapp.net" || j2.User != "5562991728088" {
		t.Fatalf("digits JID mismatch: %#v", j2)
	}
	if _, err := toJID("   "); err == nil {
		t.Fatal("empty recipient should fail")
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := digitsOnly(" +55 (62) 91728-088 "); got != "556291728088" {
		t.Fatalf("digitsOnly => %s", got)
	}
}

func TestCandidatesBR(t *testing.T) {
	got := candidatesBR("+5562991728088")
	want := []string{"+5562991728088", "+556291728088"}
	if len(got) != len(want) {
		t.Fatalf("candidates => %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if got := candidatesBR("+14155550100"); len(got) != 1 || got[0] != "+14155550100" {
		t.Fatalf("non-BR candidates => %v", got)
	}
}

func TestNormalizeE164Local(t *testing.T) {
	if got := normalizeE164Local("(62) 99172-8088", "BR"); got != "+5562991728088" {
		t.Fatalf("national BR => %s", got)
	}
	if got := normalizeE164Local("+1 415 555 0100", "BR"); got != "+14155550100" {
		t.Fatalf("international => %s", got)
	}
	if got := normalizeE164Local("not a number", "BR"); got != "" {
		t.Fatalf("garbage => %s", got)
	}
}

func TestCloseReason(t *testing.T) {
	cases := []struct {
		evt  interface{}
		want string
	}{
		{&events.LoggedOut{}, reasonLoggedOut},
		{&events.StreamReplaced{}, reasonReplaced},
		{&events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, reasonInvalidSession},
		{&events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable}, reasonConnectFailure},
		{&events.ClientOutdated{}, reasonClientOutdated},
		{&events.TemporaryBan{}, reasonTemporaryBan},
		{&events.StreamError{Code: "503"}, reasonStreamEnded},
		{&events.Disconnected{}, reasonConnectionLost},
	}
	for _, c := range cases {
		got, ok := closeReason(c.evt)
		if !ok || got != c.want {
			t.Fatalf("closeReason(%T) = %q,%v want %q", c.evt, got, ok, c.want)
		}
	}
	if _, ok := closeReason(&events.Connected{}); ok {
		t.Fatal("Connected is not a close")
	}
}

func TestQREvent(t *testing.T) {
	ev, ok := qrEvent(whatsmeow.QRChannelItem{Event: "code", Code: "2@abc"})
	if !ok || ev.Type != wire.EventPairing || ev.Code != "2@abc" {
		t.Fatalf("code item => %+v %v", ev, ok)
	}
	if _, ok := qrEvent(whatsmeow.QRChannelItem{Event: "success"}); ok {
		t.Fatal("success should not produce an event")
	}
	ev, ok = qrEvent(whatsmeow.QRChannelItem{Event: "timeout"})
	if !ok || ev.Type != wire.EventClose || ev.Reason != reasonPairingTimeout {
		t.Fatalf("timeout item => %+v", ev)
	}
	ev, ok = qrEvent(whatsmeow.QRChannelItem{Event: "err-unexpected-state", Error: errors.New("x")})
	if !ok || ev.Reason != reasonPairingError {
		t.Fatalf("err item => %+v", ev)
	}
}

func TestQRPNG(t *testing.T) {
	png, err := QRPNG("2@abc", 0)
	if err != nil {
		t.Fatalf("QRPNG: %v", err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatalf("not a png: % x", png[:8])
	}
}

func TestExtractText(t *testing.T) {
	if got := extractText(&waE2E.Message{Conversation: proto.String("oi")}); got != "oi" {
		t.Fatalf("conversation => %q", got)
	}
	ext := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link")}}
	if got := extractText(ext); got != "link" {
		t.Fatalf("extended => %q", got)
	}
	img := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("foto")}}
	if got := extractText(img); got != "foto" {
		t.Fatalf("caption => %q", got)
	}
	if got := extractText(nil); got != "" {
		t.Fatalf("nil => %q", got)
	}
}

func TestJIDKinds(t *testing.T) {
	if !isGroupJID(types.NewJID("1203630", types.GroupServer)) {
		t.Fatal("group not detected")
	}
	if !isBroadcastJID(types.StatusBroadcastJID) {
		t.Fatal("status broadcast not detected")
	}
	if !isBroadcastJID(types.NewJID("123", types.NewsletterServer)) {
		t.Fatal("newsletter not detected")
	}
	if isBroadcastJID(types.NewJID("5562991728088", types.DefaultUserServer)) {
		t.Fatal("user flagged as broadcast")
	}
}

func TestClosedHandle(t *testing.T) {
	h := closedHandle(reasonInvalidSession)
	ev := <-h.Events()
	if ev.Type != wire.EventClose || ev.Reason != reasonInvalidSession {
		t.Fatalf("event => %+v", ev)
	}
	if h.Alive() {
		t.Fatal("closed handle reports alive")
	}
	if _, err := h.Send(t.Context(), "5562991728088", "x"); !errors.Is(err, errHandleClosed) {
		t.Fatalf("send => %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
