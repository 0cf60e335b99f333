package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"your.org/wa-tenant-sessions/internal/wire"
)

type harness struct {
	factory  *fakeFactory
	creds    *memCreds
	statuses *memStatuses
	rec      *recorder
	mgr      *Manager
}

func newHarness(t *testing.T, p Policy) *harness {
	t.Helper()
	h := &harness{
		factory:  newFakeFactory(),
		creds:    newMemCreds(),
		statuses: newMemStatuses(),
		rec:      &recorder{},
	}
	h.mgr = NewManager(h.factory, h.creds, h.statuses, h.rec, p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.mgr.Shutdown(ctx)
	})
	return h
}

func (h *harness) status(tenantID string) string { return h.mgr.GetStatus(tenantID).Status }

func (h *harness) snapshot(t *testing.T, tenantID string) Snapshot {
	t.Helper()
	s, ok := h.mgr.Registry().Get(tenantID)
	require.True(t, ok, "no supervisor for %s", tenantID)
	return s.Snapshot()
}

func TestInitializeReturnsConnecting(t *testing.T) {
	h := newHarness(t, testPolicy())
	st, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, st.Status)
	assert.False(t, st.IsConnected)
}

func TestInitializeRequiresTenant(t *testing.T) {
	h := newHarness(t, testPolicy())
	_, err := h.mgr.Initialize(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrTenantRequired)
	_, err = h.mgr.Send(context.Background(), "", "1", "x")
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestConcurrentInitializeOpensOneWire(t *testing.T) {
	h := newHarness(t, testPolicy())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.Initialize(context.Background(), "acme")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h.factory.next(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.factory.Attempts())
	assert.Equal(t, 1, h.factory.LiveHandles())
	assert.Equal(t, 1, h.mgr.Registry().Len())
}

func TestPairingThenOpen(t *testing.T) {
	h := newHarness(t, testPolicy())
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)

	wh.emit(wire.Event{Type: wire.EventPairing, Code: "ABC123"})
	eventually(t, func() bool { return h.status("acme") == StatusQRReady }, "qr_ready")
	assert.Equal(t, "ABC123", h.mgr.GetStatus("acme").QRCode)

	// a second code within the same pairing window is ignored
	wh.emit(wire.Event{Type: wire.EventPairing, Code: "DEF456"})
	wh.emit(wire.Event{Type: wire.EventCredentials, Credentials: wire.Credentials("device-1")})
	eventually(t, func() bool { return h.creds.has("acme") }, "credentials saved")
	assert.Equal(t, "ABC123", h.mgr.GetStatus("acme").QRCode)

	wh.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return h.status("acme") == StatusConnected }, "connected")

	st := h.mgr.GetStatus("acme")
	assert.True(t, st.IsConnected)
	assert.Equal(t, "5511999999999", st.PhoneNumber)
	assert.Empty(t, st.QRCode)
	assert.Equal(t, []string{"acme"}, h.mgr.ListReady())

	h.rec.mu.Lock()
	assert.Equal(t, []string{"ABC123"}, h.rec.codes)
	assert.Equal(t, []string{"5511999999999"}, h.rec.opens)
	h.rec.mu.Unlock()

	persisted := h.statuses.get("acme")
	assert.True(t, persisted.IsConnected)
	assert.Equal(t, StatusConnected, persisted.State)
	assert.NotNil(t, persisted.LastConnectedAt)
}

func TestRetryCapOnTransientFailures(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.factory.onOpen = func(wh *fakeHandle) {
		wh.emit(wire.Event{Type: wire.EventClose, Reason: string(ReasonConnectionLost)})
	}
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)

	eventually(t, func() bool {
		_, ok := h.mgr.Registry().Get("acme")
		return !ok
	}, "session closed")
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 3, h.factory.Attempts(), "max+1 attempts")
	assert.Equal(t, StatusDisconnected, h.status("acme"))
	assert.Contains(t, h.mgr.GetStatus("acme").LastError, "connection_lost")
	assert.Len(t, h.rec.closeList(), 3)
	assert.Zero(t, h.creds.deleteCount(), "transient exhaustion keeps credentials")
	assert.Zero(t, h.factory.LiveHandles())
}

func TestConstructionFailureIsRetried(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.factory.openErr = errors.New("dial: connection refused")
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)

	eventually(t, func() bool { return h.status("acme") == StatusDisconnected }, "disconnected")
	assert.Equal(t, 3, h.factory.Attempts())
	assert.Contains(t, h.mgr.GetStatus("acme").LastError, "connection refused")
	for _, c := range h.rec.closeList() {
		assert.Equal(t, ReasonConstructionFailure, c.Reason)
	}
}

func TestCredentialLoadFailureIsRetried(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.creds.loadErr = errors.New("disk unreadable")
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)

	eventually(t, func() bool { return h.status("acme") == StatusDisconnected }, "disconnected")
	assert.Zero(t, h.factory.Attempts(), "wire never opened")
	assert.Len(t, h.rec.closeList(), 3)
}

func TestTerminalReasonNeverRetries(t *testing.T) {
	for _, reason := range []Reason{ReasonLoggedOut, ReasonReplaced, ReasonInvalidSession} {
		t.Run(string(reason), func(t *testing.T) {
			h := newHarness(t, testPolicy())
			require.NoError(t, h.creds.Save(context.Background(), "acme", wire.Credentials("jid")))
			_, err := h.mgr.Initialize(context.Background(), "acme")
			require.NoError(t, err)
			wh := h.factory.next(t)
			wh.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
			eventually(t, func() bool { return h.status("acme") == StatusConnected }, "connected")

			wh.emit(wire.Event{Type: wire.EventClose, Reason: string(reason)})
			eventually(t, func() bool { return h.status("acme") == StatusDisconnected }, "disconnected")
			time.Sleep(5 * testPolicy().BackoffDelay)

			assert.Equal(t, 1, h.factory.Attempts())
			assert.False(t, h.creds.has("acme"), "credentials purged")
			closes := h.rec.closeList()
			require.Len(t, closes, 1)
			assert.Equal(t, closeRecord{reason, Terminal}, closes[0])
		})
	}
}

func TestPairingExpiryIsNotAFailure(t *testing.T) {
	p := testPolicy()
	p.PairingTTL = 10 * time.Millisecond
	p.MaxPairingExpiries = 1000
	h := newHarness(t, p)
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)
	wh.emit(wire.Event{Type: wire.EventPairing, Code: "CODE-0"})

	eventually(t, func() bool { return h.snapshot(t, "acme").PairingExpiries >= 10 }, "ten expiries")

	snap := h.snapshot(t, "acme")
	assert.Zero(t, snap.RetryCount)
	assert.NotEqual(t, StateClosed, snap.State)
	assert.Equal(t, 1, h.factory.Attempts(), "wire attempt kept alive")
	assert.Empty(t, h.rec.closeList())

	// a fresh code is accepted after expiry
	wh.emit(wire.Event{Type: wire.EventPairing, Code: "CODE-1"})
	eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.codes) == 2 && h.rec.codes[1] == "CODE-1"
	}, "fresh code surfaced")
}

func TestPairingAbandonedAfterMaxExpiries(t *testing.T) {
	p := testPolicy()
	p.PairingTTL = 5 * time.Millisecond
	p.MaxPairingExpiries = 3
	h := newHarness(t, p)
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)
	wh.emit(wire.Event{Type: wire.EventPairing, Code: "ABC123"})

	eventually(t, func() bool { return h.status("acme") == StatusDisconnected }, "abandoned")
	closes := h.rec.closeList()
	require.Len(t, closes, 1)
	assert.Equal(t, ReasonPairingAbandoned, closes[0].Reason)
	assert.Equal(t, 1, h.creds.deleteCount())
	assert.True(t, wh.closed.Load())
}

func TestDisconnectDuringBackoffIsImmediate(t *testing.T) {
	p := testPolicy()
	p.BackoffDelay = 300 * time.Millisecond
	h := newHarness(t, p)
	require.NoError(t, h.creds.Save(context.Background(), "acme", wire.Credentials("jid")))
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)
	wh.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return h.status("acme") == StatusConnected }, "connected")

	wh.emit(wire.Event{Type: wire.EventClose, Reason: string(ReasonConnectionLost)})
	eventually(t, func() bool { return h.snapshot(t, "acme").RetryCount == 1 }, "in backoff")

	start := time.Now()
	require.NoError(t, h.mgr.Disconnect(context.Background(), "acme"))
	assert.Less(t, time.Since(start), p.BackoffDelay)
	assert.Equal(t, StatusDisconnected, h.status("acme"))

	time.Sleep(2 * p.BackoffDelay)
	assert.Equal(t, 1, h.factory.Attempts(), "pending retry cancelled")
	assert.False(t, h.creds.has("acme"))
	closes := h.rec.closeList()
	require.Len(t, closes, 2)
	assert.Equal(t, ReasonUserDisconnect, closes[1].Reason)
}

func TestDisconnectWithoutSession(t *testing.T) {
	h := newHarness(t, testPolicy())
	require.NoError(t, h.creds.Save(context.Background(), "ghost", wire.Credentials("jid")))
	require.NoError(t, h.mgr.Disconnect(context.Background(), "ghost"))
	require.NoError(t, h.mgr.Disconnect(context.Background(), "ghost"))
	assert.False(t, h.creds.has("ghost"))
	assert.Equal(t, StatusDisconnected, h.statuses.get("ghost").State)
}

func TestStatusForUnknownTenant(t *testing.T) {
	h := newHarness(t, testPolicy())
	st := h.mgr.GetStatus("nobody")
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.False(t, st.IsConnected)
	assert.Empty(t, st.QRCode)
	assert.Empty(t, h.mgr.ListReady())
}

func TestSendRequiresOpenSession(t *testing.T) {
	h := newHarness(t, testPolicy())
	_, err := h.mgr.Send(context.Background(), "acme", "5511888888888", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)
	_, err = h.mgr.Send(context.Background(), "acme", "5511888888888", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	wh.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return h.status("acme") == StatusConnected }, "connected")
	id, err := h.mgr.Send(context.Background(), "acme", "5511888888888", "hi")
	require.NoError(t, err)
	assert.Equal(t, "out-1-1", id)
	wh.mu.Lock()
	assert.Equal(t, []string{"5511888888888:hi"}, wh.sent)
	wh.mu.Unlock()
}

func TestHandshakeTimeout(t *testing.T) {
	p := testPolicy()
	p.MaxRetries = 0
	p.HandshakeTimeout = 20 * time.Millisecond
	h := newHarness(t, p)
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)

	eventually(t, func() bool { return h.status("acme") == StatusDisconnected }, "timed out")
	assert.Contains(t, h.mgr.GetStatus("acme").LastError, string(ReasonHandshakeTimeout))
	assert.Zero(t, h.factory.LiveHandles())
}

func TestMessagesHeldUntilOpenAndOrdered(t *testing.T) {
	h := newHarness(t, testPolicy())
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)
	for _, id := range []string{"m1", "m2", "m3"} {
		wh.deliver(wire.RawMessage{ID: id, Sender: "5511888888888", Text: id})
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.rec.messageIDs())

	wh.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return len(h.rec.messageIDs()) == 3 }, "messages delivered")
	assert.Equal(t, []string{"m1", "m2", "m3"}, h.rec.messageIDs())
}

func TestKeepaliveFailureDoesNotTransition(t *testing.T) {
	h := newHarness(t, testPolicy())
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)
	wh.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return h.status("acme") == StatusConnected }, "connected")

	wh.alive.Store(false)
	time.Sleep(10 * testPolicy().KeepaliveInterval)
	assert.Equal(t, StatusConnected, h.status("acme"))
	assert.Empty(t, h.rec.closeList())
}

func TestShutdownKeepsCredentials(t *testing.T) {
	h := newHarness(t, testPolicy())
	require.NoError(t, h.creds.Save(context.Background(), "acme", wire.Credentials("jid")))
	_, err := h.mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	wh := h.factory.next(t)
	wh.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return h.status("acme") == StatusConnected }, "connected")

	h.mgr.Shutdown(context.Background())
	assert.Equal(t, StatusDisconnected, h.status("acme"))
	assert.True(t, h.creds.has("acme"))
	assert.True(t, wh.closed.Load())
}

func TestRestoreSaved(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	require.NoError(t, h.creds.Save(ctx, "acme", wire.Credentials("a")))
	require.NoError(t, h.creds.Save(ctx, "globex", wire.Credentials("b")))

	ids, err := h.mgr.RestoreSaved(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, ids)
	h.factory.next(t)
	h.factory.next(t)
	assert.Equal(t, 2, h.mgr.Registry().Len())
}

func TestInitializeAfterCloseStartsFreshSupervisor(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	_, err := h.mgr.Initialize(ctx, "acme")
	require.NoError(t, err)
	first, _ := h.mgr.Registry().Get("acme")
	h.factory.next(t)
	require.NoError(t, h.mgr.Disconnect(ctx, "acme"))
	<-first.Done()

	_, err = h.mgr.Initialize(ctx, "acme")
	require.NoError(t, err)
	second, ok := h.mgr.Registry().Get("acme")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	h.factory.next(t)
	assert.Equal(t, 2, h.factory.Attempts())
}

// gatedRecorder holds the first OnMessage call until gate is closed.
type gatedRecorder struct {
	recorder
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedRecorder) OnMessage(ctx context.Context, tenantID string, m wire.RawMessage) {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	g.recorder.OnMessage(ctx, tenantID, m)
}

func TestMessagesBufferedWhileOpenSurviveTransientClose(t *testing.T) {
	factory := newFakeFactory()
	obs := &gatedRecorder{entered: make(chan struct{}), gate: make(chan struct{})}
	mgr := NewManager(factory, newMemCreds(), newMemStatuses(), obs, testPolicy())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	_, err := mgr.Initialize(context.Background(), "acme")
	require.NoError(t, err)
	first := factory.next(t)
	first.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return mgr.GetStatus("acme").Status == StatusConnected }, "connected")

	first.deliver(wire.RawMessage{ID: "m1"})
	select {
	case <-obs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never reached the observer")
	}
	for _, id := range []string{"m2", "m3", "m4"} {
		first.deliver(wire.RawMessage{ID: id})
	}
	first.emit(wire.Event{Type: wire.EventClose, Reason: string(ReasonConnectionLost)})

	second := factory.next(t)
	second.emit(wire.Event{Type: wire.EventOpen, Identity: "5511999999999"})
	eventually(t, func() bool { return mgr.GetStatus("acme").Status == StatusConnected }, "reconnected")
	second.deliver(wire.RawMessage{ID: "m5"})

	close(obs.gate)
	eventually(t, func() bool { return len(obs.messageIDs()) == 5 }, "all messages delivered")
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, obs.messageIDs())
}
