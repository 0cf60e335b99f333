package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"your.org/wa-tenant-sessions/internal/domain"
	ilog "your.org/wa-tenant-sessions/internal/log"
	"your.org/wa-tenant-sessions/internal/wire"
)

// Snapshot is a read-only copy of a supervisor's state, published after
// every step of its loop.
type Snapshot struct {
	TenantID        string
	State           State
	PairingCode     string
	Identity        string
	RetryCount      int
	PairingExpiries int
	LastReason      Reason
	LastError       error
	LastConnectedAt *time.Time
}

type deadlineKind int

const (
	deadlineNone deadlineKind = iota
	deadlineHandshake
	deadlinePairing
)

type command struct {
	trigger Trigger
	reply   chan error
}

type openResult struct {
	gen    int
	handle wire.Handle
	err    error
}

type liveHandle struct {
	h wire.Handle
}

// Supervisor drives the lifecycle of one tenant session.  All mutable state
// below the marker is owned by the run goroutine; other goroutines talk to
// it through channels and read the published Snapshot.
type Supervisor struct {
	tenantID string
	policy   Policy
	factory  wire.Factory
	creds    CredentialStore
	statuses StatusRepository
	observer Observer
	onClosed func(*Supervisor)
	log      *ilog.Entry

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	opened chan openResult
	done   chan struct{}
	start  sync.Once

	snap atomic.Pointer[Snapshot]
	live atomic.Pointer[liveHandle]

	// owned by run
	state           State
	gen             int
	openCancel      context.CancelFunc
	handle          wire.Handle
	events          <-chan wire.Event
	ready           chan struct{}
	stopPump        chan struct{}
	pumpDone        chan struct{}
	retries         backoff.BackOff
	retryCount      int
	pairingExpiries int
	pairingCode     string
	identity        string
	lastReason      Reason
	lastErr         error
	lastConnectedAt *time.Time

	retryTimer   *time.Timer
	retryC       <-chan time.Time
	deadline     *time.Timer
	deadlineC    <-chan time.Time
	deadlineKind deadlineKind
	keepalive    *time.Ticker
	keepaliveC   <-chan time.Time
}

func newSupervisor(tenantID string, policy Policy, factory wire.Factory, creds CredentialStore, statuses StatusRepository, observer Observer, onClosed func(*Supervisor)) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		tenantID: tenantID,
		policy:   policy,
		factory:  factory,
		creds:    creds,
		statuses: statuses,
		observer: observer,
		onClosed: onClosed,
		log:      ilog.WithTenant(tenantID),
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan command),
		opened:   make(chan openResult),
		done:     make(chan struct{}),
		retries:  policy.retryBackOff(),
		state:    StateIdle,
	}
	s.publish()
	return s
}

// Start launches the supervisor loop.  Calling it more than once is a no-op.
func (s *Supervisor) Start() {
	s.start.Do(func() { go s.run() })
}

func (s *Supervisor) TenantID() string { return s.tenantID }

// Done is closed once the supervisor reached Closed and its loop exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) Snapshot() Snapshot { return *s.snap.Load() }

func (s *Supervisor) State() State { return s.snap.Load().State }

// Send delivers text through the open wire handle.  It never touches the
// supervisor loop, so a slow send does not delay lifecycle events.
func (s *Supervisor) Send(ctx context.Context, to, text string) (string, error) {
	lh := s.live.Load()
	if lh == nil || s.State() != StateOpen {
		return "", ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.policy.SendTimeout)
	defer cancel()
	id, err := lh.h.Send(ctx, to, text)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", to, err)
	}
	return id, nil
}

// Disconnect tears the session down and purges its credentials.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	return s.command(ctx, TriggerDisconnect)
}

// Shutdown tears the session down and keeps its credentials.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.command(ctx, TriggerShutdown)
}

func (s *Supervisor) command(ctx context.Context, t Trigger) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{trigger: t, reply: reply}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.cancel()

	s.transition(TriggerInitialize)
	s.log.Info("session connecting")
	s.attemptOpen()
	s.publish()

	for s.state != StateClosed {
		select {
		case cmd := <-s.cmds:
			cmd.reply <- s.handleCommand(cmd.trigger)
		case res := <-s.opened:
			s.handleOpened(res)
		case ev, ok := <-s.events:
			if !ok {
				s.fail(ReasonStreamEnded, nil)
			} else {
				s.handleEvent(ev)
			}
		case <-s.retryC:
			s.retryTimer, s.retryC = nil, nil
			s.log.Info("reconnecting (retry %d/%d)", s.retryCount, s.policy.MaxRetries)
			s.attemptOpen()
		case <-s.deadlineC:
			s.handleDeadline()
		case <-s.keepaliveC:
			s.probe()
		}
		s.publish()
	}
	if s.pumpDone != nil {
		<-s.pumpDone
	}
}

func (s *Supervisor) transition(t Trigger) bool {
	to, err := next(s.state, t)
	if err != nil {
		s.log.Warn("%v", err)
		return false
	}
	s.log.Debug("state %s -> %s on %s", s.state, to, t)
	s.state = to
	return true
}

// attemptOpen loads credentials and opens a wire handle off the loop.  The
// result comes back through s.opened tagged with the attempt generation.
func (s *Supervisor) attemptOpen() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.openCancel = cancel
	s.armDeadline(deadlineHandshake, s.policy.HandshakeTimeout)
	s.persist()

	go func() {
		res := openResult{gen: gen}
		creds, _, err := s.creds.Load(ctx, s.tenantID)
		if err != nil {
			res.err = fmt.Errorf("load credentials: %w", err)
		} else {
			res.handle, res.err = s.factory.Open(ctx, s.tenantID, creds)
		}
		select {
		case s.opened <- res:
		case <-s.done:
			if res.handle != nil {
				_ = res.handle.Close()
			}
		}
	}()
}

func (s *Supervisor) handleOpened(res openResult) {
	if res.gen != s.gen || s.openCancel == nil || s.handle != nil {
		if res.handle != nil {
			_ = res.handle.Close()
		}
		return
	}
	if res.err != nil {
		s.log.Error("open failed: %v", res.err)
		s.fail(ReasonConstructionFailure, res.err)
		return
	}
	s.handle = res.handle
	s.events = res.handle.Events()
	s.ready = make(chan struct{})
	s.stopPump = make(chan struct{})
	prev := s.pumpDone
	s.pumpDone = make(chan struct{})
	go s.pump(res.handle.Messages(), s.ready, s.stopPump, prev, s.pumpDone)
}

// pump delivers the inbound messages of one handle in order, after every
// message of the previous handle.  Nothing is delivered unless the handle
// reached Open; once it did, whatever the wire already buffered is still
// delivered after teardown.
func (s *Supervisor) pump(msgs <-chan wire.RawMessage, ready, stop, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	select {
	case <-ready:
	case <-stop:
		select {
		case <-ready:
			s.drain(msgs)
		default:
		}
		return
	}
	// delivery outlives the supervisor loop
	ctx := context.WithoutCancel(s.ctx)
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			s.observer.OnMessage(ctx, s.tenantID, m)
		case <-stop:
			s.drain(msgs)
			return
		}
	}
}

func (s *Supervisor) drain(msgs <-chan wire.RawMessage) {
	ctx := context.WithoutCancel(s.ctx)
	n := 0
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			s.observer.OnMessage(ctx, s.tenantID, m)
			n++
		default:
			if n > 0 {
				s.log.Debug("delivered %d buffered messages after teardown", n)
			}
			return
		}
	}
}

func (s *Supervisor) handleEvent(ev wire.Event) {
	switch ev.Type {
	case wire.EventConnecting:
		s.log.Debug("wire connecting")
	case wire.EventPairing:
		if s.state != StateConnecting || ev.Code == "" {
			s.log.Debug("ignoring pairing code in state %s", s.state)
			return
		}
		if !s.transition(TriggerPairingRequired) {
			return
		}
		s.pairingCode = ev.Code
		s.armDeadline(deadlinePairing, s.policy.PairingTTL)
		s.log.Info("pairing code ready")
		s.persist()
		s.observer.OnPairingCode(s.ctx, s.tenantID, ev.Code)
	case wire.EventCredentials:
		if err := s.creds.Save(s.ctx, s.tenantID, ev.Credentials); err != nil {
			s.log.Error("save credentials: %v", err)
		}
	case wire.EventOpen:
		if !s.transition(TriggerHandshakeComplete) {
			return
		}
		now := time.Now()
		s.pairingCode = ""
		s.retryCount = 0
		s.retries.Reset()
		s.pairingExpiries = 0
		s.identity = ev.Identity
		s.lastConnectedAt = &now
		s.lastReason, s.lastErr = "", nil
		s.stopDeadline()
		s.keepalive = time.NewTicker(s.policy.KeepaliveInterval)
		s.keepaliveC = s.keepalive.C
		s.live.Store(&liveHandle{h: s.handle})
		s.publish()
		close(s.ready)
		s.log.Info("session open as %s", ev.Identity)
		s.persist()
		s.observer.OnOpen(s.ctx, s.tenantID, ev.Identity)
	case wire.EventClose:
		reason := Reason(ev.Reason)
		if reason == "" {
			reason = ReasonConnectionLost
		}
		s.fail(reason, nil)
	}
}

// fail handles every way an attempt or an open session can end on its own:
// wire close, open error, handshake timeout.
func (s *Supervisor) fail(reason Reason, cause error) {
	disp := Classify(reason)
	t := TriggerTransientFailure
	if disp == Terminal {
		t = TriggerTerminalFailure
	}
	if _, err := next(s.state, t); err != nil {
		s.log.Warn("ignoring %s: %v", reason, err)
		return
	}
	var delay time.Duration
	if t == TriggerTransientFailure {
		if delay = s.retries.NextBackOff(); delay == backoff.Stop {
			t = TriggerRetriesExhausted
		}
	}
	s.teardown()
	s.transition(t)
	s.pairingCode = ""
	s.lastReason = reason
	s.lastErr = &CloseError{Reason: reason, Disposition: disp, Err: cause}

	if countsAsRetry(t) {
		s.retryCount++
		s.log.Warn("session closed (%s), retry %d/%d in %s", reason, s.retryCount, s.policy.MaxRetries, delay)
		s.retryTimer = time.NewTimer(delay)
		s.retryC = s.retryTimer.C
		s.persist()
		s.observer.OnClose(s.ctx, s.tenantID, reason, disp)
		return
	}

	if t == TriggerTerminalFailure {
		s.log.Warn("session closed (%s), purging credentials", reason)
		s.purge()
	} else {
		s.log.Error("session closed (%s), retries exhausted", reason)
	}
	s.observer.OnClose(s.ctx, s.tenantID, reason, disp)
	s.finish()
}

func (s *Supervisor) handleDeadline() {
	kind := s.deadlineKind
	s.deadline, s.deadlineC, s.deadlineKind = nil, nil, deadlineNone
	switch kind {
	case deadlineHandshake:
		s.fail(ReasonHandshakeTimeout, nil)
	case deadlinePairing:
		s.expirePairing()
	}
}

// expirePairing clears the surfaced code so the next one from the wire is
// accepted.  The wire attempt stays up and no retry is consumed.
func (s *Supervisor) expirePairing() {
	if !s.transition(TriggerPairingExpired) {
		return
	}
	s.pairingCode = ""
	s.pairingExpiries++
	if s.pairingExpiries < s.policy.MaxPairingExpiries {
		s.log.Info("pairing code expired (%d/%d)", s.pairingExpiries, s.policy.MaxPairingExpiries)
		s.armDeadline(deadlinePairing, s.policy.PairingTTL)
		s.persist()
		return
	}

	s.teardown()
	s.transition(TriggerPairingAbandoned)
	s.lastReason = ReasonPairingAbandoned
	s.lastErr = &CloseError{Reason: ReasonPairingAbandoned, Disposition: Terminal}
	s.log.Warn("pairing abandoned after %d expired codes", s.pairingExpiries)
	s.purge()
	s.observer.OnClose(s.ctx, s.tenantID, ReasonPairingAbandoned, Terminal)
	s.finish()
}

func (s *Supervisor) handleCommand(t Trigger) error {
	reason := ReasonUserDisconnect
	if t == TriggerShutdown {
		reason = ReasonShutdown
	}
	from := s.state
	if !s.transition(t) {
		return fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, from)
	}
	s.teardown()
	s.pairingCode = ""
	s.lastReason = reason
	s.lastErr = nil
	s.persist()
	if t == TriggerDisconnect {
		s.purge()
	}
	s.log.Info("session closed (%s)", reason)
	s.observer.OnClose(s.ctx, s.tenantID, reason, Terminal)
	s.transition(TriggerTeardownComplete)
	s.finish()
	return nil
}

func (s *Supervisor) probe() {
	if s.handle == nil {
		return
	}
	if !s.handle.Alive() {
		// the wire's own close event drives the transition
		s.log.Warn("keepalive probe failed")
		return
	}
	s.log.Debug("keepalive ok")
}

// teardown releases the wire handle and every timer.  It is called on every
// exit from Connecting, AwaitingPairing and Open.
func (s *Supervisor) teardown() {
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	if s.stopPump != nil {
		close(s.stopPump)
		s.stopPump = nil
	}
	s.live.Store(nil)
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.log.Warn("close wire: %v", err)
		}
		s.handle = nil
	}
	s.events = nil
	s.ready = nil
	s.stopDeadline()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer, s.retryC = nil, nil
	}
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive, s.keepaliveC = nil, nil
	}
}

func (s *Supervisor) armDeadline(kind deadlineKind, d time.Duration) {
	s.stopDeadline()
	s.deadline = time.NewTimer(d)
	s.deadlineC = s.deadline.C
	s.deadlineKind = kind
}

func (s *Supervisor) stopDeadline() {
	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.deadline, s.deadlineC, s.deadlineKind = nil, nil, deadlineNone
}

func (s *Supervisor) purge() {
	if err := s.creds.Delete(s.ctx, s.tenantID); err != nil {
		s.log.Error("purge credentials: %v", err)
	}
}

func (s *Supervisor) finish() {
	s.persist()
	s.publish()
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func (s *Supervisor) persist() {
	st := domain.ConnectionStatus{
		IsConnected:     s.state == StateOpen,
		PhoneNumber:     s.identity,
		State:           statusOf(s.state),
		LastConnectedAt: s.lastConnectedAt,
	}
	if err := s.statuses.UpsertStatus(s.ctx, s.tenantID, st); err != nil {
		s.log.Error("persist status: %v", err)
	}
}

func (s *Supervisor) publish() {
	s.snap.Store(&Snapshot{
		TenantID:        s.tenantID,
		State:           s.state,
		PairingCode:     s.pairingCode,
		Identity:        s.identity,
		RetryCount:      s.retryCount,
		PairingExpiries: s.pairingExpiries,
		LastReason:      s.lastReason,
		LastError:       s.lastErr,
		LastConnectedAt: s.lastConnectedAt,
	})
}
