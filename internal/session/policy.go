package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reason is why a wire connection closed or an attempt failed.
type Reason string

const (
	ReasonLoggedOut           Reason = "logged_out"
	ReasonReplaced            Reason = "replaced"
	ReasonInvalidSession      Reason = "invalid_session"
	ReasonConnectionLost      Reason = "connection_lost"
	ReasonStreamEnded         Reason = "stream_ended"
	ReasonHandshakeTimeout    Reason = "handshake_timeout"
	ReasonConstructionFailure Reason = "construction_failure"
	ReasonPairingAbandoned    Reason = "pairing_abandoned"
	ReasonUserDisconnect      Reason = "user_disconnect"
	ReasonShutdown            Reason = "shutdown"
)

// Disposition is the retry decision for a Reason.
type Disposition int

const (
	Transient Disposition = iota
	Terminal
)

func (d Disposition) String() string {
	if d == Terminal {
		return "terminal"
	}
	return "transient"
}

// terminalReasons are never retried and purge credentials.  Every other
// reason, including ones the wire client invents later, is transient.
var terminalReasons = map[Reason]struct{}{
	ReasonLoggedOut:      {},
	ReasonReplaced:       {},
	ReasonInvalidSession: {},
}

// Classify maps a close reason to its disposition.
func Classify(r Reason) Disposition {
	if _, ok := terminalReasons[r]; ok {
		return Terminal
	}
	return Transient
}

// Policy holds the supervision knobs.  The zero value is not useful; start
// from DefaultPolicy.
type Policy struct {
	// MaxRetries is the number of reconnects after the initial attempt.
	MaxRetries int
	// BackoffDelay is the fixed wait before each reconnect.
	BackoffDelay time.Duration
	// PairingTTL is how long a surfaced pairing code is held.
	PairingTTL time.Duration
	// MaxPairingExpiries closes the attempt after this many consecutive
	// pairing code expirations.
	MaxPairingExpiries int
	// HandshakeTimeout bounds the silent period after a wire opens.
	HandshakeTimeout time.Duration
	// KeepaliveInterval is the liveness probe period while open.
	KeepaliveInterval time.Duration
	// SendTimeout bounds Manager.Send.
	SendTimeout time.Duration
}

// DefaultPolicy returns the reference behavior: 2 retries 5s apart, 60s
// pairing codes, 30s keepalive.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         2,
		BackoffDelay:       5 * time.Second,
		PairingTTL:         60 * time.Second,
		MaxPairingExpiries: 20,
		HandshakeTimeout:   60 * time.Second,
		KeepaliveInterval:  30 * time.Second,
		SendTimeout:        20 * time.Second,
	}
}

// retryBackOff yields BackoffDelay MaxRetries times, then backoff.Stop.
func (p Policy) retryBackOff() backoff.BackOff {
	if p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.BackoffDelay), uint64(p.MaxRetries))
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffDelay <= 0 {
		p.BackoffDelay = d.BackoffDelay
	}
	if p.PairingTTL <= 0 {
		p.PairingTTL = d.PairingTTL
	}
	if p.MaxPairingExpiries <= 0 {
		p.MaxPairingExpiries = d.MaxPairingExpiries
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = d.HandshakeTimeout
	}
	if p.KeepaliveInterval <= 0 {
		p.KeepaliveInterval = d.KeepaliveInterval
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = d.SendTimeout
	}
	return p
}
