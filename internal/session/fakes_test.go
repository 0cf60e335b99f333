package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"your.org/wa-tenant-sessions/internal/domain"
	"your.org/wa-tenant-sessions/internal/wire"
)

type fakeHandle struct {
	id     int
	events chan wire.Event
	msgs   chan wire.RawMessage
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	alive  atomic.Bool

	mu   sync.Mutex
	sent []string
}

func newFakeHandle(id int) *fakeHandle {
	h := &fakeHandle{
		id:     id,
		events: make(chan wire.Event, 16),
		msgs:   make(chan wire.RawMessage, 16),
		done:   make(chan struct{}),
	}
	h.alive.Store(true)
	return h
}

func (h *fakeHandle) Events() <-chan wire.Event         { return h.events }
func (h *fakeHandle) Messages() <-chan wire.RawMessage { return h.msgs }
func (h *fakeHandle) Alive() bool                      { return h.alive.Load() && !h.closed.Load() }

func (h *fakeHandle) Send(_ context.Context, to, text string) (string, error) {
	if h.closed.Load() {
		return "", errors.New("handle closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, to+":"+text)
	return fmt.Sprintf("out-%d-%d", h.id, len(h.sent)), nil
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.done)
	})
	return nil
}

func (h *fakeHandle) emit(ev wire.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *fakeHandle) deliver(m wire.RawMessage) {
	select {
	case h.msgs <- m:
	case <-h.done:
	}
}

type fakeFactory struct {
	mu       sync.Mutex
	attempts int
	handles  []*fakeHandle
	openErr  error
	onOpen   func(h *fakeHandle)
	opened   chan *fakeHandle
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{opened: make(chan *fakeHandle, 64)}
}

func (f *fakeFactory) Open(_ context.Context, _ string, _ wire.Credentials) (wire.Handle, error) {
	f.mu.Lock()
	f.attempts++
	err := f.openErr
	onOpen := f.onOpen
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	h := newFakeHandle(f.attempts)
	f.handles = append(f.handles, h)
	f.mu.Unlock()

	if onOpen != nil {
		onOpen(h)
	}
	f.opened <- h
	return h, nil
}

func (f *fakeFactory) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeFactory) LiveHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if !h.closed.Load() {
			n++
		}
	}
	return n
}

func (f *fakeFactory) next(t *testing.T) *fakeHandle {
	t.Helper()
	select {
	case h := <-f.opened:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no wire handle opened")
		return nil
	}
}

type memCreds struct {
	mu      sync.Mutex
	data    map[string]wire.Credentials
	deletes int
	loadErr error
}

func newMemCreds() *memCreds {
	return &memCreds{data: make(map[string]wire.Credentials)}
}

func (c *memCreds) Load(_ context.Context, tenantID string) (wire.Credentials, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, false, c.loadErr
	}
	v, ok := c.data[tenantID]
	return v, ok, nil
}

func (c *memCreds) Save(_ context.Context, tenantID string, creds wire.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[tenantID] = append(wire.Credentials(nil), creds...)
	return nil
}

func (c *memCreds) Delete(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, tenantID)
	c.deletes++
	return nil
}

func (c *memCreds) List(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.data))
	for id := range c.data {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (c *memCreds) has(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[tenantID]
	return ok
}

func (c *memCreds) deleteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}

type memStatuses struct {
	mu   sync.Mutex
	last map[string]domain.ConnectionStatus
}

func newMemStatuses() *memStatuses {
	return &memStatuses{last: make(map[string]domain.ConnectionStatus)}
}

func (r *memStatuses) UpsertStatus(_ context.Context, tenantID string, st domain.ConnectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[tenantID] = st
	return nil
}

func (r *memStatuses) get(tenantID string) domain.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[tenantID]
}

type closeRecord struct {
	Reason      Reason
	Disposition Disposition
}

// recorder captures observer callbacks.
type recorder struct {
	mu       sync.Mutex
	codes    []string
	opens    []string
	closes   []closeRecord
	messages []wire.RawMessage
}

func (r *recorder) OnPairingCode(_ context.Context, _ string, code string) {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
}

func (r *recorder) OnOpen(_ context.Context, _ string, identity string) {
	r.mu.Lock()
	r.opens = append(r.opens, identity)
	r.mu.Unlock()
}

func (r *recorder) OnClose(_ context.Context, _ string, reason Reason, d Disposition) {
	r.mu.Lock()
	r.closes = append(r.closes, closeRecord{reason, d})
	r.mu.Unlock()
}

func (r *recorder) OnMessage(_ context.Context, _ string, msg wire.RawMessage) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recorder) closeList() []closeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]closeRecord(nil), r.closes...)
}

func (r *recorder) messageIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func testPolicy() Policy {
	return Policy{
		MaxRetries:         2,
		BackoffDelay:       20 * time.Millisecond,
		PairingTTL:         time.Second,
		MaxPairingExpiries: 20,
		HandshakeTimeout:   2 * time.Second,
		KeepaliveInterval:  10 * time.Millisecond,
		SendTimeout:        time.Second,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}
