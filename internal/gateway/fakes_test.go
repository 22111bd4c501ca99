package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memohai/wagateway/internal/activity"
	"github.com/memohai/wagateway/internal/router"
	"github.com/memohai/wagateway/internal/session"
)

type sentText struct {
	to   string
	text string
}

type fakeClient struct {
	emit func(Event)

	mu      sync.Mutex
	sent    []sentText
	sendErr error
	logouts int
	closes  int
}

func (c *fakeClient) SendText(ctx context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentText{to: to, text: text})
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *fakeClient) sentMessages() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.sent...)
}

func (c *fakeClient) counts() (logouts, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts, c.closes
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	clients []*fakeClient
	err     error
	delay   time.Duration
	reqs    []DialRequest
	// failures makes the next n dials return err regardless of d.err.
	failures int
	failErr  error
}

func (d *fakeDialer) Dial(ctx context.Context, req DialRequest, emit func(Event)) (Client, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.reqs = append(d.reqs, req)
	if d.failures > 0 {
		d.failures--
		return nil, d.failErr
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeClient{emit: emit}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) failNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
	d.failErr = err
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.clients) + i
	}
	if i < 0 || i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []router.Request
	reply string
	err   error
	// gate, when set, holds every Route call until it is closed.
	gate chan struct{}
}

func (r *fakeRouter) Route(ctx context.Context, req router.Request) (string, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

func (r *fakeRouter) requests() []router.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Request(nil), r.calls...)
}

type statusRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
	// before runs ahead of recording each event, outside the lock.
	before func(StatusEvent)
}

func (s *statusRecorder) Publish(tenantID string, ev StatusEvent) {
	s.mu.Lock()
	before := s.before
	s.mu.Unlock()
	if before != nil {
		before(ev)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *statusRecorder) setBefore(fn func(StatusEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before = fn
}

func (s *statusRecorder) statuses(tenantID string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, ev := range s.events {
		if ev.TenantID == tenantID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type activityRecorder struct {
	mu      sync.Mutex
	records []activity.Record
}

func (a *activityRecorder) Log(rec activity.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *activityRecorder) byService(service string) []activity.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []activity.Record
	for _, rec := range a.records {
		if rec.Service == service {
			out = append(out, rec)
		}
	}
	return out
}

type harness struct {
	m        *Manager
	dialer   *fakeDialer
	store    *session.Store
	router   *fakeRouter
	status   *statusRecorder
	activity *activityRecorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Policy == nil {
		opts.Policy = FixedDelay{Delay: 5 * time.Millisecond}
	}
	if opts.PairingEncoder == nil {
		opts.PairingEncoder = RawPairingCode
	}
	h := &harness{
		dialer:   &fakeDialer{},
		store:    session.NewStore(t.TempDir()),
		router:   &fakeRouter{},
		status:   &statusRecorder{},
		activity: &activityRecorder{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.m = NewManager(log, h.dialer, h.store, h.router, h.status, h.activity, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

// connected brings tenantID to the connected state through the fake protocol.
func (h *harness) connected(t *testing.T, tenantID, remote string) *fakeClient {
	t.Helper()
	require.NoError(t, h.m.Connect(context.Background(), tenantID))
	client := h.dialer.client(-1)
	require.NotNil(t, client)
	client.emit(Event{Kind: EventConnected, RemoteIdentifier: remote})
	h.waitStatus(t, tenantID, StateConnected)
	return client
}

func (h *harness) waitStatus(t *testing.T, tenantID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.Status(tenantID).Status == want
	}, 2*time.Second, 2*time.Millisecond, "tenant %s never reached %s (now %s)", tenantID, want, h.m.Status(tenantID).Status)
}

var errNetwork = errors.New("network unreachable")
