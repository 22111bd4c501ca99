// Package gateway owns one protocol connection per tenant: pairing,
// reconnects, teardown, and routing of inbound chat messages.
//
// Each live tenant has a single owner goroutine (tenant.go) that consumes the
// protocol's events in order and is the only writer of that tenant's state.
// Connect and Disconnect for the same tenant are serialized by a per-tenant
// operation lock; the live map itself is guarded by Manager.mu.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memohai/wagateway/internal/activity"
	"github.com/memohai/wagateway/internal/metrics"
	"github.com/memohai/wagateway/internal/session"
)

var errShuttingDown = errors.New("gateway is shutting down")

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	Policy           ReconnectPolicy
	PairingEncoder   PairingEncoder
	InboundQueueSize int
	// DedupWindow is how many recent inbound message ids are remembered per
	// tenant. Zero disables de-duplication.
	DedupWindow int
	Metrics     *metrics.Metrics
}

// Manager keeps at most one live protocol connection per tenant and reports
// every state change through the status publisher.
type Manager struct {
	dialer        Dialer
	store         SessionStore
	router        MessageRouter
	publisher     StatusPublisher
	activity      activity.Recorder
	metrics       *metrics.Metrics
	policy        ReconnectPolicy
	encodePairing PairingEncoder
	inboundSize   int
	dedupWindow   int
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	conns  map[string]*tenantConn
	closed bool

	opMu    sync.Mutex
	opLocks map[string]*opLock

	// lifecycleMu orders a retiring entry's final status before the first
	// status of the entry that replaces it.
	lifecycleMu sync.Mutex
}

type opLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a Manager with the given logger, protocol dialer,
// session store, message router, status publisher and activity recorder.
func NewManager(log *slog.Logger, dialer Dialer, store SessionStore, router MessageRouter, publisher StatusPublisher, recorder activity.Recorder, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = FixedDelay{Delay: 3 * time.Second}
	}
	if opts.PairingEncoder == nil {
		opts.PairingEncoder = PNGDataURL
	}
	if opts.InboundQueueSize <= 0 {
		opts.InboundQueueSize = 64
	}
	if opts.DedupWindow < 0 {
		opts.DedupWindow = 0
	}
	return &Manager{
		dialer:        dialer,
		store:         store,
		router:        router,
		publisher:     publisher,
		activity:      recorder,
		metrics:       opts.Metrics,
		policy:        opts.Policy,
		encodePairing: opts.PairingEncoder,
		inboundSize:   opts.InboundQueueSize,
		dedupWindow:   opts.DedupWindow,
		logger:        log.With(slog.String("component", "gateway")),
		now:           time.Now,
		conns:         map[string]*tenantConn{},
		opLocks:       map[string]*opLock{},
	}
}

// Connect starts a protocol connection for tenantID. It is a no-op when the
// tenant already has a live entry in any state. Connect returns once the
// connection has been initiated; pairing and the handshake continue in the
// background and are reported through the status publisher. A failed first
// dial is retried under the reconnect policy; only session store failures
// are returned.
func (m *Manager) Connect(ctx context.Context, tenantID string) error {
	if err := session.ValidateTenantID(tenantID); err != nil {
		return err
	}
	unlock := m.lockTenant(tenantID)
	defer unlock()

	tc := newTenantConn(ctx, m, tenantID)
	m.lifecycleMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.lifecycleMu.Unlock()
		tc.cancel()
		return errShuttingDown
	}
	if _, ok := m.conns[tenantID]; ok {
		m.mu.Unlock()
		m.lifecycleMu.Unlock()
		tc.cancel()
		return nil
	}
	m.conns[tenantID] = tc
	m.mu.Unlock()
	m.logger.Info("tenant connect", slog.String("tenant_id", tenantID))
	tc.setState(StateConnecting, "", "")
	m.lifecycleMu.Unlock()

	if _, err := m.store.ResolvePath(tenantID); err != nil {
		tc.cancel()
		tc.leave()
		m.logger.Error("tenant connect failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return fmt.Errorf("connect %s: %w", tenantID, err)
	}
	if err := tc.dial(); err != nil {
		m.logger.Warn("initial dial failed, retrying", slog.String("tenant_id", tenantID), slog.Any("error", err))
		tc.start(err)
		return nil
	}
	tc.start(nil)
	return nil
}

// Disconnect logs the tenant out, forgets its live entry, and deletes its
// stored credentials. Stored credentials are deleted even when the tenant
// has no live entry.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	if err := session.ValidateTenantID(tenantID); err != nil {
		return err
	}
	unlock := m.lockTenant(tenantID)
	defer unlock()

	m.mu.Lock()
	tc, ok := m.conns[tenantID]
	if ok {
		delete(m.conns, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		if !m.store.Exists(tenantID) {
			return nil
		}
		m.logger.Info("tenant credentials removed", slog.String("tenant_id", tenantID))
		m.record(activity.ServiceGateway, activity.LevelInfo, "Session disconnected", map[string]any{"tenantId": tenantID})
		return m.destroySession(tenantID)
	}

	tc.stop()
	if client := tc.takeClient(); client != nil {
		if err := client.Logout(ctx); err != nil {
			m.logger.Warn("tenant logout failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
		client.Close()
	}
	tc.retire()
	m.logger.Info("tenant disconnected", slog.String("tenant_id", tenantID))
	m.record(activity.ServiceGateway, activity.LevelInfo, "Session disconnected", map[string]any{"tenantId": tenantID})
	return m.destroySession(tenantID)
}

func (m *Manager) destroySession(tenantID string) error {
	if err := m.store.Destroy(tenantID); err != nil {
		m.logger.Error("destroy session failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return err
	}
	return nil
}

// Status reports the tenant's current snapshot. Absent tenants are disconnected.
func (m *Manager) Status(tenantID string) Snapshot {
	if tc := m.get(tenantID); tc != nil {
		return tc.snapshot()
	}
	return Snapshot{TenantID: tenantID, Status: StateDisconnected}
}

// IsConnected reports whether the tenant has a live entry, in any state.
func (m *Manager) IsConnected(tenantID string) bool {
	return m.get(tenantID) != nil
}

// SendMessage sends text to recipient over the tenant's connection. Bare
// phone numbers are expanded to full addresses. No retry is attempted.
func (m *Manager) SendMessage(ctx context.Context, tenantID, recipient, text string) error {
	tc := m.get(tenantID)
	if tc == nil {
		return ErrNotConnected
	}
	to := NormalizeAddress(recipient)
	if to == "" || strings.TrimSpace(text) == "" {
		return ErrInvalidMessage
	}
	client, state := tc.clientState()
	if client == nil || state != StateConnected {
		return ErrNotConnected
	}
	err := client.SendText(ctx, to, text)
	m.metrics.RecordOutbound("send", err)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// List returns every tenant that has stored credentials or a live entry.
func (m *Manager) List() []SessionInfo {
	stored, err := m.store.ListTenants()
	if err != nil {
		m.logger.Warn("list sessions failed", slog.Any("error", err))
	}
	seen := make(map[string]struct{}, len(stored))
	ids := make([]string, 0, len(stored))
	for _, id := range stored {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	m.mu.Lock()
	for id := range m.conns {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	items := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		tc := m.get(id)
		info := SessionInfo{TenantID: id, Status: StateDisconnected}
		if tc != nil {
			info.Connected = true
			info.Status = tc.snapshot().Status
		}
		items = append(items, info)
	}
	return items
}

// Restore connects every tenant with stored credentials that has no live
// entry. It returns the number of connect attempts made.
func (m *Manager) Restore(ctx context.Context) int {
	tenants, err := m.store.ListTenants()
	if err != nil {
		m.logger.Warn("restore sessions failed", slog.Any("error", err))
		return 0
	}
	attempts := 0
	for _, id := range tenants {
		if ctx.Err() != nil {
			break
		}
		if m.IsConnected(id) {
			continue
		}
		attempts++
		if err := m.Connect(ctx, id); err != nil {
			m.logger.Warn("restore tenant failed", slog.String("tenant_id", id), slog.Any("error", err))
		}
	}
	if attempts > 0 {
		m.logger.Info("sessions restored", slog.Int("count", attempts))
	}
	return attempts
}

// Shutdown closes every connection without logging out, so stored
// credentials remain valid for the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*tenantConn, 0, len(m.conns))
	for id, tc := range m.conns {
		conns = append(conns, tc)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, tc := range conns {
		wg.Add(1)
		go func(tc *tenantConn) {
			defer wg.Done()
			tc.stop()
			if client := tc.takeClient(); client != nil {
				client.Close()
			}
			tc.retire()
		}(tc)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(tenantID string) *tenantConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[tenantID]
}

// removeEntry deletes tc from the live map unless it was already replaced.
func (m *Manager) removeEntry(tc *tenantConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[tc.tenantID]; ok && cur == tc {
		delete(m.conns, tc.tenantID)
	}
}

func (m *Manager) lockTenant(tenantID string) func() {
	m.opMu.Lock()
	l := m.opLocks[tenantID]
	if l == nil {
		l = &opLock{}
		m.opLocks[tenantID] = l
	}
	l.refs++
	m.opMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.opMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.opLocks, tenantID)
		}
		m.opMu.Unlock()
	}
}

func (m *Manager) publish(snap Snapshot) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(snap.TenantID, StatusEvent{Snapshot: snap, Timestamp: m.now().UTC()})
}

func (m *Manager) record(service string, level activity.Level, message string, meta map[string]any) {
	if m.activity == nil {
		return
	}
	m.activity.Log(activity.Record{
		Service:   service,
		Level:     level,
		Message:   message,
		Timestamp: m.now().UTC(),
		Metadata:  meta,
	})
}
