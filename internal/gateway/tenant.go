package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memohai/wagateway/internal/activity"
)

const eventBuffer = 64

type genEvent struct {
	gen uint64
	ev  Event
}

type inboundTask struct {
	msg    InboundMessage
	client Client
}

// tenantConn is the live entry of one tenant.
type tenantConn struct {
	m        *Manager
	tenantID string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events      chan genEvent
	inbound     chan inboundTask
	done        chan struct{}
	inboundDone chan struct{}
	startOnce   sync.Once
	retireOnce  sync.Once
	seen        *lru.Cache[string, struct{}]

	mu          sync.RWMutex
	state       State
	pairingCode string
	remoteID    string
	client      Client
	gen         uint64
}

func newTenantConn(parent context.Context, m *Manager, tenantID string) *tenantConn {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	tc := &tenantConn{
		m:           m,
		tenantID:    tenantID,
		logger:      m.logger.With(slog.String("tenant_id", tenantID)),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan genEvent, eventBuffer),
		inbound:     make(chan inboundTask, m.inboundSize),
		done:        make(chan struct{}),
		inboundDone: make(chan struct{}),
	}
	if m.dedupWindow > 0 {
		if cache, err := lru.New[string, struct{}](m.dedupWindow); err == nil {
			tc.seen = cache
		}
	}
	return tc
}

// start launches the owner loop and the inbound worker. A non-nil cause
// means the first dial failed and the loop begins by reconnecting.
func (tc *tenantConn) start(cause error) {
	tc.startOnce.Do(func() {
		go tc.run(cause)
		go tc.runInbound()
	})
}

// stop cancels the goroutines and waits for them to exit. The current
// client, if any, is left for the caller to close.
func (tc *tenantConn) stop() {
	tc.cancel()
	tc.startOnce.Do(func() {
		close(tc.done)
		close(tc.inboundDone)
	})
	<-tc.done
	<-tc.inboundDone
}

// dial opens a new protocol connection. Events from earlier connections are
// ignored from here on.
func (tc *tenantConn) dial() error {
	path, err := tc.m.store.ResolvePath(tc.tenantID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	tc.mu.Lock()
	tc.gen++
	gen := tc.gen
	tc.mu.Unlock()

	client, err := tc.m.dialer.Dial(tc.ctx, DialRequest{TenantID: tc.tenantID, SessionPath: path}, tc.emitter(gen))
	if err != nil {
		return err
	}
	tc.mu.Lock()
	tc.client = client
	tc.mu.Unlock()
	return nil
}

func (tc *tenantConn) emitter(gen uint64) func(Event) {
	return func(ev Event) {
		select {
		case tc.events <- genEvent{gen: gen, ev: ev}:
		case <-tc.ctx.Done():
		}
	}
}

func (tc *tenantConn) run(cause error) {
	defer close(tc.done)
	attempt := 0
	if cause != nil && !tc.reconnect(&attempt, cause) {
		return
	}
	for {
		select {
		case <-tc.ctx.Done():
			return
		case ge := <-tc.events:
			if ge.gen != tc.currentGen() {
				continue
			}
			switch ge.ev.Kind {
			case EventPairingCode:
				tc.onPairingCode(ge.ev.PairingCode)
			case EventConnected:
				attempt = 0
				tc.onConnected(ge.ev.RemoteIdentifier)
			case EventMessage:
				tc.enqueueInbound(ge.ev.Message)
			case EventClosed:
				if ge.ev.LoggedOut {
					tc.onLoggedOut()
					return
				}
				if !tc.reconnect(&attempt, ge.ev.Err) {
					return
				}
			}
		}
	}
}

func (tc *tenantConn) onPairingCode(code string) {
	encoded, err := tc.m.encodePairing(code)
	if err != nil {
		tc.logger.Warn("pairing code encode failed", slog.Any("error", err))
		encoded = code
	}
	tc.logger.Info("awaiting pairing")
	tc.setState(StateAwaitingPairing, encoded, "")
}

func (tc *tenantConn) onConnected(remoteID string) {
	tc.logger.Info("tenant connected", slog.String("remote", remoteID))
	tc.m.record(activity.ServiceGateway, activity.LevelInfo, "WhatsApp connected", map[string]any{
		"tenantId": tc.tenantID,
		"remote":   remoteID,
	})
	tc.setState(StateConnected, "", remoteID)
}

// onLoggedOut handles a revoked session: credentials are deleted before the
// entry leaves the map, so a concurrent Connect cannot observe a stale blob.
func (tc *tenantConn) onLoggedOut() {
	tc.logger.Warn("tenant logged out")
	if client := tc.takeClient(); client != nil {
		client.Close()
	}
	if err := tc.m.store.Destroy(tc.tenantID); err != nil {
		tc.logger.Error("destroy session failed", slog.Any("error", err))
	}
	tc.m.record(activity.ServiceGateway, activity.LevelWarn, "WhatsApp logged out", map[string]any{"tenantId": tc.tenantID})
	tc.leave()
	tc.cancel()
}

// reconnect redials after a transient close until a dial succeeds, the
// policy gives up, or the entry is stopped. It reports whether the owner
// loop should keep running.
func (tc *tenantConn) reconnect(attempt *int, cause error) bool {
	if client := tc.takeClient(); client != nil {
		client.Close()
	}
	tc.logger.Warn("connection closed", slog.Any("error", cause))
	tc.setState(StateDisconnected, "", "")
	for {
		*attempt++
		delay, ok := tc.m.policy.Next(*attempt)
		if !ok {
			tc.logger.Warn("reconnect abandoned", slog.Int("attempts", *attempt-1))
			tc.m.record(activity.ServiceGateway, activity.LevelError, "Reconnect abandoned", map[string]any{
				"tenantId": tc.tenantID,
				"attempts": *attempt - 1,
			})
			tc.leave()
			tc.cancel()
			return false
		}
		tc.setState(StateConnecting, "", "")
		tc.m.metrics.RecordReconnect()
		timer := time.NewTimer(delay)
		select {
		case <-tc.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		err := tc.dial()
		if err == nil {
			return true
		}
		if tc.ctx.Err() != nil {
			return false
		}
		tc.logger.Warn("redial failed", slog.Int("attempt", *attempt), slog.Any("error", err))
		tc.setState(StateDisconnected, "", "")
	}
}

// enqueueInbound hands msg to the inbound worker. A full queue blocks the
// owner loop until the worker catches up or the entry is stopped.
func (tc *tenantConn) enqueueInbound(msg InboundMessage) {
	tc.mu.RLock()
	client := tc.client
	tc.mu.RUnlock()
	task := inboundTask{msg: msg, client: client}
	select {
	case tc.inbound <- task:
		return
	default:
	}
	tc.logger.Debug("inbound queue full, waiting", slog.String("message_id", msg.ID))
	select {
	case tc.inbound <- task:
	case <-tc.ctx.Done():
	}
}

func (tc *tenantConn) runInbound() {
	defer close(tc.inboundDone)
	for {
		select {
		case <-tc.ctx.Done():
			return
		case task := <-tc.inbound:
			tc.m.handleInbound(tc, task)
		}
	}
}

func (tc *tenantConn) setState(state State, pairingCode, remoteID string) {
	tc.mu.Lock()
	prev := tc.state
	tc.state = state
	tc.pairingCode = pairingCode
	tc.remoteID = remoteID
	snap := tc.snapshotLocked()
	tc.mu.Unlock()
	tc.m.metrics.RecordTransition(string(prev), string(state))
	tc.m.publish(snap)
}

// leave publishes the final disconnected state and then drops the entry from
// the live map. Connect inserts under the same lock, so a replacement's
// first status always follows this one.
func (tc *tenantConn) leave() {
	tc.m.lifecycleMu.Lock()
	defer tc.m.lifecycleMu.Unlock()
	tc.retire()
	tc.m.removeEntry(tc)
}

// retire publishes the final disconnected state of an entry. Only the first
// call has an effect.
func (tc *tenantConn) retire() {
	tc.retireOnce.Do(func() {
		tc.setState(StateDisconnected, "", "")
		tc.m.metrics.RecordTransition(string(StateDisconnected), "")
	})
}

func (tc *tenantConn) snapshot() Snapshot {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.snapshotLocked()
}

func (tc *tenantConn) snapshotLocked() Snapshot {
	return Snapshot{
		TenantID:         tc.tenantID,
		Status:           tc.state,
		PairingCode:      tc.pairingCode,
		RemoteIdentifier: tc.remoteID,
	}
}

func (tc *tenantConn) clientState() (Client, State) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.client, tc.state
}

func (tc *tenantConn) takeClient() Client {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	client := tc.client
	tc.client = nil
	return client
}

func (tc *tenantConn) currentGen() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.gen
}
