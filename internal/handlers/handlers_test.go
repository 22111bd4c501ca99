package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/wagateway/internal/gateway"
	"github.com/memohai/wagateway/internal/session"
)

type fakeManager struct {
	mu          sync.Mutex
	connectErr  error
	disconnErr  error
	sendErr     error
	connects    []string
	disconnects []string
	sends       []SendRequest
	snapshot    gateway.Snapshot
	sessions    []gateway.SessionInfo
}

func (f *fakeManager) Connect(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, tenantID)
	return f.connectErr
}

func (f *fakeManager) Disconnect(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, tenantID)
	return f.disconnErr
}

func (f *fakeManager) Status(tenantID string) gateway.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshot
	snap.TenantID = tenantID
	if snap.Status == "" {
		snap.Status = gateway.StateDisconnected
	}
	return snap
}

func (f *fakeManager) SendMessage(ctx context.Context, tenantID, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, SendRequest{To: recipient, Message: text})
	return nil
}

func (f *fakeManager) List() []gateway.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeManager) connectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *fakeManager) disconnectCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSessionsEcho(m *fakeManager) *echo.Echo {
	e := echo.New()
	NewSessionsHandler(discardLogger(), m).Register(e)
	NewHealthHandler(discardLogger()).Register(e)
	return e
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := doRequest(newSessionsEcho(&fakeManager{}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestConnect(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	rec := doRequest(newSessionsEcho(m), http.MethodPost, "/connect/acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[ActionResponse](t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "Connecting tenant acme", body.Message)
	assert.Equal(t, []string{"acme"}, m.connectCalls())
}

func TestConnectFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid tenant", err: session.ErrInvalidTenantID, want: http.StatusBadRequest},
		{name: "dial failure", err: io.ErrUnexpectedEOF, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(newSessionsEcho(&fakeManager{connectErr: tc.err}), http.MethodPost, "/connect/acme", "")
			require.Equal(t, tc.want, rec.Code)
			body := decode[ActionResponse](t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tc.err.Error(), body.Error)
		})
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	rec := doRequest(newSessionsEcho(m), http.MethodPost, "/disconnect/acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[ActionResponse](t, rec)
	assert.True(t, body.Success)
	assert.Equal(t, "Disconnected tenant acme", body.Message)
	assert.Equal(t, []string{"acme"}, m.disconnectCalls())

	m.disconnErr = io.ErrClosedPipe
	rec = doRequest(newSessionsEcho(m), http.MethodPost, "/disconnect/acme", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusAbsentTenant(t *testing.T) {
	t.Parallel()

	rec := doRequest(newSessionsEcho(&fakeManager{}), http.MethodGet, "/status/ghost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ghost", body["tenantId"])
	assert.Equal(t, "disconnected", body["status"])
	assert.NotContains(t, body, "remoteIdentifier")
}

func TestStatusConnected(t *testing.T) {
	t.Parallel()

	m := &fakeManager{snapshot: gateway.Snapshot{Status: gateway.StateConnected, RemoteIdentifier: "34600000000"}}
	rec := doRequest(newSessionsEcho(m), http.MethodGet, "/status/acme", "")
	body := decode[gateway.Snapshot](t, rec)
	assert.Equal(t, gateway.StateConnected, body.Status)
	assert.Equal(t, "34600000000", body.RemoteIdentifier)
}

func TestSend(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	rec := doRequest(newSessionsEcho(m), http.MethodPost, "/send/acme", `{"to":"34611111111","message":"Hola"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ActionResponse](t, rec).Success)
	require.Len(t, m.sends, 1)
	assert.Equal(t, SendRequest{To: "34611111111", Message: "Hola"}, m.sends[0])
}

func TestSendNotConnected(t *testing.T) {
	t.Parallel()

	m := &fakeManager{sendErr: gateway.ErrNotConnected}
	rec := doRequest(newSessionsEcho(m), http.MethodPost, "/send/ghost", `{"to":"34611111111","message":"Hi"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[ActionResponse](t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, gateway.ErrNotConnected.Error(), body.Error)
}

func TestSendInvalidBody(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing message": `{"to":"34611111111"}`,
		"blank recipient": `{"to":"   ","message":"Hi"}`,
		"malformed json":  `{"to":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			m := &fakeManager{}
			rec := doRequest(newSessionsEcho(m), http.MethodPost, "/send/acme", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, decode[ActionResponse](t, rec).Success)
			assert.Empty(t, m.sends)
		})
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	m := &fakeManager{sessions: []gateway.SessionInfo{
		{TenantID: "acme", Connected: true, Status: gateway.StateConnected},
		{TenantID: "beta", Status: gateway.StateDisconnected},
	}}
	rec := doRequest(newSessionsEcho(m), http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[SessionsResponse](t, rec)
	assert.Equal(t, m.sessions, body.Sessions)

	rec = doRequest(newSessionsEcho(&fakeManager{}), http.MethodGet, "/sessions", "")
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}
