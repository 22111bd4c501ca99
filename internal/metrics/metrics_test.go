package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTransitionMovesGauge(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordTransition("", "connecting")
	m.RecordTransition("connecting", "connected")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusChanges.WithLabelValues("connected")))

	m.RecordTransition("connected", "")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections.WithLabelValues("connected")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordTransition("", "connected")
	m.RecordReconnect()
	m.RecordInbound("routed")
	m.RecordOutbound("send", errors.New("x"))
	m.ObserveRoute(0.1)
	m.RecordActivityDropped()
	assert.NotNil(t, m.Handler())
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordOutbound("reply", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wagateway_outbound_messages_total{kind="reply",result="ok"} 1`)
}
