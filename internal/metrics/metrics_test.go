package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	m := New()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CurrentShard))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectionsActive))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.ConnectionsTotal.Inc()
	m.EventsPublished.WithLabelValues("open").Inc()
	m.DecodeErrors.WithLabelValues("binary").Add(2)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "presence_connections_total 1")
	assert.Contains(t, body, `presence_events_published_total{event="open"} 1`)
	assert.Contains(t, body, `presence_decode_errors_total{kind="binary"} 2`)
	assert.Contains(t, body, "presence_current_shard 1")
}
