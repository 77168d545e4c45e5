package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("test-node")
	m.SiteRegistrations.WithLabelValues(ResultSuccess).Add(4)
	m.ControlChannelState.Set(2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	bodyStr := string(body)

	for _, metric := range []string{
		"exitplane_site_registrations_total",
		"exitplane_control_channel_state",
		"go_goroutines",
		"process_cpu_seconds",
	} {
		assert.Contains(t, bodyStr, metric)
	}
	assert.Contains(t, bodyStr, `exitplane_site_registrations_total{instance_name="test-node",result="success"} 4`)
	assert.Contains(t, bodyStr, `exitplane_control_channel_state{instance_name="test-node"} 2`)
}

func TestHandler_EmptyRegistry(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
