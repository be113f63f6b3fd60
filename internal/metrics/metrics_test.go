package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncAction("API", "start", "running")
	IncAction("API", "start", "running")
	IncAction("API", "stop", "stop_failed")
	ObserveStartDuration("API", 1.25)
	RecordStateTransition("API", "not_running", "starting")
	SetCurrentState("API", "running", true)
	SetCurrentState("API", "crashed", false)
	ObserveProbe("table", 0.002)

	assert.Equal(t, 2.0, counterValue(t, serviceActions.WithLabelValues("API", "start", "running")))
	assert.Equal(t, 1.0, gaugeValue(t, currentStates.WithLabelValues("API", "running")))
	assert.Equal(t, 0.0, gaugeValue(t, currentStates.WithLabelValues("API", "crashed")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"portvisor_service_actions_total":           false,
		"portvisor_service_start_duration_seconds":  false,
		"portvisor_service_state_transitions_total": false,
		"portvisor_service_current_state":           false,
		"portvisor_probe_duration_seconds":          false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = len(mf.GetMetric()) > 0
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected samples for %s", n)
	}
}

func TestRegisterAlreadyRegisteredIsTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	require.NoError(t, Register(reg))
	regOK.Store(false)
	require.NoError(t, Register(reg))
}

func TestHandlerForServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	IncAction("x", "start", "running")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "portvisor_service_actions_total"))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}
