package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/longbow-phalanx/internal/config"
	"github.com/23skdu/longbow-phalanx/internal/cpu"
	"github.com/23skdu/longbow-phalanx/internal/model"
)

func newModel(t *testing.T) *model.Model {
	t.Helper()
	meta := config.Tiny()
	hw, err := model.Synthetic(meta, 3).Pack(meta, 2)
	require.NoError(t, err)
	m, err := model.CreateOn(context.Background(), cpu.New(cpu.WithDeviceCount(2)), meta, hw, []int{0, 1})
	require.NoError(t, err)
	t.Cleanup(func() { m.Destroy() })
	return m
}

func serving(t *testing.T, hm *Monitor) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hm.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	return resp.Status
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServingFollowsModel(t *testing.T) {
	hm := New()
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, serving(t, hm))
	require.Equal(t, "unloaded", hm.Status().Status)

	hm.Attach(newModel(t))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, serving(t, hm))
	require.Equal(t, "healthy", hm.Status().Status)

	hm.Detach()
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, serving(t, hm))
}

func TestAlertsDriveStatus(t *testing.T) {
	hm := New()
	hm.Attach(newModel(t))

	hm.RecordInference(4, 10*time.Millisecond, errors.New("all-reduce aborted"))
	require.Equal(t, "degraded", hm.Status().Status)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, serving(t, hm))

	hm.AddAlert(LevelCritical, "device", "cpu:1 lost")
	require.Equal(t, "critical", hm.Status().Status)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, serving(t, hm))

	hm.ResolveAlert(1)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, serving(t, hm))
	require.Equal(t, "degraded", hm.Status().Status)
}

func TestHTTPEndpoints(t *testing.T) {
	hm := New()
	h := hm.Handler()

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m := newModel(t)
	hm.Attach(m)
	rec = get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	hm.RecordInference(8, 20*time.Millisecond, nil)
	hm.RecordInference(8, 60*time.Millisecond, nil)

	rec = get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.True(t, st.Model.Loaded)
	require.Equal(t, []string{"cpu:0", "cpu:1"}, st.Model.Devices)
	require.Positive(t, st.Model.DeviceMemory["cpu:1"])
	require.Equal(t, m.Meta.ContextLen, st.Model.ContextLength)
	require.InDelta(t, 40, st.Performance.AvgLatencyMs, 1e-9)
	require.InDelta(t, 200, st.Performance.TokensPerSecond, 1e-9)
	require.Zero(t, st.Performance.ErrorRate)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestClearAlerts(t *testing.T) {
	hm := New()
	hm.Attach(newModel(t))
	hm.AddAlert(LevelCritical, "device", "lost")
	h := hm.Handler()

	rec := get(t, h, "/admin/clear-alerts")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, hm.Status().Alerts)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, serving(t, hm))

	rec = get(t, h, "/admin/alerts")
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestServeStopsOnCancel(t *testing.T) {
	hm := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hm.Serve(ctx, "127.0.0.1:0", "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
