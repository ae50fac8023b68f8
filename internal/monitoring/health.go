// Package monitoring serves the process health surface: an HTTP mux with
// /health, /status, /metrics and alert administration, and the standard
// gRPC health service.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	goruntime "runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/longbow-phalanx/internal/kvcache"
	"github.com/23skdu/longbow-phalanx/internal/logger"
	"github.com/23skdu/longbow-phalanx/internal/model"
)

// ServiceName is the gRPC health service name reported for the engine.
const ServiceName = "phalanx.Engine"

const (
	maxAlerts  = 100
	maxHistory = 1000
)

// Alert levels, in increasing severity.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Status is the body of /status.
type Status struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type ModelInfo struct {
	Loaded        bool             `json:"loaded"`
	Devices       []string         `json:"devices,omitempty"`
	Layers        int              `json:"layers"`
	Heads         int              `json:"heads"`
	KVHeads       int              `json:"kv_heads"`
	ContextLength int              `json:"context_length"`
	DeviceMemory  map[string]int64 `json:"device_memory,omitempty"`
	KVCaches      int64            `json:"kv_caches"`
	KVCacheBytes  int64            `json:"kv_cache_bytes"`
}

type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastInference   time.Time `json:"last_inference"`
}

type Alert struct {
	Level      string     `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type perfPoint struct {
	tokens   int
	duration time.Duration
	failed   bool
}

// allocator is implemented by backends that account device memory.
type allocator interface {
	AllocatedBytes(dev int) int64
}

// Monitor tracks the attached model, recent inference calls and alerts.
type Monitor struct {
	startTime time.Time
	health    *health.Server
	log       *logger.Logger

	mu            sync.RWMutex
	model         *model.Model
	alerts        []Alert
	history       []perfPoint
	lastInference time.Time
}

// New creates a monitor reporting NOT_SERVING until a model is attached.
func New() *Monitor {
	hm := &Monitor{
		startTime: time.Now(),
		health:    health.NewServer(),
		log:       logger.Log.With("component", "monitoring"),
	}
	hm.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return hm
}

// Health is the gRPC health service backing the monitor.
func (hm *Monitor) Health() *health.Server {
	return hm.health
}

// Attach reports m as the served model.
func (hm *Monitor) Attach(m *model.Model) {
	hm.mu.Lock()
	hm.model = m
	hm.mu.Unlock()
	hm.refreshServing()
}

// Detach marks the engine as no longer serving.
func (hm *Monitor) Detach() {
	hm.mu.Lock()
	hm.model = nil
	hm.mu.Unlock()
	hm.refreshServing()
}

// RecordInference adds one infer call to the performance window. A failed
// call raises an error alert, since the model has to be rebuilt after it.
func (hm *Monitor) RecordInference(tokens int, duration time.Duration, err error) {
	hm.mu.Lock()
	hm.lastInference = time.Now()
	hm.history = append(hm.history, perfPoint{tokens: tokens, duration: duration, failed: err != nil})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[len(hm.history)-maxHistory:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert(LevelError, "engine", fmt.Sprintf("inference failed: %v", err))
		return
	}
	if ms := float64(duration.Nanoseconds()) / 1e6; ms > 5000 {
		hm.AddAlert(LevelWarning, "performance", fmt.Sprintf("high latency: %.2f ms", ms))
	}
}

// AddAlert appends an alert and updates the gRPC serving status.
func (hm *Monitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[len(hm.alerts)-maxAlerts:]
	}
	hm.mu.Unlock()

	hm.log.Warn("alert", "level", level, "component", component, "message", message)
	hm.refreshServing()
}

// ResolveAlert marks alert index resolved.
func (hm *Monitor) ResolveAlert(index int) {
	hm.mu.Lock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
	hm.mu.Unlock()
	hm.refreshServing()
}

func (hm *Monitor) refreshServing() {
	st := healthpb.HealthCheckResponse_SERVING
	if s := hm.Status().Status; s == "critical" || s == "unloaded" {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hm.health.SetServingStatus(ServiceName, st)
}

// Handler returns the HTTP surface of the monitor.
func (hm *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Serve runs the HTTP surface on httpAddr and, when grpcAddr is not empty,
// the gRPC health service until ctx is cancelled or either server fails.
func (hm *Monitor) Serve(ctx context.Context, httpAddr, grpcAddr string) error {
	var lis net.Listener
	if grpcAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", grpcAddr); err != nil {
			return fmt.Errorf("grpc health listen %s: %w", grpcAddr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         httpAddr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		hm.log.Info("health monitor listening", "addr", httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var gs *grpc.Server
	if lis != nil {
		gs = grpc.NewServer()
		healthpb.RegisterHealthServer(gs, hm.health)
		g.Go(func() error {
			hm.log.Info("grpc health listening", "addr", lis.Addr().String())
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		hm.health.Shutdown()
		if gs != nil {
			gs.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (hm *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := hm.Status()
	code := http.StatusOK
	if st.Status != "healthy" && st.Status != "degraded" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    st.Status,
		"timestamp": st.Timestamp.Format(time.RFC3339),
	})
}

func (hm *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *Monitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *Monitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	hm.refreshServing()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health report. Without a model the status is
// "unloaded"; an unresolved critical alert makes it "critical" and an
// unresolved error alert "degraded".
func (hm *Monitor) Status() Status {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == LevelCritical {
			status = "critical"
			break
		}
		if a.Level == LevelError {
			status = "degraded"
		}
	}
	if hm.model == nil && status != "critical" {
		status = "unloaded"
	}

	return Status{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Model:       modelInfo(hm.model),
		Performance: hm.performance(),
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    goruntime.Version(),
		OS:           goruntime.GOOS,
		Arch:         goruntime.GOARCH,
		NumCPU:       goruntime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func modelInfo(m *model.Model) ModelInfo {
	caches, cacheBytes := kvcache.Usage()
	info := ModelInfo{KVCaches: caches, KVCacheBytes: cacheBytes}
	if m == nil {
		return info
	}
	info.Loaded = true
	info.Layers = m.Meta.Layers
	info.Heads = m.Meta.Heads
	info.KVHeads = m.Meta.KVHeads
	info.ContextLength = m.Meta.ContextLen
	info.DeviceMemory = make(map[string]int64, m.Ndev())
	for _, d := range m.Devices {
		info.Devices = append(info.Devices, d.Device.String())
		if a, ok := d.Backend.(allocator); ok {
			info.DeviceMemory[d.Device.String()] = a.AllocatedBytes(d.Device.ID)
		}
	}
	return info
}

func (hm *Monitor) performance() PerformanceInfo {
	p := PerformanceInfo{LastInference: hm.lastInference}
	if len(hm.history) == 0 {
		return p
	}

	var (
		tokens    int
		total     time.Duration
		failed    int
		latencies = make([]float64, 0, len(hm.history))
	)
	for _, pt := range hm.history {
		tokens += pt.tokens
		total += pt.duration
		if pt.failed {
			failed++
		}
		latencies = append(latencies, float64(pt.duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	p.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	p.P95LatencyMs = latencies[p95]
	p.ErrorRate = float64(failed) / float64(len(hm.history))
	if total > 0 {
		p.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return p
}
