package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

// HealthStatus represents the overall health state.
type HealthStatus string

const (
	// HealthStatusHealthy indicates all checks are passing.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the service runs but cannot carry traffic.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates a critical check is failing.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ErrDegraded marks a check failure that degrades rather than fails health.
var ErrDegraded = errors.New("degraded")

// CheckFunc performs a health check. It returns nil when healthy, an error
// wrapping ErrDegraded when degraded, and any other error when unhealthy.
type CheckFunc func() error

// HealthChecker aggregates named checks.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]CheckFunc
	collector *Collector
	startTime time.Time
	version   string
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Tunnels   *TunnelCounts          `json:"tunnels,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// TunnelCounts summarizes live tunnels.
type TunnelCounts struct {
	Negotiating int64 `json:"negotiating"`
	Established int64 `json:"established"`
	KillSwitch  bool  `json:"kill_switch"`
}

// NewHealthChecker creates a checker. A non-nil collector adds the tunnel
// check: unhealthy while the kill switch blocks traffic, degraded while no
// tunnel is established.
func NewHealthChecker(collector *Collector, version string) *HealthChecker {
	h := &HealthChecker{
		checks:    make(map[string]CheckFunc),
		collector: collector,
		startTime: time.Now(),
		version:   version,
	}
	if collector != nil {
		h.checks["tunnel"] = TunnelCheck(collector)
	}
	return h
}

// TunnelCheck reports the tunnel health recorded by c.
func TunnelCheck(c *Collector) CheckFunc {
	return func() error {
		if c.KillSwitch() {
			return errors.New("kill switch engaged")
		}
		if c.Tunnels(tunnel.StateEstablished)+c.Tunnels(tunnel.StateRekeying) == 0 {
			return errors.Join(ErrDegraded, errors.New("no tunnel established"))
		}
		return nil
	}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// RemoveCheck removes a named health check.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// Check runs every check and returns the overall status.
func (h *HealthChecker) Check() HealthResponse {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	slices.Sort(names)

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		Checks:    make(map[string]CheckResult, len(names)),
	}

	for _, name := range names {
		start := time.Now()
		err := checks[name]()
		res := CheckResult{Status: HealthStatusHealthy, Latency: time.Since(start).String()}
		switch {
		case err == nil:
		case errors.Is(err, ErrDegraded):
			res.Status = HealthStatusDegraded
			res.Message = err.Error()
			if resp.Status == HealthStatusHealthy {
				resp.Status = HealthStatusDegraded
			}
		default:
			res.Status = HealthStatusUnhealthy
			res.Message = err.Error()
			resp.Status = HealthStatusUnhealthy
		}
		resp.Checks[name] = res
	}

	if h.collector != nil {
		resp.Tunnels = &TunnelCounts{
			Negotiating: h.collector.Tunnels(tunnel.StateNegotiating),
			Established: h.collector.Tunnels(tunnel.StateEstablished) + h.collector.Tunnels(tunnel.StateRekeying),
			KillSwitch:  h.collector.KillSwitch(),
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler serves the full health report. Unhealthy answers 503.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check()
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// ReadinessHandler answers 200 unless a check is unhealthy.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check()
		ready := resp.Status != HealthStatusUnhealthy
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": resp.Status, "ready": ready})
	})
}
