// Package health provides liveness and readiness endpoints for the command engine.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckFunc checks one dependency
type CheckFunc func(ctx context.Context) error

// HealthCheck aggregates dependency checks. Readiness is the cached result
// of the last background check, refreshed on demand while not ready.
type HealthCheck struct {
	logger        *zap.Logger
	checkInterval time.Duration
	checkTimeout  time.Duration

	mu        sync.RWMutex
	checks    map[string]CheckFunc
	results   map[string]string
	ready     bool
	lastError string
	lastCheck time.Time
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// NewHealthCheck creates a new HealthCheck instance.
func NewHealthCheck(logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		logger:        logger,
		checkInterval: 5 * time.Second,
		checkTimeout:  3 * time.Second,
		checks:        make(map[string]CheckFunc),
		results:       make(map[string]string),
	}
}

// Register adds a named check
func (hc *HealthCheck) Register(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// Run checks every dependency each interval until ctx is done
func (hc *HealthCheck) Run(ctx context.Context) {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check and updates readiness
func (hc *HealthCheck) CheckNow(ctx context.Context) bool {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(hc.checks))
	for k, v := range hc.checks {
		checks[k] = v
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	lastError := ""
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			ready = false
			results[name] = "unhealthy"
			lastError = name + ": " + err.Error()
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "healthy"
	}

	hc.mu.Lock()
	hc.results = results
	hc.ready = ready
	hc.lastError = lastError
	hc.lastCheck = time.Now().UTC()
	hc.mu.Unlock()
	return ready
}

// LivenessHandler handles GET /health/live requests.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /health/ready requests.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hc.IsReady() {
		hc.CheckNow(r.Context())
	}

	hc.mu.RLock()
	resp := ReadinessResponse{
		Status:    "ready",
		Checks:    hc.results,
		CheckedAt: hc.lastCheck,
	}
	statusCode := http.StatusOK
	if !hc.ready {
		resp.Status = "not_ready"
		resp.Error = hc.lastError
		statusCode = http.StatusServiceUnavailable
	}
	hc.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}
