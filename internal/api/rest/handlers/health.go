package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/davidmoltin/crm-rules/pkg/logger"
)

const readinessTimeout = 3 * time.Second

// HealthChecker is implemented by the database and redis clients
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	logger   *logger.Logger
	checkers map[string]HealthChecker
	version  string
	started  time.Time
}

// NewHealthHandler creates a new health handler. Nil checkers are skipped.
func NewHealthHandler(log *logger.Logger, db, redis HealthChecker, version string) *HealthHandler {
	checkers := make(map[string]HealthChecker, 2)
	if db != nil {
		checkers["database"] = db
	}
	if redis != nil {
		checkers["redis"] = redis
	}
	return &HealthHandler{
		logger:   log,
		checkers: checkers,
		version:  version,
		started:  time.Now(),
	}
}

// CheckResult is the outcome of one dependency check
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// Health reports that the process is up
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// Ready checks the database and redis concurrently. Emails cannot be processed
// without either, so any failure makes the service not ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			start := time.Now()
			err := h.checkers[name].HealthCheck(ctx)
			results[i] = CheckResult{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				// Details stay in the logs
				h.logger.Error("Readiness check failed", logger.String("check", name), logger.Err(err))
				results[i].Status = "unhealthy"
			}
		}(i, name)
	}
	wg.Wait()

	response := HealthResponse{
		Status:        "ready",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Checks:        make(map[string]CheckResult, len(names)),
	}
	statusCode := http.StatusOK
	for i, name := range names {
		response.Checks[name] = results[i]
		if results[i].Status != "healthy" {
			response.Status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, statusCode, response)
}
