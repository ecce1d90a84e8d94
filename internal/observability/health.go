package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		// Update overall status
		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)

		w.Header().Set("Content-Type", "application/json")

		// Set HTTP status based on health
		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK) // Still 200 but degraded
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// Common health check functions

// QUICListenerCheck checks if the QUIC transport listener is bound.
func QUICListenerCheck(addr string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("QUIC listener on %s", addr),
		}
	}
}

// MembershipFeedCheck checks whether the membership watcher is still delivering events.
func MembershipFeedCheck(connected bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if connected {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: "membership feed connected",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusUnhealthy,
			Message: "membership feed disconnected",
		}
	}
}

// RoundProgressCheck reports degraded health when a worker's round counter
// has not advanced within the expected number of lag windows.
func RoundProgressCheck(round, maxRound, maxLag int) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		behind := maxRound - round
		if behind <= maxLag+1 {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: fmt.Sprintf("round %d of max %d", round, maxRound),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("round %d lagging %d behind max %d", round, behind, maxRound),
		}
	}
}

// QuorumHealthCheck reports degraded health when registered workers fall
// below the allreduce-start quorum.
func QuorumHealthCheck(registered, totalWorkers int, thAllreduce float64) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		required := int(math.Ceil(thAllreduce * float64(totalWorkers)))
		if required < 1 {
			required = 1
		}
		if registered >= required {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: fmt.Sprintf("%d/%d workers registered (need %d)", registered, totalWorkers, required),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("%d/%d workers registered, below quorum of %d", registered, totalWorkers, required),
		}
	}
}
