package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaShaver/medplum/internal/model"
	"github.com/JoshuaShaver/medplum/internal/pool"
	"github.com/JoshuaShaver/medplum/internal/store"
)

// HealthChecker provides health check endpoints
type HealthChecker struct {
	registry *pool.Registry
	cache    store.Cache
	logger   *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(registry *pool.Registry, cache store.Cache, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		registry: registry,
		cache:    cache,
		logger:   logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests. Readiness requires
// the global shard's writer endpoint and the cache backend; data shards
// are created lazily and degrade per request instead.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check the global shard writer (PostgreSQL)
	if err := h.registry.Ping(ctx, model.GlobalShardID); err != nil {
		h.logger.Error("Global shard health check failed", zap.Error(err))
		checks["global_shard"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["global_shard"] = "healthy"
	}

	// Check the shard resolution cache
	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Error("Cache health check failed", zap.Error(err))
		checks["cache"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["cache"] = "healthy"
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
