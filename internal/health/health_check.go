package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/storage/pagemanager"
	"go.uber.org/zap"
)

// StoreView is the part of the store the health checker inspects
type StoreView interface {
	State() model.StoreState
	Stats() (model.Stats, error)
	SpaceStatus() pagemanager.SpaceStatus
}

// HealthChecker performs health checks for the store
type HealthChecker struct {
	storeID     string
	store       StoreView
	interval    time.Duration
	maxWear     uint32
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	livenessOK  bool
	readinessOK bool
	onChange    func(ready bool)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	StoreID  string
	Interval time.Duration
	// MaxWearSpread is the erase count spread above which wear is reported
	MaxWearSpread uint32
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, store StoreView, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxWear := cfg.MaxWearSpread
	if maxWear == 0 {
		maxWear = 100
	}
	return &HealthChecker{
		storeID:     cfg.StoreID,
		store:       store,
		interval:    interval,
		maxWear:     maxWear,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: false,
		status:      model.NodeStatusUnhealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Run initial check
	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once
func (h *HealthChecker) RunChecks() {
	stats, statsErr := h.store.Stats()
	space := h.store.SpaceStatus()
	state := h.store.State()

	h.mu.Lock()
	defer h.mu.Unlock()

	first := h.lastCheck.IsZero()
	h.lastCheck = time.Now()

	results := []CheckResult{
		h.checkStoreState(state),
		h.checkFreePages(space),
		h.checkCorruptPages(stats, statsErr),
		h.checkWear(stats, statsErr),
	}

	allHealthy := true
	allReady := true

	for _, result := range results {
		h.checks[result.Name] = result

		if result.Status != "healthy" {
			allHealthy = false
			if result.Status == "critical" {
				allReady = false
			}
		}
	}

	prev := h.status
	if !allHealthy {
		if !allReady {
			h.status = model.NodeStatusUnhealthy
		} else {
			h.status = model.NodeStatusDegraded
		}
	} else {
		h.status = model.NodeStatusHealthy
	}
	if prev != h.status {
		h.logger.Warn("Store health changed",
			zap.String("from", string(prev)),
			zap.String("to", string(h.status)))
	}

	if statsErr == nil {
		h.metrics = model.HealthMetrics{
			FreePages:     space.FreePages,
			CorruptPages:  stats.PagesByState[model.PageStateCorrupt.String()],
			MaxWearSpread: stats.MaxEraseCount - stats.MinEraseCount,
		}
		if stats.TotalSlots > 0 {
			h.metrics.SlotUsage = float64(stats.UsedSlots) / float64(stats.TotalSlots)
		}
	}

	h.livenessOK = true
	changed := first || h.readinessOK != allReady
	h.readinessOK = allReady
	if h.onChange != nil && changed {
		h.onChange(allReady)
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) checkStoreState(state model.StoreState) CheckResult {
	if state != model.StoreStateReady {
		return CheckResult{
			Name:      "store_state",
			Status:    "critical",
			Message:   fmt.Sprintf("Store is %s", state),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "store_state",
		Status:    "healthy",
		Message:   "Store is ready",
		Timestamp: time.Now(),
	}
}

// checkFreePages compares the free page count with the configured thresholds
func (h *HealthChecker) checkFreePages(space pagemanager.SpaceStatus) CheckResult {
	switch {
	case space.IsCritical:
		return CheckResult{
			Name:      "free_pages",
			Status:    "critical",
			Message:   fmt.Sprintf("Free pages critical: %d", space.FreePages),
			Timestamp: time.Now(),
		}
	case space.IsWarning:
		return CheckResult{
			Name:      "free_pages",
			Status:    "warning",
			Message:   fmt.Sprintf("Free pages low: %d", space.FreePages),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "free_pages",
		Status:    "healthy",
		Message:   fmt.Sprintf("Free pages: %d", space.FreePages),
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkCorruptPages(stats model.Stats, err error) CheckResult {
	if err != nil {
		return CheckResult{
			Name:      "corrupt_pages",
			Status:    "warning",
			Message:   fmt.Sprintf("Stats unavailable: %v", err),
			Timestamp: time.Now(),
		}
	}
	if n := stats.PagesByState[model.PageStateCorrupt.String()]; n > 0 {
		return CheckResult{
			Name:      "corrupt_pages",
			Status:    "warning",
			Message:   fmt.Sprintf("%d pages have damaged headers", n),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "corrupt_pages",
		Status:    "healthy",
		Message:   "No damaged pages",
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkWear(stats model.Stats, err error) CheckResult {
	if err != nil {
		return CheckResult{
			Name:      "wear",
			Status:    "warning",
			Message:   fmt.Sprintf("Stats unavailable: %v", err),
			Timestamp: time.Now(),
		}
	}
	spread := stats.MaxEraseCount - stats.MinEraseCount
	if spread > h.maxWear {
		return CheckResult{
			Name:      "wear",
			Status:    "warning",
			Message:   fmt.Sprintf("Erase count spread %d exceeds %d", spread, h.maxWear),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "wear",
		Status:    "healthy",
		Message:   fmt.Sprintf("Erase counts %d..%d", stats.MinEraseCount, stats.MaxEraseCount),
		Timestamp: time.Now(),
	}
}

// OnReadinessChange registers fn to be called after the first check and
// whenever readiness flips. fn runs with the checker lock held.
func (h *HealthChecker) OnReadinessChange(fn func(ready bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// IsLive returns whether the process is live (liveness check)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the store can serve traffic (readiness check)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		StoreID:   h.storeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Return a copy to avoid race conditions
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}

	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":   live,
		"status":    status.Status,
		"timestamp": time.Unix(status.Timestamp, 0).Format(time.RFC3339),
	})
}

// ReadinessHandler handles HTTP readiness requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":      ready,
		"status":     status.Status,
		"free_pages": status.Metrics.FreePages,
		"slot_usage": status.Metrics.SlotUsage,
	})
}
