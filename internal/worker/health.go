package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/tracing"
)

// maxHealthFailures is the consecutive-failure threshold before a worker is
// declared unreachable.
const maxHealthFailures = 3

// HealthChecker periodically pings every live worker's runtime and moves
// workers to error after repeated failures.
type HealthChecker struct {
	pool     *Pool
	interval time.Duration
	logger   *logger.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewHealthChecker creates a checker over the pool.
func NewHealthChecker(pool *Pool, interval time.Duration, log *logger.Logger) *HealthChecker {
	return &HealthChecker{
		pool:     pool,
		interval: interval,
		logger:   log.WithComponent("health-checker"),
		failures: make(map[string]int),
	}
}

// Run blocks, checking all workers every interval, until ctx is canceled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}

// CheckAll pings every live worker once.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	for _, snap := range h.pool.List() {
		if snap.Status != StatusReady && snap.Status != StatusBusy {
			continue
		}
		h.check(ctx, snap.ProfileID)
	}
}

func (h *HealthChecker) check(ctx context.Context, profileID string) {
	inst, ok := h.pool.Get(profileID)
	if !ok {
		h.reset(profileID)
		return
	}

	ctx, span := tracing.TraceWorkerHealthCheck(ctx, profileID)
	err := inst.Client().Health(ctx)
	tracing.RecordResult(span, err)

	if err == nil {
		h.reset(profileID)
		return
	}

	h.mu.Lock()
	h.failures[profileID]++
	count := h.failures[profileID]
	h.mu.Unlock()

	h.logger.Warn("worker health check failed",
		zap.String("profile_id", profileID),
		zap.Int("consecutive", count),
		zap.Error(err))

	if count < maxHealthFailures {
		return
	}
	h.reset(profileID)
	cause := orcerr.Wrap(orcerr.KindWorkerUnreachable, err,
		"worker %q failed %d consecutive health checks", profileID, count)
	if uerr := h.pool.UpdateStatus(profileID, StatusError, cause); uerr != nil {
		h.logger.Error("could not mark worker unhealthy",
			zap.String("profile_id", profileID), zap.Error(uerr))
	}
}

func (h *HealthChecker) reset(profileID string) {
	h.mu.Lock()
	delete(h.failures, profileID)
	h.mu.Unlock()
}
