package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/service"
)

// ActivityPruner is implemented by the state manager
type ActivityPruner interface {
	PruneActivity(ctx context.Context, olderThan time.Duration) (int64, error)
}

// FullnessChecker reports whether the data disk is over its limit
type FullnessChecker interface {
	IsFull(ctx context.Context) (bool, error)
	Invalidate()
}

// RetentionConfig contains configuration for the retention service
type RetentionConfig struct {
	ActivityDays int
	Interval     time.Duration
}

// RetentionService keeps the activity log bounded. Records older than the
// retention period are removed on every pass; while the disk is full the
// window is halved, down to one day, until usage recovers.
type RetentionService struct {
	*service.ServiceBase
	config RetentionConfig
	pruner ActivityPruner
	disk   FullnessChecker

	mu        sync.Mutex
	enforcing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionService creates a retention service. disk may be nil.
func NewRetentionService(config RetentionConfig, pruner ActivityPruner, disk FullnessChecker, log *logger.Logger) *RetentionService {
	if config.ActivityDays <= 0 {
		config.ActivityDays = 30
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RetentionService{
		ServiceBase: service.NewServiceBase("activity-retention", log),
		config:      config,
		pruner:      pruner,
		disk:        disk,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start runs one pass and then schedules the rest
func (r *RetentionService) Start(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStarting)

	if _, err := r.Enforce(ctx); err != nil {
		r.LogWarn("Initial retention pass failed", "error", err)
	}

	r.wg.Add(1)
	go r.run()

	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("Retention service started",
		"activity_days", r.config.ActivityDays,
		"interval", r.config.Interval,
	)
	return nil
}

// Stop stops the schedule
func (r *RetentionService) Stop(ctx context.Context) error {
	r.GetStatus().SetStatus(service.StatusStopping)
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (r *RetentionService) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Enforce(r.ctx); err != nil {
				r.LogWarn("Retention pass failed", "error", err)
			}
		}
	}
}

// Enforce runs one retention pass and returns the number of removed records
func (r *RetentionService) Enforce(ctx context.Context) (int64, error) {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return 0, fmt.Errorf("retention pass already running")
	}
	r.enforcing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	window := time.Duration(r.config.ActivityDays) * 24 * time.Hour
	total, err := r.pruner.PruneActivity(ctx, window)
	if err != nil {
		return 0, err
	}

	if r.disk != nil {
		for window > 24*time.Hour {
			r.disk.Invalidate()
			full, err := r.disk.IsFull(ctx)
			if err != nil {
				r.LogWarn("Failed to read disk usage", "error", err)
				break
			}
			if !full {
				break
			}

			window /= 2
			if window < 24*time.Hour {
				window = 24 * time.Hour
			}
			n, err := r.pruner.PruneActivity(ctx, window)
			if err != nil {
				return total, err
			}
			total += n
			r.LogWarn("Disk full, pruned activity log further", "window", window, "removed", n)
		}
	}

	if total > 0 {
		r.LogInfo("Pruned activity log", "removed", total)
	}
	return total, nil
}
