package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DiskMonitor reports usage of the filesystem holding the hub database
type DiskMonitor struct {
	path            string
	maxUsagePercent float64
	cacheDuration   time.Duration
	statfs          func(path string, st *unix.Statfs_t) error

	mu          sync.RWMutex
	lastCheck   time.Time
	cachedUsage *DiskUsage
}

// DiskUsage contains disk usage information
type DiskUsage struct {
	TotalBytes     int64
	UsedBytes      int64
	AvailableBytes int64
	UsagePercent   float64
}

// NewDiskMonitor creates a monitor for the filesystem containing path
func NewDiskMonitor(path string, maxUsagePercent float64) *DiskMonitor {
	if maxUsagePercent <= 0 {
		maxUsagePercent = 90.0
	}
	return &DiskMonitor{
		path:            path,
		maxUsagePercent: maxUsagePercent,
		cacheDuration:   30 * time.Second,
		statfs:          unix.Statfs,
	}
}

// Path returns the monitored path
func (d *DiskMonitor) Path() string {
	return d.path
}

// MaxUsagePercent returns the usage above which the disk counts as full
func (d *DiskMonitor) MaxUsagePercent() float64 {
	return d.maxUsagePercent
}

// Usage returns current disk usage, cached for a short while
func (d *DiskMonitor) Usage(ctx context.Context) (*DiskUsage, error) {
	d.mu.RLock()
	if d.cachedUsage != nil && time.Since(d.lastCheck) < d.cacheDuration {
		usage := *d.cachedUsage
		d.mu.RUnlock()
		return &usage, nil
	}
	d.mu.RUnlock()

	usage, err := d.readUsage()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cachedUsage = usage
	d.lastCheck = time.Now()
	d.mu.Unlock()

	out := *usage
	return &out, nil
}

// IsFull reports whether usage is at or above the configured maximum
func (d *DiskMonitor) IsFull(ctx context.Context) (bool, error) {
	usage, err := d.Usage(ctx)
	if err != nil {
		return false, err
	}
	return usage.UsagePercent >= d.maxUsagePercent, nil
}

// Invalidate drops the cached reading
func (d *DiskMonitor) Invalidate() {
	d.mu.Lock()
	d.cachedUsage = nil
	d.mu.Unlock()
}

func (d *DiskMonitor) readUsage() (*DiskUsage, error) {
	absPath, err := filepath.Abs(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat unix.Statfs_t
	if err := d.statfs(absPath, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := int64(stat.Blocks) * int64(stat.Bsize)
	availableBytes := int64(stat.Bavail) * int64(stat.Bsize)
	usedBytes := totalBytes - availableBytes

	usage := &DiskUsage{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: availableBytes,
	}
	if totalBytes > 0 {
		usage.UsagePercent = float64(usedBytes) / float64(totalBytes) * 100.0
	}
	return usage, nil
}
