package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vzahanych/home-hub/internal/ai"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Pinger is implemented by the state manager
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// DetectorHealth is implemented by the detection service client
type DetectorHealth interface {
	HealthCheck(ctx context.Context) error
}

// DetectorStats is optionally implemented by the detection client to add
// service-side inference counters to the check
type DetectorStats interface {
	GetStats(ctx context.Context) (*ai.InferenceStats, error)
}

// DetectorChecker checks the detection service. An unreachable detector
// only degrades the hub since streams keep flowing unannotated.
type DetectorChecker struct {
	detector   DetectorHealth
	serviceURL string
}

func NewDetectorChecker(detector DetectorHealth, serviceURL string) *DetectorChecker {
	return &DetectorChecker{detector: detector, serviceURL: serviceURL}
}

func (c *DetectorChecker) Name() string {
	return "detector"
}

func (c *DetectorChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["url"] = c.serviceURL

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.detector.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Detection service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Detection service is reachable"

	if src, ok := c.detector.(DetectorStats); ok {
		if stats, err := src.GetStats(ctx); err == nil {
			check.Details["total_inferences"] = stats.TotalInferences
			check.Details["average_time_ms"] = stats.AverageTimeMs
		}
	}
	return check
}

// BrokerConnection is implemented by the MQTT publisher
type BrokerConnection interface {
	Enabled() bool
	IsConnected() bool
}

// MQTTChecker checks the command channel connection
type MQTTChecker struct {
	conn BrokerConnection
}

func NewMQTTChecker(conn BrokerConnection) *MQTTChecker {
	return &MQTTChecker{conn: conn}
}

func (c *MQTTChecker) Name() string {
	return "mqtt"
}

func (c *MQTTChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["enabled"] = c.conn.Enabled()

	switch {
	case !c.conn.Enabled():
		check.Status = StatusHealthy
		check.Message = "Command channel disabled"
	case c.conn.IsConnected():
		check.Status = StatusHealthy
		check.Message = "Connected to broker"
	default:
		check.Status = StatusDegraded
		check.Message = "Not connected to broker"
	}
	return check
}

// StreamCounter is implemented by the stream registry
type StreamCounter interface {
	Count() int
}

// StreamsChecker reports the number of live stream sessions
type StreamsChecker struct {
	streams StreamCounter
}

func NewStreamsChecker(streams StreamCounter) *StreamsChecker {
	return &StreamsChecker{streams: streams}
}

func (c *StreamsChecker) Name() string {
	return "streams"
}

func (c *StreamsChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Status = StatusHealthy
	check.Details["active_sessions"] = c.streams.Count()
	check.Message = fmt.Sprintf("%d active stream sessions", c.streams.Count())
	return check
}

// OutboxStats is implemented by the event outbox
type OutboxStats interface {
	Len() int
	Dropped() uint64
}

// OutboxChecker reports event backlog; a full outbox is degraded
type OutboxChecker struct {
	outbox   OutboxStats
	capacity int
}

func NewOutboxChecker(outbox OutboxStats, capacity int) *OutboxChecker {
	return &OutboxChecker{outbox: outbox, capacity: capacity}
}

func (c *OutboxChecker) Name() string {
	return "events"
}

func (c *OutboxChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	pending := c.outbox.Len()
	check.Details["pending"] = pending
	check.Details["dropped"] = c.outbox.Dropped()

	if c.capacity > 0 && pending >= c.capacity {
		check.Status = StatusDegraded
		check.Message = "Event outbox is full"
		return check
	}
	check.Status = StatusHealthy
	check.Message = "Event outbox draining"
	return check
}

// DiskSpace is implemented by the storage disk monitor
type DiskSpace interface {
	IsFull(ctx context.Context) (bool, error)
	MaxUsagePercent() float64
}

// DiskChecker reports whether the data disk is over its usage limit
type DiskChecker struct {
	disk DiskSpace
}

func NewDiskChecker(disk DiskSpace) *DiskChecker {
	return &DiskChecker{disk: disk}
}

func (c *DiskChecker) Name() string {
	return "disk"
}

func (c *DiskChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["max_usage_percent"] = c.disk.MaxUsagePercent()

	full, err := c.disk.IsFull(ctx)
	switch {
	case err != nil:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage unavailable: %v", err)
	case full:
		check.Status = StatusDegraded
		check.Message = "Data disk is above its usage limit"
	default:
		check.Status = StatusHealthy
		check.Message = "Disk space OK"
	}
	return check
}
