package video

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vzahanych/home-hub/internal/ai"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
)

// DetectionFunc is called after every detection invocation
type DetectionFunc func(deviceID string, detected bool, at time.Time)

// ProcessorConfig contains frame processor settings
type ProcessorConfig struct {
	DeviceID      string
	PersonClass   string
	PersonLabel   string
	PopTimeout    time.Duration
	IdleYield     time.Duration // sleep per frame while detection is off
	RateWindow    int           // consumer retrievals per rate sample
	DetectTimeout time.Duration
	Detection     bool // initial detection mode
	OnDetection   DetectionFunc
}

// Processor pops raw frames, optionally runs person detection on them and
// publishes the result into a single-slot output.
type Processor struct {
	cfg      ProcessorConfig
	buffer   *Buffer
	detector ai.Detector
	logger   *logger.Logger
	metrics  *metrics.Metrics
	errLog   rate.Sometimes
	clock    func() time.Time

	frameMu sync.RWMutex
	latest  *Frame

	rateMu      sync.Mutex
	delivered   int
	windowStart time.Time
	fps         float64

	modeMu    sync.RWMutex
	detection bool
}

// NewProcessor creates a processor reading from buffer. detector may be nil,
// in which case frames are always forwarded unannotated.
func NewProcessor(cfg ProcessorConfig, buffer *Buffer, detector ai.Detector, m *metrics.Metrics, log *logger.Logger) *Processor {
	if cfg.PersonClass == "" {
		cfg.PersonClass = "person"
	}
	if cfg.PersonLabel == "" {
		cfg.PersonLabel = "Person"
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.IdleYield <= 0 {
		cfg.IdleYield = 20 * time.Millisecond
	}
	if cfg.RateWindow < 1 {
		cfg.RateWindow = 30
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	return &Processor{
		cfg:       cfg,
		buffer:    buffer,
		detector:  detector,
		logger:    log,
		metrics:   m,
		errLog:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		clock:     time.Now,
		detection: cfg.Detection,
	}
}

// Run processes frames until ctx is cancelled
func (p *Processor) Run(ctx context.Context) {
	for ctx.Err() == nil {
		frame, ok := p.buffer.Pop(ctx, p.cfg.PopTimeout)
		if !ok {
			continue
		}

		if !p.DetectionEnabled() || p.detector == nil {
			select {
			case <-time.After(p.cfg.IdleYield):
			case <-ctx.Done():
				return
			}
			p.publish(frame)
			continue
		}

		p.publish(p.detect(ctx, frame))
	}
}

// detect runs detection on frame. Any failure, including a panic in the
// detector or the detection hook, forwards the frame unannotated.
func (p *Processor) detect(ctx context.Context, frame *Frame) (out *Frame) {
	out = frame
	defer func() {
		if r := recover(); r != nil {
			p.metrics.DetectionErrors.Add(1)
			p.logger.Error("Detection panicked, forwarding frame unannotated",
				"device_id", p.cfg.DeviceID,
				"panic", fmt.Sprint(r),
			)
			out = frame
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DetectTimeout)
	defer cancel()

	start := time.Now()
	detections, err := p.detector.Detect(dctx, frame.Data)
	p.metrics.UpdateDetectionLatency(time.Since(start))
	if err != nil {
		p.metrics.DetectionErrors.Add(1)
		p.errLog.Do(func() {
			p.logger.Warn("Detection failed, forwarding frame unannotated",
				"device_id", p.cfg.DeviceID,
				"error", err,
			)
		})
		return frame
	}

	people := ai.FilterClass(detections, p.cfg.PersonClass)
	detected := len(people) > 0
	if p.cfg.OnDetection != nil {
		p.cfg.OnDetection(p.cfg.DeviceID, detected, p.clock())
	}
	if !detected {
		return frame
	}

	p.metrics.PersonDetections.Add(1)
	data, err := DrawDetections(frame.Data, people, p.cfg.PersonLabel)
	if err != nil {
		p.logger.Debug("Failed to draw detections", "device_id", p.cfg.DeviceID, "error", err)
		data = frame.Data
	}

	out = frame.withData(data)
	out.Detected = true
	out.Detections = len(people)
	return out
}

func (p *Processor) publish(frame *Frame) {
	p.frameMu.Lock()
	p.latest = frame
	p.frameMu.Unlock()
	p.metrics.FramesProcessed.Add(1)
}

// Latest returns the most recently published frame and counts it as a
// delivery for rate measurement.
func (p *Processor) Latest() (*Frame, bool) {
	frame, ok := p.Peek()
	if ok {
		p.countDelivery()
	}
	return frame, ok
}

// Peek returns the most recently published frame without counting a delivery
func (p *Processor) Peek() (*Frame, bool) {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.latest, p.latest != nil
}

// countDelivery samples the delivered frame rate every RateWindow retrievals
func (p *Processor) countDelivery() {
	now := p.clock()
	p.metrics.FramesDelivered.Add(1)

	p.rateMu.Lock()
	defer p.rateMu.Unlock()

	if p.windowStart.IsZero() {
		p.windowStart = now
		return
	}
	p.delivered++
	if p.delivered < p.cfg.RateWindow {
		return
	}

	if elapsed := now.Sub(p.windowStart); elapsed > 0 {
		p.fps = float64(p.delivered) / elapsed.Seconds()
	}
	p.delivered = 0
	p.windowStart = now
}

// Rate returns the last measured delivered frames per second
func (p *Processor) Rate() float64 {
	p.rateMu.Lock()
	defer p.rateMu.Unlock()
	return p.fps
}

// SetDetectionEnabled toggles person detection without interrupting delivery
func (p *Processor) SetDetectionEnabled(enabled bool) {
	p.modeMu.Lock()
	changed := p.detection != enabled
	p.detection = enabled
	p.modeMu.Unlock()

	if changed {
		p.logger.Info("Detection mode updated", "device_id", p.cfg.DeviceID, "enabled", enabled)
	}
}

// DetectionEnabled reports whether person detection is on
func (p *Processor) DetectionEnabled() bool {
	p.modeMu.RLock()
	defer p.modeMu.RUnlock()
	return p.detection
}

// reset clears the output slot and the rate window
func (p *Processor) reset() {
	p.frameMu.Lock()
	p.latest = nil
	p.frameMu.Unlock()

	p.rateMu.Lock()
	p.delivered = 0
	p.windowStart = time.Time{}
	p.fps = 0
	p.rateMu.Unlock()
}
