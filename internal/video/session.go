package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vzahanych/home-hub/internal/ai"
	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
)

// ErrSessionClosed is returned when starting a session that has already stopped
var ErrSessionClosed = errors.New("stream session closed")

// SessionState is the lifecycle state of a Session
type SessionState int32

const (
	StateIdle SessionState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionConfig contains per-session pipeline settings
type SessionConfig struct {
	DeviceID        string
	URL             string
	Detection       bool
	BufferSize      int
	PopTimeout      time.Duration
	JoinTimeout     time.Duration
	ReadRetryDelay  time.Duration
	IdleYield       time.Duration
	RateWindow      int
	OpenTimeout     time.Duration
	MaxReadFailures int // 0 retries forever
	PersonClass     string
	DetectTimeout   time.Duration
	OnDetection     DetectionFunc
}

// SessionConfigFromStream fills the pipeline settings from configuration
func SessionConfigFromStream(s config.StreamConfig, detection config.AIConfig) SessionConfig {
	return SessionConfig{
		BufferSize:      s.BufferSize,
		PopTimeout:      s.PopTimeout,
		JoinTimeout:     s.JoinTimeout,
		ReadRetryDelay:  s.ReadRetryDelay,
		IdleYield:       s.IdleYield,
		RateWindow:      s.RateWindow,
		OpenTimeout:     s.OpenTimeout,
		MaxReadFailures: s.MaxReadFailures,
		PersonClass:     detection.PersonClass,
		DetectTimeout:   detection.Timeout,
	}
}

// Session owns one device's capture and processing workers
type Session struct {
	cfg       SessionConfig
	opener    Opener
	logger    *logger.Logger
	metrics   *metrics.Metrics
	buffer    *Buffer
	processor *Processor
	readLog   rate.Sometimes

	mu       sync.Mutex // serializes Start and Stop
	state    atomic.Int32
	startErr error
	source   Source
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	workers  atomic.Int32
	done     chan struct{}
	seq      uint64
}

// NewSession creates an idle session
func NewSession(cfg SessionConfig, opener Opener, detector ai.Detector, m *metrics.Metrics, log *logger.Logger) *Session {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 3 * time.Second
	}
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = 40 * time.Millisecond
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	log = log.With("device_id", cfg.DeviceID)

	buffer := NewBuffer(cfg.BufferSize)
	return &Session{
		cfg:     cfg,
		opener:  opener,
		logger:  log,
		metrics: m,
		buffer:  buffer,
		processor: NewProcessor(ProcessorConfig{
			DeviceID:      cfg.DeviceID,
			PersonClass:   cfg.PersonClass,
			PopTimeout:    cfg.PopTimeout,
			IdleYield:     cfg.IdleYield,
			RateWindow:    cfg.RateWindow,
			DetectTimeout: cfg.DetectTimeout,
			Detection:     cfg.Detection,
			OnDetection:   cfg.OnDetection,
		}, buffer, detector, m, log),
		readLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		done:    make(chan struct{}),
	}
}

// DeviceID returns the device this session streams
func (s *Session) DeviceID() string {
	return s.cfg.DeviceID
}

// URL returns the source URL
func (s *Session) URL() string {
	return s.cfg.URL
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Running reports whether the session is delivering frames
func (s *Session) Running() bool {
	return s.State() == StateRunning
}

// Done is closed once the session has stopped for any reason
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start opens the source and spawns the capture and processing workers.
// It is a no-op on a running session. A source that cannot be opened
// leaves the session stopped and returns ErrSourceUnavailable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateStarting, StateRunning:
		return nil
	case StateStopping, StateStopped:
		if s.startErr != nil {
			return s.startErr
		}
		return ErrSessionClosed
	}

	s.state.Store(int32(StateStarting))
	s.logger.Info("Starting stream session", "url", s.cfg.URL)

	openCtx, cancelOpen := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	src, err := s.opener.Open(openCtx, s.cfg.URL)
	cancelOpen()
	if err != nil {
		s.metrics.SourceFailures.Add(1)
		s.startErr = fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.cfg.DeviceID, err)
		s.state.Store(int32(StateStopped))
		close(s.done)
		s.logger.Error("Cannot open stream source", "url", s.cfg.URL, "error", err)
		return s.startErr
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.source = src
	s.cancel = cancel

	s.spawn(func() {
		if err := s.capture(runCtx); err != nil {
			s.metrics.SourceFailures.Add(1)
			s.logger.Error("Capture stopped, tearing down session", "error", err)
			go s.Stop()
		}
	})
	s.spawn(func() { s.processor.Run(runCtx) })

	s.state.Store(int32(StateRunning))
	s.metrics.SessionsOpened.Add(1)
	s.metrics.ActiveSessions.Add(1)
	s.logger.Info("Stream session running", "detection", s.processor.DetectionEnabled())
	return nil
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	s.workers.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.workers.Add(-1)
		fn()
	}()
}

// capture reads frames into the buffer until ctx is cancelled. A failed
// read is retried after ReadRetryDelay; with MaxReadFailures set, that many
// consecutive failures end the session.
func (s *Session) capture(ctx context.Context) error {
	failures := 0
	for ctx.Err() == nil {
		data, err := s.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.metrics.ReadErrors.Add(1)
			s.readLog.Do(func() {
				s.logger.Warn("Failed to capture frame", "error", err, "consecutive", failures)
			})
			if s.cfg.MaxReadFailures > 0 && failures >= s.cfg.MaxReadFailures {
				return fmt.Errorf("%d consecutive read failures: %w", failures, err)
			}

			select {
			case <-time.After(s.cfg.ReadRetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		failures = 0
		s.seq++
		frame := &Frame{
			DeviceID:  s.cfg.DeviceID,
			Data:      data,
			Seq:       s.seq,
			Timestamp: time.Now(),
		}
		s.metrics.FramesCaptured.Add(1)
		if s.buffer.Push(frame) {
			s.metrics.FramesEvicted.Add(1)
		}
	}
	return nil
}

// Stop cancels the workers, closes the source and waits up to JoinTimeout
// for the workers to exit. It is a no-op unless the session is running.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.state.Store(int32(StateStopping))
	s.logger.Info("Stopping stream session")

	s.cancel()
	closeErr := s.source.Close()

	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(s.cfg.JoinTimeout):
		s.logger.Warn("Stream workers did not exit within join timeout",
			"timeout", s.cfg.JoinTimeout,
			"live_workers", s.workers.Load(),
		)
	}

	s.processor.reset()
	s.state.Store(int32(StateStopped))
	s.metrics.ActiveSessions.Add(-1)
	close(s.done)
	s.logger.Info("Stream session stopped")

	if closeErr != nil {
		return fmt.Errorf("failed to close source: %w", closeErr)
	}
	return nil
}

// LatestFrame returns the newest processed frame, counted as a delivery.
// It reports false when the session is not running or has no frame yet.
func (s *Session) LatestFrame() (*Frame, bool) {
	if !s.Running() {
		return nil, false
	}
	return s.processor.Latest()
}

// Snapshot returns the newest processed frame without counting a delivery
func (s *Session) Snapshot() (*Frame, bool) {
	if !s.Running() {
		return nil, false
	}
	return s.processor.Peek()
}

// CurrentRate returns the measured delivered frame rate, 0 when not running
func (s *Session) CurrentRate() float64 {
	if !s.Running() {
		return 0
	}
	return s.processor.Rate()
}

// SetDetectionEnabled toggles person detection at runtime
func (s *Session) SetDetectionEnabled(enabled bool) {
	s.processor.SetDetectionEnabled(enabled)
}

// DetectionEnabled reports whether person detection is on
func (s *Session) DetectionEnabled() bool {
	return s.processor.DetectionEnabled()
}

// BufferLen returns the number of raw frames waiting for the processor
func (s *Session) BufferLen() int {
	return s.buffer.Len()
}
