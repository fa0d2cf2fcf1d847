package video

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmjpeg"
	"github.com/pion/rtp"

	"github.com/vzahanych/home-hub/internal/logger"
)

// ErrNoMJPEGTrack is returned when an RTSP stream carries no Motion-JPEG media
var ErrNoMJPEGTrack = errors.New("MJPEG format not found in stream")

// RTSPOpener opens Motion-JPEG over RTSP feeds
type RTSPOpener struct {
	Username string
	Password string
	logger   *logger.Logger
}

// NewRTSPOpener creates a new RTSP opener
func NewRTSPOpener(log *logger.Logger) *RTSPOpener {
	return &RTSPOpener{logger: log}
}

// Open implements Opener
func (o *RTSPOpener) Open(ctx context.Context, rawURL string) (Source, error) {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if o.Username != "" && o.Password != "" && u.User == nil {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	src := &rtspSource{
		url:    u,
		logger: o.logger,
		frames: make(chan []byte, 1),
		closed: make(chan struct{}),
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() { done <- result{src.connect()} }()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return src, nil
	case <-ctx.Done():
		// connect has no context; tear it down once it returns
		go func() {
			if r := <-done; r.err == nil {
				src.Close()
			}
		}()
		return nil, fmt.Errorf("open %s: %w", rawURL, ctx.Err())
	}
}

type rtspSource struct {
	url    *base.URL
	logger *logger.Logger
	frames chan []byte

	mu      sync.Mutex
	client  *gortsplib.Client
	failed  chan struct{} // closed when the current connection ends
	lastErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *rtspSource) connect() error {
	client := &gortsplib.Client{}

	if err := client.Start(s.url.Scheme, s.url.Host); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	desc, _, err := client.Describe(s.url)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to describe stream: %w", err)
	}

	var mjpegFormat *format.MJPEG
	var mjpegMedia *description.Media
	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			if f, ok := forma.(*format.MJPEG); ok {
				mjpegFormat = f
				mjpegMedia = media
				break
			}
		}
		if mjpegFormat != nil {
			break
		}
	}
	if mjpegFormat == nil {
		client.Close()
		return ErrNoMJPEGTrack
	}

	if _, err := client.Setup(desc.BaseURL, mjpegMedia, 0, 0); err != nil {
		client.Close()
		return fmt.Errorf("failed to setup stream: %w", err)
	}

	decoder, err := mjpegFormat.CreateDecoder()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to init decoder: %w", err)
	}

	client.OnPacketRTP(mjpegMedia, mjpegFormat, func(pkt *rtp.Packet) {
		frame, err := decoder.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtpmjpeg.ErrMorePacketsNeeded) {
				s.logger.Debug("Failed to decode packet", "error", err)
			}
			return
		}

		// latest wins
		select {
		case s.frames <- frame:
		default:
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- frame:
			default:
			}
		}
	})

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return fmt.Errorf("failed to play stream: %w", err)
	}

	failed := make(chan struct{})
	s.mu.Lock()
	s.client = client
	s.failed = failed
	s.mu.Unlock()

	go func() {
		err := client.Wait()
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		close(failed)
	}()

	return nil
}

// Read returns the next decoded JPEG. When the connection has ended the
// next Read reconnects.
func (s *rtspSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, errSourceClosed
	default:
	}

	if failed == nil {
		if err := s.connect(); err != nil {
			return nil, fmt.Errorf("reconnect: %w", err)
		}
		s.mu.Lock()
		failed = s.failed
		s.mu.Unlock()
	}

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-failed:
		s.mu.Lock()
		err := s.lastErr
		if s.client != nil {
			s.client.Close()
		}
		s.client = nil
		s.failed = nil
		s.mu.Unlock()
		if err == nil {
			err = errors.New("stream ended")
		}
		return nil, err
	case <-time.After(5 * time.Second):
		return nil, errors.New("no frame received within 5s")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errSourceClosed
	}
}

// Close implements Source
func (s *rtspSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.client != nil {
			s.client.Close()
			s.client = nil
		}
		s.mu.Unlock()
	})
	return nil
}
