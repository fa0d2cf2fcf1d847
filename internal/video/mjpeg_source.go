package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MJPEGOpener opens HTTP camera feeds. A multipart/x-mixed-replace
// response is consumed as a continuous MJPEG stream; a single image/jpeg
// response switches the source into snapshot polling.
type MJPEGOpener struct {
	Client       *http.Client
	PollInterval time.Duration // snapshot mode only
}

// NewMJPEGOpener creates an opener with a client suited to long-lived streams
func NewMJPEGOpener() *MJPEGOpener {
	return &MJPEGOpener{
		// no overall timeout, streams stay open indefinitely
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 10 * time.Second,
				IdleConnTimeout:       30 * time.Second,
			},
		},
		PollInterval: 100 * time.Millisecond,
	}
}

// Open implements Opener
func (o *MJPEGOpener) Open(ctx context.Context, url string) (Source, error) {
	srcCtx, cancel := context.WithCancel(context.Background())
	src := &mjpegSource{
		url:    url,
		client: o.Client,
		poll:   o.PollInterval,
		ctx:    srcCtx,
		cancel: cancel,
	}

	// connect with the caller's deadline, then hand the body to the
	// source's own context so it outlives ctx
	stop := context.AfterFunc(ctx, cancel)
	err := src.connect()
	if !stop() {
		if err == nil {
			src.Close()
		}
		return nil, fmt.Errorf("open %s: %w", url, ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return src, nil
}

type mjpegSource struct {
	url    string
	client *http.Client
	poll   time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	body     io.ReadCloser
	scanner  *jpegScanner
	snapshot []byte // first image in snapshot mode, served once
	polling  bool
	lastPoll time.Time
}

func (s *mjpegSource) get() (*http.Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

func (s *mjpegSource) connect() error {
	resp, err := s.get()
	if err != nil {
		return err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		s.mu.Lock()
		s.body = resp.Body
		s.scanner = newJPEGScanner(resp.Body)
		s.mu.Unlock()
		return nil
	case mediaType == "image/jpeg" || mediaType == "":
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.polling = true
		s.snapshot = data
		s.lastPoll = time.Now()
		s.mu.Unlock()
		return nil
	default:
		resp.Body.Close()
		return fmt.Errorf("unsupported content type %q", mediaType)
	}
}

// Read returns the next frame. After a stream error the next Read
// reconnects.
func (s *mjpegSource) Read(ctx context.Context) ([]byte, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, errSourceClosed
	}

	s.mu.Lock()
	polling := s.polling
	scanner := s.scanner
	s.mu.Unlock()

	if polling {
		return s.readSnapshot(ctx)
	}

	if scanner == nil {
		if err := s.connect(); err != nil {
			return nil, fmt.Errorf("reconnect: %w", err)
		}
		s.mu.Lock()
		scanner = s.scanner
		s.mu.Unlock()
		if scanner == nil {
			return s.readSnapshot(ctx)
		}
	}

	frame, err := scanner.Next()
	if err != nil {
		s.dropStream()
		return nil, err
	}
	return frame, nil
}

func (s *mjpegSource) readSnapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.snapshot != nil {
		data := s.snapshot
		s.snapshot = nil
		s.mu.Unlock()
		return data, nil
	}
	wait := s.poll - time.Since(s.lastPoll)
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, errSourceClosed
		}
	}

	s.mu.Lock()
	s.lastPoll = time.Now()
	s.mu.Unlock()

	resp, err := s.get()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *mjpegSource) dropStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body != nil {
		s.body.Close()
	}
	s.body = nil
	s.scanner = nil
}

// Close implements Source
func (s *mjpegSource) Close() error {
	s.cancel()
	s.dropStream()
	return nil
}

var errSourceClosed = errors.New("source closed")
