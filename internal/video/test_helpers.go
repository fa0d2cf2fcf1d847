package video

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"
)

// TestJPEG returns a solid grey JPEG of the given size
func TestJPEG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// FakeOpener is an in-memory Opener producing a fixed frame at a fixed
// interval. It is used by tests across packages.
type FakeOpener struct {
	Frame    []byte
	Interval time.Duration
	OpenErr  error
	FailRead bool
	// CloseDelay holds Close before the source is marked closed
	CloseDelay time.Duration

	opens   atomic.Int32
	mu      sync.Mutex
	sources []*FakeSource
	maxLive int
}

// Open implements Opener
func (o *FakeOpener) Open(ctx context.Context, url string) (Source, error) {
	o.opens.Add(1)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	interval := o.Interval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	src := &FakeSource{frame: o.Frame, interval: interval, fail: o.FailRead, closeDelay: o.CloseDelay, closed: make(chan struct{})}

	o.mu.Lock()
	o.sources = append(o.sources, src)
	live := 0
	for _, s := range o.sources {
		if !s.Closed() {
			live++
		}
	}
	if live > o.maxLive {
		o.maxLive = live
	}
	o.mu.Unlock()
	return src, nil
}

// MaxLive returns the most sources that were open at the same time
func (o *FakeOpener) MaxLive() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxLive
}

// Opens returns how many times Open was called
func (o *FakeOpener) Opens() int {
	return int(o.opens.Load())
}

// Sources returns every source opened so far
func (o *FakeOpener) Sources() []*FakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*FakeSource(nil), o.sources...)
}

// FakeSource is the Source returned by FakeOpener
type FakeSource struct {
	frame    []byte
	interval time.Duration
	fail     bool
	reads    atomic.Int32

	closeDelay time.Duration
	closed   chan struct{}
	once     sync.Once
}

// Read implements Source
func (s *FakeSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, errSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}
	s.reads.Add(1)
	if s.fail {
		return nil, errors.New("read failed")
	}
	return s.frame, nil
}

// Close implements Source
func (s *FakeSource) Close() error {
	s.once.Do(func() {
		time.Sleep(s.closeDelay)
		close(s.closed)
	})
	return nil
}

// Closed reports whether Close was called
func (s *FakeSource) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Reads returns how many reads completed
func (s *FakeSource) Reads() int {
	return int(s.reads.Load())
}
