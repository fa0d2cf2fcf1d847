package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrSourceUnavailable is returned when a device feed cannot be opened
var ErrSourceUnavailable = errors.New("source unavailable")

// Source pulls raw frames from an opened device feed. Close may be called
// concurrently with Read and must unblock it.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener opens a device feed by URL
type Opener interface {
	Open(ctx context.Context, url string) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, url string) (Source, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context, url string) (Source, error) {
	return f(ctx, url)
}

// SchemeOpener dispatches to an Opener by URL scheme. Fallback, when set,
// handles schemes without a registered opener and plain device paths.
type SchemeOpener struct {
	openers  map[string]Opener
	Fallback Opener
}

// NewSchemeOpener creates an empty scheme dispatcher
func NewSchemeOpener() *SchemeOpener {
	return &SchemeOpener{openers: make(map[string]Opener)}
}

// Register routes the given schemes to o
func (s *SchemeOpener) Register(o Opener, schemes ...string) {
	for _, scheme := range schemes {
		s.openers[strings.ToLower(scheme)] = o
	}
}

// Open implements Opener
func (s *SchemeOpener) Open(ctx context.Context, rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}

	if o, ok := s.openers[strings.ToLower(u.Scheme)]; ok {
		return o.Open(ctx, rawURL)
	}
	if s.Fallback != nil {
		return s.Fallback.Open(ctx, rawURL)
	}
	return nil, fmt.Errorf("no opener for scheme %q", u.Scheme)
}

// maxScanBuffer bounds the bytes held while searching for a JPEG end marker
const maxScanBuffer = 8 << 20

// jpegScanner splits a byte stream into complete JPEG images by scanning
// for SOI/EOI markers.
type jpegScanner struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

func newJPEGScanner(r io.Reader) *jpegScanner {
	return &jpegScanner{
		r:     r,
		buf:   make([]byte, 0, 256<<10),
		chunk: make([]byte, 32<<10),
	}
}

// Next returns the next complete JPEG image
func (s *jpegScanner) Next() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&s.buf); frame != nil {
			return frame, nil
		}
		if len(s.buf) > maxScanBuffer {
			s.buf = s.buf[:0]
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				if frame := extractJPEGFrame(&s.buf); frame != nil {
					return frame, nil
				}
			}
			return nil, err
		}
	}
}

// extractJPEGFrame removes and returns the first complete JPEG image in
// buffer, or nil when none is complete yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	b := *buffer
	if len(b) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(b)-1; i++ {
		if b[i] == 0xFF && b[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		// keep a trailing 0xFF that may begin a marker
		if b[len(b)-1] == 0xFF {
			*buffer = append(b[:0], 0xFF)
		} else {
			*buffer = b[:0]
		}
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(b)-1; i++ {
		if b[i] == 0xFF && b[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		if startIdx > 0 {
			*buffer = append(b[:0], b[startIdx:]...)
		}
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, b[startIdx:endIdx])
	*buffer = append(b[:0], b[endIdx:]...)

	return frame
}
