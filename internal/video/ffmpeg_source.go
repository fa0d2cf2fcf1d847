package video

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/vzahanych/home-hub/internal/logger"
)

// FFmpegOpener transcodes any feed FFmpeg can read (H.264 RTSP, V4L2
// devices, files) into a JPEG pipe.
type FFmpegOpener struct {
	logger     *logger.Logger
	ffmpegPath string
	fps        int
}

// NewFFmpegOpener locates an FFmpeg executable. path may be empty to search
// the usual locations.
func NewFFmpegOpener(path string, fps int, log *logger.Logger) (*FFmpegOpener, error) {
	o := &FFmpegOpener{logger: log, fps: fps}

	candidates := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		if err := exec.Command(p, "-version").Run(); err == nil {
			o.ffmpegPath = p
			break
		}
	}
	if o.ffmpegPath == "" {
		return nil, fmt.Errorf("ffmpeg not found in PATH or common locations")
	}

	version, _ := o.Version()
	log.Info("FFmpeg opener initialized", "path", o.ffmpegPath, "version", version)
	return o, nil
}

// Version returns the first line of ffmpeg -version
func (o *FFmpegOpener) Version() (string, error) {
	output, err := exec.Command(o.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}

// buildArgs returns the ffmpeg arguments for an input
func (o *FFmpegOpener) buildArgs(input string) []string {
	var args []string
	switch {
	case strings.HasPrefix(input, "rtsp://"), strings.HasPrefix(input, "rtsps://"):
		args = []string{"-rtsp_transport", "tcp", "-i", input}
	case strings.HasPrefix(input, "/dev/video"):
		args = []string{"-f", "v4l2", "-i", input}
	default:
		args = []string{"-i", input}
	}
	return append([]string{"-hide_banner", "-loglevel", "error"}, append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", fmt.Sprintf("%d", o.fps),
		"-q:v", "5",
		"-",
	)...)
}

// Open implements Opener. The first frame must arrive before ctx expires.
func (o *FFmpegOpener) Open(ctx context.Context, input string) (Source, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, o.ffmpegPath, o.buildArgs(input)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	src := &ffmpegSource{
		cmd:     cmd,
		cancel:  cancel,
		scanner: newJPEGScanner(stdout),
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			src.setLastErrLine(sc.Text())
		}
	}()

	// Wait for the first frame so an unreachable input fails Open.
	type result struct {
		frame []byte
		err   error
	}
	first := make(chan result, 1)
	go func() {
		f, err := src.scanner.Next()
		first <- result{f, err}
	}()

	select {
	case r := <-first:
		if r.err != nil {
			src.Close()
			return nil, fmt.Errorf("ffmpeg produced no frames: %s: %w", src.lastErrLine(), r.err)
		}
		src.pending = r.frame
		return src, nil
	case <-ctx.Done():
		src.Close()
		return nil, fmt.Errorf("open %s: %w", input, ctx.Err())
	}
}

type ffmpegSource struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *jpegScanner
	pending []byte

	mu      sync.Mutex
	errLine string
	once    sync.Once
}

func (s *ffmpegSource) setLastErrLine(line string) {
	s.mu.Lock()
	s.errLine = line
	s.mu.Unlock()
}

func (s *ffmpegSource) lastErrLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errLine
}

// Read implements Source. Once ffmpeg exits every Read fails.
func (s *ffmpegSource) Read(ctx context.Context) ([]byte, error) {
	if s.pending != nil {
		f := s.pending
		s.pending = nil
		return f, nil
	}
	frame, err := s.scanner.Next()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("ffmpeg exited: %s", s.lastErrLine())
		}
		return nil, err
	}
	return frame, nil
}

// Close implements Source
func (s *ffmpegSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.cmd.Wait()
	})
	return nil
}
