package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vzahanych/home-hub/internal/ai"
	"github.com/vzahanych/home-hub/internal/config"
	"github.com/vzahanych/home-hub/internal/logger"
	"github.com/vzahanych/home-hub/internal/metrics"
	"github.com/vzahanych/home-hub/internal/video"
)

func main() {
	var (
		configPath string
		frames     int
		detect     bool
		saveDir    string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.IntVar(&frames, "frames", 30, "Number of frames to read before exiting")
	flag.BoolVar(&detect, "detect", false, "Run person detection on each frame")
	flag.StringVar(&saveDir, "save", "", "Directory to write the last frame to")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: stream-probe [flags] <stream-url>\n")
		os.Exit(2)
	}
	url := flag.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config not found, using defaults: %v\n", err)
		cfg = config.Default()
	}

	log, err := logger.New(logger.LogConfig{Level: "info", Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	fmt.Println("=== Stream Probe ===")
	fmt.Printf("Source: %s\n", url)

	opener := video.NewSchemeOpener()
	opener.Register(video.NewMJPEGOpener(), "http", "https")
	opener.Register(video.NewRTSPOpener(log), "rtsp", "rtsps")
	if ff, err := video.NewFFmpegOpener(cfg.Hub.Stream.FFmpegPath, cfg.Hub.Stream.FFmpegFPS, log); err == nil {
		opener.Fallback = ff
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var detector ai.Detector
	if detect {
		client := ai.NewClient(ai.ClientConfig{
			ServiceURL:          cfg.Hub.AI.ServiceURL,
			Timeout:             cfg.Hub.AI.Timeout,
			ConfidenceThreshold: cfg.Hub.AI.ConfidenceThreshold,
			EnabledClasses:      []string{cfg.Hub.AI.PersonClass},
		}, log)
		if err := client.HealthCheck(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Detection service not reachable: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Detection service: %s\n", cfg.Hub.AI.ServiceURL)
		detector = client
	}

	scfg := video.SessionConfigFromStream(cfg.Hub.Stream, cfg.Hub.AI)
	scfg.DeviceID = "probe"
	scfg.URL = url
	scfg.Detection = detect

	m := metrics.New()
	sess := video.NewSession(scfg, opener, detector, m, log)
	if err := sess.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open stream: %v\n", err)
		os.Exit(1)
	}
	defer sess.Stop()

	var last *video.Frame
	seen := 0
	started := time.Now()
	for seen < frames {
		select {
		case <-ctx.Done():
			frames = seen
			continue
		case <-sess.Done():
			fmt.Fprintf(os.Stderr, "Stream ended after %d frames\n", seen)
			os.Exit(1)
		case <-time.After(cfg.Hub.Stream.ChunkInterval):
		}

		frame, ok := sess.LatestFrame()
		if !ok || (last != nil && frame.Seq == last.Seq) {
			continue
		}
		seen++
		last = frame
		fmt.Printf("[Frame %d] seq=%d bytes=%d person=%t fps=%.1f\n",
			seen, frame.Seq, len(frame.Data), frame.Detected, sess.CurrentRate())
	}

	fmt.Println()
	fmt.Printf("Frames read: %d in %s\n", seen, time.Since(started).Round(time.Millisecond))
	fmt.Printf("Captured: %d, evicted: %d, processed: %d, person detections: %d\n",
		m.FramesCaptured.Load(), m.FramesEvicted.Load(), m.FramesProcessed.Load(), m.PersonDetections.Load())

	if saveDir != "" && last != nil {
		path := filepath.Join(saveDir, fmt.Sprintf("probe-%d.jpg", last.Seq))
		if err := os.WriteFile(path, last.Data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save frame: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved last frame to %s\n", path)
	}
}
