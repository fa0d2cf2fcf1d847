package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

const mjpegBoundary = "frame"

// writeMJPEGPart writes one multipart chunk holding a JPEG
func writeMJPEGPart(w io.Writer, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// isDisconnect reports whether a write failed because the client went away
func isDisconnect(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, http.ErrHandlerTimeout)
}

func (s *Server) requireStreams(c *gin.Context) bool {
	if s.streams == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Streaming not available"})
		return false
	}
	return true
}

// handleMJPEGStream serves the device's processed feed as
// multipart/x-mixed-replace until the client leaves or the session ends
func (s *Server) handleMJPEGStream(c *gin.Context) {
	if !s.requireDevices(c) || !s.requireStreams(c) {
		return
	}
	deviceID := c.Param("id")
	ctx := c.Request.Context()

	dev, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if dev.StreamURL == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device has no stream URL"})
		return
	}

	sess, err := s.streams.Attach(ctx, deviceID, dev.StreamURL, dev.HumanDetectionEnabled)
	if err != nil {
		s.LogWarn("Failed to start stream", "device_id", deviceID, "error", err)
		s.respondError(c, err)
		return
	}

	var releaseOnce sync.Once
	release := func(reason string) {
		releaseOnce.Do(func() {
			s.streams.Detach(deviceID, sess)
			s.LogInfo("Stream ended", "device_id", deviceID, "reason", reason)
		})
	}
	reason := "handler exit"
	defer func() { release(reason) }()

	if s.metrics != nil {
		s.metrics.StreamClients.Add(1)
		defer s.metrics.StreamClients.Add(-1)
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering if behind proxy
	c.Status(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.chunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			reason = "client disconnected"
			return
		case <-sess.Done():
			reason = "session ended"
			return
		case <-ticker.C:
		}

		frame, ok := sess.LatestFrame()
		if !ok {
			continue
		}
		if err := writeMJPEGPart(c.Writer, frame.Data); err != nil {
			if ctx.Err() != nil || isDisconnect(err) {
				reason = "client disconnected"
				s.LogDebug("Stream client disconnected", "device_id", deviceID, "error", err)
			} else {
				reason = "stream write failed"
				s.LogError("Stream write failed", err, "device_id", deviceID)
			}
			return
		}
		flusher.Flush()
	}
}

// handleStreamRate reports the measured delivered frame rate
func (s *Server) handleStreamRate(c *gin.Context) {
	if !s.requireStreams(c) {
		return
	}
	deviceID := c.Param("id")

	fps, running := 0.0, false
	if sess, ok := s.streams.Get(deviceID); ok {
		running = sess.Running()
		fps = sess.CurrentRate()
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"fps":       fps,
		"running":   running,
	})
}

// handleSingleFrame returns the newest processed frame of a live session
func (s *Server) handleSingleFrame(c *gin.Context) {
	if !s.requireStreams(c) {
		return
	}

	sess, ok := s.streams.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No live stream for device"})
		return
	}
	frame, ok := sess.Snapshot()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No frame available"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Person-Detected", fmt.Sprintf("%t", frame.Detected))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

type humanDetectionRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// handleHumanDetection toggles detection without interrupting the stream
func (s *Server) handleHumanDetection(c *gin.Context) {
	if !s.requireDevices(c) {
		return
	}

	var req humanDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, live, err := s.devices.SetHumanDetection(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id": dev.ID,
		"enabled":   dev.HumanDetectionEnabled,
		"live":      live,
	})
}

// handleListStreams lists the active stream sessions
func (s *Server) handleListStreams(c *gin.Context) {
	if !s.requireStreams(c) {
		return
	}

	streams := s.streams.List()
	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}
