package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/home-hub/internal/logger"
)

// Client is an HTTP client for the object detection service
type Client struct {
	serviceURL string
	httpClient *http.Client
	logger     *logger.Logger

	mu                    sync.RWMutex
	defaultConfidence     float64
	defaultEnabledClasses []string
}

// ClientConfig contains configuration for the detection client
type ClientConfig struct {
	ServiceURL          string
	Timeout             time.Duration
	ConfidenceThreshold float64
	EnabledClasses      []string
}

// NewClient creates a new detection service client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &Client{
		serviceURL: strings.TrimRight(config.ServiceURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:                log,
		defaultConfidence:     config.ConfidenceThreshold,
		defaultEnabledClasses: config.EnabledClasses,
	}
}

// Detect implements Detector
func (c *Client) Detect(ctx context.Context, jpeg []byte) ([]Detection, error) {
	resp, err := c.Infer(ctx, jpeg)
	if err != nil {
		return nil, err
	}
	return resp.Detections(), nil
}

// Infer performs inference on a single JPEG frame
func (c *Client) Infer(ctx context.Context, jpeg []byte) (*InferenceResponse, error) {
	if len(jpeg) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	req := InferenceRequest{
		Image: base64.StdEncoding.EncodeToString(jpeg),
	}

	c.mu.RLock()
	if c.defaultConfidence > 0 {
		confidence := c.defaultConfidence
		req.ConfidenceThreshold = &confidence
	}
	if len(c.defaultEnabledClasses) > 0 {
		req.EnabledClasses = append([]string(nil), c.defaultEnabledClasses...)
	}
	c.mu.RUnlock()

	return c.inferRequest(ctx, req)
}

func (c *Client) inferRequest(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/inference", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	requestDuration := time.Since(startTime)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn(
			"Detection service returned error",
			"status", resp.StatusCode,
			"response", string(body),
		)
		return nil, fmt.Errorf("detection service returned status %d: %s", resp.StatusCode, string(body))
	}

	var inferenceResp InferenceResponse
	if err := json.Unmarshal(body, &inferenceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug(
		"Inference completed",
		"detection_count", inferenceResp.DetectionCount,
		"inference_time_ms", inferenceResp.InferenceTimeMs,
		"request_duration_ms", requestDuration.Milliseconds(),
	)

	return &inferenceResp, nil
}

// GetStats retrieves inference statistics from the detection service
func (c *Client) GetStats(ctx context.Context) (*InferenceStats, error) {
	body, err := c.get(ctx, "/api/v1/inference/stats")
	if err != nil {
		return nil, err
	}

	var stats InferenceStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &stats, nil
}

// HealthCheck checks if the detection service is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.get(ctx, "/health/ready"); err != nil {
		return fmt.Errorf("detection service health check failed: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// SetConfidenceThreshold updates the confidence threshold sent with later
// requests. It is applied on configuration reload.
func (c *Client) SetConfidenceThreshold(threshold float64) {
	c.mu.Lock()
	c.defaultConfidence = threshold
	c.mu.Unlock()
}

// SetEnabledClasses updates the classes requested from the service
func (c *Client) SetEnabledClasses(classes []string) {
	c.mu.Lock()
	c.defaultEnabledClasses = classes
	c.mu.Unlock()
}
