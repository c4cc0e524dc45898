// Package gateway is the REST client for the parking backend's /api/ai
// endpoints: camera and grid configuration, grid auto-detection, and
// detector start/stop.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// NetworkError wraps every failed call. Status is 0 when no response was
// received.
type NetworkError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Message, e.Status)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to one backend. It is safe for concurrent use.
type Client struct {
	base    string
	token   string
	hc      *http.Client
	metrics *metrics.Metrics
}

// New creates a client. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		hc:      hc,
		metrics: m,
	}
}

// envelope is the subset of fields every backend reply may carry.
type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	c.metrics.GatewayRequests.Add(1)
	err := c.roundTrip(ctx, op, method, path, body, out)
	if err != nil {
		c.metrics.GatewayErrors.Add(1)
		logger.Debug("Gateway", "%s %s failed: %v", method, path, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		return &NetworkError{Op: op, Status: resp.StatusCode, Message: msg}
	}
	if env.Success != nil && !*env.Success {
		if msg == "" {
			msg = "request was not successful"
		}
		return &NetworkError{Op: op, Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func spotPath(prefix, spotID string) string {
	return prefix + url.PathEscape(spotID)
}

// LoadConfig fetches the spot's camera and grid configuration.
func (c *Client) LoadConfig(ctx context.Context, spotID string) (*SpotConfig, error) {
	var resp struct {
		Config SpotConfig `json:"config"`
	}
	if err := c.do(ctx, "load config", http.MethodGet, spotPath("/api/ai/config/", spotID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Config, nil
}

// Status reports whether the detector is running for the spot.
func (c *Client) Status(ctx context.Context, spotID string) (*DetectionStatus, error) {
	var st DetectionStatus
	if err := c.do(ctx, "load status", http.MethodGet, spotPath("/api/ai/status/", spotID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PreviousURLs lists camera URLs used for the spot before.
func (c *Client) PreviousURLs(ctx context.Context, spotID string) ([]string, error) {
	var resp struct {
		URLs []string `json:"urls"`
	}
	if err := c.do(ctx, "load previous urls", http.MethodGet, spotPath("/api/ai/previous-urls/", spotID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.URLs, nil
}

// SaveCameraURL stores the camera source for the spot.
func (c *Client) SaveCameraURL(ctx context.Context, spotID string, req CameraURLRequest) error {
	return c.do(ctx, "save camera url", http.MethodPost, spotPath("/api/ai/save-camera-url/", spotID), req, nil)
}

// DetectGrid asks the detector service to find slots in a frame.
func (c *Client) DetectGrid(ctx context.Context, req DetectRequest) (*DetectResponse, error) {
	var resp DetectResponse
	if err := c.do(ctx, "detect grid", http.MethodPost, "/api/ai/detect-grid", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveGridConfig persists cfg for the spot.
func (c *Client) SaveGridConfig(ctx context.Context, spotID string, cfg types.GridConfig) error {
	body := struct {
		GridConfig types.GridConfig `json:"grid_config"`
	}{cfg}
	return c.do(ctx, "save grid config", http.MethodPost, spotPath("/api/ai/save-grid-config/", spotID), body, nil)
}

// ClearGridConfig deletes the persisted grid for the spot.
func (c *Client) ClearGridConfig(ctx context.Context, spotID string) error {
	return c.do(ctx, "clear grid config", http.MethodDelete, spotPath("/api/ai/clear-grid-config/", spotID), nil, nil)
}

// StartDetection starts the detector with cfg.
func (c *Client) StartDetection(ctx context.Context, spotID string, cfg types.GridConfig) (*StartResponse, error) {
	body := struct {
		ParkingSpotID string           `json:"parking_spot_id"`
		GridConfig    types.GridConfig `json:"grid_config"`
	}{spotID, cfg}
	var resp StartResponse
	if err := c.do(ctx, "start detection", http.MethodPost, "/api/ai/start-detection", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopDetection stops the detector for the spot.
func (c *Client) StopDetection(ctx context.Context, spotID string) error {
	body := struct {
		ParkingSpotID string `json:"parking_spot_id"`
	}{spotID}
	return c.do(ctx, "stop detection", http.MethodPost, "/api/ai/stop-detection", body, nil)
}

// ToggleMode switches the spot between "manual" and "ai" operation and
// returns the mode the backend reports.
func (c *Client) ToggleMode(ctx context.Context, spotID, mode string) (string, error) {
	body := struct {
		Mode string `json:"mode"`
	}{mode}
	var resp struct {
		Mode string `json:"mode"`
	}
	if err := c.do(ctx, "toggle mode", http.MethodPost, spotPath("/api/ai/toggle-mode/", spotID), body, &resp); err != nil {
		return "", err
	}
	if resp.Mode == "" {
		resp.Mode = mode
	}
	return resp.Mode, nil
}

// PythonHealth returns the detector service's health document as relayed
// by the backend.
func (c *Client) PythonHealth(ctx context.Context) (json.RawMessage, error) {
	var resp struct {
		PythonServer json.RawMessage `json:"python_server"`
	}
	if err := c.do(ctx, "detector health", http.MethodGet, "/api/ai/python-health", nil, &resp); err != nil {
		return nil, err
	}
	return resp.PythonServer, nil
}
