// Package source pulls frames from the spot's camera URL. It understands
// MJPEG streams (multipart/x-mixed-replace) and single-image URLs, which are
// polled.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
)

const (
	maxFrameBytes = 16 << 20
	maxBackoff    = 5 * time.Second
	backoffStep   = 100 * time.Millisecond
)

// Config configures a Camera.
type Config struct {
	URL          string
	PollInterval time.Duration // delay between single-image fetches
	Client       *http.Client
}

// Status describes the source for the operator page.
type Status struct {
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Frames    uint64    `json:"frames"`
	FPS       float64   `json:"fps"`
	LastError string    `json:"last_error,omitempty"`
	LastFrame time.Time `json:"last_frame"`
}

// Camera keeps the most recent decoded frame from a URL.
type Camera struct {
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.RWMutex
	url       string
	img       image.Image
	raw       []byte
	frames    uint64
	connected bool
	lastErr   string
	lastFrame time.Time
	fps       float64
	fpsCount  int
	fpsStart  time.Time

	retarget chan struct{}
}

// New returns an idle camera. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Camera {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Client == nil {
		// No overall timeout: an MJPEG response never ends.
		cfg.Client = &http.Client{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Camera{
		cfg:      cfg,
		metrics:  m,
		url:      cfg.URL,
		retarget: make(chan struct{}, 1),
	}
}

// Latest returns the most recent frame.
func (c *Camera) Latest() (image.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.img, c.img != nil
}

// LatestJPEG returns the encoded bytes of the most recent frame as received.
func (c *Camera) LatestJPEG() ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw, len(c.raw) > 0
}

// URL returns the current target.
func (c *Camera) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// Status returns a copy of the source state.
func (c *Camera) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		URL:       c.url,
		Connected: c.connected,
		Frames:    c.frames,
		FPS:       c.fps,
		LastError: c.lastErr,
		LastFrame: c.lastFrame,
	}
	if c.img != nil {
		b := c.img.Bounds()
		st.Width, st.Height = b.Dx(), b.Dy()
	}
	return st
}

// SetURL points the camera at a new URL. The current connection is dropped
// and the last frame is forgotten.
func (c *Camera) SetURL(url string) {
	c.mu.Lock()
	if c.url == url {
		c.mu.Unlock()
		return
	}
	c.url = url
	c.img, c.raw = nil, nil
	c.connected = false
	c.lastErr = ""
	c.mu.Unlock()

	select {
	case c.retarget <- struct{}{}:
	default:
	}
	logger.Info("Source", "camera retargeted to %s", url)
}

// Run fetches frames until ctx is cancelled.
func (c *Camera) Run(ctx context.Context) {
	errorsInRow := 0
	for ctx.Err() == nil {
		url := c.URL()
		if url == "" {
			select {
			case <-ctx.Done():
				return
			case <-c.retarget:
			}
			continue
		}

		connCtx, cancel := context.WithCancel(ctx)
		stop := make(chan struct{})
		go func() {
			select {
			case <-c.retarget:
				cancel()
			case <-stop:
			}
		}()
		err := c.fetch(connCtx, url)
		close(stop)
		retargeted := connCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if ctx.Err() != nil {
			return
		}
		if retargeted {
			errorsInRow = 0
			continue
		}
		if err != nil {
			errorsInRow++
			c.fail(err)
			c.metrics.LiveReconnects.Add(1)
			delay := time.Duration(errorsInRow) * backoffStep
			if delay > maxBackoff {
				delay = maxBackoff
			}
			logger.Warn("Source", "camera %s: %v (retry in %v)", url, err, delay)
			if !c.wait(ctx, delay) {
				return
			}
			continue
		}
		// A single image was read; poll again.
		errorsInRow = 0
		if !c.wait(ctx, c.cfg.PollInterval) {
			return
		}
	}
}

func (c *Camera) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.retarget:
		// Let the loop pick up the new URL right away.
		return true
	case <-t.C:
		return true
	}
}

func (c *Camera) fail(err error) {
	c.mu.Lock()
	c.connected = false
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// fetch performs one request. It returns nil after a single image, and only
// returns for a stream when it ends or fails.
func (c *Camera) fetch(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		boundary := strings.TrimPrefix(params["boundary"], "--")
		if boundary == "" {
			return errors.New("multipart stream without boundary")
		}
		return c.readStream(multipart.NewReader(resp.Body, boundary), url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return err
	}
	return c.accept(url, data)
}

func (c *Camera) readStream(mr *multipart.Reader, url string) error {
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("stream ended")
			}
			return err
		}
		data, err := io.ReadAll(io.LimitReader(part, maxFrameBytes))
		part.Close()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		if err := c.accept(url, data); err != nil {
			// One bad frame does not end the stream.
			logger.Debug("Source", "skipping frame: %v", err)
		}
	}
}

// accept decodes data and stores it as the latest frame unless the camera
// has been retargeted away from url in the meantime.
func (c *Camera) accept(url string, data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		c.metrics.LiveDecodeErrors.Add(1)
		return fmt.Errorf("decode frame: %w", err)
	}
	c.metrics.LiveFramesRead.Add(1)

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.url != url {
		return nil
	}
	c.img = img
	c.raw = data
	c.frames++
	c.connected = true
	c.lastErr = ""
	c.lastFrame = now
	if c.fpsStart.IsZero() {
		c.fpsStart = now
	}
	c.fpsCount++
	if elapsed := now.Sub(c.fpsStart); elapsed >= time.Second {
		c.fps = float64(c.fpsCount) / elapsed.Seconds()
		c.fpsCount = 0
		c.fpsStart = now
	}
	return nil
}
