// Package frame switches the drawing surface between the live camera image
// and a frozen still held at native resolution.
package frame

import (
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/dj-oyu/parking-calibrator/internal/annotation"
)

// Source yields the most recent live frame. ok is false until the first
// frame has been decoded.
type Source interface {
	Latest() (img image.Image, ok bool)
}

// CaptureError is returned when copying the live frame fails.
type CaptureError struct {
	Cause any
}

func (e *CaptureError) Error() string { return fmt.Sprintf("capture frame: %v", e.Cause) }

// Controller owns the frozen bitmap. It is safe for concurrent use.
type Controller struct {
	src Source

	mu        sync.RWMutex
	frozen    bool
	original  *image.RGBA
	annotated image.Image
}

// NewController returns a controller in live display.
func NewController(src Source) *Controller {
	return &Controller{src: src}
}

// Freeze captures the current live frame. On any error the controller is
// left exactly as it was.
func (c *Controller) Freeze() (w, h int, err error) {
	img, ok := c.src.Latest()
	if !ok || img == nil {
		return 0, 0, &annotation.NotReadyError{Reason: "video not loaded yet, please wait"}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return 0, 0, &annotation.NotReadyError{Reason: "video dimensions not known yet"}
	}

	still, err := capture(img)
	if err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	c.frozen = true
	c.original = still
	c.annotated = nil
	c.mu.Unlock()
	return b.Dx(), b.Dy(), nil
}

func capture(img image.Image) (out *image.RGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &CaptureError{Cause: r}
		}
	}()
	b := img.Bounds()
	out = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out, nil
}

// Unfreeze discards the frozen bitmap and returns to live display.
func (c *Controller) Unfreeze() {
	c.mu.Lock()
	c.frozen = false
	c.original = nil
	c.annotated = nil
	c.mu.Unlock()
}

// Frozen reports whether a still is being shown.
func (c *Controller) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Display returns what the operator should see: the annotated still when
// one was supplied, else the frozen original, else the live frame.
func (c *Controller) Display() (image.Image, bool) {
	c.mu.RLock()
	frozen, original, annotated := c.frozen, c.original, c.annotated
	c.mu.RUnlock()
	if frozen {
		if annotated != nil {
			return annotated, true
		}
		return original, true
	}
	return c.src.Latest()
}

// Original returns the un-annotated frozen still.
func (c *Controller) Original() (*image.RGBA, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.original, c.frozen && c.original != nil
}

// SetAnnotated swaps the displayed still for one returned by the detector.
// It is ignored while live.
func (c *Controller) SetAnnotated(img image.Image) {
	c.mu.Lock()
	if c.frozen {
		c.annotated = img
	}
	c.mu.Unlock()
}

// RestoreOriginal drops any annotated still.
func (c *Controller) RestoreOriginal() {
	c.mu.Lock()
	c.annotated = nil
	c.mu.Unlock()
}

// Size returns the native size of the frozen still, or of the live frame
// when not frozen.
func (c *Controller) Size() (w, h int, ok bool) {
	img, ok := c.Display()
	if !ok || img == nil {
		return 0, 0, false
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), true
}
