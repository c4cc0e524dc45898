package calibration

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/annotation"
	"github.com/dj-oyu/parking-calibrator/internal/gateway"
	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/occupancy"
	"github.com/dj-oyu/parking-calibrator/internal/render"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// Payload limits for detect-grid.
const (
	DetectMaxSide     = 1280
	DetectJPEGQuality = 80
)

// AutoDetect sends the frozen frame (and the AOI, if any) to the grid
// detector and replaces the slot set with the result. Only one request
// may be outstanding; a second call fails with ErrAutoDetectPending.
// On any failure the committed shapes are left as they were.
func (s *Session) AutoDetect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.pending {
		s.mu.Unlock()
		return ErrAutoDetectPending
	}
	original, ok := s.frames.Original()
	if !s.state.Frozen || !ok {
		s.noteLocked("Please freeze the frame first", true)
		s.mu.Unlock()
		return &annotation.PreconditionError{Action: "auto-detect", Reason: "freeze the frame first"}
	}
	s.pending = true
	gen := s.gen
	frameW, frameH := s.state.FrameWidth, s.state.FrameHeight
	var aoi *types.AOI
	if a, ok := s.state.Shapes.AOI(); ok {
		aoi = &a
	}
	s.noteLocked("Auto-detecting parking grid...", false)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
	}()

	started := time.Now()
	s.metrics.AutoDetectRequests.Add(1)

	req, sentW, sentH, err := detectPayload(original, aoi)
	if err != nil {
		s.metrics.ObserveAutoDetect(started, true)
		s.note(fmt.Sprintf("Auto-detect failed: %v", err), true)
		return err
	}

	rctx, cancel := s.bind(ctx)
	defer cancel()
	resp, err := s.gw.DetectGrid(rctx, req)
	failed := err != nil || resp == nil || !resp.Success || len(resp.Cells) == 0
	s.metrics.ObserveAutoDetect(started, failed)

	var annotated image.Image
	if !failed && resp.AnnotatedFrame != "" {
		if img, err := decodeAnnotated(resp.AnnotatedFrame); err != nil {
			logger.Warn("Session", "[%s] annotated frame: %v", s.spotID, err)
		} else {
			// The detector may draw on the downscaled payload.
			annotated = render.Resize(img, frameW, frameH)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err != nil {
		s.noteLocked(fmt.Sprintf("Auto-detect failed: %v", err), true)
		return err
	}
	if failed {
		reason := "Draw manually instead."
		if resp != nil && resp.Message != "" {
			reason = resp.Message
		}
		s.noteLocked("Could not detect parking grid. "+reason, true)
		return &gateway.NetworkError{Op: "detect-grid", Message: reason}
	}
	if s.gen != gen {
		s.noteLocked("Frame changed during auto-detect, result discarded", true)
		return ErrStale
	}

	cells := projectCells(resp.Cells, sentW, sentH, frameW, frameH)
	out := s.applyLocked(annotation.ReplaceSlots{Slots: cells})
	if out.Err != nil {
		return out.Err
	}
	s.autoDetected = true
	s.noteLocked(fmt.Sprintf("Auto-detected %d parking slots", len(cells)), false)

	if annotated != nil {
		s.frames.SetAnnotated(annotated)
	}
	logger.Info("Session", "[%s] auto-detect: %d cells in %v", s.spotID, len(cells), time.Since(started).Round(time.Millisecond))
	return nil
}

// detectPayload encodes the frame for detect-grid. It returns the size of
// the image actually sent, which is what the detector's pixel boxes refer to.
func detectPayload(img image.Image, aoi *types.AOI) (gateway.DetectRequest, int, int, error) {
	scaled := render.Downscale(img, DetectMaxSide)
	data, err := render.EncodeJPEG(scaled, DetectJPEGQuality)
	if err != nil {
		return gateway.DetectRequest{}, 0, 0, fmt.Errorf("encode frame: %w", err)
	}
	b := scaled.Bounds()
	return gateway.DetectRequest{Frame: base64.StdEncoding.EncodeToString(data), AOI: aoi}, b.Dx(), b.Dy(), nil
}

// projectCells maps detector cells onto the frozen frame. Normalized boxes
// are authoritative; pixel boxes are rescaled from the sent image when a
// cell carries no normalized box.
func projectCells(cells []types.Slot, sentW, sentH, frameW, frameH int) []types.Slot {
	out := make([]types.Slot, 0, len(cells))
	for _, c := range cells {
		norm := c.BBoxNormalized
		if norm.IsZero() && sentW > 0 && sentH > 0 {
			norm = geometry.ToNormalized(geometry.NormalizeOrder(c.BBox), float64(sentW), float64(sentH))
		}
		out = append(out, types.Slot{
			SlotNumber:     c.SlotNumber,
			BBox:           geometry.FromNormalized(norm, float64(frameW), float64(frameH)),
			BBoxNormalized: norm,
		})
	}
	return out
}

func decodeAnnotated(s string) (image.Image, error) {
	data, err := occupancy.DecodeImageData(s)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
