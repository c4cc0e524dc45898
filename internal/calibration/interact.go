package calibration

import (
	"context"
	"errors"
	"fmt"

	"github.com/dj-oyu/parking-calibrator/internal/annotation"
	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// applyLocked runs one reducer step and records its side effects.
func (s *Session) applyLocked(ev annotation.Event) annotation.Outcome {
	next, out := annotation.Reduce(s.state, ev)
	s.state = next

	if out.Committed != nil {
		s.metrics.ShapesCommitted.Add(1)
		if out.Committed.Kind == annotation.KindSlot {
			s.autoDetected = false
		}
	}
	if errors.Is(out.Err, annotation.ErrValidation) {
		s.metrics.ShapesRejected.Add(1)
	}
	s.noteLocked(out.Message, out.Err != nil)
	return out
}

func (s *Session) dispatch(ev annotation.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.applyLocked(ev).Err
}

// Freeze captures the live frame as the drawing surface. Committed shapes
// are kept; a shape set restored for a different frame size is projected
// onto the new frame through its normalized coordinates.
func (s *Session) Freeze() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	w, h, err := s.frames.Freeze()
	if err != nil {
		var notReady *annotation.NotReadyError
		if errors.As(err, &notReady) {
			s.noteLocked("Wait for video to finish loading before freezing", true)
		} else {
			s.noteLocked("Failed to freeze frame: "+err.Error(), true)
		}
		return err
	}
	s.gen++
	s.metrics.Freezes.Add(1)
	s.reprojectLocked(w, h)
	s.applyLocked(annotation.Frozen{Width: w, Height: h})
	logger.Debug("Session", "[%s] frozen %dx%d", s.spotID, w, h)
	return nil
}

func (s *Session) reprojectLocked(w, h int) {
	prevW, prevH := s.state.FrameWidth, s.state.FrameHeight
	if prevW == 0 || prevH == 0 {
		prevW, prevH = s.gridW, s.gridH
	}
	if prevW == 0 || prevH == 0 || (prevW == w && prevH == h) {
		return
	}
	shapes := s.state.Shapes
	_, hasAOI := shapes.AOI()
	if shapes.Len() == 0 && !hasAOI {
		return
	}

	project := func(bbox types.Rectangle, norm types.NormalizedRectangle) (types.Rectangle, types.NormalizedRectangle) {
		if norm.IsZero() {
			norm = geometry.ToNormalized(bbox, float64(prevW), float64(prevH))
		}
		return geometry.FromNormalized(norm, float64(w), float64(h)), norm
	}

	slots := shapes.Slots()
	for i := range slots {
		slots[i].BBox, slots[i].BBoxNormalized = project(slots[i].BBox, slots[i].BBoxNormalized)
	}
	var aoi *types.AOI
	if a, ok := shapes.AOI(); ok {
		a.BBox, a.BBoxNormalized = project(a.BBox, a.BBoxNormalized)
		aoi = &a
	}
	if out := s.applyLocked(annotation.RestoreShapes{Slots: slots, AOI: aoi}); out.Err == nil {
		logger.Info("Session", "[%s] reprojected %d slots from %dx%d to %dx%d", s.spotID, len(slots), prevW, prevH, w, h)
	}
}

// Unfreeze returns to live display. Any drawing in progress is dropped.
func (s *Session) Unfreeze() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.frames.Unfreeze()
	s.gen++
	s.applyLocked(annotation.Unfrozen{})
	return nil
}

// StartAOI enters AOI drawing mode.
func (s *Session) StartAOI() error { return s.dispatch(annotation.StartAOI{}) }

// StartSlot enters slot drawing mode.
func (s *Session) StartSlot() error { return s.dispatch(annotation.StartSlot{}) }

// Cancel leaves any drawing mode.
func (s *Session) Cancel() error { return s.dispatch(annotation.Cancel{}) }

// ClearAOI removes the AOI.
func (s *Session) ClearAOI() error { return s.dispatch(annotation.ClearAOI{}) }

// UndoLastSlot removes the highest-numbered slot. It is a no-op on an
// empty store.
func (s *Session) UndoLastSlot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	before := s.state.Shapes.Len()
	out := s.applyLocked(annotation.UndoLastSlot{})
	if s.state.Shapes.Len() < before {
		s.autoDetected = false
	}
	return out.Err
}

// PointerDown, PointerMove and PointerUp take a pointer position in page
// coordinates plus the canvas's rendered bounds at the time of the event.
func (s *Session) PointerDown(p geometry.Point, canvas geometry.CanvasRect) error {
	return s.pointer(p, canvas, func(n geometry.Point) annotation.Event { return annotation.PointerDown{P: n} })
}

func (s *Session) PointerMove(p geometry.Point, canvas geometry.CanvasRect) error {
	return s.pointer(p, canvas, func(n geometry.Point) annotation.Event { return annotation.PointerMove{P: n} })
}

func (s *Session) PointerUp(p geometry.Point, canvas geometry.CanvasRect) error {
	return s.pointer(p, canvas, func(n geometry.Point) annotation.Event { return annotation.PointerUp{P: n} })
}

func (s *Session) pointer(p geometry.Point, canvas geometry.CanvasRect, ev func(geometry.Point) annotation.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.state.Frozen {
		return nil
	}
	native, err := geometry.ToNative(p, canvas, float64(s.state.FrameWidth), float64(s.state.FrameHeight))
	if err != nil {
		return err
	}
	return s.applyLocked(ev(native)).Err
}

// ClearAll drops every slot and the AOI, restores the un-annotated frozen
// frame and forgets the saved grid, then asks the backend to delete it.
// A backend failure is reported but the local clear stands.
func (s *Session) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.applyLocked(annotation.ClearAll{})
	s.frames.RestoreOriginal()
	s.gen++
	s.grid = nil
	s.gridW, s.gridH = 0, 0
	s.autoDetected = false
	s.mu.Unlock()

	ctx, cancel := s.bind(ctx)
	defer cancel()
	if err := s.gw.ClearGridConfig(ctx, s.spotID); err != nil {
		logger.Warn("Session", "[%s] clear grid config: %v", s.spotID, err)
		s.note(fmt.Sprintf("Cleared locally, but the backend could not clear the saved grid: %v", err), true)
	}
	return nil
}
