package calibration

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/annotation"
	"github.com/dj-oyu/parking-calibrator/internal/gateway"
	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/render"
	"github.com/dj-oyu/parking-calibrator/internal/snapshot"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

var (
	// ErrInvalidCameraURL rejects an empty IP camera URL.
	ErrInvalidCameraURL = errors.New("calibration: camera url is required for an IP camera")
	// ErrInvalidMode rejects an unknown operating mode.
	ErrInvalidMode = errors.New("calibration: mode must be manual or ai")
)

const maxPreviousURLs = 10

// BuildGrid assembles the persisted form of the current shapes: pixel
// boxes rounded to whole pixels, normalized boxes kept exact. Each cell
// also carries the corners of its box.
func BuildGrid(spotID string, st annotation.State, frameW, frameH int, cameraURL string, now time.Time) types.GridConfig {
	fw, fh := float64(frameW), float64(frameH)
	slots := st.Shapes.Slots()
	cells := make([]types.Slot, 0, len(slots))
	for _, slot := range slots {
		bbox := geometry.NormalizeOrder(slot.BBox)
		norm := slot.BBoxNormalized
		if norm.IsZero() {
			norm = geometry.ToNormalized(bbox, fw, fh)
		}
		bbox = bbox.Rounded()
		corners, cornersNorm := bbox.Quad(), norm.Quad()
		cells = append(cells, types.Slot{
			SlotNumber:        slot.SlotNumber,
			BBox:              bbox,
			BBoxNormalized:    norm,
			Corners:           &corners,
			CornersNormalized: &cornersNorm,
		})
	}
	cfg := types.GridConfig{
		SpotID:      spotID,
		Cells:       cells,
		FrameWidth:  frameW,
		FrameHeight: frameH,
		CameraURL:   cameraURL,
		DetectedAt:  now.Unix(),
	}
	if aoi, ok := st.Shapes.AOI(); ok {
		aoi.BBox = geometry.NormalizeOrder(aoi.BBox).Rounded()
		cfg.AOI = &aoi
	}
	return cfg
}

// frameSizeLocked is the frame the shapes refer to: the frozen frame, else
// the frame of a restored grid, else the live frame.
func (s *Session) frameSizeLocked() (int, int, bool) {
	if s.state.FrameWidth > 0 && s.state.FrameHeight > 0 {
		return s.state.FrameWidth, s.state.FrameHeight, true
	}
	if s.gridW > 0 && s.gridH > 0 {
		return s.gridW, s.gridH, true
	}
	return s.frames.Size()
}

// Save persists the current shapes. The grid becomes the session's saved
// grid only once the backend confirms it.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Shapes.Len() == 0 {
		s.noteLocked("Please draw at least one slot before saving", true)
		s.mu.Unlock()
		return ErrNoSlots
	}
	w, h, ok := s.frameSizeLocked()
	if !ok {
		s.noteLocked("Freeze a frame before saving", true)
		s.mu.Unlock()
		return &annotation.PreconditionError{Action: "save", Reason: "no frame size known"}
	}
	st := s.state
	cfg := BuildGrid(s.spotID, st, w, h, s.camera.URL, time.Now())
	cfg.AutoDetected = s.autoDetected
	original, _ := s.frames.Original()
	s.mu.Unlock()

	ctx, cancel := s.bind(ctx)
	defer cancel()
	err := s.gw.SaveGridConfig(ctx, s.spotID, cfg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.noteLocked(fmt.Sprintf("Failed to save grid: %v", err), true)
		s.mu.Unlock()
		return err
	}
	saved := cfg
	s.grid = &saved
	s.gridW, s.gridH = w, h
	s.metrics.GridSaves.Add(1)
	s.noteLocked("Grid saved to backend - Ready to start detection!", false)
	s.mu.Unlock()

	logger.Info("Session", "[%s] grid saved: %d slots, %dx%d", s.spotID, len(cfg.Cells), w, h)
	s.archiveSave(cfg, st, original)
	return nil
}

func (s *Session) archiveSave(cfg types.GridConfig, st annotation.State, original *image.RGBA) {
	if s.archive == nil || !s.archive.Enabled() {
		return
	}
	entry := snapshot.Entry{SpotID: s.spotID, Taken: time.Unix(cfg.DetectedAt, 0), Grid: cfg}

	overlay := image.NewRGBA(image.Rect(0, 0, cfg.FrameWidth, cfg.FrameHeight))
	st.Drag = nil
	render.Rasterize(render.Render(render.SceneFrom(st, float64(cfg.FrameWidth), float64(cfg.FrameHeight))), overlay)
	if data, err := render.EncodePNG(overlay); err == nil {
		entry.OverlayPNG = data
	} else {
		logger.Warn("Session", "[%s] encode overlay: %v", s.spotID, err)
	}
	if original != nil {
		if data, err := render.EncodeJPEG(render.Composite(original, overlay), 90); err == nil {
			entry.FrameJPEG = data
		} else {
			logger.Warn("Session", "[%s] encode frame: %v", s.spotID, err)
		}
	}
	if !s.archive.Submit(entry) {
		logger.Warn("Session", "[%s] snapshot queue full, dropped", s.spotID)
	}
}

// SaveCameraURL stores the camera configuration on the backend and, once
// confirmed, applies it locally and retargets the live source.
func (s *Session) SaveCameraURL(ctx context.Context, url, source string, usbIndex *int) error {
	url = strings.TrimSpace(url)
	if source == "" {
		source = gateway.SourceIPCamera
	}
	if source == gateway.SourceIPCamera && url == "" {
		s.note("Please enter a valid camera URL", true)
		return ErrInvalidCameraURL
	}
	if s.Closed() {
		return ErrClosed
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()
	req := gateway.CameraURLRequest{CameraURL: url, CameraSource: source}
	if source == gateway.SourceUSB {
		req.USBDeviceIndex = usbIndex
	}
	err := s.gw.SaveCameraURL(ctx, s.spotID, req)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.noteLocked(fmt.Sprintf("Failed to save camera URL: %v", err), true)
		s.mu.Unlock()
		return err
	}
	s.camera.Source = source
	s.camera.USBDeviceIndex = req.USBDeviceIndex
	retarget := ""
	if url != "" {
		s.camera.URL = url
		s.camera.PreviousURLs = rememberURL(s.camera.PreviousURLs, url)
		s.urlPin = ""
		retarget = url
	}
	s.noteLocked("Camera settings saved", false)
	s.mu.Unlock()

	if retarget != "" {
		s.src.SetURL(retarget)
	}
	return nil
}

func rememberURL(urls []string, url string) []string {
	out := []string{url}
	for _, u := range urls {
		if u != url && len(out) < maxPreviousURLs {
			out = append(out, u)
		}
	}
	return out
}

// StartDetection starts the remote detector with the saved grid. On
// success the frame is unfrozen and drawing mode reset.
func (s *Session) StartDetection(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.grid == nil {
		s.noteLocked("Save grid configuration first", true)
		s.mu.Unlock()
		return ErrNotSaved
	}
	cfg := *s.grid
	s.mu.Unlock()

	ctx, cancel := s.bind(ctx)
	defer cancel()
	resp, err := s.gw.StartDetection(ctx, s.spotID, cfg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.noteLocked(err.Error(), true)
		s.mu.Unlock()
		return err
	}
	s.detecting = true
	s.frames.Unfreeze()
	s.gen++
	s.applyLocked(annotation.Unfrozen{})
	n := len(cfg.Cells)
	if n == 0 && resp != nil {
		n = resp.NumSlots
	}
	s.noteLocked(fmt.Sprintf("AI detection started with %d slots", n), false)
	s.mu.Unlock()

	s.view.SetDetecting(true)
	logger.Info("Session", "[%s] detection started (%d slots)", s.spotID, n)
	return nil
}

// StopDetection stops the remote detector. The local detecting flag only
// changes when the backend confirms.
func (s *Session) StopDetection(ctx context.Context) error {
	if s.Closed() {
		return ErrClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	err := s.gw.StopDetection(ctx, s.spotID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.noteLocked(err.Error(), true)
		s.mu.Unlock()
		return err
	}
	s.detecting = false
	s.noteLocked("Detection stopped - You can freeze frame and adjust grid", false)
	s.mu.Unlock()

	s.view.SetDetecting(false)
	logger.Info("Session", "[%s] detection stopped", s.spotID)
	return nil
}

// ToggleMode switches the spot between manual and AI operation.
func (s *Session) ToggleMode(ctx context.Context, mode string) error {
	if mode != gateway.ModeManual && mode != gateway.ModeAI {
		return ErrInvalidMode
	}
	if s.Closed() {
		return ErrClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	got, err := s.gw.ToggleMode(ctx, s.spotID, mode)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err != nil {
		s.noteLocked(err.Error(), true)
		return err
	}
	if got == "" {
		got = mode
	}
	s.mode = got
	s.noteLocked(fmt.Sprintf("Switched to %s mode", got), false)
	return nil
}

// SavedGrid returns the grid last confirmed by the backend.
func (s *Session) SavedGrid() (types.GridConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grid == nil {
		return types.GridConfig{}, false
	}
	g := *s.grid
	g.Cells = append([]types.Slot(nil), s.grid.Cells...)
	return g, true
}
