// Package server exposes a calibration session over HTTP: an operator
// page, the live and frozen frames, the overlay, the session's actions and
// the live occupancy stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/annotation"
	"github.com/dj-oyu/parking-calibrator/internal/calibration"
	"github.com/dj-oyu/parking-calibrator/internal/gateway"
	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/internal/livefeed"
	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/occupancy"
	"github.com/dj-oyu/parking-calibrator/internal/render"
	"github.com/dj-oyu/parking-calibrator/internal/snapshot"
	"github.com/dj-oyu/parking-calibrator/internal/source"
)

const maxBodyBytes = 1 << 20

// Config holds HTTP-layer settings.
type Config struct {
	MJPEGInterval time.Duration
	StateInterval time.Duration
	JPEGQuality   int
	AssetsDir     string // optional directory served under /assets/
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MJPEGInterval: 100 * time.Millisecond,
		StateInterval: 500 * time.Millisecond,
		JPEGQuality:   85,
	}
}

// Live is the camera as seen by the HTTP layer.
type Live interface {
	LatestJPEG() ([]byte, bool)
	Status() source.Status
}

// Server serves one calibration session.
type Server struct {
	cfg         Config
	session     *calibration.Session
	live        Live
	broadcaster *occupancy.Broadcaster
	archive     *snapshot.Archive
	feed        *livefeed.Server
}

// NewServer returns a server for session. archive and feed may be nil.
func NewServer(cfg Config, session *calibration.Session, live Live, broadcaster *occupancy.Broadcaster, archive *snapshot.Archive, feed *livefeed.Server) *Server {
	def := DefaultConfig()
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.StateInterval <= 0 {
		cfg.StateInterval = def.StateInterval
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	return &Server{
		cfg:         cfg,
		session:     session,
		live:        live,
		broadcaster: broadcaster,
		archive:     archive,
		feed:        feed,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	if s.cfg.AssetsDir != "" {
		mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/webrtc/offer", s.handleOffer)
	mux.HandleFunc("/api/frame.jpg", s.handleFrame)
	mux.HandleFunc("/api/overlay.png", s.handleOverlay)
	mux.HandleFunc("/api/render", s.handleRender)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/state/stream", s.handleStateStream)

	mux.HandleFunc("/api/freeze", s.action(s.session.Freeze))
	mux.HandleFunc("/api/unfreeze", s.action(s.session.Unfreeze))
	mux.HandleFunc("/api/aoi/start", s.action(s.session.StartAOI))
	mux.HandleFunc("/api/aoi/clear", s.action(s.session.ClearAOI))
	mux.HandleFunc("/api/slot/start", s.action(s.session.StartSlot))
	mux.HandleFunc("/api/slot/undo", s.action(s.session.UndoLastSlot))
	mux.HandleFunc("/api/cancel", s.action(s.session.Cancel))
	mux.HandleFunc("/api/slots/clear", s.requestAction(s.session.ClearAll))
	mux.HandleFunc("/api/pointer/down", s.pointer(s.session.PointerDown))
	mux.HandleFunc("/api/pointer/move", s.pointer(s.session.PointerMove))
	mux.HandleFunc("/api/pointer/up", s.pointer(s.session.PointerUp))

	mux.HandleFunc("/api/auto-detect", s.requestAction(s.session.AutoDetect))
	mux.HandleFunc("/api/save", s.requestAction(s.session.Save))
	mux.HandleFunc("/api/detection/start", s.requestAction(s.session.StartDetection))
	mux.HandleFunc("/api/detection/stop", s.requestAction(s.session.StopDetection))
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/camera-url", s.handleCameraURL)

	mux.HandleFunc("/api/occupancy", s.handleOccupancy)
	mux.HandleFunc("/api/occupancy/frame.jpg", s.handleProcessedFrame)
	mux.HandleFunc("/api/occupancy/stream", s.handleOccupancyStream)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.session.View().Snapshot()
	status := "ok"
	if s.session.Closed() {
		status = "closed"
	}
	writeJSON(w, map[string]any{
		"status":     status,
		"session_id": s.session.ID(),
		"spot_id":    s.session.SpotID(),
		"realtime":   snap.Connected,
		"camera":     s.live.Status().Connected,
		"timestamp":  float64(time.Now().Unix()),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	streamMJPEG(r.Context(), w, s.cfg.MJPEGInterval, s.live.LatestJPEG)
}

// handleOffer answers a WebRTC offer for the data channel live feed.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.feed == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC live feed disabled"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answer, err := s.feed.HandleOffer(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, livefeed.ErrTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		logger.Warn("Server", "WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

// handleFrame serves what the operator should see: the frozen (possibly
// annotated) still, else the latest live frame. ?overlay=1 burns the
// shapes in.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frames := s.session.Frames()
	withOverlay := r.URL.Query().Get("overlay") == "1"

	if !frames.Frozen() && !withOverlay {
		if data, ok := s.live.LatestJPEG(); ok {
			writeImage(w, "image/jpeg", data)
			return
		}
	}
	img, ok := frames.Display()
	if !ok || img == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no frame available yet"}, http.StatusServiceUnavailable)
		return
	}
	if withOverlay {
		if overlay, ok := s.overlay(); ok {
			img = render.Composite(img, overlay)
		}
	}
	data, err := render.EncodeJPEG(img, s.cfg.JPEGQuality)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeImage(w, "image/jpeg", data)
}

func (s *Server) overlay() (*image.RGBA, bool) {
	scene, ok := s.session.Scene()
	if !ok {
		return nil, false
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(scene.Width), int(scene.Height)))
	render.Rasterize(render.Render(scene), dst)
	return dst, true
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	overlay, ok := s.overlay()
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "no frame available yet"}, http.StatusServiceUnavailable)
		return
	}
	data, err := render.EncodePNG(overlay)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeImage(w, "image/png", data)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	scene, ok := s.session.Scene()
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "no frame available yet"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{
		"width":  scene.Width,
		"height": scene.Height,
		"ops":    render.Render(scene),
	})
}

func (s *Server) statePayload() map[string]any {
	payload := map[string]any{
		"session":   s.session.State(),
		"camera":    s.live.Status(),
		"timestamp": float64(time.Now().Unix()),
	}
	if s.archive != nil {
		payload["snapshots"] = s.archive.Status()
	}
	if s.feed != nil {
		payload["live_peers"] = s.feed.ClientCount()
	}
	return payload
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statePayload())
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StateInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statePayload()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// action adapts a session method without arguments to a POST handler
// that answers with the new session state.
func (s *Server) action(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.respond(w, fn())
	}
}

// requestAction is action for session methods that call the backend. The
// call is bound to the request context.
func (s *Server) requestAction(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.respond(w, fn(r.Context()))
	}
}

type pointerRequest struct {
	X      float64             `json:"x"`
	Y      float64             `json:"y"`
	Canvas geometry.CanvasRect `json:"canvas"`
}

func (s *Server) pointer(fn func(geometry.Point, geometry.CanvasRect) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req pointerRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid pointer data"}, http.StatusBadRequest)
			return
		}
		s.respond(w, fn(geometry.Point{X: req.X, Y: req.Y}, req.Canvas))
	}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req modeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid mode data"}, http.StatusBadRequest)
		return
	}
	s.respond(w, s.session.ToggleMode(r.Context(), strings.ToLower(strings.TrimSpace(req.Mode))))
}

type cameraURLRequest struct {
	CameraURL      string `json:"camera_url"`
	CameraSource   string `json:"camera_source"`
	USBDeviceIndex *int   `json:"usb_device_index"`
}

func (s *Server) handleCameraURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cameraURLRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid camera data"}, http.StatusBadRequest)
		return
	}
	s.respond(w, s.session.SaveCameraURL(r.Context(), req.CameraURL, req.CameraSource, req.USBDeviceIndex))
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.View().Snapshot())
}

func (s *Server) handleProcessedFrame(w http.ResponseWriter, r *http.Request) {
	data, ok := s.session.View().Frame()
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "no processed frame yet"}, http.StatusNotFound)
		return
	}
	writeImage(w, "image/jpeg", data)
}

func (s *Server) handleOccupancyStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamOccupancyEvents(r.Context(), w, eventCh, useProtobuf)
}

// respond writes the session state, or the error with the status it maps to.
func (s *Server) respond(w http.ResponseWriter, err error) {
	state := s.session.State()
	if err == nil {
		writeJSON(w, map[string]any{"ok": true, "state": state})
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("Server", "action failed: %v", err)
	}
	writeJSONWithStatus(w, map[string]any{"error": err.Error(), "message": state.LastMessage.Text, "state": state}, status)
}

func statusFor(err error) int {
	var netErr *gateway.NetworkError
	switch {
	case errors.Is(err, calibration.ErrClosed):
		return http.StatusGone
	case errors.Is(err, annotation.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, annotation.ErrPrecondition),
		errors.Is(err, annotation.ErrNotReady),
		errors.Is(err, calibration.ErrAutoDetectPending),
		errors.Is(err, calibration.ErrNoSlots),
		errors.Is(err, calibration.ErrNotSaved),
		errors.Is(err, calibration.ErrStale):
		return http.StatusConflict
	case errors.Is(err, geometry.ErrDegenerateCanvas),
		errors.Is(err, calibration.ErrInvalidCameraURL),
		errors.Is(err, calibration.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeImage(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
