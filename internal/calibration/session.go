// Package calibration ties the annotation reducer, the frozen frame, the
// backend gateway and the realtime channel into one per-spot session.
//
// A Session is the unit the operator page talks to. All interaction is
// serialised on a single mutex; network calls run without it so pointer
// input stays responsive while a request is outstanding.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/parking-calibrator/internal/annotation"
	"github.com/dj-oyu/parking-calibrator/internal/frame"
	"github.com/dj-oyu/parking-calibrator/internal/gateway"
	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
	"github.com/dj-oyu/parking-calibrator/internal/occupancy"
	"github.com/dj-oyu/parking-calibrator/internal/realtime"
	"github.com/dj-oyu/parking-calibrator/internal/snapshot"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("calibration: session closed")
	// ErrAutoDetectPending rejects a second concurrent auto-detect.
	ErrAutoDetectPending = errors.New("calibration: auto-detect already in progress")
	// ErrNoSlots is returned by Save when nothing has been drawn.
	ErrNoSlots = errors.New("calibration: no slots to save")
	// ErrNotSaved is returned by StartDetection before a grid is saved.
	ErrNotSaved = errors.New("calibration: grid configuration not saved")
	// ErrStale marks a response that arrived after the frame it was
	// computed for was replaced.
	ErrStale = errors.New("calibration: result no longer applies to the current frame")
)

// Gateway is the subset of the backend client a session needs.
type Gateway interface {
	LoadConfig(ctx context.Context, spotID string) (*gateway.SpotConfig, error)
	Status(ctx context.Context, spotID string) (*gateway.DetectionStatus, error)
	PreviousURLs(ctx context.Context, spotID string) ([]string, error)
	SaveCameraURL(ctx context.Context, spotID string, req gateway.CameraURLRequest) error
	DetectGrid(ctx context.Context, req gateway.DetectRequest) (*gateway.DetectResponse, error)
	SaveGridConfig(ctx context.Context, spotID string, cfg types.GridConfig) error
	ClearGridConfig(ctx context.Context, spotID string) error
	StartDetection(ctx context.Context, spotID string, cfg types.GridConfig) (*gateway.StartResponse, error)
	StopDetection(ctx context.Context, spotID string) error
	ToggleMode(ctx context.Context, spotID, mode string) (string, error)
}

// LiveSource is the camera feeding the frame controller.
type LiveSource interface {
	frame.Source
	URL() string
	SetURL(url string)
}

// Channel is the realtime connection for the session's spot.
type Channel interface {
	Start()
	Close()
	WatchState(fn func(realtime.State))
}

// Options configures a Session. Gateway and Source are required.
type Options struct {
	SpotID   string
	MaxSlots int
	// CameraURL, when set, wins over the URL stored on the backend.
	CameraURL string

	Gateway Gateway
	Source  LiveSource
	View    *occupancy.View // optional, created when nil
	Channel Channel         // optional
	Archive *snapshot.Archive
	Metrics *metrics.Metrics
}

// Message is a user-facing notice.
type Message struct {
	Text  string    `json:"text"`
	Error bool      `json:"error"`
	At    time.Time `json:"at"`
}

// Camera is the camera configuration known to the session.
type Camera struct {
	URL            string   `json:"url"`
	Source         string   `json:"source"`
	USBDeviceIndex *int     `json:"usb_device_index,omitempty"`
	PreviousURLs   []string `json:"previous_urls"`
}

// Session is one mounted calibration session for a spot.
type Session struct {
	id      string
	spotID  string
	gw      Gateway
	src     LiveSource
	frames  *frame.Controller
	view    *occupancy.View
	channel Channel
	archive *snapshot.Archive
	metrics *metrics.Metrics
	urlPin  string

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// state is only replaced through Reduce.
	state        annotation.State
	gen          uint64 // bumped whenever the frozen frame changes
	closed       bool
	loaded       bool
	detecting    bool
	pending      bool // auto-detect in flight
	autoDetected bool
	grid         *types.GridConfig // last grid the backend confirmed
	gridW, gridH int               // frame size of a restored grid
	mode         string
	camera       Camera
	last         Message
	listeners    []func(Message)
}

// New builds a session. It does not touch the network; call Start.
func New(opts Options) *Session {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	view := opts.View
	if view == nil {
		view = occupancy.NewView(opts.SpotID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		spotID:  opts.SpotID,
		gw:      opts.Gateway,
		src:     opts.Source,
		frames:  frame.NewController(opts.Source),
		view:    view,
		channel: opts.Channel,
		archive: opts.Archive,
		metrics: m,
		urlPin:  opts.CameraURL,
		ctx:     ctx,
		cancel:  cancel,
		state:   annotation.State{MaxSlots: opts.MaxSlots},
		mode:    gateway.ModeManual,
		camera:  Camera{URL: opts.CameraURL, Source: gateway.SourceIPCamera},
	}

	view.OnUpdate(func(snap occupancy.Snapshot) {
		s.mu.Lock()
		if !s.closed {
			s.detecting = snap.Detecting
		}
		s.mu.Unlock()
	})
	view.OnMessage(func(msg occupancy.Message) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			s.noteLocked(msg.Text, msg.Error)
		}
	})
	if s.channel != nil {
		s.channel.WatchState(func(st realtime.State) {
			view.SetConnected(st == realtime.StateConnected)
			if st == realtime.StateConnected {
				s.note("Connected to backend", false)
			}
		})
	}
	return s
}

// ID identifies this session instance.
func (s *Session) ID() string { return s.id }

// SpotID returns the spot the session calibrates.
func (s *Session) SpotID() string { return s.spotID }

// Frames exposes the frame controller for display.
func (s *Session) Frames() *frame.Controller { return s.frames }

// View exposes the occupancy view model.
func (s *Session) View() *occupancy.View { return s.view }

// Start connects the realtime channel and loads the stored configuration.
func (s *Session) Start(ctx context.Context) {
	if s.channel != nil {
		s.channel.Start()
	}
	s.Load(ctx)
}

// OnMessage registers fn for every user-facing message. fn runs with the
// session lock held and must not call back into the session.
func (s *Session) OnMessage(fn func(Message)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// LastMessage returns the most recent message.
func (s *Session) LastMessage() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) note(text string, isErr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.noteLocked(text, isErr)
	}
}

func (s *Session) noteLocked(text string, isErr bool) {
	if text == "" {
		return
	}
	s.last = Message{Text: text, Error: isErr, At: time.Now()}
	if isErr {
		logger.Warn("Session", "[%s] %s", s.spotID, text)
	} else {
		logger.Debug("Session", "[%s] %s", s.spotID, text)
	}
	for _, fn := range s.listeners {
		fn(s.last)
	}
}

// bind derives a request context that also ends when the session closes.
func (s *Session) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Load fetches the stored config, detection status and previous camera
// URLs. Failures degrade to defaults with a warning; the session stays
// usable either way.
func (s *Session) Load(ctx context.Context) {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	cfg, cfgErr := s.gw.LoadConfig(ctx, s.spotID)
	status, statusErr := s.gw.Status(ctx, s.spotID)
	urls, urlsErr := s.gw.PreviousURLs(ctx, s.spotID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.loaded = true

	var retarget string
	if cfgErr != nil {
		s.noteLocked(fmt.Sprintf("Could not load configuration, using defaults: %v", cfgErr), true)
	} else if cfg != nil {
		retarget = s.applyConfigLocked(cfg)
	}
	if statusErr != nil {
		logger.Warn("Session", "[%s] detection status: %v", s.spotID, statusErr)
	} else if status != nil {
		s.detecting = bool(status.IsRunning)
		if status.Mode != "" {
			s.mode = status.Mode
		}
	}
	if urlsErr != nil {
		logger.Warn("Session", "[%s] previous urls: %v", s.spotID, urlsErr)
	} else {
		s.camera.PreviousURLs = append([]string(nil), urls...)
	}
	detecting := s.detecting
	s.mu.Unlock()

	s.view.SetDetecting(detecting)
	if retarget != "" {
		s.src.SetURL(retarget)
	}
	logger.Info("Session", "[%s] loaded (slots=%d detecting=%v)", s.spotID, s.State().SlotCount, detecting)
}

// applyConfigLocked installs a loaded config and returns the camera URL
// the live source should switch to, if any.
func (s *Session) applyConfigLocked(cfg *gateway.SpotConfig) string {
	if cfg.Mode != "" {
		s.mode = cfg.Mode
	}
	if cfg.CameraSource != "" {
		s.camera.Source = cfg.CameraSource
	}
	s.camera.USBDeviceIndex = cfg.USBDeviceIndex

	var retarget string
	if s.urlPin == "" && cfg.CameraURL != "" {
		s.camera.URL = cfg.CameraURL
		retarget = cfg.CameraURL
	}

	if cfg.GridConfig == nil || len(cfg.GridConfig.Cells) == 0 {
		return retarget
	}
	grid := cfg.GridConfig.GridConfig
	next, out := annotation.Reduce(s.state, annotation.RestoreShapes{Slots: grid.Cells, AOI: grid.AOI})
	if out.Err != nil {
		s.noteLocked(out.Message, true)
		return retarget
	}
	s.state = next
	s.grid = &grid
	s.gridW, s.gridH = grid.FrameWidth, grid.FrameHeight
	s.autoDetected = grid.AutoDetected
	s.noteLocked(fmt.Sprintf("Loaded saved grid with %d slots", len(grid.Cells)), false)
	return retarget
}

// Close releases the realtime channel and cancels in-flight requests.
// Responses that arrive later are discarded. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.channel != nil {
		s.channel.Close()
	}
	s.cancel()
	logger.Info("Session", "[%s] session %s closed", s.spotID, s.id)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
