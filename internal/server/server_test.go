package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/parking-calibrator/internal/calibration"
	"github.com/dj-oyu/parking-calibrator/internal/gateway"
	"github.com/dj-oyu/parking-calibrator/internal/livefeed"
	"github.com/dj-oyu/parking-calibrator/internal/occupancy"
	"github.com/dj-oyu/parking-calibrator/internal/realtime"
	"github.com/dj-oyu/parking-calibrator/internal/source"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

type fakeCamera struct {
	mu  sync.Mutex
	img image.Image
	url string
}

func (c *fakeCamera) Latest() (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img, c.img != nil
}

func (c *fakeCamera) LatestJPEG() ([]byte, bool) {
	img, ok := c.Latest()
	if !ok {
		return nil, false
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func (c *fakeCamera) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *fakeCamera) SetURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

func (c *fakeCamera) Status() source.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return source.Status{URL: c.url, Connected: c.img != nil}
}

type fakeGateway struct {
	mu      sync.Mutex
	saved   []types.GridConfig
	saveErr error
}

func (g *fakeGateway) LoadConfig(ctx context.Context, spotID string) (*gateway.SpotConfig, error) {
	return &gateway.SpotConfig{Mode: gateway.ModeManual}, nil
}

func (g *fakeGateway) Status(ctx context.Context, spotID string) (*gateway.DetectionStatus, error) {
	return &gateway.DetectionStatus{}, nil
}

func (g *fakeGateway) PreviousURLs(ctx context.Context, spotID string) ([]string, error) {
	return nil, nil
}

func (g *fakeGateway) SaveCameraURL(ctx context.Context, spotID string, req gateway.CameraURLRequest) error {
	return nil
}

func (g *fakeGateway) DetectGrid(ctx context.Context, req gateway.DetectRequest) (*gateway.DetectResponse, error) {
	return &gateway.DetectResponse{Success: false}, nil
}

func (g *fakeGateway) SaveGridConfig(ctx context.Context, spotID string, cfg types.GridConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return g.saveErr
	}
	g.saved = append(g.saved, cfg)
	return nil
}

func (g *fakeGateway) ClearGridConfig(ctx context.Context, spotID string) error { return nil }

func (g *fakeGateway) StartDetection(ctx context.Context, spotID string, cfg types.GridConfig) (*gateway.StartResponse, error) {
	return &gateway.StartResponse{Success: true, NumSlots: len(cfg.Cells)}, nil
}

func (g *fakeGateway) StopDetection(ctx context.Context, spotID string) error { return nil }

func (g *fakeGateway) ToggleMode(ctx context.Context, spotID, mode string) (string, error) {
	return mode, nil
}

type testEnv struct {
	srv     *httptest.Server
	session *calibration.Session
	view    *occupancy.View
	gw      *fakeGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cam := &fakeCamera{img: image.NewRGBA(image.Rect(0, 0, 640, 480)), url: "http://cam.local/video"}
	gw := &fakeGateway{}
	view := occupancy.NewView("7")
	broadcaster := occupancy.NewBroadcaster(nil)
	broadcaster.Attach(view)

	session := calibration.New(calibration.Options{SpotID: "7", Gateway: gw, Source: cam, View: view})
	session.Load(context.Background())

	srv := httptest.NewServer(NewServer(Config{}, session, cam, broadcaster, nil, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		broadcaster.Close()
		session.Close()
	})
	return &testEnv{srv: srv, session: session, view: view, gw: gw}
}

type actionResponse struct {
	OK      bool                  `json:"ok"`
	Error   string                `json:"error"`
	Message string                `json:"message"`
	State   calibration.StateView `json:"state"`
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, actionResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", reader)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var out actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, body
}

// canvas shows the 640x480 frame at half size.
var canvas = map[string]float64{"left": 0, "top": 0, "width": 320, "height": 240}

// drawSlot drags page (10,10)-(60,60), native (20,20)-(120,120).
func (e *testEnv) drawSlot(t *testing.T) actionResponse {
	t.Helper()
	e.mustOK(t, "/api/slot/start", nil)
	e.mustOK(t, "/api/pointer/down", map[string]any{"x": 10, "y": 10, "canvas": canvas})
	e.mustOK(t, "/api/pointer/move", map[string]any{"x": 60, "y": 60, "canvas": canvas})
	return e.mustOK(t, "/api/pointer/up", map[string]any{"x": 60, "y": 60, "canvas": canvas})
}

func (e *testEnv) mustOK(t *testing.T, path string, body any) actionResponse {
	t.Helper()
	status, out := e.post(t, path, body)
	if status != http.StatusOK || !out.OK {
		t.Fatalf("POST %s: status %d, error %q", path, status, out.Error)
	}
	return out
}

func TestFreezeDrawAndSave(t *testing.T) {
	e := newTestEnv(t)

	out := e.mustOK(t, "/api/freeze", nil)
	if !out.State.Frozen || out.State.FrameWidth != 640 || out.State.FrameHeight != 480 {
		t.Fatalf("after freeze: frozen=%v %dx%d", out.State.Frozen, out.State.FrameWidth, out.State.FrameHeight)
	}

	out = e.drawSlot(t)
	if out.State.SlotCount != 1 {
		t.Fatalf("slot_count = %d, want 1", out.State.SlotCount)
	}
	got := out.State.Slots[0].BBox
	if got != (types.Rectangle{X1: 20, Y1: 20, X2: 120, Y2: 120}) {
		t.Fatalf("bbox = %+v, want native (20,20)-(120,120)", got)
	}

	out = e.mustOK(t, "/api/save", nil)
	if !out.State.GridSaved {
		t.Fatal("grid_saved = false after save")
	}
	if len(e.gw.saved) != 1 || len(e.gw.saved[0].Cells) != 1 {
		t.Fatalf("saved grids = %+v", e.gw.saved)
	}
	if e.gw.saved[0].FrameWidth != 640 || e.gw.saved[0].FrameHeight != 480 {
		t.Fatalf("saved frame size = %dx%d", e.gw.saved[0].FrameWidth, e.gw.saved[0].FrameHeight)
	}
}

func TestActionErrorStatus(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{name: "auto-detect while live", path: "/api/auto-detect", status: http.StatusConflict},
		{name: "save without slots", path: "/api/save", status: http.StatusConflict},
		{name: "start without grid", path: "/api/detection/start", status: http.StatusConflict},
		{name: "unknown mode", path: "/api/mode", body: map[string]string{"mode": "turbo"}, status: http.StatusBadRequest},
		{name: "empty camera url", path: "/api/camera-url", body: map[string]string{"camera_url": " "}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := e.post(t, tt.path, tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (error %q)", status, tt.status, out.Error)
			}
			if out.OK || out.Error == "" {
				t.Fatalf("expected an error body, got %+v", out)
			}
		})
	}
}

func TestAutoDetectWhileLiveReportsMessage(t *testing.T) {
	e := newTestEnv(t)
	_, out := e.post(t, "/api/auto-detect", nil)
	if out.Message != "Please freeze the frame first" {
		t.Fatalf("message = %q", out.Message)
	}
	if !out.State.LastMessage.Error {
		t.Fatal("last_message.error = false")
	}
}

func TestPointerWithDegenerateCanvas(t *testing.T) {
	e := newTestEnv(t)
	e.mustOK(t, "/api/freeze", nil)
	e.mustOK(t, "/api/slot/start", nil)

	status, _ := e.post(t, "/api/pointer/down", map[string]any{"x": 1, "y": 1, "canvas": map[string]float64{"width": 0, "height": 0}})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestPointerRejectsBadBody(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Post(e.srv.URL+"/api/pointer/down", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSaveBackendFailure(t *testing.T) {
	e := newTestEnv(t)
	e.gw.saveErr = &gateway.NetworkError{Op: "save-grid", Status: http.StatusInternalServerError, Message: "db down"}

	e.mustOK(t, "/api/freeze", nil)
	e.drawSlot(t)

	status, out := e.post(t, "/api/save", nil)
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
	if out.State.GridSaved {
		t.Fatal("grid_saved = true after a failed save")
	}
}

func TestActionsRequirePost(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/api/freeze", "/api/save", "/api/pointer/down", "/api/mode", "/api/camera-url"} {
		resp, _ := e.get(t, path)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s: status = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestClosedSession(t *testing.T) {
	e := newTestEnv(t)
	e.session.Close()

	status, _ := e.post(t, "/api/freeze", nil)
	if status != http.StatusGone {
		t.Fatalf("status = %d, want 410", status)
	}

	_, body := e.get(t, "/health")
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "closed" {
		t.Fatalf("health status = %v, want closed", health["status"])
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["spot_id"] != "7" || health["camera"] != true {
		t.Fatalf("health = %v", health)
	}
}

func TestStateEndpoint(t *testing.T) {
	e := newTestEnv(t)
	_, body := e.get(t, "/api/state")

	var payload struct {
		Session calibration.StateView `json:"session"`
		Camera  source.Status         `json:"camera"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if payload.Session.SpotID != "7" || !payload.Session.Loaded {
		t.Fatalf("session = %+v", payload.Session)
	}
	if payload.Session.Mode != "idle" || payload.Session.Frozen {
		t.Fatalf("mode = %q frozen = %v", payload.Session.Mode, payload.Session.Frozen)
	}
	if payload.Camera.URL != "http://cam.local/video" {
		t.Fatalf("camera url = %q", payload.Camera.URL)
	}
}

func TestRenderOps(t *testing.T) {
	e := newTestEnv(t)
	e.mustOK(t, "/api/freeze", nil)
	e.drawSlot(t)

	_, body := e.get(t, "/api/render")
	var scene struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
		Ops    []struct {
			Op   string `json:"op"`
			Text string `json:"text"`
		} `json:"ops"`
	}
	if err := json.Unmarshal(body, &scene); err != nil {
		t.Fatalf("decode render: %v", err)
	}
	if scene.Width != 640 || scene.Height != 480 {
		t.Fatalf("scene size = %vx%v", scene.Width, scene.Height)
	}
	if len(scene.Ops) == 0 || scene.Ops[0].Op != "clear" {
		t.Fatalf("ops = %+v, want a leading clear", scene.Ops)
	}
	var label bool
	for _, op := range scene.Ops {
		if op.Op == "text" && op.Text == "#1" {
			label = true
		}
	}
	if !label {
		t.Fatalf("no #1 label in %+v", scene.Ops)
	}
}

func TestFrameAndOverlayImages(t *testing.T) {
	e := newTestEnv(t)
	e.mustOK(t, "/api/freeze", nil)
	e.drawSlot(t)

	resp, body := e.get(t, "/api/frame.jpg?overlay=1")
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("frame content type = %q", ct)
	}
	img, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Fatalf("frame size = %v", b)
	}

	resp, body = e.get(t, "/api/overlay.png")
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("overlay content type = %q", ct)
	}
	overlay, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	// The slot outline is drawn at its native left edge.
	if _, _, _, a := overlay.At(20, 70).RGBA(); a == 0 {
		t.Fatal("overlay is transparent on the slot outline")
	}
}

func TestProcessedFrameMissing(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.get(t, "/api/occupancy/frame.jpg")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOccupancySnapshot(t *testing.T) {
	e := newTestEnv(t)
	e.view.OnOccupancy(realtime.OccupancyUpdate{
		SpotID: "7",
		Occupancy: types.OccupancyStatus{
			"1": {Status: types.StatusOccupied, Confidence: 0.9},
			"2": {Status: types.StatusVacant, Confidence: 0.8},
		},
	})

	_, body := e.get(t, "/api/occupancy")
	var snap occupancy.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode occupancy: %v", err)
	}
	if snap.Counts.Occupied != 1 || snap.Counts.Vacant != 1 || snap.NumSlots != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

// readEvent returns the first SSE data payload from path.
func readEvent(t *testing.T, e *testEnv, path, accept string) (http.Header, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			return resp.Header, data
		}
	}
	t.Fatalf("no event on %s: %v", path, scanner.Err())
	return nil, ""
}

func TestOccupancyStreamJSON(t *testing.T) {
	e := newTestEnv(t)
	e.view.OnOccupancy(realtime.OccupancyUpdate{
		SpotID:    "7",
		Occupancy: types.OccupancyStatus{"1": {Status: types.StatusOccupied, Confidence: 0.9}},
	})

	header, data := readEvent(t, e, "/api/occupancy/stream", "")
	if got := header.Get("X-Content-Format"); got != "application/json" {
		t.Fatalf("X-Content-Format = %q", got)
	}
	var snap occupancy.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if snap.Counts.Occupied != 1 {
		t.Fatalf("occupied = %d, want 1", snap.Counts.Occupied)
	}
}

func TestOccupancyStreamProtobuf(t *testing.T) {
	e := newTestEnv(t)
	e.view.OnOccupancy(realtime.OccupancyUpdate{
		SpotID:    "7",
		Occupancy: types.OccupancyStatus{"1": {Status: types.StatusVacant, Confidence: 0.7}},
	})

	header, data := readEvent(t, e, "/api/occupancy/stream", "application/protobuf")
	if got := header.Get("X-Content-Format"); got != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", got)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal struct: %v", err)
	}
	if got := st.Fields["spot_id"].GetStringValue(); got != "7" {
		t.Fatalf("spot_id = %q", got)
	}
}

func TestStateStream(t *testing.T) {
	e := newTestEnv(t)
	_, data := readEvent(t, e, "/api/state/stream", "")

	var payload struct {
		Session calibration.StateView `json:"session"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if payload.Session.SpotID != "7" {
		t.Fatalf("spot_id = %q", payload.Session.SpotID)
	}
}

func TestIndex(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.get(t, "/")
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}
	if !bytes.Contains(body, []byte("/api/pointer/down")) {
		t.Fatal("index page does not post pointer input")
	}

	resp, _ = e.get(t, "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", resp.StatusCode)
	}
}

func TestOfferWithoutLiveFeed(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Post(e.srv.URL+"/api/webrtc/offer", "application/json", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOfferRejected(t *testing.T) {
	e := newTestEnv(t)
	feed := livefeed.NewServer(livefeed.Config{}, nil)
	defer feed.Close()
	srv := NewServer(Config{}, e.session, &fakeCamera{}, occupancy.NewBroadcaster(nil), nil, feed)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/webrtc/offer", strings.NewReader(`{"type":"answer","sdp":"v=0"}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
