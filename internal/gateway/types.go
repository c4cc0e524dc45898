package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// Camera sources accepted by save-camera-url.
const (
	SourceIPCamera = "ip_camera"
	SourceUSB      = "usb"
)

// Operating modes for toggle-mode.
const (
	ModeManual = "manual"
	ModeAI     = "ai"
)

// SpotConfig is the config object returned by GET /api/ai/config/{spot}.
type SpotConfig struct {
	Mode           string      `json:"mode"`
	CameraURL      string      `json:"camera_url"`
	CameraSource   string      `json:"camera_source"`
	USBDeviceIndex *int        `json:"usb_device_index"`
	GridConfig     *StoredGrid `json:"grid_config"`
}

// StoredGrid is a persisted grid. The backend keeps it in a JSON column and
// may return it either as an object or as a JSON-encoded string.
type StoredGrid struct {
	types.GridConfig
}

func (g *StoredGrid) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		data = []byte(s)
	}
	return json.Unmarshal(data, &g.GridConfig)
}

// DetectionStatus is the reply of GET /api/ai/status/{spot}.
type DetectionStatus struct {
	IsRunning Flag     `json:"is_running"`
	Mode      string   `json:"mode"`
	FPS       *float64 `json:"fps"`
}

// Flag decodes the backend's booleans, which arrive as true/false, 0/1 or
// null depending on the database driver.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch s := string(bytes.TrimSpace(data)); s {
	case "null", "false", "0", `""`:
		*f = false
	case "true":
		*f = true
	default:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			*f = n != 0
			return nil
		}
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*f = Flag(b)
	}
	return nil
}

// CameraURLRequest is the body of save-camera-url.
type CameraURLRequest struct {
	CameraURL      string `json:"camera_url"`
	CameraSource   string `json:"camera_source"`
	USBDeviceIndex *int   `json:"usb_device_index,omitempty"`
}

// DetectRequest is the body of detect-grid. Frame is a base64 JPEG.
type DetectRequest struct {
	Frame string     `json:"frame"`
	AOI   *types.AOI `json:"aoi,omitempty"`
}

// DetectResponse is the reply of detect-grid. Cell bboxes are in the
// coordinates of the image that was sent.
type DetectResponse struct {
	Success        bool         `json:"success"`
	Cells          []types.Slot `json:"cells"`
	NumCells       int          `json:"num_cells"`
	AnnotatedFrame string       `json:"annotated_frame,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// StartResponse is the reply of start-detection.
type StartResponse struct {
	Success  bool   `json:"success"`
	NumSlots int    `json:"num_slots"`
	Message  string `json:"message"`
}
