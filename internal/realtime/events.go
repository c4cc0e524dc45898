package realtime

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// Event names carried in the envelope.
const (
	EventJoinSpot       = "join_spot"
	EventLeaveSpot      = "leave_spot"
	EventOccupancy      = "occupancy_update"
	EventStateChange    = "state_change"
	EventFPS            = "fps_update"
	EventCameraError    = "camera_error"
	EventProcessedFrame = "processed_frame"
	EventError          = "error"
)

// Envelope is one websocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SpotID is a spot identifier that decodes from either a JSON string or a
// JSON number.
type SpotID string

func (s *SpotID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = SpotID(v)
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	*s = SpotID(strings.TrimSpace(string(data)))
	return nil
}

type roomPayload struct {
	SpotID string `json:"spot_id"`
}

// OccupancyUpdate replaces the occupancy view.
type OccupancyUpdate struct {
	SpotID    SpotID                `json:"spot_id"`
	Occupancy types.OccupancyStatus `json:"occupancy"`
	NumSlots  int                   `json:"num_slots,omitempty"`
}

// StateChangeEvent reports a single slot flipping status.
type StateChangeEvent struct {
	SpotID SpotID            `json:"spot_id"`
	Change types.StateChange `json:"change"`
}

// FPSUpdate carries the detector frame rate.
type FPSUpdate struct {
	SpotID SpotID  `json:"spot_id"`
	FPS    float64 `json:"fps"`
}

// CameraError reports a failure of the detector's camera worker.
type CameraError struct {
	SpotID  SpotID `json:"spot_id"`
	Message string `json:"message"`
}

// ProcessedFrame carries an annotated frame as base64 or a data: URL.
type ProcessedFrame struct {
	SpotID SpotID `json:"spot_id"`
	Frame  string `json:"frame"`
}

// ChannelError is a channel-level error. It has no spot.
type ChannelError struct {
	Message string `json:"message"`
}

// Handler receives decoded events for the channel's spot. Methods are
// called from the channel's read goroutine, one at a time.
type Handler interface {
	OnOccupancy(OccupancyUpdate)
	OnStateChange(StateChangeEvent)
	OnFPS(FPSUpdate)
	OnCameraError(CameraError)
	OnProcessedFrame(ProcessedFrame)
	OnChannelError(ChannelError)
}
