package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Rectangle is an axis-aligned box in native frame pixels.
// A rectangle taken straight from a drag may have X1 > X2 or Y1 > Y2.
type Rectangle struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

// Width returns the absolute horizontal extent.
func (r Rectangle) Width() float64 { return math.Abs(r.X2 - r.X1) }

// Height returns the absolute vertical extent.
func (r Rectangle) Height() float64 { return math.Abs(r.Y2 - r.Y1) }

// Rounded rounds every coordinate to the nearest whole pixel.
func (r Rectangle) Rounded() Rectangle {
	return Rectangle{
		X1: math.Round(r.X1),
		Y1: math.Round(r.Y1),
		X2: math.Round(r.X2),
		Y2: math.Round(r.Y2),
	}
}

// MarshalJSON encodes the rectangle as [x1, y1, x2, y2].
func (r Rectangle) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{r.X1, r.Y1, r.X2, r.Y2})
}

// UnmarshalJSON decodes a [x1, y1, x2, y2] array.
// A JSON null leaves the rectangle untouched.
func (r *Rectangle) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	var v [4]float64
	if err := decodeQuad(data, &v); err != nil {
		return err
	}
	*r = Rectangle{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return nil
}

// NormalizedRectangle is a Rectangle divided by frame width/height, in [0,1].
type NormalizedRectangle struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

// MarshalJSON encodes the rectangle as [x1, y1, x2, y2].
func (n NormalizedRectangle) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{n.X1, n.Y1, n.X2, n.Y2})
}

// UnmarshalJSON decodes a [x1, y1, x2, y2] array.
func (n *NormalizedRectangle) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	var v [4]float64
	if err := decodeQuad(data, &v); err != nil {
		return err
	}
	*n = NormalizedRectangle{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return nil
}

// IsZero reports whether all four coordinates are zero.
func (n NormalizedRectangle) IsZero() bool {
	return n == NormalizedRectangle{}
}

func isNull(data []byte) bool { return string(bytes.TrimSpace(data)) == "null" }

func decodeQuad(data []byte, out *[4]float64) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("rectangle needs 4 coordinates, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}

// Corner is one vertex of a slot outline.
type Corner struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Quad lists outline corners as top-left, top-right, bottom-right,
// bottom-left. The detector crops along it when present.
type Quad [4]Corner

// Quad returns the outline of the ordered rectangle.
func (r Rectangle) Quad() Quad {
	x1, x2 := math.Min(r.X1, r.X2), math.Max(r.X1, r.X2)
	y1, y2 := math.Min(r.Y1, r.Y2), math.Max(r.Y1, r.Y2)
	return Quad{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}}
}

// Quad returns the outline of the ordered rectangle.
func (n NormalizedRectangle) Quad() Quad {
	return Rectangle(n).Quad()
}

// Slot is one physical parking slot drawn on the frame.
// Corners are only filled on the persisted form.
type Slot struct {
	SlotNumber        int                 `json:"slot_number"`
	BBox              Rectangle           `json:"bbox"`
	BBoxNormalized    NormalizedRectangle `json:"bbox_normalized"`
	Corners           *Quad               `json:"corners,omitempty"`
	CornersNormalized *Quad               `json:"corners_normalized,omitempty"`
}

// AOI is the optional area of interest that bounds automatic slot detection.
type AOI struct {
	BBox           Rectangle           `json:"bbox"`
	BBoxNormalized NormalizedRectangle `json:"bbox_normalized"`
}

// GridConfig is the persisted unit of work consumed by the detector.
type GridConfig struct {
	SpotID       string `json:"spot_id"`
	Cells        []Slot `json:"cells"`
	FrameWidth   int    `json:"frame_width"`
	FrameHeight  int    `json:"frame_height"`
	CameraURL    string `json:"camera_url,omitempty"`
	AOI          *AOI   `json:"aoi,omitempty"`
	DetectedAt   int64  `json:"detected_at"`
	AutoDetected bool   `json:"auto_detected,omitempty"`
}

// SlotStatus is the live classification of a slot.
type SlotStatus string

const (
	StatusOccupied SlotStatus = "occupied"
	StatusVacant   SlotStatus = "vacant"
	StatusUnknown  SlotStatus = "unknown"
)

// UnmarshalJSON maps anything other than occupied/vacant to unknown.
func (s *SlotStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch SlotStatus(raw) {
	case StatusOccupied, StatusVacant:
		*s = SlotStatus(raw)
	default:
		*s = StatusUnknown
	}
	return nil
}

// SlotOccupancy is the detector's verdict for one slot.
type SlotOccupancy struct {
	Status     SlotStatus `json:"status"`
	Confidence float64    `json:"confidence"`
}

// OccupancyStatus maps slot_number (as a string key) to its occupancy.
type OccupancyStatus map[string]SlotOccupancy

// Clone returns an independent copy.
func (o OccupancyStatus) Clone() OccupancyStatus {
	if o == nil {
		return nil
	}
	out := make(OccupancyStatus, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// StateChange describes a single slot transition reported by the detector.
type StateChange struct {
	SlotNumber int        `json:"slot_number"`
	OldStatus  SlotStatus `json:"old_status"`
	NewStatus  SlotStatus `json:"new_status"`
}

// UnmarshalJSON accepts either a flat slot map or the detector's
// {"slots": {...}} wrapper.
func (o *OccupancyStatus) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Slots map[string]SlotOccupancy `json:"slots"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Slots != nil {
		*o = OccupancyStatus(wrapped.Slots)
		return nil
	}
	flat := map[string]SlotOccupancy{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*o = OccupancyStatus(flat)
	return nil
}
