package calibration

import (
	"github.com/dj-oyu/parking-calibrator/internal/annotation"
	"github.com/dj-oyu/parking-calibrator/internal/render"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// StateView is a read-only copy of the session for the operator page.
type StateView struct {
	SessionID      string           `json:"session_id"`
	SpotID         string           `json:"spot_id"`
	Loaded         bool             `json:"loaded"`
	Mode           string           `json:"mode"`
	Frozen         bool             `json:"frozen"`
	FrameWidth     int              `json:"frame_width"`
	FrameHeight    int              `json:"frame_height"`
	Slots          []types.Slot     `json:"slots"`
	SlotCount      int              `json:"slot_count"`
	MaxSlots       int              `json:"max_slots"`
	NextSlot       int              `json:"next_slot"`
	AOI            *types.AOI       `json:"aoi,omitempty"`
	InProgress     *types.Rectangle `json:"in_progress,omitempty"`
	InProgressKind string           `json:"in_progress_kind,omitempty"`
	AutoDetecting  bool             `json:"auto_detecting"`
	AutoDetected   bool             `json:"auto_detected"`
	GridSaved      bool             `json:"grid_saved"`
	Detecting      bool             `json:"detecting"`
	OperatingMode  string           `json:"operating_mode"`
	Camera         Camera           `json:"camera"`
	LastMessage    Message          `json:"last_message"`
}

// State returns a snapshot of the session.
func (s *Session) State() StateView {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	v := StateView{
		SessionID:     s.id,
		SpotID:        s.spotID,
		Loaded:        s.loaded,
		Mode:          st.Mode.String(),
		Frozen:        st.Frozen,
		FrameWidth:    st.FrameWidth,
		FrameHeight:   st.FrameHeight,
		Slots:         st.Shapes.Slots(),
		SlotCount:     st.Shapes.Len(),
		MaxSlots:      st.MaxSlots,
		NextSlot:      st.Shapes.NextSlotNumber(),
		AutoDetecting: s.pending,
		AutoDetected:  s.autoDetected,
		GridSaved:     s.grid != nil,
		Detecting:     s.detecting,
		OperatingMode: s.mode,
		Camera:        s.camera,
		LastMessage:   s.last,
	}
	v.Camera.PreviousURLs = append([]string{}, s.camera.PreviousURLs...)
	if aoi, ok := st.Shapes.AOI(); ok {
		v.AOI = &aoi
	}
	if r, kind, ok := st.InProgress(); ok {
		v.InProgress = &r
		v.InProgressKind = kind.String()
	}
	return v
}

// Annotation returns the current reducer state.
func (s *Session) Annotation() annotation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scene returns what the overlay should draw, sized to the displayed frame.
func (s *Session) Scene() (render.Scene, bool) {
	w, h, ok := s.frames.Size()
	if !ok {
		return render.Scene{}, false
	}
	return render.SceneFrom(s.Annotation(), float64(w), float64(h)), true
}
