// Package occupancy holds the live-monitoring view fed by the realtime
// channel and fans its snapshots out to stream subscribers.
package occupancy

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/realtime"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

const maxRecentChanges = 20

// Counts tallies slots by status.
type Counts struct {
	Occupied int `json:"occupied"`
	Vacant   int `json:"vacant"`
	Unknown  int `json:"unknown"`
}

// Snapshot is a copy of the view at one instant.
type Snapshot struct {
	SpotID        string                `json:"spot_id"`
	Connected     bool                  `json:"connected"`
	Detecting     bool                  `json:"detecting"`
	FPS           float64               `json:"fps"`
	NumSlots      int                   `json:"num_slots"`
	Occupancy     types.OccupancyStatus `json:"occupancy"`
	Counts        Counts                `json:"counts"`
	RecentChanges []types.StateChange   `json:"recent_changes"`
	FrameSeq      uint64                `json:"frame_seq"`
	LastMessage   string                `json:"last_message,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Message is a user-facing notice raised by an event.
type Message struct {
	Error bool
	Text  string
}

// View is the occupancy view model. It implements realtime.Handler.
type View struct {
	mu       sync.Mutex
	snap     Snapshot
	frame    []byte // last processed frame, JPEG
	updates  []func(Snapshot)
	messages []func(Message)
}

var _ realtime.Handler = (*View)(nil)

// NewView returns an empty view for spotID.
func NewView(spotID string) *View {
	return &View{snap: Snapshot{SpotID: spotID, Occupancy: types.OccupancyStatus{}}}
}

// OnUpdate registers fn to receive a snapshot after every change.
func (v *View) OnUpdate(fn func(Snapshot)) {
	v.mu.Lock()
	v.updates = append(v.updates, fn)
	v.mu.Unlock()
}

// OnMessage registers fn to receive user-facing notices.
func (v *View) OnMessage(fn func(Message)) {
	v.mu.Lock()
	v.messages = append(v.messages, fn)
	v.mu.Unlock()
}

// Snapshot returns a deep copy of the current view.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.copyLocked()
}

func (v *View) copyLocked() Snapshot {
	s := v.snap
	s.Occupancy = v.snap.Occupancy.Clone()
	s.RecentChanges = append([]types.StateChange(nil), v.snap.RecentChanges...)
	return s
}

// Frame returns the last processed frame from the detector.
func (v *View) Frame() ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame, len(v.frame) > 0
}

// update applies fn under the lock, then notifies listeners outside it.
func (v *View) update(fn func(s *Snapshot) *Message) {
	v.mu.Lock()
	msg := fn(&v.snap)
	if msg != nil {
		v.snap.LastMessage = msg.Text
	}
	v.snap.UpdatedAt = time.Now()
	snap := v.copyLocked()
	updates := append([]func(Snapshot){}, v.updates...)
	messages := append([]func(Message){}, v.messages...)
	v.mu.Unlock()

	if msg != nil {
		for _, fn := range messages {
			fn(*msg)
		}
	}
	for _, fn := range updates {
		fn(snap)
	}
}

// SetDetecting records whether the detector is running.
func (v *View) SetDetecting(on bool) {
	v.update(func(s *Snapshot) *Message {
		s.Detecting = on
		if !on {
			s.FPS = 0
		}
		return nil
	})
}

// SetConnected records the realtime channel state.
func (v *View) SetConnected(up bool) {
	v.update(func(s *Snapshot) *Message {
		s.Connected = up
		return nil
	})
}

func (v *View) OnOccupancy(ev realtime.OccupancyUpdate) {
	v.update(func(s *Snapshot) *Message {
		s.Occupancy = ev.Occupancy.Clone()
		if s.Occupancy == nil {
			s.Occupancy = types.OccupancyStatus{}
		}
		if ev.NumSlots > 0 {
			s.NumSlots = ev.NumSlots
		} else {
			s.NumSlots = len(s.Occupancy)
		}
		s.Counts = tally(s.Occupancy)
		return nil
	})
}

func (v *View) OnStateChange(ev realtime.StateChangeEvent) {
	v.update(func(s *Snapshot) *Message {
		s.RecentChanges = append(s.RecentChanges, ev.Change)
		if n := len(s.RecentChanges); n > maxRecentChanges {
			s.RecentChanges = s.RecentChanges[n-maxRecentChanges:]
		}
		return &Message{Text: fmt.Sprintf("Slot %d: %s → %s", ev.Change.SlotNumber, ev.Change.OldStatus, ev.Change.NewStatus)}
	})
}

func (v *View) OnFPS(ev realtime.FPSUpdate) {
	v.update(func(s *Snapshot) *Message {
		s.FPS = ev.FPS
		return nil
	})
}

func (v *View) OnCameraError(ev realtime.CameraError) {
	v.update(func(s *Snapshot) *Message {
		s.Detecting = false
		s.FPS = 0
		return &Message{Error: true, Text: "Camera error: " + ev.Message}
	})
}

func (v *View) OnProcessedFrame(ev realtime.ProcessedFrame) {
	data, err := DecodeImageData(ev.Frame)
	if err != nil || len(data) == 0 {
		return
	}
	v.mu.Lock()
	v.frame = data
	v.mu.Unlock()
	v.update(func(s *Snapshot) *Message {
		s.FrameSeq++
		return nil
	})
}

func (v *View) OnChannelError(ev realtime.ChannelError) {
	v.update(func(s *Snapshot) *Message {
		return &Message{Error: true, Text: "Realtime error: " + ev.Message}
	})
}

func tally(o types.OccupancyStatus) Counts {
	var c Counts
	for _, slot := range o {
		switch slot.Status {
		case types.StatusOccupied:
			c.Occupied++
		case types.StatusVacant:
			c.Vacant++
		default:
			c.Unknown++
		}
	}
	return c
}

// DecodeImageData decodes a base64 image, with or without a data: URL prefix.
func DecodeImageData(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return data, nil
}
