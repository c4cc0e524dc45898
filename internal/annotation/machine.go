package annotation

import (
	"fmt"

	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// State is everything the reducer needs. Values are copied on every
// transition; Shapes is itself immutable.
type State struct {
	Mode   Mode
	Frozen bool
	// FrameWidth and FrameHeight are the native size of the last frozen
	// frame. They survive an unfreeze so a save can still normalize.
	FrameWidth  int
	FrameHeight int
	// Drag is the in-progress rectangle in native coordinates. It is only
	// non-nil while Mode is a drawing mode.
	Drag     *types.Rectangle
	Shapes   Shapes
	MaxSlots int // 0 means unlimited
}

// Event is an input to Reduce.
type Event interface{ isEvent() }

type (
	StartAOI     struct{}
	StartSlot    struct{}
	Cancel       struct{}
	Unfrozen     struct{}
	UndoLastSlot struct{}
	ClearAOI     struct{}
	ClearAll     struct{}

	PointerDown struct{ P geometry.Point }
	PointerMove struct{ P geometry.Point }
	PointerUp   struct{ P geometry.Point }

	// Frozen records a successful freeze of a frame of the given size.
	Frozen struct{ Width, Height int }

	// ReplaceSlots swaps the slot set in one step, keeping the AOI.
	ReplaceSlots struct{ Slots []types.Slot }

	// RestoreShapes installs persisted shapes, replacing slots and AOI.
	RestoreShapes struct {
		Slots []types.Slot
		AOI   *types.AOI
	}
)

func (StartAOI) isEvent()      {}
func (StartSlot) isEvent()     {}
func (Cancel) isEvent()        {}
func (Unfrozen) isEvent()      {}
func (UndoLastSlot) isEvent()  {}
func (ClearAOI) isEvent()      {}
func (ClearAll) isEvent()      {}
func (PointerDown) isEvent()   {}
func (PointerMove) isEvent()   {}
func (PointerUp) isEvent()     {}
func (Frozen) isEvent()        {}
func (ReplaceSlots) isEvent()  {}
func (RestoreShapes) isEvent() {}

// Commit describes a shape that was added by a PointerUp.
type Commit struct {
	Kind Kind
	Slot types.Slot // set when Kind is KindSlot
	AOI  types.AOI  // set when Kind is KindAOI
}

// Outcome reports what a transition did besides changing state.
type Outcome struct {
	Err       error
	Message   string
	Committed *Commit
	Redraw    bool
}

// Reduce applies ev to s. It never mutates s and never blocks.
func Reduce(s State, ev Event) (State, Outcome) {
	switch e := ev.(type) {
	case StartAOI:
		if !s.Frozen {
			err := &PreconditionError{Action: "draw AOI", Reason: "freeze the frame first"}
			return s, Outcome{Err: err, Message: "Please freeze the frame first before drawing AOI"}
		}
		s.Mode, s.Drag = ModeDrawingAOI, nil
		return s, Outcome{Message: "Draw Area of Interest (AOI) - click and drag to define region", Redraw: true}

	case StartSlot:
		if s.MaxSlots > 0 && s.Shapes.Len() >= s.MaxSlots {
			err := &CapacityError{Max: s.MaxSlots}
			return s, Outcome{Err: err, Message: fmt.Sprintf("Maximum %d slots reached", s.MaxSlots)}
		}
		if !s.Frozen {
			err := &PreconditionError{Action: "draw slot", Reason: "freeze the frame first"}
			return s, Outcome{Err: err, Message: "Please freeze the frame first before drawing slots"}
		}
		s.Mode, s.Drag = ModeDrawingSlot, nil
		return s, Outcome{Message: fmt.Sprintf("Draw slot #%d - click and drag on the image", s.Shapes.NextSlotNumber()), Redraw: true}

	case PointerDown:
		if _, ok := s.Mode.kind(); !ok {
			return s, Outcome{}
		}
		s.Drag = &types.Rectangle{X1: e.P.X, Y1: e.P.Y, X2: e.P.X, Y2: e.P.Y}
		return s, Outcome{Redraw: true}

	case PointerMove:
		if s.Drag == nil {
			return s, Outcome{}
		}
		d := *s.Drag
		d.X2, d.Y2 = e.P.X, e.P.Y
		s.Drag = &d
		return s, Outcome{Redraw: true}

	case PointerUp:
		return finishDrag(s, e.P)

	case Cancel:
		s.Mode, s.Drag = ModeIdle, nil
		return s, Outcome{Redraw: true}

	case Frozen:
		s.Frozen = true
		s.FrameWidth, s.FrameHeight = e.Width, e.Height
		s.Mode, s.Drag = ModeIdle, nil
		return s, Outcome{Message: "Frame frozen - you can now draw", Redraw: true}

	case Unfrozen:
		s.Frozen = false
		s.Mode, s.Drag = ModeIdle, nil
		return s, Outcome{Message: "Live view resumed", Redraw: true}

	case UndoLastSlot:
		next, removed, ok := s.Shapes.UndoLastSlot()
		if !ok {
			return s, Outcome{}
		}
		s.Shapes = next
		return s, Outcome{Message: fmt.Sprintf("Deleted slot #%d", removed.SlotNumber), Redraw: true}

	case ClearAOI:
		s.Shapes = s.Shapes.ClearAOI()
		if s.Mode == ModeDrawingAOI {
			s.Mode, s.Drag = ModeIdle, nil
		}
		return s, Outcome{Message: "AOI cleared", Redraw: true}

	case ClearAll:
		s.Shapes = s.Shapes.ClearAll()
		s.Mode, s.Drag = ModeIdle, nil
		return s, Outcome{Message: "All shapes cleared", Redraw: true}

	case ReplaceSlots:
		next, err := s.Shapes.ReplaceAll(e.Slots)
		if err != nil {
			return s, Outcome{Err: err, Message: "Detection result rejected: " + err.Error()}
		}
		s.Shapes = next
		s.Mode, s.Drag = ModeIdle, nil
		return s, Outcome{Message: fmt.Sprintf("Detected %d slots", next.Len()), Redraw: true}

	case RestoreShapes:
		next, err := Restore(e.Slots, e.AOI)
		if err != nil {
			return s, Outcome{Err: err, Message: "Saved configuration rejected: " + err.Error()}
		}
		s.Shapes = next
		s.Mode, s.Drag = ModeIdle, nil
		return s, Outcome{Redraw: true}
	}
	return s, Outcome{}
}

func finishDrag(s State, p geometry.Point) (State, Outcome) {
	kind, ok := s.Mode.kind()
	if !ok || s.Drag == nil {
		return s, Outcome{}
	}
	d := *s.Drag
	d.X2, d.Y2 = p.X, p.Y
	r := geometry.NormalizeOrder(d)
	s.Drag = nil
	s.Mode = ModeIdle

	fw, fh := float64(s.FrameWidth), float64(s.FrameHeight)
	switch kind {
	case KindAOI:
		if !geometry.IsAcceptableAOI(r) {
			err := &ValidationError{Kind: KindAOI, Width: r.Width(), Height: r.Height(), Min: geometry.MinAOISize}
			return s, Outcome{Err: err, Message: "AOI too small, try again", Redraw: true}
		}
		aoi := types.AOI{BBox: r, BBoxNormalized: geometry.ToNormalized(r, fw, fh)}
		s.Shapes = s.Shapes.SetAOI(aoi)
		return s, Outcome{
			Message:   "AOI defined - now draw parking slots within this area",
			Committed: &Commit{Kind: KindAOI, AOI: aoi},
			Redraw:    true,
		}
	default:
		if !geometry.IsAcceptableSlot(r) {
			err := &ValidationError{Kind: KindSlot, Width: r.Width(), Height: r.Height(), Min: geometry.MinSlotSize}
			return s, Outcome{Err: err, Message: "Slot too small, try again", Redraw: true}
		}
		if s.MaxSlots > 0 && s.Shapes.Len() >= s.MaxSlots {
			err := &CapacityError{Max: s.MaxSlots}
			return s, Outcome{Err: err, Message: fmt.Sprintf("Maximum %d slots reached", s.MaxSlots), Redraw: true}
		}
		next, slot := s.Shapes.AddSlot(r, geometry.ToNormalized(r, fw, fh))
		s.Shapes = next
		return s, Outcome{
			Message:   fmt.Sprintf("Slot #%d added", slot.SlotNumber),
			Committed: &Commit{Kind: KindSlot, Slot: slot},
			Redraw:    true,
		}
	}
}

// InProgress returns the drag rectangle and its kind for rendering.
func (s State) InProgress() (types.Rectangle, Kind, bool) {
	kind, ok := s.Mode.kind()
	if !ok || s.Drag == nil {
		return types.Rectangle{}, 0, false
	}
	return *s.Drag, kind, true
}
