package annotation

import (
	"errors"

	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// ErrEmptyReplacement is returned by ReplaceAll when no slots are given.
var ErrEmptyReplacement = errors.New("replacement has no slots")

// Shapes is an immutable snapshot of the committed slots and the optional AOI.
// Every operation returns a new snapshot and leaves the receiver untouched.
// The zero value is an empty store.
type Shapes struct {
	slots []types.Slot
	aoi   *types.AOI
}

// Len returns the number of committed slots.
func (s Shapes) Len() int { return len(s.slots) }

// Slots returns a copy of the committed slots in commit order.
func (s Shapes) Slots() []types.Slot {
	out := make([]types.Slot, len(s.slots))
	copy(out, s.slots)
	return out
}

// AOI returns the area of interest, if one is set.
func (s Shapes) AOI() (types.AOI, bool) {
	if s.aoi == nil {
		return types.AOI{}, false
	}
	return *s.aoi, true
}

// NextSlotNumber is the number the next manually drawn slot will receive.
// It stays above every committed number.
func (s Shapes) NextSlotNumber() int {
	n := len(s.slots)
	for _, slot := range s.slots {
		n = max(n, slot.SlotNumber)
	}
	return n + 1
}

// AddSlot appends a slot numbered NextSlotNumber.
func (s Shapes) AddSlot(bbox types.Rectangle, norm types.NormalizedRectangle) (Shapes, types.Slot) {
	slot := types.Slot{SlotNumber: s.NextSlotNumber(), BBox: bbox, BBoxNormalized: norm}
	next := make([]types.Slot, len(s.slots), len(s.slots)+1)
	copy(next, s.slots)
	return Shapes{slots: append(next, slot), aoi: s.aoi}, slot
}

// SetAOI replaces any existing AOI.
func (s Shapes) SetAOI(aoi types.AOI) Shapes {
	return Shapes{slots: s.slots, aoi: &aoi}
}

// ClearAOI drops the AOI and keeps every slot.
func (s Shapes) ClearAOI() Shapes {
	return Shapes{slots: s.slots}
}

// UndoLastSlot removes the highest-numbered slot. It reports false and
// returns the receiver when there is nothing to remove.
func (s Shapes) UndoLastSlot() (Shapes, types.Slot, bool) {
	if len(s.slots) == 0 {
		return s, types.Slot{}, false
	}
	idx := 0
	for i, slot := range s.slots {
		if slot.SlotNumber >= s.slots[idx].SlotNumber {
			idx = i
		}
	}
	removed := s.slots[idx]
	next := make([]types.Slot, 0, len(s.slots)-1)
	next = append(next, s.slots[:idx]...)
	next = append(next, s.slots[idx+1:]...)
	return Shapes{slots: next, aoi: s.aoi}, removed, true
}

// ClearAll drops every slot and the AOI.
func (s Shapes) ClearAll() Shapes { return Shapes{} }

// ReplaceAll swaps the slot set for slots in one step. Slots are renumbered
// 1..n in the given order. On error the receiver is returned unchanged.
func (s Shapes) ReplaceAll(slots []types.Slot) (Shapes, error) {
	if len(slots) == 0 {
		return s, ErrEmptyReplacement
	}
	return Shapes{slots: prepareSlots(slots), aoi: s.aoi}, nil
}

// Restore builds a snapshot from persisted data, renumbering slots the way
// ReplaceAll does. Unlike ReplaceAll an empty slot list is allowed.
func Restore(slots []types.Slot, aoi *types.AOI) (Shapes, error) {
	out := Shapes{slots: prepareSlots(slots)}
	if aoi != nil {
		a := *aoi
		a.BBox = geometry.NormalizeOrder(a.BBox)
		out.aoi = &a
	}
	return out, nil
}

func prepareSlots(slots []types.Slot) []types.Slot {
	next := make([]types.Slot, len(slots))
	for i, slot := range slots {
		slot.SlotNumber = i + 1
		slot.Corners, slot.CornersNormalized = nil, nil
		slot.BBox = geometry.NormalizeOrder(slot.BBox)
		next[i] = slot
	}
	return next
}
