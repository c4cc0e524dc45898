package geometry

import (
	"math"

	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// Minimum extents in native pixels. A shape must be strictly larger on both axes.
const (
	MinSlotSize = 30
	MinAOISize  = 50
)

// NormalizeOrder swaps coordinates so that X1 <= X2 and Y1 <= Y2.
func NormalizeOrder(r types.Rectangle) types.Rectangle {
	return types.Rectangle{
		X1: math.Min(r.X1, r.X2),
		Y1: math.Min(r.Y1, r.Y2),
		X2: math.Max(r.X1, r.X2),
		Y2: math.Max(r.Y1, r.Y2),
	}
}

// IsAcceptableSlot reports whether r is large enough to become a slot.
func IsAcceptableSlot(r types.Rectangle) bool {
	return r.Width() > MinSlotSize && r.Height() > MinSlotSize
}

// IsAcceptableAOI reports whether r is large enough to become the AOI.
func IsAcceptableAOI(r types.Rectangle) bool {
	return r.Width() > MinAOISize && r.Height() > MinAOISize
}
