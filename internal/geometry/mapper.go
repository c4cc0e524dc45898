// Package geometry converts between rendered, native and normalized frame
// coordinates and validates calibration rectangles.
package geometry

import (
	"errors"

	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// ErrDegenerateCanvas is returned when the rendered canvas has no area.
var ErrDegenerateCanvas = errors.New("geometry: rendered canvas has zero size")

// Point is a position in some coordinate space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CanvasRect is the on-screen bounding box of the drawing surface, as a
// browser reports it from getBoundingClientRect.
type CanvasRect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ToNative maps a pointer position on the rendered canvas to native frame
// pixels. The rendered size must be supplied on every call; it changes with
// window resizes.
func ToNative(pointer Point, canvas CanvasRect, nativeW, nativeH float64) (Point, error) {
	if canvas.Width <= 0 || canvas.Height <= 0 {
		return Point{}, ErrDegenerateCanvas
	}
	scaleX := nativeW / canvas.Width
	scaleY := nativeH / canvas.Height
	return Point{
		X: (pointer.X - canvas.Left) * scaleX,
		Y: (pointer.Y - canvas.Top) * scaleY,
	}, nil
}

// ToNormalized divides each coordinate by the matching frame dimension.
func ToNormalized(r types.Rectangle, frameW, frameH float64) types.NormalizedRectangle {
	return types.NormalizedRectangle{
		X1: r.X1 / frameW,
		Y1: r.Y1 / frameH,
		X2: r.X2 / frameW,
		Y2: r.Y2 / frameH,
	}
}

// FromNormalized is the inverse of ToNormalized.
func FromNormalized(n types.NormalizedRectangle, frameW, frameH float64) types.Rectangle {
	return types.Rectangle{
		X1: n.X1 * frameW,
		Y1: n.Y1 * frameH,
		X2: n.X2 * frameW,
		Y2: n.Y2 * frameH,
	}
}
