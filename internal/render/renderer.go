// Package render projects the calibration shapes onto a drawing surface.
//
// Render is pure and returns the ordered list of draw calls; Rasterize
// executes such a list onto an image held at native frame resolution.
package render

import (
	"fmt"
	"image/color"
	"strconv"

	"github.com/dj-oyu/parking-calibrator/internal/annotation"
	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

// OpKind names a draw call.
type OpKind string

const (
	OpClear      OpKind = "clear"
	OpFillRect   OpKind = "fill_rect"
	OpStrokeRect OpKind = "stroke_rect"
	OpText       OpKind = "text"
)

// Paint is a non-premultiplied colour. It encodes as a CSS rgba() string.
type Paint color.NRGBA

func (p Paint) MarshalText() ([]byte, error) {
	a := strconv.FormatFloat(float64(p.A)/255, 'f', 2, 64)
	return []byte(fmt.Sprintf("rgba(%d,%d,%d,%s)", p.R, p.G, p.B, a)), nil
}

// Op is one draw call. X and Y are the top-left corner for rectangles and
// the text baseline origin for OpText.
type Op struct {
	Kind      OpKind  `json:"op"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	W         float64 `json:"w,omitempty"`
	H         float64 `json:"h,omitempty"`
	Paint     Paint   `json:"color"`
	LineWidth float64 `json:"line_width,omitempty"`
	Text      string  `json:"text,omitempty"`
	FontPx    float64 `json:"font_px,omitempty"`
}

var (
	dimPaint      = Paint{A: 128}
	aoiPaint      = Paint{R: 255, G: 255, A: 255}
	aoiFillPaint  = Paint{R: 255, G: 255, A: 26}
	slotPaint     = Paint{R: 0x10, G: 0xB9, B: 0x81, A: 255}
	slotFillPaint = Paint{R: 0x10, G: 0xB9, B: 0x81, A: 26}
	dragPaint     = Paint{R: 0xF5, G: 0x9E, B: 0x0B, A: 255}
)

const (
	aoiLineWidth  = 4
	slotLineWidth = 3
	dragLineWidth = 2
	aoiFontPx     = 20
	slotFontPx    = 24
)

// Scene is everything that ends up on the surface.
type Scene struct {
	Width, Height float64
	AOI           *types.AOI
	Slots         []types.Slot
	// InProgress is the rectangle being dragged, in raw drag order.
	InProgress     *types.Rectangle
	InProgressKind annotation.Kind
}

// Render returns the draw calls for scene: clear, then the AOI with the
// area outside it dimmed, then every slot, then the in-progress rectangle.
func Render(scene Scene) []Op {
	ops := []Op{{Kind: OpClear, W: scene.Width, H: scene.Height}}

	if scene.AOI != nil {
		r := geometry.NormalizeOrder(scene.AOI.BBox)
		w, h := scene.Width, scene.Height
		ops = append(ops,
			Op{Kind: OpFillRect, X: 0, Y: 0, W: w, H: r.Y1, Paint: dimPaint},
			Op{Kind: OpFillRect, X: 0, Y: r.Y1, W: r.X1, H: r.Height(), Paint: dimPaint},
			Op{Kind: OpFillRect, X: r.X2, Y: r.Y1, W: w - r.X2, H: r.Height(), Paint: dimPaint},
			Op{Kind: OpFillRect, X: 0, Y: r.Y2, W: w, H: h - r.Y2, Paint: dimPaint},
			Op{Kind: OpStrokeRect, X: r.X1, Y: r.Y1, W: r.Width(), H: r.Height(), Paint: aoiPaint, LineWidth: aoiLineWidth},
			Op{Kind: OpText, X: r.X1 + 10, Y: r.Y1 + 30, Paint: aoiPaint, Text: "AOI", FontPx: aoiFontPx},
		)
	}

	for _, slot := range scene.Slots {
		r := geometry.NormalizeOrder(slot.BBox)
		cx, cy := (r.X1+r.X2)/2, (r.Y1+r.Y2)/2
		ops = append(ops,
			Op{Kind: OpFillRect, X: r.X1, Y: r.Y1, W: r.Width(), H: r.Height(), Paint: slotFillPaint},
			Op{Kind: OpStrokeRect, X: r.X1, Y: r.Y1, W: r.Width(), H: r.Height(), Paint: slotPaint, LineWidth: slotLineWidth},
			// Labels use the persisted number, not the slot's position.
			Op{Kind: OpText, X: cx - 15, Y: cy + 8, Paint: slotPaint, Text: "#" + strconv.Itoa(slot.SlotNumber), FontPx: slotFontPx},
		)
	}

	if scene.InProgress != nil {
		r := geometry.NormalizeOrder(*scene.InProgress)
		if scene.InProgressKind == annotation.KindAOI {
			ops = append(ops,
				Op{Kind: OpStrokeRect, X: r.X1, Y: r.Y1, W: r.Width(), H: r.Height(), Paint: aoiPaint, LineWidth: aoiLineWidth},
				Op{Kind: OpFillRect, X: r.X1, Y: r.Y1, W: r.Width(), H: r.Height(), Paint: aoiFillPaint},
			)
		} else {
			ops = append(ops,
				Op{Kind: OpStrokeRect, X: r.X1, Y: r.Y1, W: r.Width(), H: r.Height(), Paint: dragPaint, LineWidth: dragLineWidth},
			)
		}
	}
	return ops
}

// SceneFrom builds a scene from an annotation state at the given surface size.
func SceneFrom(s annotation.State, width, height float64) Scene {
	scene := Scene{Width: width, Height: height, Slots: s.Shapes.Slots()}
	if aoi, ok := s.Shapes.AOI(); ok {
		scene.AOI = &aoi
	}
	if r, kind, ok := s.InProgress(); ok {
		scene.InProgress = &r
		scene.InProgressKind = kind
	}
	return scene
}
