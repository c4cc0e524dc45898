package geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

const tolerance = 1e-6

func near(a, b float64) bool { return math.Abs(a-b) <= tolerance }

func TestToNativeScalesByRenderedSize(t *testing.T) {
	canvas := CanvasRect{Left: 20, Top: 40, Width: 640, Height: 360}
	p, err := ToNative(Point{X: 340, Y: 220}, canvas, 1280, 720)
	if err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	if !near(p.X, 640) || !near(p.Y, 360) {
		t.Fatalf("ToNative = %+v, want (640,360)", p)
	}

	// Same pointer after the window was resized to native size.
	canvas.Width, canvas.Height = 1280, 720
	p, _ = ToNative(Point{X: 340, Y: 220}, canvas, 1280, 720)
	if !near(p.X, 320) || !near(p.Y, 180) {
		t.Fatalf("ToNative after resize = %+v, want (320,180)", p)
	}
}

func TestToNativeRejectsEmptyCanvas(t *testing.T) {
	if _, err := ToNative(Point{}, CanvasRect{Width: 0, Height: 10}, 100, 100); err != ErrDegenerateCanvas {
		t.Fatalf("err = %v, want ErrDegenerateCanvas", err)
	}
}

func TestNormalizedRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		w := 1 + rng.Float64()*4000
		h := 1 + rng.Float64()*4000
		r := NormalizeOrder(types.Rectangle{
			X1: rng.Float64() * w, Y1: rng.Float64() * h,
			X2: rng.Float64() * w, Y2: rng.Float64() * h,
		})
		got := FromNormalized(ToNormalized(r, w, h), w, h)
		if !near(got.X1, r.X1) || !near(got.Y1, r.Y1) || !near(got.X2, r.X2) || !near(got.Y2, r.Y2) {
			t.Fatalf("round trip %d: %+v -> %+v (w=%v h=%v)", i, r, got, w, h)
		}
	}
}

func TestScenarioNormalization(t *testing.T) {
	n := ToNormalized(types.Rectangle{X1: 100, Y1: 100, X2: 250, Y2: 200}, 1280, 720)
	want := [4]float64{0.078, 0.139, 0.195, 0.278}
	got := [4]float64{n.X1, n.Y1, n.X2, n.Y2}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 5e-4 {
			t.Fatalf("normalized[%d] = %v, want ~%v", i, got[i], want[i])
		}
	}
}

func TestNormalizeOrder(t *testing.T) {
	r := NormalizeOrder(types.Rectangle{X1: 250, Y1: 200, X2: 100, Y2: 100})
	if r != (types.Rectangle{X1: 100, Y1: 100, X2: 250, Y2: 200}) {
		t.Fatalf("NormalizeOrder = %+v", r)
	}
}

func TestMinimumSizes(t *testing.T) {
	tests := []struct {
		name string
		r    types.Rectangle
		slot bool
		aoi  bool
	}{
		{"exactly 30", types.Rectangle{X2: 30, Y2: 30}, false, false},
		{"31 square", types.Rectangle{X2: 31, Y2: 31}, true, false},
		{"wide but flat", types.Rectangle{X2: 500, Y2: 30}, false, false},
		{"exactly 50", types.Rectangle{X2: 50, Y2: 50}, true, false},
		{"51 square", types.Rectangle{X2: 51, Y2: 51}, true, true},
		{"reversed drag", types.Rectangle{X1: 200, Y1: 200, X2: 100, Y2: 100}, true, true},
	}
	for _, tt := range tests {
		if got := IsAcceptableSlot(tt.r); got != tt.slot {
			t.Errorf("%s: IsAcceptableSlot = %v, want %v", tt.name, got, tt.slot)
		}
		if got := IsAcceptableAOI(tt.r); got != tt.aoi {
			t.Errorf("%s: IsAcceptableAOI = %v, want %v", tt.name, got, tt.aoi)
		}
	}
}
