package annotation

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/dj-oyu/parking-calibrator/internal/geometry"
	"github.com/dj-oyu/parking-calibrator/pkg/types"
)

func frozenState(t *testing.T) State {
	t.Helper()
	s, out := Reduce(State{MaxSlots: 20}, Frozen{Width: 1280, Height: 720})
	if out.Err != nil {
		t.Fatalf("freeze: %v", out.Err)
	}
	return s
}

func drag(t *testing.T, s State, start Event, x1, y1, x2, y2 float64) (State, Outcome) {
	t.Helper()
	s, out := Reduce(s, start)
	if out.Err != nil {
		t.Fatalf("start %T: %v", start, out.Err)
	}
	s, _ = Reduce(s, PointerDown{P: geometry.Point{X: x1, Y: y1}})
	s, _ = Reduce(s, PointerMove{P: geometry.Point{X: (x1 + x2) / 2, Y: (y1 + y2) / 2}})
	return Reduce(s, PointerUp{P: geometry.Point{X: x2, Y: y2}})
}

func TestScenarioSlotCommit(t *testing.T) {
	s := frozenState(t)
	s, out := drag(t, s, StartSlot{}, 100, 100, 250, 200)
	if out.Err != nil {
		t.Fatalf("commit: %v", out.Err)
	}
	if out.Committed == nil || out.Committed.Kind != KindSlot {
		t.Fatalf("expected slot commit, got %+v", out.Committed)
	}
	slots := s.Shapes.Slots()
	if len(slots) != 1 || slots[0].SlotNumber != 1 {
		t.Fatalf("slots = %+v", slots)
	}
	want := types.NormalizedRectangle{X1: 0.078125, Y1: 0.138889, X2: 0.195313, Y2: 0.277778}
	got := slots[0].BBoxNormalized
	for i, pair := range [][2]float64{{got.X1, want.X1}, {got.Y1, want.Y1}, {got.X2, want.X2}, {got.Y2, want.Y2}} {
		if math.Abs(pair[0]-pair[1]) > 5e-6 {
			t.Errorf("normalized[%d] = %v, want %v", i, pair[0], pair[1])
		}
	}
	if s.Mode != ModeIdle || s.Drag != nil {
		t.Fatalf("mode = %v drag = %v after commit", s.Mode, s.Drag)
	}
}

func TestReversedDragIsNormalized(t *testing.T) {
	s := frozenState(t)
	s, _ = drag(t, s, StartSlot{}, 250, 200, 100, 100)
	got := s.Shapes.Slots()[0].BBox
	if got != (types.Rectangle{X1: 100, Y1: 100, X2: 250, Y2: 200}) {
		t.Fatalf("bbox = %+v", got)
	}
}

func TestSmallAOIRejected(t *testing.T) {
	s := frozenState(t)
	s, out := drag(t, s, StartAOI{}, 10, 10, 40, 40)
	var verr *ValidationError
	if !errors.As(out.Err, &verr) || verr.Kind != KindAOI {
		t.Fatalf("expected AOI validation error, got %v", out.Err)
	}
	if _, ok := s.Shapes.AOI(); ok {
		t.Fatal("AOI should not be set")
	}
	if s.Mode != ModeIdle || s.Drag != nil {
		t.Fatalf("mode = %v after rejection", s.Mode)
	}
}

func TestAOIReplacesPrevious(t *testing.T) {
	s := frozenState(t)
	s, _ = drag(t, s, StartAOI{}, 0, 0, 100, 100)
	s, _ = drag(t, s, StartAOI{}, 200, 200, 400, 400)
	aoi, ok := s.Shapes.AOI()
	if !ok || aoi.BBox.X1 != 200 {
		t.Fatalf("aoi = %+v ok=%v", aoi, ok)
	}
}

func TestDrawingRequiresFrozenFrame(t *testing.T) {
	for _, ev := range []Event{StartAOI{}, StartSlot{}} {
		s, out := Reduce(State{}, ev)
		if !errors.Is(out.Err, ErrPrecondition) {
			t.Fatalf("%T: expected precondition error, got %v", ev, out.Err)
		}
		if s.Mode != ModeIdle {
			t.Fatalf("%T: mode changed to %v", ev, s.Mode)
		}
	}
}

func TestCapacity(t *testing.T) {
	s := frozenState(t)
	s.MaxSlots = 2
	s, _ = drag(t, s, StartSlot{}, 0, 0, 50, 50)
	s, _ = drag(t, s, StartSlot{}, 100, 0, 150, 50)
	_, out := Reduce(s, StartSlot{})
	var cerr *CapacityError
	if !errors.As(out.Err, &cerr) || cerr.Max != 2 {
		t.Fatalf("expected capacity error, got %v", out.Err)
	}
	if !errors.Is(out.Err, ErrPrecondition) {
		t.Fatal("capacity error should match ErrPrecondition")
	}
}

func TestModesAreExclusive(t *testing.T) {
	s := frozenState(t)
	s, _ = Reduce(s, StartSlot{})
	s, _ = Reduce(s, PointerDown{P: geometry.Point{X: 5, Y: 5}})
	s, _ = Reduce(s, StartAOI{})
	if s.Mode != ModeDrawingAOI || s.Drag != nil {
		t.Fatalf("mode = %v drag = %v", s.Mode, s.Drag)
	}
	s, _ = Reduce(s, StartSlot{})
	if s.Mode != ModeDrawingSlot {
		t.Fatalf("mode = %v", s.Mode)
	}
}

func TestUnfreezeDropsDrag(t *testing.T) {
	s := frozenState(t)
	s, _ = drag(t, s, StartSlot{}, 0, 0, 50, 50)
	s, _ = Reduce(s, StartSlot{})
	s, _ = Reduce(s, PointerDown{P: geometry.Point{X: 100, Y: 100}})
	s, _ = Reduce(s, Unfrozen{})
	if s.Frozen || s.Mode != ModeIdle || s.Drag != nil {
		t.Fatalf("state after unfreeze: %+v", s)
	}
	if s.Shapes.Len() != 1 {
		t.Fatal("committed slot should survive unfreeze")
	}
	s, _ = Reduce(s, Frozen{Width: 1280, Height: 720})
	if s.Shapes.Len() != 1 {
		t.Fatal("committed slot should survive refreeze")
	}
}

func TestUndoAfterAdds(t *testing.T) {
	for n := 1; n <= 5; n++ {
		for k := 0; k <= n; k++ {
			s := frozenState(t)
			for i := 0; i < n; i++ {
				x := float64(i * 60)
				s, _ = drag(t, s, StartSlot{}, x, 0, x+50, 50)
			}
			for i := 0; i < k; i++ {
				s, _ = Reduce(s, UndoLastSlot{})
			}
			slots := s.Shapes.Slots()
			if len(slots) != n-k {
				t.Fatalf("n=%d k=%d: got %d slots", n, k, len(slots))
			}
			for i, slot := range slots {
				if slot.SlotNumber != i+1 {
					t.Fatalf("n=%d k=%d: slot %d numbered %d", n, k, i, slot.SlotNumber)
				}
			}
		}
	}
}

func TestClearAllThenAdd(t *testing.T) {
	s := frozenState(t)
	s, _ = drag(t, s, StartAOI{}, 0, 0, 500, 500)
	s, _ = drag(t, s, StartSlot{}, 0, 0, 50, 50)
	s, _ = drag(t, s, StartSlot{}, 60, 0, 110, 50)
	s, _ = Reduce(s, ClearAll{})
	if _, ok := s.Shapes.AOI(); ok || s.Shapes.Len() != 0 {
		t.Fatal("clear all left shapes behind")
	}
	s, _ = drag(t, s, StartSlot{}, 0, 0, 50, 50)
	if got := s.Shapes.Slots()[0].SlotNumber; got != 1 {
		t.Fatalf("slot number after clear = %d", got)
	}
}

func TestReplaceSlotsKeepsAOI(t *testing.T) {
	s := frozenState(t)
	s, _ = drag(t, s, StartAOI{}, 0, 0, 500, 500)
	s, out := Reduce(s, ReplaceSlots{Slots: []types.Slot{
		{SlotNumber: 3, BBox: types.Rectangle{X1: 10, Y1: 10, X2: 60, Y2: 60}},
		{BBox: types.Rectangle{X1: 70, Y1: 10, X2: 120, Y2: 60}},
	}})
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if _, ok := s.Shapes.AOI(); !ok {
		t.Fatal("AOI dropped by replace")
	}
	slots := s.Shapes.Slots()
	if slots[0].SlotNumber != 1 || slots[1].SlotNumber != 2 {
		t.Fatalf("slot numbers = %d, %d", slots[0].SlotNumber, slots[1].SlotNumber)
	}
}

func TestReplaceSlotsThenDrawKeepsNumbersUnique(t *testing.T) {
	s := frozenState(t)
	s, out := Reduce(s, ReplaceSlots{Slots: []types.Slot{
		{SlotNumber: 1, BBox: types.Rectangle{X1: 10, Y1: 10, X2: 60, Y2: 60}},
		{SlotNumber: 3, BBox: types.Rectangle{X1: 70, Y1: 10, X2: 120, Y2: 60}},
	}})
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	s, _ = drag(t, s, StartSlot{}, 300, 300, 400, 400)

	slots := s.Shapes.Slots()
	if len(slots) != 3 {
		t.Fatalf("slots = %d, want 3", len(slots))
	}
	for i, slot := range slots {
		if slot.SlotNumber != i+1 {
			t.Fatalf("slot %d numbered %d", i, slot.SlotNumber)
		}
	}

	s, out = Reduce(s, UndoLastSlot{})
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	slots = s.Shapes.Slots()
	if len(slots) != 2 || slots[1].BBox.X1 != 70 {
		t.Fatalf("undo removed the wrong slot: %+v", slots)
	}
}

func TestRestoreRenumbersGaps(t *testing.T) {
	shapes, err := Restore([]types.Slot{
		{SlotNumber: 2, BBox: types.Rectangle{X2: 40, Y2: 40}},
		{SlotNumber: 7, BBox: types.Rectangle{X2: 40, Y2: 40}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	slots := shapes.Slots()
	if slots[0].SlotNumber != 1 || slots[1].SlotNumber != 2 {
		t.Fatalf("slot numbers = %d, %d", slots[0].SlotNumber, slots[1].SlotNumber)
	}
	if n := shapes.NextSlotNumber(); n != 3 {
		t.Fatalf("next slot number = %d, want 3", n)
	}
}

func TestReplaceSlotsIsAtomic(t *testing.T) {
	s := frozenState(t)
	s, _ = drag(t, s, StartSlot{}, 0, 0, 50, 50)
	before := s.Shapes.Slots()
	s, out := Reduce(s, ReplaceSlots{})
	if !errors.Is(out.Err, ErrEmptyReplacement) {
		t.Fatalf("empty replace: %v", out.Err)
	}
	after := s.Shapes.Slots()
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("store changed on failed replace: %+v", after)
	}
}

func TestShapesAreImmutable(t *testing.T) {
	var base Shapes
	a, _ := base.AddSlot(types.Rectangle{X2: 40, Y2: 40}, types.NormalizedRectangle{})
	b, _ := a.AddSlot(types.Rectangle{X2: 40, Y2: 40}, types.NormalizedRectangle{})
	c, _ := a.AddSlot(types.Rectangle{X2: 80, Y2: 80}, types.NormalizedRectangle{})
	if a.Len() != 1 || b.Len() != 2 || c.Len() != 2 {
		t.Fatalf("lengths %d %d %d", a.Len(), b.Len(), c.Len())
	}
	if b.Slots()[1].BBox.X2 != 40 {
		t.Fatal("sibling snapshot was overwritten")
	}
	slots := a.Slots()
	slots[0].SlotNumber = 99
	if a.Slots()[0].SlotNumber != 1 {
		t.Fatal("Slots returned shared backing array")
	}
}

func TestRandomEventsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pt := func() geometry.Point {
		return geometry.Point{X: rng.Float64() * 1280, Y: rng.Float64() * 720}
	}
	gen := []func() Event{
		func() Event { return StartAOI{} },
		func() Event { return StartSlot{} },
		func() Event { return Cancel{} },
		func() Event { return Unfrozen{} },
		func() Event { return Frozen{Width: 1280, Height: 720} },
		func() Event { return UndoLastSlot{} },
		func() Event { return ClearAOI{} },
		func() Event { return PointerDown{P: pt()} },
		func() Event { return PointerMove{P: pt()} },
		func() Event { return PointerUp{P: pt()} },
	}
	s := State{MaxSlots: 8}
	for i := 0; i < 5000; i++ {
		s, _ = Reduce(s, gen[rng.Intn(len(gen))]())
		if s.Drag != nil && s.Mode == ModeIdle {
			t.Fatalf("step %d: drag present while idle", i)
		}
		if s.Mode != ModeIdle && !s.Frozen {
			t.Fatalf("step %d: drawing mode %v on live frame", i, s.Mode)
		}
		if s.Shapes.Len() > s.MaxSlots {
			t.Fatalf("step %d: %d slots over capacity", i, s.Shapes.Len())
		}
		for j, slot := range s.Shapes.Slots() {
			if slot.SlotNumber != j+1 {
				t.Fatalf("step %d: slot %d numbered %d", i, j, slot.SlotNumber)
			}
			if !geometry.IsAcceptableSlot(slot.BBox) {
				t.Fatalf("step %d: undersized slot %+v", i, slot.BBox)
			}
		}
	}
}
