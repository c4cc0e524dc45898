package types

import (
	"encoding/json"
	"testing"
)

func TestRectangleJSONIsArray(t *testing.T) {
	data, err := json.Marshal(Slot{
		SlotNumber:     1,
		BBox:           Rectangle{X1: 100, Y1: 100, X2: 250, Y2: 200},
		BBoxNormalized: NormalizedRectangle{X1: 0.5, Y1: 0.25, X2: 0.75, Y2: 1},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"slot_number":1,"bbox":[100,100,250,200],"bbox_normalized":[0.5,0.25,0.75,1]}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}

func TestRectangleRejectsShortArray(t *testing.T) {
	var r Rectangle
	if err := json.Unmarshal([]byte(`[1,2,3]`), &r); err == nil {
		t.Fatal("expected error for 3-element bbox")
	}
}

func TestOccupancyAcceptsWrappedAndFlat(t *testing.T) {
	var wrapped OccupancyStatus
	if err := json.Unmarshal([]byte(`{"slots":{"1":{"status":"occupied","confidence":0.9}}}`), &wrapped); err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	if wrapped["1"].Status != StatusOccupied || wrapped["1"].Confidence != 0.9 {
		t.Fatalf("wrapped decode = %+v", wrapped)
	}

	var flat OccupancyStatus
	if err := json.Unmarshal([]byte(`{"2":{"status":"parked","confidence":0.1}}`), &flat); err != nil {
		t.Fatalf("flat: %v", err)
	}
	if flat["2"].Status != StatusUnknown {
		t.Fatalf("unrecognised status should map to unknown, got %q", flat["2"].Status)
	}
}

func TestRoundedRectangle(t *testing.T) {
	r := Rectangle{X1: 10.4, Y1: 10.5, X2: 99.49, Y2: 120.51}.Rounded()
	if r != (Rectangle{X1: 10, Y1: 11, X2: 99, Y2: 121}) {
		t.Fatalf("Rounded() = %+v", r)
	}
}

func TestQuadFromReversedRectangle(t *testing.T) {
	q := Rectangle{X1: 250, Y1: 200, X2: 100, Y2: 100}.Quad()
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[{"x":100,"y":100},{"x":250,"y":100},{"x":250,"y":200},{"x":100,"y":200}]`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}
