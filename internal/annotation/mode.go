package annotation

// Mode is the current interaction mode. Exactly one is active at a time.
type Mode int

const (
	ModeIdle Mode = iota
	ModeDrawingAOI
	ModeDrawingSlot
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeDrawingAOI:
		return "drawing_aoi"
	case ModeDrawingSlot:
		return "drawing_slot"
	default:
		return "unknown"
	}
}

// MarshalText lets Mode appear by name in JSON state dumps.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Kind tells which shape a drag will produce.
type Kind int

const (
	KindSlot Kind = iota
	KindAOI
)

func (k Kind) String() string {
	if k == KindAOI {
		return "AOI"
	}
	return "slot"
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// kind returns the shape kind a drawing mode produces.
func (m Mode) kind() (Kind, bool) {
	switch m {
	case ModeDrawingAOI:
		return KindAOI, true
	case ModeDrawingSlot:
		return KindSlot, true
	default:
		return 0, false
	}
}
