package annotation

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. The typed errors below unwrap to these.
var (
	ErrPrecondition = errors.New("precondition failed")
	ErrValidation   = errors.New("shape rejected")
	ErrNotReady     = errors.New("source not ready")
)

// PreconditionError is returned when drawing is attempted in the wrong state.
type PreconditionError struct {
	Action string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// CapacityError is returned by StartSlot when every allowed slot is drawn.
// It is a PreconditionError as far as errors.Is is concerned.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("maximum %d slots reached", e.Max)
}

func (e *CapacityError) Unwrap() error { return ErrPrecondition }

// ValidationError is returned when a finished drag is too small to keep.
type ValidationError struct {
	Kind   Kind
	Width  float64
	Height float64
	Min    float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s too small: %.0fx%.0f (need more than %.0f on both axes)", e.Kind, e.Width, e.Height, e.Min)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotReadyError is returned when a freeze is requested before the live
// source has produced a frame with known dimensions.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string { return e.Reason }

func (e *NotReadyError) Unwrap() error { return ErrNotReady }

// IsLocal reports whether err is one of the interaction errors that are
// recovered in place (the mutation is dropped and a message is shown).
func IsLocal(err error) bool {
	return errors.Is(err, ErrPrecondition) || errors.Is(err, ErrValidation) || errors.Is(err, ErrNotReady)
}
