package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid head or dimension ratios found while
	// building a component.
	ErrConfiguration = errors.New("configuration error")
	// ErrPrecondition marks a per-call contract violation such as a sequence
	// longer than the rotary table or a mask that does not broadcast.
	ErrPrecondition = errors.New("precondition failed")
	// ErrNumericAnomaly tags NaN/Inf results that come from degenerate input,
	// e.g. a query row whose keys are all masked out. It is reported, not
	// returned.
	ErrNumericAnomaly = errors.New("numeric anomaly")
)

// ConfigError is returned when a component cannot be constructed.
type ConfigError struct {
	Op  string
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Op == "" {
		return e.Msg
	}
	return e.Op + ": " + e.Msg
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// PreconditionError is returned when a call violates its input contract.
type PreconditionError struct {
	Op  string
	Msg string
}

func (e *PreconditionError) Error() string {
	if e.Op == "" {
		return e.Msg
	}
	return e.Op + ": " + e.Msg
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// Configf builds a *ConfigError.
func Configf(op, format string, args ...any) error {
	return &ConfigError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Preconditionf builds a *PreconditionError.
func Preconditionf(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

var (
	errRawSizeMismatch = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
