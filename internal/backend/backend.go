package backend

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	CPU  = "cpu"
	Auto = "auto"
)

// Device names a compute placement. Data relocated to a device is copied into
// storage owned by that placement; values are never changed by a move.
type Device struct {
	Kind  string
	Index int
}

// Host is the default placement for every tensor and table.
var Host = Device{Kind: CPU}

func (d Device) String() string {
	kind := d.Kind
	if kind == "" {
		kind = CPU
	}
	return kind + ":" + strconv.Itoa(d.Index)
}

// IsZero reports whether d is the unset device, which is treated as Host.
func (d Device) IsZero() bool {
	return d.Kind == "" && d.Index == 0
}

// Canonical maps the zero device to Host so comparisons are stable.
func (d Device) Canonical() Device {
	if d.Kind == "" {
		d.Kind = CPU
	}
	return d
}

// Same reports whether a and b refer to the same placement.
func Same(a, b Device) bool {
	return a.Canonical() == b.Canonical()
}

// ParseDevice parses "cpu" or "cpu:N". The kind is case-insensitive.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Host, nil
	}
	kind, idx, hasIdx := strings.Cut(s, ":")
	kind, err := Normalize(kind)
	if err != nil {
		return Device{}, fmt.Errorf("device %q: %w", s, err)
	}
	if kind == Auto {
		kind = CPU
	}
	d := Device{Kind: kind}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index %q", idx)
		}
		d.Index = n
	}
	return d, nil
}

// Normalize validates a backend name as accepted on the command line.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or cpu)", backend)
	}
}
