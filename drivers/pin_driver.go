package drivers

import "github.com/pkg/errors"

// PinDriver is the primitive per-pin access layer the reactor builds on.
// It only covers raw pin setup and state; edge detection and event delivery
// live in the sysfs kernel interface and the reactor, not here.
type PinDriver interface {
	Open() error
	Close() error
	String() string
	IsReady() bool

	// ValidPins returns the set of usable gpio ids for the board the
	// driver is configured for.
	ValidPins() []uint16

	PinMode(pin uint16) (PinMode, error)
	SetInput(pin uint16, pull Pull) error
	SetOutput(pin uint16) error
	Read(pin uint16) (bool, error)
	Write(pin uint16, state bool) error
}

type PinMode int

const (
	ModeUnknown PinMode = iota
	ModeInput
	ModeOutput
)

func (m PinMode) String() string {
	switch m {
	case ModeInput:
		return "input"
	case ModeOutput:
		return "output"
	}
	return "unknown"
}

type Pull int

const (
	PullOff Pull = iota
	PullDown
	PullUp
)

func (p Pull) Valid() bool {
	return p == PullOff || p == PullDown || p == PullUp
}

func (p Pull) String() string {
	switch p {
	case PullDown:
		return "down"
	case PullUp:
		return "up"
	}
	return "off"
}

// ParsePull reads a pull resistor setting from configuration.
func ParsePull(s string) (Pull, error) {
	switch s {
	case "", "off":
		return PullOff, nil
	case "down":
		return PullDown, nil
	case "up":
		return PullUp, nil
	}
	return PullOff, errors.Errorf("'%s' is not a valid pull setting", s)
}
