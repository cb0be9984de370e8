package drivers

import (
	"sync"

	"github.com/pkg/errors"
)

// MockPinDriver is an in-memory PinDriver for tests and for running the
// daemon on machines without gpio hardware. It is selected explicitly by
// configuration, never used as a silent fallback.
type MockPinDriver struct {
	// Pins is the valid pin set; empty means the revision 2 gpio list.
	Pins []uint16

	mu     sync.Mutex
	modes  map[uint16]PinMode
	pulls  map[uint16]Pull
	values map[uint16]bool
	ready  bool
}

func (md *MockPinDriver) Open() error {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.modes = make(map[uint16]PinMode)
	md.pulls = make(map[uint16]Pull)
	md.values = make(map[uint16]bool)
	md.ready = true
	return nil
}

func (md *MockPinDriver) Close() error {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.ready = false
	return nil
}

func (md *MockPinDriver) String() string {
	return "mock_driver"
}

func (md *MockPinDriver) IsReady() bool {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.ready
}

func (md *MockPinDriver) ValidPins() []uint16 {
	if len(md.Pins) == 0 {
		return gpioListR2
	}
	return md.Pins
}

func (md *MockPinDriver) checkPin(pin uint16) error {
	for _, valid := range md.ValidPins() {
		if valid == pin {
			return nil
		}
	}
	return errors.Errorf("mock pin %d not in valid pin set", pin)
}

func (md *MockPinDriver) PinMode(pin uint16) (PinMode, error) {
	if err := md.checkPin(pin); err != nil {
		return ModeUnknown, err
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	return md.modes[pin], nil
}

func (md *MockPinDriver) SetInput(pin uint16, pull Pull) error {
	if err := md.checkPin(pin); err != nil {
		return err
	}
	if !pull.Valid() {
		return errors.Errorf("'%d' is not a valid pull setting", pull)
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	md.modes[pin] = ModeInput
	md.pulls[pin] = pull
	return nil
}

func (md *MockPinDriver) SetOutput(pin uint16) error {
	if err := md.checkPin(pin); err != nil {
		return err
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	md.modes[pin] = ModeOutput
	return nil
}

func (md *MockPinDriver) Read(pin uint16) (bool, error) {
	if err := md.checkPin(pin); err != nil {
		return false, err
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	return md.values[pin], nil
}

func (md *MockPinDriver) Write(pin uint16, state bool) error {
	if err := md.checkPin(pin); err != nil {
		return err
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	md.values[pin] = state
	return nil
}

// SetValue flips an input pin from the test side.
func (md *MockPinDriver) SetValue(pin uint16, state bool) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.values == nil {
		md.values = make(map[uint16]bool)
	}
	md.values[pin] = state
}

// PullOf reports the pull resistor configured for a pin.
func (md *MockPinDriver) PullOf(pin uint16) Pull {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.pulls[pin]
}
