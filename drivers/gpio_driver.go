package drivers

import (
	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

// Usable gpio ids per board revision, P1 header plus (for revision 2
// boards) the P5 header gpios.
var gpioListR1 = []uint16{0, 1, 4, 7, 8, 9, 10, 11, 14, 15, 17, 18, 21, 22, 23, 24, 25}
var gpioListR2 = []uint16{2, 3, 4, 7, 8, 9, 10, 11, 14, 15, 17, 18, 22, 23, 24, 25, 27, 28, 29, 30, 31}

// GpIO drives the Broadcom gpio pins directly through go-rpio.
type GpIO struct {
	// Revision selects the board revision pin set; 0 or 2 means revision 2.
	Revision int

	modes   map[uint16]PinMode
	isReady bool
}

func (gp *GpIO) Open() error {
	err := rpio.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open gpio memory range")
	}

	gp.modes = make(map[uint16]PinMode)
	gp.isReady = true
	return nil
}

func (gp *GpIO) Close() error {
	gp.isReady = false
	return rpio.Close()
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	return gp.isReady
}

func (gp *GpIO) ValidPins() []uint16 {
	if gp.Revision == 1 {
		return gpioListR1
	}
	return gpioListR2
}

func (gp *GpIO) checkPin(pin uint16) error {
	for _, valid := range gp.ValidPins() {
		if valid == pin {
			return nil
		}
	}
	return errors.Errorf("gpio %d is not a valid pin for this board revision", pin)
}

// PinMode reports the function this driver configured for the pin. The
// underlying register function is not read back, so pins this process never
// touched report ModeUnknown.
func (gp *GpIO) PinMode(pin uint16) (PinMode, error) {
	if err := gp.checkPin(pin); err != nil {
		return ModeUnknown, err
	}
	return gp.modes[pin], nil
}

func (gp *GpIO) SetInput(pin uint16, pull Pull) error {
	if err := gp.checkPin(pin); err != nil {
		return err
	}
	if !pull.Valid() {
		return errors.Errorf("'%d' is not a valid pull setting", pull)
	}

	p := rpio.Pin(pin)
	p.Input()
	switch pull {
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	default:
		p.PullOff()
	}

	gp.modes[pin] = ModeInput
	return nil
}

func (gp *GpIO) SetOutput(pin uint16) error {
	if err := gp.checkPin(pin); err != nil {
		return err
	}

	rpio.Pin(pin).Output()
	gp.modes[pin] = ModeOutput
	return nil
}

func (gp *GpIO) Read(pin uint16) (bool, error) {
	if err := gp.checkPin(pin); err != nil {
		return false, err
	}
	return rpio.Pin(pin).Read() == rpio.High, nil
}

func (gp *GpIO) Write(pin uint16, state bool) error {
	if err := gp.checkPin(pin); err != nil {
		return err
	}
	if state {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
	return nil
}
