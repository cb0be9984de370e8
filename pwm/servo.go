package pwm

import (
	"github.com/pkg/errors"

	"github.com/hubertat/gpiokit"
)

// ServoSubcycleUs is the standard 20ms servo frame.
const ServoSubcycleUs = 20000

// Servo schedules a single absolute-width pulse per subcycle, the usual way
// of driving hobby servos. It claims its channel lazily on first use.
type Servo struct {
	sched          *Scheduler
	channel        int
	subcycleTimeUs uint32
	initialized    bool
}

func NewServo(sched *Scheduler, channel int) *Servo {
	return &Servo{
		sched:          sched,
		channel:        channel,
		subcycleTimeUs: ServoSubcycleUs,
	}
}

// SetPulse schedules one pulse of widthUs starting at step 0 of every
// subcycle, replacing whatever the pin had before. The width must divide
// evenly by the increment granularity.
func (sv *Servo) SetPulse(pin uint16, widthUs uint32) error {
	inc := sv.sched.IncrementUs()
	if inc == 0 {
		return errors.Wrap(gpiokit.ErrConfiguration, "pwm scheduler not set up")
	}
	if widthUs == 0 || widthUs%inc != 0 {
		return errors.Wrapf(gpiokit.ErrConfiguration,
			"pulse width %dus does not divide evenly by the %dus increment", widthUs, inc)
	}

	if !sv.initialized {
		current, claimed := sv.sched.SubcycleTime(sv.channel)
		if claimed && current != sv.subcycleTimeUs {
			return errors.Wrapf(gpiokit.ErrConflict,
				"channel %d already initialized with subcycle %dus, servo needs %dus",
				sv.channel, current, sv.subcycleTimeUs)
		}
		err := sv.sched.InitChannel(sv.channel, sv.subcycleTimeUs)
		if err != nil {
			return err
		}
		sv.initialized = true
	}

	err := sv.sched.ClearChannelPin(sv.channel, pin)
	if err != nil {
		return err
	}

	return sv.sched.AddPulse(sv.channel, pin, 0, widthUs/inc)
}

// Stop removes the pin's pulse from the servo channel.
func (sv *Servo) Stop(pin uint16) error {
	if !sv.initialized {
		return nil
	}
	return sv.sched.ClearChannelPin(sv.channel, pin)
}
