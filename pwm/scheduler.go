package pwm

import (
	"github.com/pkg/errors"

	"github.com/hubertat/gpiokit"
)

const (
	// DefaultIncrementUs is the default pulse-width increment granularity.
	DefaultIncrementUs = 10

	// DefaultSubcycleUs is the default subcycle length of a channel.
	DefaultSubcycleUs = 10000

	// SubcycleMinUs is the shortest supported subcycle; shorter windows
	// leave the DMA engine no room for a stable schedule.
	SubcycleMinUs = 2000

	// Channels is the number of programmable DMA channels.
	Channels = 15
)

type channelState struct {
	subcycleTimeUs uint32
	pulses         []Pulse
}

// Scheduler validates and books pulse schedules per channel and mirrors
// them to the Programmer. The increment granularity is global because it is
// a property of the shared timing source, not of a channel. Callers must
// serialize access; concurrent programming is out of scope.
type Scheduler struct {
	prog        Programmer
	incrementUs uint32
	source      TimingSource
	ready       bool
	channels    map[int]*channelState
}

func NewScheduler(prog Programmer) *Scheduler {
	return &Scheduler{
		prog:     prog,
		channels: make(map[int]*channelState),
	}
}

// Setup fixes the increment granularity and the timing source and prepares
// the backend. Zero incrementUs selects the default granularity.
func (s *Scheduler) Setup(incrementUs uint32, source TimingSource) error {
	if incrementUs == 0 {
		incrementUs = DefaultIncrementUs
	}
	if !source.Valid() {
		return errors.Wrapf(gpiokit.ErrConfiguration, "'%d' is not a valid timing source", source)
	}

	err := s.prog.Setup(incrementUs, source)
	if err != nil {
		return errors.Wrapf(gpiokit.ErrResource, "pwm backend setup failed: %v", err)
	}

	s.incrementUs = incrementUs
	s.source = source
	s.ready = true
	return nil
}

func (s *Scheduler) IsReady() bool {
	return s.ready
}

func (s *Scheduler) IncrementUs() uint32 {
	return s.incrementUs
}

func (s *Scheduler) checkChannel(channel int) error {
	if channel < 0 || channel >= Channels {
		return errors.Wrapf(gpiokit.ErrConfiguration, "channel %d outside 0..%d", channel, Channels-1)
	}
	return nil
}

func (s *Scheduler) state(channel int) (*channelState, error) {
	if !s.ready {
		return nil, errors.Wrap(gpiokit.ErrConfiguration, "pwm scheduler not set up")
	}
	if err := s.checkChannel(channel); err != nil {
		return nil, err
	}
	st, ok := s.channels[channel]
	if !ok {
		return nil, errors.Wrapf(gpiokit.ErrConfiguration, "channel %d has not been initialized", channel)
	}
	return st, nil
}

// InitChannel claims a channel with a subcycle length. Initializing an
// already claimed channel is a no-op when the length matches and a conflict
// otherwise.
func (s *Scheduler) InitChannel(channel int, subcycleTimeUs uint32) error {
	if !s.ready {
		return errors.Wrap(gpiokit.ErrConfiguration, "pwm scheduler not set up")
	}
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	if subcycleTimeUs == 0 {
		subcycleTimeUs = DefaultSubcycleUs
	}
	if subcycleTimeUs < SubcycleMinUs {
		return errors.Wrapf(gpiokit.ErrConfiguration,
			"subcycle time %dus is too small (min=%dus)", subcycleTimeUs, SubcycleMinUs)
	}

	if st, ok := s.channels[channel]; ok {
		if st.subcycleTimeUs != subcycleTimeUs {
			return errors.Wrapf(gpiokit.ErrConflict,
				"channel %d already initialized with subcycle %dus", channel, st.subcycleTimeUs)
		}
		return nil
	}

	err := s.prog.InitChannel(channel, subcycleTimeUs)
	if err != nil {
		return errors.Wrapf(gpiokit.ErrResource, "failed to init channel %d: %v", channel, err)
	}

	s.channels[channel] = &channelState{subcycleTimeUs: subcycleTimeUs}
	return nil
}

// SubcycleTime reports the subcycle length of an initialized channel.
func (s *Scheduler) SubcycleTime(channel int) (uint32, bool) {
	st, ok := s.channels[channel]
	if !ok {
		return 0, false
	}
	return st.subcycleTimeUs, true
}

// AddPulse schedules one pulse; start and width are increment steps and the
// pulse must fit inside the subcycle.
func (s *Scheduler) AddPulse(channel int, pin uint16, startStep, widthStep uint32) error {
	st, err := s.state(channel)
	if err != nil {
		return err
	}

	steps := st.subcycleTimeUs / s.incrementUs
	if startStep+widthStep > steps {
		return errors.Wrapf(gpiokit.ErrConfiguration,
			"pulse start %d + width %d exceeds subcycle of %d steps", startStep, widthStep, steps)
	}

	err = s.prog.AddPulse(channel, pin, startStep, widthStep)
	if err != nil {
		return errors.Wrapf(gpiokit.ErrResource, "failed to add pulse on channel %d: %v", channel, err)
	}

	st.pulses = append(st.pulses, Pulse{Pin: pin, Start: startStep, Width: widthStep})
	return nil
}

// ClearChannel drops every scheduled pulse of a channel.
func (s *Scheduler) ClearChannel(channel int) error {
	st, err := s.state(channel)
	if err != nil {
		return err
	}

	err = s.prog.ClearChannel(channel)
	if err != nil {
		return errors.Wrapf(gpiokit.ErrResource, "failed to clear channel %d: %v", channel, err)
	}

	st.pulses = nil
	return nil
}

// ClearChannelPin drops the scheduled pulses of one pin, leaving other
// pins on the channel untouched.
func (s *Scheduler) ClearChannelPin(channel int, pin uint16) error {
	st, err := s.state(channel)
	if err != nil {
		return err
	}

	err = s.prog.ClearChannelPin(channel, pin)
	if err != nil {
		return errors.Wrapf(gpiokit.ErrResource, "failed to clear pin %d on channel %d: %v", pin, channel, err)
	}

	kept := st.pulses[:0]
	for _, pulse := range st.pulses {
		if pulse.Pin != pin {
			kept = append(kept, pulse)
		}
	}
	st.pulses = kept
	return nil
}

// Pulses returns the scheduled pulses of a channel in programming order.
func (s *Scheduler) Pulses(channel int) []Pulse {
	st, ok := s.channels[channel]
	if !ok {
		return nil
	}
	out := make([]Pulse, len(st.pulses))
	copy(out, st.pulses)
	return out
}

// PinPulses returns the scheduled pulses of one pin on a channel.
func (s *Scheduler) PinPulses(channel int, pin uint16) []Pulse {
	pulses := []Pulse{}
	for _, pulse := range s.Pulses(channel) {
		if pulse.Pin == pin {
			pulses = append(pulses, pulse)
		}
	}
	return pulses
}

// Cleanup stops the DMA backend and forgets all channel state. Channels
// deliberately survive pulse edits and loop shutdowns; only this call tears
// them down. Calling it again is a no-op.
func (s *Scheduler) Cleanup() error {
	if !s.ready {
		return nil
	}

	s.ready = false
	s.channels = make(map[int]*channelState)

	err := s.prog.Shutdown()
	if err != nil {
		return errors.Wrapf(gpiokit.ErrResource, "pwm backend shutdown failed: %v", err)
	}
	return nil
}
