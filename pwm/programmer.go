// Package pwm plans repeating pulse trains (software PWM) within fixed
// subcycle windows and hands the resulting schedules to a DMA
// channel-programming backend that replays them without CPU involvement.
package pwm

import "github.com/charmbracelet/log"

type TimingSource int

const (
	DelayViaPWM TimingSource = iota
	DelayViaPCM
)

func (ts TimingSource) String() string {
	if ts == DelayViaPCM {
		return "pcm"
	}
	return "pwm"
}

func (ts TimingSource) Valid() bool {
	return ts == DelayViaPWM || ts == DelayViaPCM
}

// Pulse is one scheduled high period, expressed in increment steps within
// the channel's subcycle.
type Pulse struct {
	Pin   uint16
	Start uint32
	Width uint32
}

// Programmer is the hardware boundary: it accepts discrete pulse
// descriptors and replays the programmed schedule autonomously. Register
// level DMA access lives behind this interface, outside this module.
type Programmer interface {
	Setup(incrementUs uint32, source TimingSource) error
	InitChannel(channel int, subcycleTimeUs uint32) error
	AddPulse(channel int, pin uint16, startStep, widthStep uint32) error
	ClearChannel(channel int) error
	ClearChannelPin(channel int, pin uint16) error
	Shutdown() error
}

// NoopProgrammer accepts every schedule without touching hardware. It is
// picked explicitly by configuration for machines without a DMA backend.
type NoopProgrammer struct {
	Logger *log.Logger
}

func (np *NoopProgrammer) Setup(incrementUs uint32, source TimingSource) error {
	np.debug("pwm setup", "increment_us", incrementUs, "source", source)
	return nil
}

func (np *NoopProgrammer) InitChannel(channel int, subcycleTimeUs uint32) error {
	np.debug("init channel", "channel", channel, "subcycle_us", subcycleTimeUs)
	return nil
}

func (np *NoopProgrammer) AddPulse(channel int, pin uint16, startStep, widthStep uint32) error {
	np.debug("add pulse", "channel", channel, "pin", pin, "start", startStep, "width", widthStep)
	return nil
}

func (np *NoopProgrammer) ClearChannel(channel int) error {
	np.debug("clear channel", "channel", channel)
	return nil
}

func (np *NoopProgrammer) ClearChannelPin(channel int, pin uint16) error {
	np.debug("clear channel pin", "channel", channel, "pin", pin)
	return nil
}

func (np *NoopProgrammer) Shutdown() error {
	np.debug("pwm shutdown")
	return nil
}

func (np *NoopProgrammer) debug(msg string, kv ...interface{}) {
	if np.Logger != nil {
		np.Logger.Debug(msg, kv...)
	}
}
