package pwm

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/hubertat/gpiokit"
)

// Duty describes how much of each period a pin stays high: either a
// percentage of the period or an absolute width in microseconds.
type Duty struct {
	percent uint32
	widthUs uint32
	isWidth bool
}

func DutyPercent(percent uint32) Duty {
	return Duty{percent: percent}
}

func DutyWidth(widthUs uint32) Duty {
	return Duty{widthUs: widthUs, isWidth: true}
}

// ParseDuty reads a duty from text: "50%" or "1500us".
func ParseDuty(s string) (Duty, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	if strings.HasSuffix(s, "%") {
		n, err := strconv.ParseUint(strings.TrimSpace(strings.TrimSuffix(s, "%")), 10, 32)
		if err != nil {
			return Duty{}, errors.Wrapf(gpiokit.ErrConfiguration, "cannot parse duty percentage %q", s)
		}
		return DutyPercent(uint32(n)), nil
	}

	if strings.HasSuffix(s, "us") {
		n, err := strconv.ParseUint(strings.TrimSpace(strings.TrimSuffix(s, "us")), 10, 32)
		if err != nil {
			return Duty{}, errors.Wrapf(gpiokit.ErrConfiguration, "cannot parse duty width %q", s)
		}
		return DutyWidth(uint32(n)), nil
	}

	return Duty{}, errors.Wrapf(gpiokit.ErrConfiguration, "duty %q is neither a percentage nor a microsecond width", s)
}

func (d Duty) String() string {
	if d.isWidth {
		return strconv.FormatUint(uint64(d.widthUs), 10) + "us"
	}
	return strconv.FormatUint(uint64(d.percent), 10) + "%"
}

func (d Duty) steps(periodSteps, incrementUs uint32) (uint32, error) {
	if d.isWidth {
		steps := d.widthUs / incrementUs
		if steps < 1 {
			return 0, errors.Wrapf(gpiokit.ErrConfiguration,
				"pulse width %dus is smaller than one %dus increment", d.widthUs, incrementUs)
		}
		return steps, nil
	}

	if d.percent > 99 {
		return 0, errors.Wrapf(gpiokit.ErrConfiguration, "duty percentage %d outside 0..99", d.percent)
	}
	return periodSteps * d.percent / 100, nil
}

// FreqMax is the highest representable frequency: one high and one low
// increment per period.
func (s *Scheduler) FreqMax() float64 {
	return 1e6 / float64(2*s.incrementUs)
}

// FreqMin is the lowest representable frequency on a channel: one period
// per subcycle.
func (s *Scheduler) FreqMin(channel int) (float64, error) {
	st, err := s.state(channel)
	if err != nil {
		return 0, err
	}
	return 1e6 / float64(st.subcycleTimeUs), nil
}

// SetFrequency plans an evenly spaced pulse train approximating the
// requested frequency and duty on one pin and programs it onto the channel.
// Existing pulses of the pin are cleared first, so reconfiguring is
// idempotent. Integer rounding makes the generated train only approximate
// the request; the achieved frequency is returned and never silently
// corrected.
func (s *Scheduler) SetFrequency(channel int, pin uint16, freqHz float64, duty Duty) (float64, error) {
	st, err := s.state(channel)
	if err != nil {
		return 0, err
	}

	freqMax := s.FreqMax()
	freqMin := 1e6 / float64(st.subcycleTimeUs)
	if freqHz > freqMax || freqHz < freqMin {
		return 0, errors.Wrapf(gpiokit.ErrConfiguration,
			"frequency %.2fHz outside representable range %.2f..%.2fHz", freqHz, freqMin, freqMax)
	}

	subcycleS := float64(st.subcycleTimeUs) / 1e6
	periods := int(math.Floor(freqHz * subcycleS))
	if periods < 1 {
		return 0, errors.Wrapf(gpiokit.ErrConfiguration,
			"frequency %.2fHz yields no full period within the %dus subcycle", freqHz, st.subcycleTimeUs)
	}

	periodTimeUs := float64(st.subcycleTimeUs) / float64(periods)
	if periodTimeUs < float64(s.incrementUs) {
		return 0, errors.Wrapf(gpiokit.ErrConfiguration,
			"period of %.2fus cannot be represented at %dus granularity", periodTimeUs, s.incrementUs)
	}

	periodSteps := uint32(math.Floor(periodTimeUs / float64(s.incrementUs)))

	widthSteps, err := duty.steps(periodSteps, s.incrementUs)
	if err != nil {
		return 0, err
	}
	if widthSteps > periodSteps {
		return 0, errors.Wrapf(gpiokit.ErrConfiguration,
			"duty %s wider than the %d step period", duty, periodSteps)
	}
	pauseSteps := periodSteps - widthSteps

	if len(s.PinPulses(channel, pin)) > 0 {
		err = s.ClearChannelPin(channel, pin)
		if err != nil {
			return 0, err
		}
	}

	for i := uint32(0); i < uint32(periods); i++ {
		err = s.AddPulse(channel, pin, (widthSteps+pauseSteps)*i, widthSteps)
		if err != nil {
			return 0, err
		}
	}

	return float64(periods) / subcycleS, nil
}
