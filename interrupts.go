package gpiokit

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hubertat/gpiokit/drivers"
	"github.com/hubertat/gpiokit/sysfs"
)

// InterruptFunc receives the gpio id and the value read from its kernel
// interface (0 or 1) for every accepted edge event.
type InterruptFunc func(pin uint16, value int)

type InterruptOptions struct {
	// Edge selects which transitions trigger events; empty means both.
	Edge sysfs.Edge

	Pull drivers.Pull

	// Debounce suppresses events arriving within the window after an
	// accepted trigger. Zero disables debouncing.
	Debounce time.Duration

	// Threaded hands the callback to the worker pool instead of running it
	// on the loop.
	Threaded bool
}

type interruptCallback struct {
	fn       InterruptFunc
	threaded bool
}

// interruptSource is the single per-pin registration: one kernel interface,
// one edge mode, any number of callbacks invoked in registration order.
type interruptSource struct {
	pin         uint16
	iface       *sysfs.Interface
	edge        sysfs.Edge
	debounce    time.Duration
	lastTrigger time.Time
	callbacks   []interruptCallback
}

// RegisterInterrupt attaches a callback to edge events of a pin. The first
// registration for a pin configures it as an input with the requested pull,
// exports its kernel interface and registers it for priority-readable
// events. Later registrations must request the same edge mode and simply
// append their callback.
func (r *Reactor) RegisterInterrupt(pin uint16, fn InterruptFunc, opts InterruptOptions) error {
	if fn == nil {
		return errors.Wrap(ErrConfiguration, "interrupt callback is required")
	}

	edge := opts.Edge
	if edge == "" {
		edge = sysfs.EdgeBoth
	}
	if !edge.Valid() {
		return errors.Wrapf(ErrConfiguration, "'%s' is not a valid edge", edge)
	}
	if !opts.Pull.Valid() {
		return errors.Wrapf(ErrConfiguration, "'%d' is not a valid pull setting", opts.Pull)
	}
	if !r.validPin(pin) {
		return errors.Wrapf(ErrConfiguration, "gpio %d is not a valid pin for this board", pin)
	}

	cb := interruptCallback{fn: fn, threaded: opts.Threaded}

	r.mu.Lock()
	defer r.mu.Unlock()

	if src, ok := r.sources[pin]; ok {
		if src.edge != edge {
			return errors.Wrapf(ErrConflict,
				"edge detection '%s' on gpio %d is not compatible with existing edge detection '%s'",
				edge, pin, src.edge)
		}
		src.callbacks = append(src.callbacks, cb)
		return nil
	}

	if !r.driver.IsReady() {
		return errors.Wrapf(ErrResource, "pin driver %s is not ready", r.driver)
	}

	mode, err := r.driver.PinMode(pin)
	if err != nil {
		return errors.Wrapf(ErrResource, "failed to query function of gpio %d: %v", pin, err)
	}
	if mode != drivers.ModeInput {
		r.Logger.Debug("changing gpio function to input", "pin", pin, "was", mode)
	}
	err = r.driver.SetInput(pin, opts.Pull)
	if err != nil {
		return errors.Wrapf(ErrResource, "failed to configure gpio %d as input: %v", pin, err)
	}

	iface, err := r.Exporter.Export(pin, edge)
	if err != nil {
		return errors.Wrapf(ErrResource, "failed to export kernel interface for gpio %d: %v", pin, err)
	}

	err = r.poller.add(iface.Fd(), unix.EPOLLPRI|unix.EPOLLERR)
	if err != nil {
		// epoll rejects regular files with EPERM. A value stream backed by
		// one never wakes the loop but stays readable on demand.
		if errors.Cause(err) != unix.EPERM {
			iface.Close()
			return errors.Wrapf(ErrResource, "failed to register gpio %d for readiness events: %v", pin, err)
		}
	}

	src := &interruptSource{
		pin:       pin,
		iface:     iface,
		edge:      edge,
		debounce:  opts.Debounce,
		callbacks: []interruptCallback{cb},
	}
	r.sources[pin] = src
	r.byFd[int32(iface.Fd())] = src

	return nil
}

// UnregisterInterrupt drops all callbacks of a pin, deregisters its value
// stream and closes it. The kernel interface stays exported until Cleanup.
func (r *Reactor) UnregisterInterrupt(pin uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[pin]
	if !ok {
		return errors.Wrapf(ErrNotFound, "no interrupt registered for gpio %d", pin)
	}

	r.removeSourceLocked(src)
	return nil
}

func (r *Reactor) removeSourceLocked(src *interruptSource) {
	err := r.poller.remove(src.iface.Fd())
	if err != nil {
		r.Logger.Debug("failed to deregister value stream", "pin", src.pin, "err", err)
	}

	delete(r.byFd, int32(src.iface.Fd()))
	delete(r.sources, src.pin)

	err = src.iface.Close()
	if err != nil {
		r.Logger.Error("failed to close value stream", "pin", src.pin, "err", err)
	}
}

// InterruptPins lists pins with an active interrupt source.
func (r *Reactor) InterruptPins() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	pins := []uint16{}
	for pin := range r.sources {
		pins = append(pins, pin)
	}
	return pins
}

func (r *Reactor) validPin(pin uint16) bool {
	for _, valid := range r.driver.ValidPins() {
		if valid == pin {
			return true
		}
	}
	return false
}

// pinEventLocked reads the new value and runs it through the edge and
// debounce filters, returning the callback invocations to dispatch.
func (r *Reactor) pinEventLocked(src *interruptSource) ([]task, error) {
	val, err := src.iface.ReadValue()
	if err != nil {
		return nil, errors.Wrapf(ErrResource, "failed to read interrupt value of gpio %d: %v", src.pin, err)
	}

	// The kernel occasionally delivers the opposite level right after an
	// edge; such readings are artifacts and must not reach callbacks. They
	// do not count as triggers, so the debounce timer is left alone.
	if (src.edge == sysfs.EdgeRising && val == 0) ||
		(src.edge == sysfs.EdgeFalling && val == 1) {
		return nil, nil
	}

	if src.debounce > 0 {
		now := time.Now()
		if now.Sub(src.lastTrigger) < src.debounce {
			r.Logger.Debug("suppressing interrupt due to debouncing", "pin", src.pin)
			return nil, nil
		}
		src.lastTrigger = now
	}

	tasks := make([]task, 0, len(src.callbacks))
	pin := src.pin
	for _, cb := range src.callbacks {
		fn := cb.fn
		tasks = append(tasks, task{
			threaded: cb.threaded,
			fn:       func() { fn(pin, val) },
		})
	}
	return tasks, nil
}
