// Package gpiokit reacts to gpio edge interrupts and line-oriented TCP
// clients through one epoll-backed loop, and schedules software PWM pulse
// trains over a DMA channel-programming backend.
package gpiokit

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hubertat/gpiokit/drivers"
	"github.com/hubertat/gpiokit/sysfs"
)

// DefaultPollTimeout bounds a single readiness poll. Stop is observed
// between polls, so a stop request takes effect within one timeout interval
// at the latest.
const DefaultPollTimeout = time.Second

const defaultWorkers = 4
const defaultQueueLen = 64
const maxEpollEvents = 64

// task is a callback invocation queued while the registry lock is held and
// dispatched after it is released, so callbacks may mutate the registry.
type task struct {
	threaded bool
	fn       func()
}

// Reactor owns the interrupt and TCP registries and the readiness loop that
// feeds them. All registry state lives on the value, so independent
// reactors can coexist in one process.
type Reactor struct {
	Logger *log.Logger

	// Workers and QueueLen size the pool serving threaded callbacks; they
	// are read when the first loop starts.
	Workers  int
	QueueLen int

	// Exporter manages the kernel gpio interfaces. Replace it before the
	// first registration to use a different pseudo-filesystem root.
	Exporter *sysfs.Exporter

	driver drivers.PinDriver

	mu            sync.Mutex
	poller        *poller
	disp          *dispatcher
	sources       map[uint16]*interruptSource
	byFd          map[int32]*interruptSource
	listeners     map[int32]*tcpListener
	clients       map[int32]*tcpClient
	running       bool
	stopRequested bool
}

// New prepares a reactor on top of an already opened pin driver.
func New(driver drivers.PinDriver) (*Reactor, error) {
	if driver == nil {
		return nil, errors.Wrap(ErrConfiguration, "pin driver is required")
	}

	p, err := newPoller()
	if err != nil {
		return nil, errors.Wrapf(ErrResource, "failed to create readiness poller: %v", err)
	}

	return &Reactor{
		Logger:    log.NewWithOptions(os.Stderr, log.Options{Prefix: "gpiokit"}),
		Exporter:  sysfs.NewExporter(sysfs.DefaultRoot),
		driver:    driver,
		poller:    p,
		sources:   make(map[uint16]*interruptSource),
		byFd:      make(map[int32]*interruptSource),
		listeners: make(map[int32]*tcpListener),
		clients:   make(map[int32]*tcpClient),
	}, nil
}

func (r *Reactor) ensureDispatcherLocked() {
	if r.disp != nil {
		return
	}

	workers := r.Workers
	if workers == 0 {
		workers = defaultWorkers
	}
	queueLen := r.QueueLen
	if queueLen == 0 {
		queueLen = defaultQueueLen
	}
	r.disp = newDispatcher(workers, queueLen, r.Logger)
}

// Run polls for readiness events and dispatches them until Stop is called
// or a fault terminates the loop. With detached set, the loop runs on its
// own goroutine and Run returns immediately; loop faults are then logged
// instead of returned. Only one loop per reactor may be active.
func (r *Reactor) Run(pollTimeout time.Duration, detached bool) error {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.Wrap(ErrConflict, "reactor loop already running")
	}
	r.ensureDispatcherLocked()
	r.running = true
	r.stopRequested = false
	r.mu.Unlock()

	if detached {
		go func() {
			err := r.loop(pollTimeout)
			if err != nil {
				r.Logger.Error("detached reactor loop terminated", "err", err)
			}
		}()
		return nil
	}

	return r.loop(pollTimeout)
}

func (r *Reactor) loop(pollTimeout time.Duration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Wrapf(ErrRuntimeFault, "callback panic: %v", rec)
		}

		r.mu.Lock()
		r.running = false
		r.mu.Unlock()

		if err != nil {
			// Best-effort teardown so kernel interfaces and sockets do not
			// leak past a fault; teardown failures are logged, not returned,
			// to keep the original fault visible.
			cleanupErr := r.Cleanup()
			if cleanupErr != nil {
				r.Logger.Error("cleanup after loop fault failed", "err", cleanupErr)
			}
		}
	}()

	evs := make([]unix.EpollEvent, maxEpollEvents)
	for {
		r.mu.Lock()
		stop := r.stopRequested
		r.mu.Unlock()
		if stop {
			return nil
		}

		n, waitErr := r.poller.wait(pollTimeout, evs)
		if waitErr != nil {
			return errors.Wrapf(ErrResource, "readiness poll failed: %v", waitErr)
		}

		for i := 0; i < n; i++ {
			tasks, evErr := r.handleEvent(evs[i])
			if evErr != nil {
				return evErr
			}
			for _, t := range tasks {
				r.disp.dispatch(t.threaded, t.fn)
			}
		}
	}
}

func (r *Reactor) handleEvent(ev unix.EpollEvent) ([]task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lst, ok := r.listeners[ev.Fd]; ok {
		r.acceptClientLocked(lst)
		return nil, nil
	}

	if cl, ok := r.clients[ev.Fd]; ok {
		if ev.Events&unix.EPOLLIN != 0 {
			return r.readClientLocked(cl), nil
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			r.closeClientLocked(cl.fd)
		}
		return nil, nil
	}

	if src, ok := r.byFd[ev.Fd]; ok {
		if ev.Events&unix.EPOLLPRI != 0 {
			return r.pinEventLocked(src)
		}
		return nil, nil
	}

	return nil, nil
}

// Stop requests loop exit; the loop observes it within one poll timeout.
// Calling Stop on an idle reactor or more than once is harmless.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopRequested = true
	r.mu.Unlock()
}

// Running reports whether a loop is currently active.
func (r *Reactor) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Cleanup closes every client and listening socket and unexports every
// kernel interface this reactor exported, leaving foreign interfaces
// untouched. It is safe to call at any time and repeatedly; a second call
// finds nothing to release.
func (r *Reactor) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for fd := range r.clients {
		r.closeClientLocked(int(fd))
	}

	for fd, lst := range r.listeners {
		removeErr := r.poller.remove(int(fd))
		if removeErr != nil {
			r.Logger.Debug("failed to deregister listener", "port", lst.port, "err", removeErr)
		}
		closeErr := unix.Close(int(fd))
		if closeErr != nil {
			r.Logger.Error("failed to close listener socket", "port", lst.port, "err", closeErr)
		}
		delete(r.listeners, fd)
	}

	var err error
	for _, pin := range r.Exporter.Created() {
		if src, ok := r.sources[pin]; ok {
			r.removeSourceLocked(src)
		}
		unexportErr := r.Exporter.Unexport(pin)
		if unexportErr != nil {
			r.Logger.Error("failed to unexport gpio", "pin", pin, "err", unexportErr)
			err = unexportErr
		}
	}

	if err != nil {
		return errors.Wrapf(ErrResource, "cleanup incomplete: %v", err)
	}
	return nil
}

// Close releases the reactor for good: registrations are cleaned up, the
// worker pool drains and stops, the poller descriptor is closed. Stop the
// loop and wait for it to exit before calling Close; a closed reactor cannot
// be run again.
func (r *Reactor) Close() error {
	err := r.Cleanup()

	r.mu.Lock()
	disp := r.disp
	r.disp = nil
	r.mu.Unlock()

	if disp != nil {
		disp.stop()
	}

	closeErr := r.poller.close()
	if err == nil && closeErr != nil {
		err = errors.Wrapf(ErrResource, "failed to close readiness poller: %v", closeErr)
	}
	return err
}
