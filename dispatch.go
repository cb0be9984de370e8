package gpiokit

import (
	"sync"

	"github.com/charmbracelet/log"
)

// dispatcher runs threaded-mode callbacks on a fixed pool of workers fed by
// a bounded queue. A burst of interrupts therefore queues up instead of
// spawning a goroutine per event; when the queue is full, enqueueing blocks
// the loop until a worker catches up.
type dispatcher struct {
	tasks  chan func()
	wg     sync.WaitGroup
	logger *log.Logger
}

func newDispatcher(workers, queueLen int, logger *log.Logger) *dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueLen < 1 {
		queueLen = 1
	}

	d := &dispatcher{
		tasks:  make(chan func(), queueLen),
		logger: logger,
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}

	return d
}

func (d *dispatcher) work() {
	defer d.wg.Done()
	for task := range d.tasks {
		d.run(task)
	}
}

// A panic in a threaded callback is logged and the worker keeps serving; it
// must not take the pool or the loop down with it.
func (d *dispatcher) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in threaded callback", "panic", r)
		}
	}()
	task()
}

// dispatch runs fn synchronously, blocking the caller, or hands it to the
// worker pool. Synchronous callbacks delay every other event in the current
// poll batch; that is the documented trade-off of sync mode.
func (d *dispatcher) dispatch(threaded bool, fn func()) {
	if !threaded {
		fn()
		return
	}
	d.tasks <- fn
}

func (d *dispatcher) stop() {
	close(d.tasks)
	d.wg.Wait()
}
