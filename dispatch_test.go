package gpiokit

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestDispatchSyncRunsInline(t *testing.T) {
	d := newDispatcher(1, 1, log.New(io.Discard))
	defer d.stop()

	ran := false
	d.dispatch(false, func() { ran = true })
	if !ran {
		t.Error("sync dispatch should run the callback before returning")
	}
}

func TestDispatchThreadedRunsOnPool(t *testing.T) {
	d := newDispatcher(2, 4, log.New(io.Discard))
	defer d.stop()

	done := make(chan struct{})
	d.dispatch(true, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("threaded callback never ran")
	}
}

func TestDispatchPanicDoesNotKillWorker(t *testing.T) {
	// one worker, so a surviving pool proves the panic was contained
	d := newDispatcher(1, 4, log.New(io.Discard))
	defer d.stop()

	d.dispatch(true, func() { panic("callback gone wrong") })

	done := make(chan struct{})
	d.dispatch(true, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking callback")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	d := newDispatcher(2, 16, log.New(io.Discard))

	var count int64
	for i := 0; i < 10; i++ {
		d.dispatch(true, func() { atomic.AddInt64(&count, 1) })
	}
	d.stop()

	if got := atomic.LoadInt64(&count); got != 10 {
		t.Errorf("callbacks run before stop returned: got %d want 10", got)
	}
}
