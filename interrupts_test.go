package gpiokit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubertat/gpiokit/drivers"
	"github.com/hubertat/gpiokit/sysfs"
)

// firePinEvent simulates one kernel edge notification: it writes the new
// level into the fake value file, runs the event handler for the pin and
// invokes the resulting callbacks synchronously. It returns how many
// callbacks fired.
func firePinEvent(t testing.TB, r *Reactor, pin uint16, value string) int {
	t.Helper()

	path := filepath.Join(r.Exporter.Root, fmt.Sprintf("gpio%d", pin), "value")
	err := os.WriteFile(path, []byte(value+"\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	src, ok := r.sources[pin]
	if !ok {
		r.mu.Unlock()
		t.Fatalf("no interrupt source for pin %d", pin)
	}
	tasks, err := r.pinEventLocked(src)
	r.mu.Unlock()
	if err != nil {
		t.Fatalf("pin event returned err: %v", err)
	}

	for _, task := range tasks {
		task.fn()
	}
	return len(tasks)
}

func rewindDebounce(r *Reactor, pin uint16) {
	r.mu.Lock()
	r.sources[pin].lastTrigger = time.Time{}
	r.mu.Unlock()
}

func TestRegisterInterruptValidation(t *testing.T) {
	r, _ := newTestReactor(t, 17)
	noop := func(pin uint16, value int) {}

	t.Run("nil callback", func(t *testing.T) {
		err := r.RegisterInterrupt(17, nil, InterruptOptions{})
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected configuration error, got: %v", err)
		}
	})

	t.Run("invalid edge", func(t *testing.T) {
		err := r.RegisterInterrupt(17, noop, InterruptOptions{Edge: sysfs.Edge("sideways")})
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected configuration error, got: %v", err)
		}
	})

	t.Run("invalid pull", func(t *testing.T) {
		err := r.RegisterInterrupt(17, noop, InterruptOptions{Pull: drivers.Pull(9)})
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected configuration error, got: %v", err)
		}
	})

	t.Run("pin outside board list", func(t *testing.T) {
		err := r.RegisterInterrupt(5, noop, InterruptOptions{})
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected configuration error, got: %v", err)
		}
	})
}

func TestRegisterInterruptConfiguresPin(t *testing.T) {
	r, driver := newTestReactor(t, 17)

	err := r.RegisterInterrupt(17, func(pin uint16, value int) {}, InterruptOptions{
		Edge: sysfs.EdgeRising,
		Pull: drivers.PullUp,
	})
	if err != nil {
		t.Fatalf("RegisterInterrupt returned err: %v", err)
	}

	mode, err := driver.PinMode(17)
	if err != nil {
		t.Fatal(err)
	}
	if mode != drivers.ModeInput {
		t.Errorf("pin mode: got %s want %s", mode, drivers.ModeInput)
	}
	if driver.PullOf(17) != drivers.PullUp {
		t.Errorf("pull: got %s want %s", driver.PullOf(17), drivers.PullUp)
	}

	edge, err := r.Exporter.ReadEdge(17)
	if err != nil {
		t.Fatal(err)
	}
	if edge != sysfs.EdgeRising {
		t.Errorf("edge file: got %q want %q", edge, sysfs.EdgeRising)
	}

	pins := r.InterruptPins()
	if len(pins) != 1 || pins[0] != 17 {
		t.Errorf("interrupt pins: got %v want [17]", pins)
	}
}

func TestRegisterInterruptRequiresReadyDriver(t *testing.T) {
	r, driver := newTestReactor(t, 17)
	driver.Close()

	err := r.RegisterInterrupt(17, func(pin uint16, value int) {}, InterruptOptions{})
	if !errors.Is(err, ErrResource) {
		t.Errorf("expected resource error, got: %v", err)
	}
}

func TestEdgeConflict(t *testing.T) {
	r, _ := newTestReactor(t, 17)
	noop := func(pin uint16, value int) {}

	err := r.RegisterInterrupt(17, noop, InterruptOptions{Edge: sysfs.EdgeRising})
	if err != nil {
		t.Fatal(err)
	}

	err = r.RegisterInterrupt(17, noop, InterruptOptions{Edge: sysfs.EdgeFalling})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict error for mismatched edge, got: %v", err)
	}

	err = r.RegisterInterrupt(17, noop, InterruptOptions{Edge: sysfs.EdgeRising})
	if err != nil {
		t.Errorf("matching edge should append a callback, got: %v", err)
	}
}

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	r, _ := newTestReactor(t, 17)

	order := []int{}
	err := r.RegisterInterrupt(17, func(pin uint16, value int) {
		order = append(order, 1)
		if pin != 17 || value != 1 {
			t.Errorf("callback got pin=%d value=%d want pin=17 value=1", pin, value)
		}
	}, InterruptOptions{Edge: sysfs.EdgeRising})
	if err != nil {
		t.Fatal(err)
	}
	err = r.RegisterInterrupt(17, func(pin uint16, value int) {
		order = append(order, 2)
	}, InterruptOptions{Edge: sysfs.EdgeRising})
	if err != nil {
		t.Fatal(err)
	}

	fired := firePinEvent(t, r, 17, "1")
	if fired != 2 {
		t.Fatalf("got %d callbacks want 2", fired)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callback order: got %v want [1 2]", order)
	}
}

func TestEdgeFilterDropsArtifacts(t *testing.T) {
	r, _ := newTestReactor(t, 17, 18)
	noop := func(pin uint16, value int) {}

	err := r.RegisterInterrupt(17, noop, InterruptOptions{Edge: sysfs.EdgeRising})
	if err != nil {
		t.Fatal(err)
	}
	err = r.RegisterInterrupt(18, noop, InterruptOptions{Edge: sysfs.EdgeFalling})
	if err != nil {
		t.Fatal(err)
	}

	if fired := firePinEvent(t, r, 17, "0"); fired != 0 {
		t.Errorf("low level on a rising source fired %d callbacks, want 0", fired)
	}
	if fired := firePinEvent(t, r, 17, "1"); fired != 1 {
		t.Errorf("high level on a rising source fired %d callbacks, want 1", fired)
	}

	if fired := firePinEvent(t, r, 18, "1"); fired != 0 {
		t.Errorf("high level on a falling source fired %d callbacks, want 0", fired)
	}
	if fired := firePinEvent(t, r, 18, "0"); fired != 1 {
		t.Errorf("low level on a falling source fired %d callbacks, want 1", fired)
	}
}

func TestDebounceSuppressesRepeats(t *testing.T) {
	r, _ := newTestReactor(t, 17)

	err := r.RegisterInterrupt(17, func(pin uint16, value int) {}, InterruptOptions{
		Edge:     sysfs.EdgeRising,
		Debounce: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	if fired := firePinEvent(t, r, 17, "1"); fired != 1 {
		t.Fatalf("first trigger fired %d callbacks, want 1", fired)
	}
	if fired := firePinEvent(t, r, 17, "1"); fired != 0 {
		t.Errorf("trigger inside the debounce window fired %d callbacks, want 0", fired)
	}

	rewindDebounce(r, 17)
	if fired := firePinEvent(t, r, 17, "1"); fired != 1 {
		t.Errorf("trigger after the debounce window fired %d callbacks, want 1", fired)
	}
}

func TestEdgeArtifactLeavesDebounceAlone(t *testing.T) {
	r, _ := newTestReactor(t, 17)

	err := r.RegisterInterrupt(17, func(pin uint16, value int) {}, InterruptOptions{
		Edge:     sysfs.EdgeRising,
		Debounce: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	if fired := firePinEvent(t, r, 17, "1"); fired != 1 {
		t.Fatal("first trigger should fire")
	}
	rewindDebounce(r, 17)

	// a filtered artifact is not a trigger, so the next real edge still fires
	if fired := firePinEvent(t, r, 17, "0"); fired != 0 {
		t.Fatalf("artifact fired %d callbacks, want 0", fired)
	}
	if fired := firePinEvent(t, r, 17, "1"); fired != 1 {
		t.Errorf("edge after an artifact fired %d callbacks, want 1", fired)
	}
}

func TestUnregisterInterrupt(t *testing.T) {
	r, _ := newTestReactor(t, 17)

	err := r.UnregisterInterrupt(17)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not-found error, got: %v", err)
	}

	err = r.RegisterInterrupt(17, func(pin uint16, value int) {}, InterruptOptions{})
	if err != nil {
		t.Fatal(err)
	}

	err = r.UnregisterInterrupt(17)
	if err != nil {
		t.Fatalf("UnregisterInterrupt returned err: %v", err)
	}

	if got := r.InterruptPins(); len(got) != 0 {
		t.Errorf("interrupt pins after unregister: got %v want none", got)
	}

	// the kernel interface stays exported until Cleanup
	created := r.Exporter.Created()
	if len(created) != 1 || created[0] != 17 {
		t.Errorf("created interface set: got %v want [17]", created)
	}
}
