package gpiokit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/gpiokit/drivers"
	"github.com/hubertat/gpiokit/sysfs"
)

const testPollTimeout = 10 * time.Millisecond

// fakeGpioRoot builds a gpio pseudo-filesystem in a temp dir, with the
// kernel-created interface directories already in place for the given pins.
func fakeGpioRoot(t testing.TB, pins ...uint16) string {
	t.Helper()

	root := t.TempDir()
	for _, name := range []string{"export", "unexport"} {
		err := os.WriteFile(filepath.Join(root, name), nil, 0644)
		if err != nil {
			t.Fatal(err)
		}
	}

	for _, pin := range pins {
		dir := filepath.Join(root, fmt.Sprintf("gpio%d", pin))
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			t.Fatal(err)
		}
		for name, content := range map[string]string{
			"direction": "in\n",
			"edge":      "none\n",
			"value":     "0\n",
		} {
			err = os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	return root
}

func newTestReactor(t testing.TB, pins ...uint16) (*Reactor, *drivers.MockPinDriver) {
	t.Helper()

	driver := &drivers.MockPinDriver{}
	err := driver.Open()
	if err != nil {
		t.Fatal(err)
	}

	r, err := New(driver)
	if err != nil {
		t.Fatalf("New returned err: %v", err)
	}
	r.Logger = log.New(io.Discard)
	r.Exporter = sysfs.NewExporter(fakeGpioRoot(t, pins...))
	return r, driver
}

func waitRunning(t testing.TB, r *Reactor, want bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Running() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("reactor running state never became %v", want)
}

func stopReactor(t testing.TB, r *Reactor) {
	t.Helper()

	r.Stop()
	waitRunning(t, r, false)
	err := r.Close()
	if err != nil {
		t.Errorf("Close returned err: %v", err)
	}
}

func TestNewRequiresDriver(t *testing.T) {
	_, err := New(nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected configuration error, got: %v", err)
	}
}

func TestStopEndsLoop(t *testing.T) {
	r, _ := newTestReactor(t)

	done := make(chan error, 1)
	go func() {
		done <- r.Run(testPollTimeout, false)
	}()

	waitRunning(t, r, true)
	r.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("loop returned err: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not observe the stop request")
	}

	if r.Running() {
		t.Error("reactor still reports running after loop exit")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close returned err: %v", err)
	}
}

func TestSecondRunConflicts(t *testing.T) {
	r, _ := newTestReactor(t)

	err := r.Run(testPollTimeout, true)
	if err != nil {
		t.Fatalf("detached Run returned err: %v", err)
	}
	waitRunning(t, r, true)

	err = r.Run(testPollTimeout, false)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict error for second loop, got: %v", err)
	}

	stopReactor(t, r)
}

func TestStopIdleReactor(t *testing.T) {
	r, _ := newTestReactor(t)

	r.Stop()
	r.Stop()

	if err := r.Close(); err != nil {
		t.Errorf("Close returned err: %v", err)
	}
}

func TestCleanupReleasesOwnPins(t *testing.T) {
	r, _ := newTestReactor(t, 17, 22, 23)

	noop := func(pin uint16, value int) {}
	err := r.RegisterInterrupt(17, noop, InterruptOptions{})
	if err != nil {
		t.Fatal(err)
	}
	err = r.RegisterInterrupt(22, noop, InterruptOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// gpio 23 exists in the tree but was exported by somebody else
	err = r.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup returned err: %v", err)
	}

	if got := r.InterruptPins(); len(got) != 0 {
		t.Errorf("interrupt sources should be gone, got %v", got)
	}
	if got := r.Exporter.Created(); len(got) != 0 {
		t.Errorf("created interface set should be empty, got %v", got)
	}

	// a second pass finds nothing to release
	err = r.Cleanup()
	if err != nil {
		t.Errorf("repeated Cleanup returned err: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Errorf("Close returned err: %v", err)
	}
}
