// Package sysfs manages the kernel gpio pseudo-filesystem interfaces
// (/sys/class/gpio) used for edge-triggered interrupt delivery.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const DefaultRoot = "/sys/class/gpio"

// Settle time after unexporting a stale interface before re-exporting it.
const reexportDelay = 100 * time.Millisecond

type Edge string

const (
	EdgeNone    Edge = "none"
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeBoth    Edge = "both"
)

func (e Edge) Valid() bool {
	switch e {
	case EdgeNone, EdgeRising, EdgeFalling, EdgeBoth:
		return true
	}
	return false
}

// Interface is an exported kernel gpio interface with its value stream
// open. The value file carries the edge-triggered registration, so reads
// rewind the same handle instead of reopening it.
type Interface struct {
	Pin   uint16
	Value *os.File
}

func (i *Interface) Fd() int {
	return int(i.Value.Fd())
}

// ReadValue rewinds the value stream and reads the current pin level.
func (i *Interface) ReadValue() (int, error) {
	_, err := i.Value.Seek(0, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to rewind value stream of gpio %d", i.Pin)
	}

	buf := make([]byte, 16)
	n, err := i.Value.Read(buf)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read value of gpio %d", i.Pin)
	}

	switch strings.TrimSpace(string(buf[:n])) {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	}
	return 0, errors.Errorf("unexpected value read from gpio %d: %q", i.Pin, buf[:n])
}

func (i *Interface) Close() error {
	return i.Value.Close()
}

// Exporter exports and unexports kernel gpio interfaces, remembering which
// ones this process created so cleanup never touches interfaces owned by
// somebody else.
type Exporter struct {
	// Root of the gpio pseudo-filesystem; tests point it at a fake tree.
	Root string

	created map[uint16]bool
}

func NewExporter(root string) *Exporter {
	if root == "" {
		root = DefaultRoot
	}
	return &Exporter{
		Root:    root,
		created: make(map[uint16]bool),
	}
}

func (e *Exporter) pinDir(pin uint16) string {
	return filepath.Join(e.Root, fmt.Sprintf("gpio%d", pin))
}

func (e *Exporter) writeControl(name, content string) error {
	f, err := os.OpenFile(filepath.Join(e.Root, name), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open gpio control file %s", name)
	}
	defer f.Close()

	_, err = f.WriteString(content)
	if err != nil {
		return errors.Wrapf(err, "failed to write %q to gpio control file %s", content, name)
	}
	return nil
}

func (e *Exporter) writePinFile(pin uint16, name, content string) error {
	f, err := os.OpenFile(filepath.Join(e.pinDir(pin), name), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s file of gpio %d", name, pin)
	}
	defer f.Close()

	_, err = f.WriteString(content)
	if err != nil {
		return errors.Wrapf(err, "failed to write %q to %s file of gpio %d", content, name, pin)
	}
	return nil
}

// Export creates the kernel interface for a pin, configures it as an input
// with the requested edge detection and opens its value stream. An
// interface left over from a previous run is unexported first so the setup
// starts from a clean state.
func (e *Exporter) Export(pin uint16, edge Edge) (*Interface, error) {
	if !edge.Valid() {
		return nil, errors.Errorf("'%s' is not a valid edge", edge)
	}
	if e.created == nil {
		e.created = make(map[uint16]bool)
	}
	if e.Root == "" {
		e.Root = DefaultRoot
	}

	if _, err := os.Stat(e.pinDir(pin)); err == nil {
		err = e.writeControl("unexport", fmt.Sprintf("%d", pin))
		if err != nil {
			return nil, err
		}
		time.Sleep(reexportDelay)
	}

	err := e.writeControl("export", fmt.Sprintf("%d", pin))
	if err != nil {
		return nil, err
	}
	e.created[pin] = true

	err = e.writePinFile(pin, "direction", "in")
	if err != nil {
		return nil, err
	}

	err = e.writePinFile(pin, "edge", string(edge))
	if err != nil {
		return nil, err
	}

	value, err := os.Open(filepath.Join(e.pinDir(pin), "value"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open value stream of gpio %d", pin)
	}

	iface := &Interface{Pin: pin, Value: value}

	// Drain the initial level so the first epoll event delivers fresh data.
	_, err = iface.ReadValue()
	if err != nil {
		value.Close()
		return nil, err
	}

	return iface, nil
}

// ReadEdge reads the currently configured edge mode of an exported pin.
func (e *Exporter) ReadEdge(pin uint16) (Edge, error) {
	raw, err := os.ReadFile(filepath.Join(e.pinDir(pin), "edge"))
	if err != nil {
		return EdgeNone, errors.Wrapf(err, "failed to read edge file of gpio %d", pin)
	}
	return Edge(strings.TrimSpace(string(raw))), nil
}

// Unexport removes the kernel interface of a pin this process exported.
// Pins that were never exported here are left untouched and reported as a
// no-op, not an error.
func (e *Exporter) Unexport(pin uint16) error {
	if !e.created[pin] {
		return nil
	}

	err := e.writeControl("unexport", fmt.Sprintf("%d", pin))
	if err != nil {
		return err
	}

	delete(e.created, pin)
	return nil
}

// Created lists the pins whose interfaces this process exported and has not
// unexported yet.
func (e *Exporter) Created() []uint16 {
	pins := []uint16{}
	for pin := range e.created {
		pins = append(pins, pin)
	}
	return pins
}
