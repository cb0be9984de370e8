package gpiokit

import "github.com/pkg/errors"

// Error categories surfaced by registration and loop operations. Callers
// match them with errors.Is; the concrete errors wrap these with context.
var (
	// ErrConfiguration marks rejected input: invalid pin for the board,
	// invalid edge or pull setting, a frequency outside the representable
	// range, an indivisible pulse width.
	ErrConfiguration = errors.New("configuration error")

	// ErrConflict marks registrations that clash with existing state, like
	// re-registering a pin with a different edge mode.
	ErrConflict = errors.New("conflict")

	// ErrResource marks failures of kernel interface or socket plumbing.
	ErrResource = errors.New("resource error")

	// ErrNotFound marks operations on pins or channels never registered.
	ErrNotFound = errors.New("not found")

	// ErrRuntimeFault marks a panic escaping a synchronous callback; it
	// terminates the running loop after best-effort cleanup.
	ErrRuntimeFault = errors.New("runtime fault")
)
