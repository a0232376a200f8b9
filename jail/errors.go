package jail

import "errors"

// Error kinds raised by the engine.  Configuration, policy and filesystem
// kinds come from the jailconf and fsops packages; dependency errors from
// ldso.  Callers match any of them with errors.Is.
var (
	// ErrMount wraps bind and unmount failures.
	ErrMount = errors.New("mount")
	// ErrExecute wraps chroot, privilege drop and exec failures.
	ErrExecute = errors.New("execute")
)
