// Package fsops implements the file operation primitives used to populate
// a jail: clone, mkdir, mknod, ln-s, chmod, chown, chflags, touch, rm and
// rmdir.  Every mutation passes through a single gate that enforces the
// write-path policy, renders the equivalent shell command, and suppresses
// the syscall entirely in test mode.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Error kinds raised by primitives.  Callers match with errors.Is.
var (
	// ErrPolicy wraps attempts to modify a path outside the writepath.
	ErrPolicy = errors.New("policy")
	// ErrFilesystem wraps missing sources, destination type mismatches
	// and failed syscalls.
	ErrFilesystem = errors.New("filesystem")
)

// Ops routes primitives through the policy, transcript and test-mode
// gate.  The zero value runs everything unchecked and silently.
type Ops struct {
	// Test suppresses every mutating syscall; the rendered shell
	// equivalent on Out is the only effect.
	Test bool
	// Verbose mirrors each shell equivalent to Out, prefixed with "# ",
	// before running it.
	Verbose bool
	// Out receives the shell transcript.  Defaults to os.Stdout.
	Out io.Writer
	// Writable is the write-path policy.  A nil policy allows everything.
	Writable func(path string) bool
	// Log receives diagnostics.  Defaults to the standard logger.
	Log *logrus.Logger
}

func (o *Ops) out() io.Writer {
	if o.Out != nil {
		return o.Out
	}
	return os.Stdout
}

func (o *Ops) log() *logrus.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}

// permit enforces the write policy for path and renders the shell
// equivalent.  It reports whether the caller should issue the syscall.
func (o *Ops) permit(path, shell string) (bool, error) {
	if o.Writable != nil && !o.Writable(path) {
		return false, fmt.Errorf("%w: %s outside writepath", ErrPolicy, path)
	}
	o.echo(shell)
	return !o.Test, nil
}

// echo renders a shell equivalent without a policy check, for actions
// that only read host state.
func (o *Ops) echo(shell string) {
	if o.Test {
		fmt.Fprintln(o.out(), shell)
	} else if o.Verbose {
		fmt.Fprintln(o.out(), "# "+shell)
	}
}

// Echo renders a shell equivalent for a non-mutating action.
func (o *Ops) Echo(shell string) { o.echo(shell) }

// Permit exposes the gate for callers that issue their own syscalls, such
// as the mount controller.
func (o *Ops) Permit(path, shell string) (bool, error) {
	return o.permit(path, shell)
}
