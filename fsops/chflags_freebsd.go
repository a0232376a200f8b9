//go:build freebsd

package fsops

import (
	"fmt"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Chflags changes the file flags of dst on platforms that support them.
func (o *Ops) Chflags(dst, flags string) error {
	run, err := o.permit(dst, fmt.Sprintf("chflags %s %s", flags, dst))
	if err != nil || !run {
		return err
	}
	n, err := strconv.ParseInt(flags, 0, 32)
	if err != nil {
		return fmt.Errorf("%w: bad flags %q", ErrFilesystem, flags)
	}
	if err := unix.Chflags(dst, int(n)); err != nil {
		return fmt.Errorf("%w: chflags %s: %v", ErrFilesystem, dst, err)
	}
	return nil
}

func (o *Ops) chflags(dst string, srcRec *Record) error {
	st := &syscall.Stat_t{}
	if err := syscall.Lstat(srcRec.Path, st); err != nil {
		return err
	}
	if st.Flags == 0 {
		return nil
	}
	return unix.Chflags(dst, int(st.Flags))
}
