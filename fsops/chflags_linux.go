//go:build linux

package fsops

import "fmt"

// Linux has no chflags(2); BSD file flags cannot be projected here.

// Chflags changes the file flags of dst on platforms that support them.
func (o *Ops) Chflags(dst, flags string) error {
	run, err := o.permit(dst, fmt.Sprintf("chflags %s %s", flags, dst))
	if err != nil || !run {
		return err
	}
	o.log().WithField("path", dst).Debug("chflags unsupported on this platform")
	return nil
}

func (o *Ops) chflags(dst string, srcRec *Record) error {
	return nil
}
