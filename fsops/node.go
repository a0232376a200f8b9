package fsops

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// touchStamp is the --touch time format, %Y%m%d%H%M.%S.
const touchStamp = "200601021504.05"

// Mkdir creates dst with the given mode, setting ownership when uid or
// gid is not -1.  An existing directory succeeds and has its bits and
// ownership re-applied.
func (o *Ops) Mkdir(dst string, mode os.FileMode, uid, gid int) error {
	shell := fmt.Sprintf("mkdir -p -m %s %s", octalMode(mode), dst)
	if uid >= 0 {
		shell += fmt.Sprintf(" && chown %d:%d %s", uid, gid, dst)
	}
	run, err := o.permit(dst, shell)
	if err != nil || !run {
		return err
	}
	if info, err := os.Lstat(dst); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s: expected directory, got %s", ErrFilesystem, dst, info.Mode().Type())
		}
	} else if err := os.MkdirAll(dst, mode.Perm()); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if err := os.Chmod(dst, modeBits(mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return o.lchown(dst, uid, gid)
}

// Mknod creates the device node dst.  An existing node must have the same
// type and device number.
func (o *Ops) Mknod(dst string, mode os.FileMode, dev uint64) error {
	typ := "b"
	unixMode := uint32(mode.Perm()) | unix.S_IFBLK
	if mode&os.ModeCharDevice != 0 {
		typ = "c"
		unixMode = uint32(mode.Perm()) | unix.S_IFCHR
	}
	shell := fmt.Sprintf("mknod -m %04o %s %s %d %d",
		mode.Perm(), dst, typ, unix.Major(dev), unix.Minor(dev))
	run, err := o.permit(dst, shell)
	if err != nil || !run {
		return err
	}
	if existing, err := Stat(dst); err == nil {
		if existing.Mode&os.ModeDevice == 0 || (existing.Mode&os.ModeCharDevice != 0) != (typ == "c") {
			return fmt.Errorf("%w: %s: expected %s device, got %s", ErrFilesystem, dst, typ, existing.TypeString())
		}
		if existing.Dev != dev {
			return fmt.Errorf("%w: %s: expected device %d.%d, found %d.%d", ErrFilesystem,
				dst, unix.Major(dev), unix.Minor(dev), unix.Major(existing.Dev), unix.Minor(existing.Dev))
		}
		return nil
	}
	if err := unix.Mknod(dst, unixMode, int(dev)); err != nil {
		return fmt.Errorf("%w: mknod %s: %v", ErrFilesystem, dst, err)
	}
	return nil
}

// Symlink creates link pointing at target.  An existing link must already
// point at target.
func (o *Ops) Symlink(target, link string) error {
	run, err := o.permit(link, fmt.Sprintf("ln -s %s %s", target, link))
	if err != nil || !run {
		return err
	}
	if existing, err := os.Readlink(link); err == nil {
		if existing != target {
			return fmt.Errorf("%w: %s: expected symlink to %s, got %s", ErrFilesystem, link, target, existing)
		}
		return nil
	} else if _, err := os.Lstat(link); err == nil {
		return fmt.Errorf("%w: %s: exists and is not a symlink", ErrFilesystem, link)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}

// Chmod changes the permission bits of dst.
func (o *Ops) Chmod(dst string, mode os.FileMode) error {
	run, err := o.permit(dst, fmt.Sprintf("chmod %s %s", octalMode(mode), dst))
	if err != nil || !run {
		return err
	}
	if err := os.Chmod(dst, modeBits(mode)); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}

// Chown changes the ownership of dst without following symlinks.  A uid
// or gid of -1 leaves that id unchanged.
func (o *Ops) Chown(dst string, uid, gid int) error {
	run, err := o.permit(dst, fmt.Sprintf("chown -h %d:%d %s", uid, gid, dst))
	if err != nil || !run {
		return err
	}
	return o.lchown(dst, uid, gid)
}

func (o *Ops) lchown(dst string, uid, gid int) error {
	if uid < 0 && gid < 0 {
		return nil
	}
	if err := os.Lchown(dst, uid, gid); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}

// Touch sets the modification time of dst, which must exist.  The stamp
// uses the format %Y%m%d%H%M.%S; an empty stamp means now.
func (o *Ops) Touch(dst, stamp string) error {
	when := time.Now()
	shell := "touch -c " + dst
	if stamp != "" {
		parsed, err := time.ParseInLocation(touchStamp, stamp, time.Local)
		if err != nil {
			return fmt.Errorf("%w: bad time stamp %q: %v", ErrFilesystem, stamp, err)
		}
		when = parsed
		shell = fmt.Sprintf("touch -c -t %s %s", stamp, dst)
	}
	run, err := o.permit(dst, shell)
	if err != nil || !run {
		return err
	}
	if _, err := os.Lstat(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return o.utimes(dst, when)
}

// utimes sets the mtime of dst, without following symlinks.
func (o *Ops) utimes(dst string, mtime time.Time) error {
	tv := []unix.Timeval{unix.NsecToTimeval(mtime.UnixNano()), unix.NsecToTimeval(mtime.UnixNano())}
	if err := unix.Lutimes(dst, tv); err != nil {
		return fmt.Errorf("%w: utimes %s: %v", ErrFilesystem, dst, err)
	}
	return nil
}

// Rm removes the file dst.  A missing dst succeeds.
func (o *Ops) Rm(dst string) error {
	run, err := o.permit(dst, "rm -f "+dst)
	if err != nil || !run {
		return err
	}
	if err := unix.Unlink(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: rm %s: %v", ErrFilesystem, dst, err)
	}
	return nil
}

// Rmdir removes the directory dst, which must be empty.  A missing dst
// succeeds.
func (o *Ops) Rmdir(dst string) error {
	run, err := o.permit(dst, "rmdir "+dst)
	if err != nil || !run {
		return err
	}
	if err := unix.Rmdir(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: rmdir %s: %v", ErrFilesystem, dst, err)
	}
	return nil
}

// RemoveAll removes dst and everything beneath it.
func (o *Ops) RemoveAll(dst string) error {
	run, err := o.permit(dst, "rm -rf "+dst)
	if err != nil || !run {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}

// ParseMode parses a permission mode string as octal, accepting an
// optional leading 0 or 0o prefix.  The setuid, setgid and sticky bits
// map to their os.FileMode counterparts.
func ParseMode(s string) (os.FileMode, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil || n > 0o7777 {
		return 0, fmt.Errorf("%w: bad mode %q", ErrFilesystem, s)
	}
	mode := os.FileMode(n & 0o777)
	if n&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if n&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if n&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode, nil
}

// modeBits masks mode to what chmod can apply.
func modeBits(mode os.FileMode) os.FileMode {
	return mode & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
}

// octalMode renders mode the way chmod's numeric argument reads.
func octalMode(mode os.FileMode) string {
	n := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		n |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		n |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		n |= 0o1000
	}
	return fmt.Sprintf("%04o", n)
}

// ParseDev parses a major or minor device number, accepting decimal, and
// 0x-prefixed hex.
func ParseDev(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad device number %q", ErrFilesystem, s)
	}
	return n, nil
}
