package fsops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Clone copies src to dst along with data and metadata.  Symlinks are
// copied, not followed.  src must exist; an existing dst must have the
// same type.  Parent directories of dst are created on demand by cloning
// metadata from the corresponding ancestors of src.  Regular file content
// is copied byte-for-byte, symlink target text verbatim, and device
// numbers preserved.  Permission bits, ownership, file flags and mtime
// are projected from src after the body.
func (o *Ops) Clone(src, dst string) error {
	srcRec, err := Stat(src)
	if err != nil {
		return fmt.Errorf("%w: clone source %s: %v", ErrFilesystem, src, err)
	}
	return o.clone(srcRec, dst)
}

func (o *Ops) clone(srcRec *Record, dst string) error {
	if err := o.cloneParents(srcRec.Path, dst); err != nil {
		return err
	}

	dstRec, statErr := Stat(dst)
	if statErr == nil && dstRec.Type() != srcRec.Type() {
		return fmt.Errorf("%w: %s: expected %s, got %s",
			ErrFilesystem, dst, srcRec.TypeString(), dstRec.TypeString())
	}

	switch srcRec.Type() {
	case 0:
		if err := o.cloneRegular(srcRec, dst); err != nil {
			return err
		}
	case os.ModeDir:
		run, err := o.permit(dst, fmt.Sprintf("mkdir -m %04o %s", srcRec.Mode.Perm(), dst))
		if err != nil {
			return err
		}
		if run && dstRec == nil {
			if err := os.Mkdir(dst, srcRec.Mode.Perm()); err != nil {
				return fmt.Errorf("%w: %v", ErrFilesystem, err)
			}
		}
	case os.ModeSymlink:
		run, err := o.permit(dst, fmt.Sprintf("ln -sf %s %s", srcRec.Target, dst))
		if err != nil {
			return err
		}
		if run {
			if dstRec != nil && dstRec.Target != srcRec.Target {
				if err := os.Remove(dst); err != nil {
					return fmt.Errorf("%w: %v", ErrFilesystem, err)
				}
				dstRec = nil
			}
			if dstRec == nil {
				if err := os.Symlink(srcRec.Target, dst); err != nil {
					return fmt.Errorf("%w: %v", ErrFilesystem, err)
				}
			}
		}
	case os.ModeDevice, os.ModeDevice | os.ModeCharDevice:
		mode := srcRec.Mode.Perm()
		if srcRec.Mode&os.ModeCharDevice != 0 {
			mode |= os.ModeCharDevice
		}
		if err := o.Mknod(dst, mode, srcRec.Dev); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s: cannot clone %s", ErrFilesystem, srcRec.Path, srcRec.TypeString())
	}

	return o.cloneMeta(srcRec, dst)
}

// cloneParents materializes the missing ancestors of dst by cloning the
// metadata of the corresponding ancestors of src, nearest the root first.
func (o *Ops) cloneParents(src, dst string) error {
	srcDir, dstDir := filepath.Dir(src), filepath.Dir(dst)
	if dstDir == dst || dstDir == "/" || dstDir == "." {
		return nil
	}
	if _, err := os.Lstat(dstDir); err == nil {
		return nil
	}
	if o.Test {
		// Nothing is created in test mode, so only note the intent once
		// per missing chain instead of recursing to the root.
		o.echo(fmt.Sprintf("mkdir -p %s", dstDir))
		return nil
	}
	srcRec, err := Stat(srcDir)
	if err != nil {
		return fmt.Errorf("%w: clone parent %s: %v", ErrFilesystem, srcDir, err)
	}
	return o.clone(srcRec, dstDir)
}

func (o *Ops) cloneRegular(srcRec *Record, dst string) error {
	run, err := o.permit(dst, fmt.Sprintf("cp -p %s %s", srcRec.Path, dst))
	if err != nil || !run {
		return err
	}
	in, err := os.Open(srcRec.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, srcRec.Mode.Perm())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("%w: copy %s: %v", ErrFilesystem, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}

// cloneMeta projects permission bits, ownership, file flags and mtime
// from the source record onto dst.  Ownership and flags are best-effort
// for unprivileged builders; failures there are logged, not fatal.
func (o *Ops) cloneMeta(srcRec *Record, dst string) error {
	if o.Test {
		return nil
	}
	if srcRec.Type() != os.ModeSymlink {
		if err := os.Chmod(dst, srcRec.Mode.Perm()); err != nil {
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
	}
	if err := os.Lchown(dst, srcRec.UID, srcRec.GID); err != nil {
		o.log().WithField("path", dst).WithError(err).Debug("clone: chown")
	}
	if err := o.chflags(dst, srcRec); err != nil {
		o.log().WithField("path", dst).WithError(err).Debug("clone: chflags")
	}
	return o.utimes(dst, srcRec.Mtime)
}

// CloneRecurse clones src to dst and, when src is a directory or a
// symlink to one, recursively clones every entry except . and ..  With
// quick set, a directory whose existing dst matches in size and mtime is
// skipped wholesale.
func (o *Ops) CloneRecurse(src, dst string, quick bool) error {
	srcRec, err := Stat(src)
	if err != nil {
		return fmt.Errorf("%w: clone source %s: %v", ErrFilesystem, src, err)
	}
	dstRec, _ := Stat(dst)
	if quick && srcRec.Type() == os.ModeDir && srcRec.Matches(dstRec) {
		o.log().WithField("path", src).Debug("clone-recurse: unchanged")
		return nil
	}
	if err := o.clone(srcRec, dst); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	for _, entry := range entries {
		err := o.CloneRecurse(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), quick)
		if err != nil {
			return err
		}
	}
	return nil
}

// CloneFrom clones each named file from srcdir to dstdir.
func (o *Ops) CloneFrom(srcdir, dstdir string, files []string) error {
	for _, name := range files {
		if err := o.Clone(filepath.Join(srcdir, name), filepath.Join(dstdir, name)); err != nil {
			return err
		}
	}
	return nil
}
