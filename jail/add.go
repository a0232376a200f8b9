package jail

import (
	"fmt"
	"os"
	"path/filepath"

	"go.linkdata.se/jail/fsops"
)

// The add engine clones host paths into the jail at the mirrored location
// beneath {jailhome} and pulls in the shared object closure of anything
// that looks like an executable.  It composes fsops.Clone and the ldso
// resolver and introduces no new mutation primitives.

func (e *Engine) addPaths(paths []string, recurse, quick bool) error {
	for _, path := range paths {
		src, err := e.expandPath(path)
		if err != nil {
			return err
		}
		if err := e.addPath(src, recurse, quick); err != nil {
			return err
		}
	}
	return nil
}

// addFrom resolves relative names against srcdir; the destination
// mirrors only the relative portion beneath {jailhome}.  Absolute names
// are added as with add.
func (e *Engine) addFrom(dir string, files []string) error {
	srcdir, err := e.expandPath(dir)
	if err != nil {
		return err
	}
	home, err := e.Config.JailHome()
	if err != nil {
		return err
	}
	for _, name := range files {
		file, err := e.expand(name)
		if err != nil {
			return err
		}
		if filepath.IsAbs(file) {
			if err := e.addPath(file, false, false); err != nil {
				return err
			}
			continue
		}
		src := filepath.Join(srcdir, file)
		if e.added[src] {
			continue
		}
		e.added[src] = true
		srcRec, err := fsops.Stat(src)
		if err != nil {
			return fmt.Errorf("%w: not found: %s", fsops.ErrFilesystem, src)
		}
		if srcRec.Mode.IsRegular() && e.Resolver.Candidate(src, srcRec.Mode) {
			if err := e.addClosure(src, false, false); err != nil {
				return err
			}
		}
		dst := filepath.Join(home, file)
		dstRec, _ := fsops.Stat(dst)
		if srcRec.Matches(dstRec) && !srcRec.Mode.IsDir() {
			e.Log.WithField("path", src).Debug("add-from: unchanged")
			continue
		}
		if err := e.Ops.Clone(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// addPath clones src to {jailhome}/src, adds the dependency closure of
// executables, follows symlink sources to their targets, and optionally
// recurses into directories.  Paths already handled this run are skipped.
func (e *Engine) addPath(src string, recurse, quick bool) error {
	if e.added[src] {
		return nil
	}
	e.added[src] = true

	if dir := filepath.Dir(src); dir != src && dir != "/" {
		if err := e.addPath(dir, false, false); err != nil {
			return err
		}
	}

	srcRec, err := fsops.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: not found: %s", fsops.ErrFilesystem, src)
	}
	home, err := e.Config.JailHome()
	if err != nil {
		return err
	}
	dst := filepath.Join(home, src)

	var linkTarget string
	switch {
	case srcRec.Mode&os.ModeSymlink != 0:
		if target, err := filepath.EvalSymlinks(src); err == nil {
			linkTarget = target
		} else {
			e.Log.WithField("path", src).Debug("add: dangling symlink")
		}
	case srcRec.Mode.IsRegular() && e.Resolver.Candidate(src, srcRec.Mode):
		if err := e.addClosure(src, recurse, quick); err != nil {
			return err
		}
	}

	dstRec, _ := fsops.Stat(dst)
	if srcRec.Matches(dstRec) && !srcRec.Mode.IsDir() {
		e.Log.WithField("path", src).Debug("add: unchanged")
	} else if err := e.Ops.Clone(src, dst); err != nil {
		return err
	}

	if linkTarget != "" {
		if err := e.addPath(linkTarget, recurse, quick); err != nil {
			return err
		}
	}

	if srcRec.Mode.IsDir() && recurse {
		if quick && srcRec.Matches(dstRec) {
			e.Log.WithField("path", src).Debug("add: directory unchanged")
			return nil
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)
		}
		for _, entry := range entries {
			if err := e.addPath(filepath.Join(src, entry.Name()), recurse, quick); err != nil {
				return err
			}
		}
	}
	return nil
}

// addClosure adds the shared object dependencies of an executable: the
// DNS and threading libraries when called for, the symlink aliases of the
// file, and everything the dependency collaborator reports.
func (e *Engine) addClosure(src string, recurse, quick bool) error {
	if _, err := e.Resolver.Loader(); err != nil {
		return err
	}
	if !e.dnsDone && (e.Config.DNS || contains(e.Resolver.DNSFiles(), src)) {
		e.dnsDone = true
		for _, path := range e.Resolver.DNSFiles() {
			if err := e.addPath(path, recurse, quick); err != nil {
				return err
			}
		}
	}
	if !e.thrDone && contains(e.Resolver.ThreadFiles(), src) {
		e.thrDone = true
		for _, path := range e.Resolver.ThreadFiles() {
			if err := e.addPath(path, recurse, quick); err != nil {
				return err
			}
		}
	}
	for _, alias := range e.Resolver.Aliases(src) {
		if err := e.addPath(alias, recurse, quick); err != nil {
			return err
		}
	}
	deps, err := e.Resolver.List(src)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if err := e.addPath(dep, recurse, quick); err != nil {
			return err
		}
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
