package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Bind is a registered --bind directive: mount Source at {jailmount}/Path
// with Options when the jail is mounted.  "auto" derives the options from
// the source path.
type Bind struct {
	Source  string
	Options string
	Path    string
}

// Binds returns the registered bind directives, the implicit root bind
// first.
func (e *Engine) Binds() []Bind { return e.binds }

// pendingMount is a bind resolved against the current property values,
// ready to be applied.
type pendingMount struct {
	source  string
	dest    string
	options []string
}

// mount stacks the jail filesystem: {jailhome} bind-mounted onto the
// mount point first, then every registered bind directive.  Missing bind
// sources are skipped, mounts already live with equivalent options are
// left alone, and mount point directories are created beneath {jailhome}
// as needed.
func (e *Engine) mount() error {
	cfg := e.Config
	home, err := cfg.JailHome()
	if err != nil {
		return err
	}
	mountPoint, err := cfg.JailMountPoint()
	if err != nil {
		return err
	}
	if err := e.Ops.Mkdir(home, 0o755, -1, -1); err != nil {
		return err
	}
	if err := e.Ops.Mkdir(mountPoint, 0o755, -1, -1); err != nil {
		return err
	}

	live, err := e.liveMounts(mountPoint)
	if err != nil {
		return err
	}

	queue := make([]pendingMount, 0, len(e.binds))
	queued := make(map[string]string)
	for _, bind := range e.binds {
		source, err := e.expandPath(bind.Source)
		if err != nil {
			return err
		}
		relPath, err := e.expand(bind.Path)
		if err != nil {
			return err
		}
		dest := filepath.Join(mountPoint, relPath)
		opts := e.deriveBindOpts(source, bind.Options)

		info, err := os.Stat(source)
		if err != nil {
			e.Log.WithField("source", source).Debug("bind: source not found, skipping")
			continue
		}
		if !info.IsDir() {
			e.Log.WithField("source", source).Debug("bind: source is not a directory, skipping")
			continue
		}
		if skip, why := e.refuseBind(source, dest, home, mountPoint); skip {
			e.Log.WithFields(map[string]interface{}{"source": source, "dest": dest}).Debug("bind: " + why)
			continue
		}
		if liveOpts, ok := live[dest]; ok && equalOpts(liveOpts, opts) {
			e.Log.WithField("dest", dest).Debug("bind: already mounted")
			continue
		}
		if prev, ok := queued[dest]; ok {
			e.Log.WithField("dest", dest).Debugf("bind: replaced %s", prev)
			queue = dropDest(queue, dest)
		}
		queued[dest] = source
		queue = append(queue, pendingMount{source: source, dest: dest, options: opts})

		// Mount point inside the jail tree so the bind has somewhere to
		// land after {jailhome} is stacked over the mount point.
		if relPath != "/" {
			inner := filepath.Join(home, relPath)
			if _, err := os.Lstat(inner); err != nil {
				if err := e.Ops.Mkdir(inner, 0o750, -1, -1); err != nil {
					return err
				}
			}
		}
	}

	// Shallowest mount first so nested binds land on top.
	sort.SliceStable(queue, func(i, j int) bool {
		ci, cj := strings.Count(queue[i].dest, "/"), strings.Count(queue[j].dest, "/")
		if ci != cj {
			return ci < cj
		}
		return len(queue[i].dest) < len(queue[j].dest)
	})

	for _, m := range queue {
		optText := strings.Join(m.options, ",")
		if _, alreadyLive := live[m.dest]; !alreadyLive {
			run, err := e.Ops.Permit(m.dest, fmt.Sprintf("mount --bind %s %s", m.source, m.dest))
			if err != nil {
				return err
			}
			if run {
				if err := mount.Mount(m.source, m.dest, "none", "bind"); err != nil {
					return fmt.Errorf("%w: bind %s on %s: %v", ErrMount, m.source, m.dest, err)
				}
			}
		}
		run, err := e.Ops.Permit(m.dest, fmt.Sprintf("mount -o remount,bind,%s %s", optText, m.dest))
		if err != nil {
			return err
		}
		if run {
			if err := mount.Mount("", m.dest, "none", "remount,bind,"+optText); err != nil {
				return fmt.Errorf("%w: remount %s with %s: %v", ErrMount, m.dest, optText, err)
			}
		}
	}
	e.mounted = true
	return nil
}

// umount unmounts everything at or beneath the jail mount point, deepest
// path first.  With the lazy option set a detach-style unmount is used.
// "Not mounted" is tolerated; other failures are aggregated.  The
// controller always finishes in the unmounted state.
func (e *Engine) umount() error {
	cfg := e.Config
	mountPoint, err := cfg.JailMountPoint()
	if err != nil {
		return err
	}
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(mountPoint))
	if err != nil {
		return fmt.Errorf("%w: reading mount table: %v", ErrMount, err)
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		paths = append(paths, info.Mountpoint)
	}
	sort.Slice(paths, func(i, j int) bool {
		ci, cj := strings.Count(paths[i], "/"), strings.Count(paths[j], "/")
		if ci != cj {
			return ci > cj
		}
		return len(paths[i]) > len(paths[j])
	})

	var result *multierror.Error
	flags := 0
	shell := "umount "
	if cfg.Lazy {
		flags = unix.MNT_DETACH
		shell = "umount -l "
	}
	for _, path := range paths {
		run, err := e.Ops.Permit(path, shell+path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !run {
			continue
		}
		if err := unix.Unmount(path, flags); err != nil && err != unix.EINVAL && err != unix.ENOENT {
			result = multierror.Append(result, fmt.Errorf("%w: umount %s: %v", ErrMount, path, err))
		}
	}
	e.mounted = false
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	if mounted, _ := mountinfo.Mounted(mountPoint); !mounted {
		if err := e.Ops.Rmdir(mountPoint); err != nil {
			e.Log.WithField("path", mountPoint).WithError(err).Debug("umount: mount point kept")
		}
	}
	return nil
}

// deriveBindOpts normalizes a bind option list.  "auto" selects exec,ro
// for sources inside the jail store, rw for host-writable sources and ro
// otherwise.  noexec is added unless exec was explicitly requested, and
// nosuid is always present.
func (e *Engine) deriveBindOpts(source, options string) []string {
	options = strings.ToLower(strings.TrimSpace(options))
	if options == "" || options == "auto" {
		switch {
		case strings.HasPrefix(source+"/", e.Config.JailBase+"/"):
			options = "exec,ro"
		case unix.Access(source, unix.W_OK) == nil:
			options = "rw"
		default:
			options = "ro"
		}
	}
	set := map[string]bool{"nosuid": true}
	for _, opt := range strings.Split(options, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" || opt == "suid" {
			continue
		}
		switch {
		case opt == "rw":
			delete(set, "ro")
		case opt == "ro":
			delete(set, "rw")
		case strings.HasPrefix(opt, "no"):
			delete(set, opt[2:])
		default:
			delete(set, "no"+opt)
		}
		set[opt] = true
	}
	if !set["exec"] {
		set["noexec"] = true
	}
	opts := make([]string, 0, len(set))
	for opt := range set {
		opts = append(opts, opt)
	}
	sort.Strings(opts)
	return opts
}

// refuseBind rejects bind configurations that would shadow or recurse
// into the jail structure.  These are logged and skipped, not errors.
func (e *Engine) refuseBind(source, dest, home, mountPoint string) (bool, string) {
	srcDir := strings.TrimSuffix(source, "/") + "/"
	switch {
	case strings.HasPrefix(dest+"/", srcDir) && source != dest:
		return true, "source is a parent of its own mount point"
	case strings.HasPrefix(source, home+"/"):
		return true, "source inside jailhome"
	case strings.HasPrefix(source, mountPoint+"/"):
		return true, "source inside jailmount"
	case source != home && strings.HasPrefix(home+"/", srcDir):
		return true, "source is a parent of jailhome"
	case strings.HasPrefix(mountPoint+"/", srcDir):
		return true, "source is a parent of jailmount"
	}
	return false, ""
}

// liveMounts indexes the options of every mount at or beneath the mount
// point, normalized the same way bind options are derived.
func (e *Engine) liveMounts(mountPoint string) (map[string][]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(mountPoint))
	if err != nil {
		return nil, fmt.Errorf("%w: reading mount table: %v", ErrMount, err)
	}
	live := make(map[string][]string, len(infos))
	for _, info := range infos {
		live[info.Mountpoint] = e.deriveBindOpts(info.Mountpoint, info.Options)
	}
	return live, nil
}

func equalOpts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dropDest(queue []pendingMount, dest string) []pendingMount {
	out := queue[:0]
	for _, m := range queue {
		if m.dest != dest {
			out = append(out, m)
		}
	}
	return out
}
