// Package jail implements the jail build engine: the command sequencer,
// the add engine that materializes executables and their shared object
// closures, the mount controller, the defaults provider, the passwd
// updater and the final exec handoff.
package jail

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.linkdata.se/jail/fsops"
	"go.linkdata.se/jail/jailconf"
	"go.linkdata.se/jail/ldso"
)

// Engine executes an ordered step list against one jail.  Steps run in
// input order; each step is atomic with respect to the sequencer.  Two
// engines targeting the same jail user concurrently are undefined
// behavior.
type Engine struct {
	Config   *jailconf.Config
	Ops      *fsops.Ops
	Resolver *ldso.Resolver
	Log      *logrus.Logger
	Out      io.Writer // --print output and shell transcript

	binds    []Bind
	mounted  bool
	added    map[string]bool
	uids     map[int]bool
	gids     map[int]bool
	dnsDone  bool
	thrDone  bool
	passwdUp bool
	start    time.Time
}

// New returns an Engine bound to cfg, with the implicit root bind of
// {jailhome} onto the mount point registered.
func New(cfg *jailconf.Config) *Engine {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	e := &Engine{
		Config:   cfg,
		Resolver: ldso.New(),
		Log:      log,
		Out:      os.Stdout,
		added:    make(map[string]bool),
		uids:     make(map[int]bool),
		gids:     make(map[int]bool),
	}
	e.Ops = &fsops.Ops{
		Writable: cfg.Writable,
		Log:      log,
	}
	e.Resolver.Log = log
	if cfg.DefaultsText == "" {
		cfg.DefaultsText = DefaultsText
	}
	if cfg.EtcText == "" {
		cfg.EtcText = EtcText
	}
	e.AddBind("{jailhome}", "auto", "/")
	return e
}

// AddBind registers a bind directive applied by --mount.  Arguments stay
// unexpanded until then.
func (e *Engine) AddBind(source, options, path string) {
	if options == "" {
		options = "auto"
	}
	if path == "" {
		path = source
	}
	e.binds = append(e.binds, Bind{Source: source, Options: options, Path: path})
}

// Run executes the step list.  A step failure consults the step's Try
// flag, then test mode, before aborting the run.
func (e *Engine) Run(steps []Step) error {
	cfg := e.Config
	e.Ops.Test = cfg.Test
	e.Ops.Verbose = cfg.Verbose
	e.Ops.Out = e.Out
	if cfg.Verbose {
		e.Log.SetLevel(logrus.DebugLevel)
	}
	e.start = time.Now()
	for _, st := range steps {
		e.Log.Debug(st.Op.text())
		err := e.dispatch(st.Op)
		if err != nil {
			if st.Try {
				e.Log.WithError(err).Debug("--try: ignoring failure")
				continue
			}
			if cfg.Test {
				fmt.Fprintf(e.Out, "# %v\n", err)
				continue
			}
			return fmt.Errorf("%s: %w", st.Op.text(), err)
		}
		if _, isExec := st.Op.(ExecuteOp); isExec {
			// The process was replaced; in test mode nothing after the
			// exec handoff is reachable either.
			return nil
		}
	}
	return e.finish()
}

func (e *Engine) dispatch(op Op) error {
	switch op := op.(type) {
	case PrintOp:
		return e.print(op)
	case MountOp:
		return e.mount()
	case UmountOp:
		return e.umount()
	case CleanOp:
		return e.clean()
	case RemoveOp:
		return e.remove()
	case DevOp:
		return e.makeDev()
	case TmpOp:
		return e.makeTmp()
	case AddOp:
		return e.addPaths(op.Paths, false, false)
	case AddFromOp:
		return e.addFrom(op.Dir, op.Files)
	case AddRecurseOp:
		return e.addPaths(op.Paths, true, op.Quick)
	case CloneOp:
		return e.clone(op.Src, op.Dst)
	case CloneRecurseOp:
		return e.cloneRecurse(op.Src, op.Dst, op.Quick)
	case CloneFromOp:
		return e.cloneFrom(op.Src, op.Dst, op.Files)
	case MkdirOp:
		return e.mkdir(op)
	case MknodOp:
		return e.mknod(op)
	case SymlinkOp:
		return e.symlink(op)
	case ChflagsOp:
		return e.chflags(op)
	case ChmodOp:
		return e.chmod(op)
	case ChownOp:
		return e.chown(op)
	case TouchOp:
		return e.touch(op)
	case RmOp:
		return e.rmPath(op.Path, false)
	case RmdirOp:
		return e.rmPath(op.Path, true)
	case ExecuteOp:
		return e.execute(op.Args)
	}
	return fmt.Errorf("%w: unknown step %T", jailconf.ErrConfig, op)
}

// expand interpolates {name} tokens using the property values current at
// the moment the step runs.
func (e *Engine) expand(s string) (string, error) {
	return e.Config.Expand(s)
}

// expandPath interpolates and normalizes a path argument.
func (e *Engine) expandPath(s string) (string, error) {
	expanded, err := e.expand(s)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return "", fmt.Errorf("%w: %v", jailconf.ErrConfig, err)
		}
		expanded = abs
	}
	return filepath.Clean(expanded), nil
}

func (e *Engine) print(op PrintOp) error {
	cfg := e.Config
	if !op.HasFormat {
		for _, name := range cfg.Names() {
			value, err := cfg.Get(name)
			if err != nil {
				value = ""
			}
			fmt.Fprintf(e.Out, "%s = %q\n", name, value)
		}
		return nil
	}
	expanded, err := e.expand(op.Format)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.Out, unescape(expanded))
	return nil
}

// unescape interprets backslash escapes in --print format strings.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	if unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`); err == nil {
		return unquoted
	}
	return s
}

func (e *Engine) clean() error {
	priv, err := e.Config.JailPriv()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(priv)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)
	}
	for _, entry := range entries {
		if err := e.Ops.RemoveAll(filepath.Join(priv, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) remove() error {
	if err := e.umount(); err != nil {
		return err
	}
	home, err := e.Config.JailHome()
	if err != nil {
		return err
	}
	priv, err := e.Config.JailPriv()
	if err != nil {
		return err
	}
	if err := e.Ops.RemoveAll(home); err != nil {
		return err
	}
	return e.Ops.RemoveAll(priv)
}

func (e *Engine) clone(src, dst string) error {
	srcPath, err := e.expandPath(src)
	if err != nil {
		return err
	}
	dstPath, err := e.expandPath(dst)
	if err != nil {
		return err
	}
	return e.Ops.Clone(srcPath, dstPath)
}

func (e *Engine) cloneRecurse(src, dst string, quick bool) error {
	srcPath, err := e.expandPath(src)
	if err != nil {
		return err
	}
	dstPath, err := e.expandPath(dst)
	if err != nil {
		return err
	}
	return e.Ops.CloneRecurse(srcPath, dstPath, quick)
}

func (e *Engine) cloneFrom(src, dst string, files []string) error {
	srcPath, err := e.expandPath(src)
	if err != nil {
		return err
	}
	dstPath, err := e.expandPath(dst)
	if err != nil {
		return err
	}
	expanded := make([]string, 0, len(files))
	for _, name := range files {
		f, err := e.expand(name)
		if err != nil {
			return err
		}
		expanded = append(expanded, f)
	}
	return e.Ops.CloneFrom(srcPath, dstPath, expanded)
}

func (e *Engine) mkdir(op MkdirOp) error {
	dst, err := e.expandPath(op.Path)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o750)
	if op.Mode != "" {
		modeText, err := e.expand(op.Mode)
		if err != nil {
			return err
		}
		if mode, err = fsops.ParseMode(modeText); err != nil {
			return err
		}
	}
	uid, _ := e.Config.UID()
	gid, _ := e.Config.GID()
	if op.Owner != "" {
		owner, err := e.expand(op.Owner)
		if err != nil {
			return err
		}
		if uid, gid, err = e.Config.UserSpec(owner, uid, gid); err != nil {
			return err
		}
	}
	e.observe(uid, gid)
	return e.Ops.Mkdir(dst, mode, uid, gid)
}

func (e *Engine) mknod(op MknodOp) error {
	dst, err := e.expandPath(op.Path)
	if err != nil {
		return err
	}
	var mode os.FileMode
	switch op.Type {
	case "c":
		mode = 0o666 | os.ModeDevice | os.ModeCharDevice
	case "b":
		mode = 0o666 | os.ModeDevice
	default:
		return fmt.Errorf("%w: devtype must be c or b", jailconf.ErrConfig)
	}
	major, err := fsops.ParseDev(op.Major)
	if err != nil {
		return err
	}
	dev := major
	if op.Minor != "" {
		minor, err := fsops.ParseDev(op.Minor)
		if err != nil {
			return err
		}
		dev = unix.Mkdev(uint32(major), uint32(minor))
	}
	return e.Ops.Mknod(dst, mode, dev)
}

func (e *Engine) symlink(op SymlinkOp) error {
	target, err := e.expand(op.Target)
	if err != nil {
		return err
	}
	link, err := e.expandPath(op.Link)
	if err != nil {
		return err
	}
	return e.Ops.Symlink(target, link)
}

func (e *Engine) chflags(op ChflagsOp) error {
	dst, err := e.expandPath(op.Path)
	if err != nil {
		return err
	}
	return e.Ops.Chflags(dst, op.Flags)
}

func (e *Engine) chmod(op ChmodOp) error {
	dst, err := e.expandPath(op.Path)
	if err != nil {
		return err
	}
	mode, err := fsops.ParseMode(op.Mode)
	if err != nil {
		return err
	}
	return e.Ops.Chmod(dst, mode)
}

func (e *Engine) chown(op ChownOp) error {
	dst, err := e.expandPath(op.Path)
	if err != nil {
		return err
	}
	owner, err := e.expand(op.Owner)
	if err != nil {
		return err
	}
	uid, gid, err := e.Config.UserSpec(owner, -1, -1)
	if err != nil {
		return err
	}
	e.observe(uid, gid)
	return e.Ops.Chown(dst, uid, gid)
}

func (e *Engine) touch(op TouchOp) error {
	dst, err := e.expandPath(op.Path)
	if err != nil {
		return err
	}
	return e.Ops.Touch(dst, op.Stamp)
}

func (e *Engine) rmPath(path string, dir bool) error {
	dst, err := e.expandPath(path)
	if err != nil {
		return err
	}
	if dir {
		return e.Ops.Rmdir(dst)
	}
	return e.Ops.Rm(dst)
}

// finish applies the deferred --passwd update and logs run statistics.
func (e *Engine) finish() error {
	if e.Config.Passwd && !e.passwdUp {
		if err := e.updatePasswd(); err != nil {
			if e.Config.Test {
				fmt.Fprintf(e.Out, "# --passwd: %v\n", err)
				return nil
			}
			return fmt.Errorf("--passwd: %w", err)
		}
	}
	e.Log.WithFields(logrus.Fields{
		"added":   len(e.added),
		"ldlist":  e.Resolver.ListCount(),
		"elapsed": time.Since(e.start).Round(time.Millisecond),
	}).Debug("run complete")
	return nil
}
