package jail

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var envNameRx = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// execute is the terminal step: it updates the jail passwd, mounts the
// jail if this run has not already done so, sanitizes the environment,
// drops privileges and replaces the process with the target program.  It
// only returns on failure, or in test mode after printing the handoff.
func (e *Engine) execute(args []string) error {
	cfg := e.Config

	uid, _ := cfg.UID()
	gid, _ := cfg.GID()
	if cfg.ExecChuid != "" {
		chuid, err := e.expand(cfg.ExecChuid)
		if err != nil {
			return err
		}
		if uid, gid, err = cfg.UserSpec(chuid, uid, gid); err != nil {
			return err
		}
	}
	if uid < 1 {
		return fmt.Errorf("%w: disallowed user id %d", ErrExecute, uid)
	}
	if gid < 1 {
		return fmt.Errorf("%w: disallowed group id %d", ErrExecute, gid)
	}
	e.observe(uid, gid)

	cfg.Passwd = true
	if err := e.updatePasswd(); err != nil {
		return err
	}
	if !e.mounted {
		if err := e.mount(); err != nil {
			return err
		}
	}

	mountPoint, err := cfg.JailMountPoint()
	if err != nil {
		return err
	}
	chdir, err := e.expand(cfg.ExecChdir)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(chdir) {
		chdir = "/" + chdir
	}
	chdir = filepath.Clean(chdir)

	env, argv, err := e.execEnviron(args, uid, chdir, mountPoint)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: no program to execute", ErrExecute)
	}

	envv := make([]string, 0, len(env))
	for name, value := range env {
		envv = append(envv, name+"="+value)
	}
	sort.Strings(envv)

	e.Ops.Echo(fmt.Sprintf("umask %04o", cfg.ExecUmask))
	e.Ops.Echo(fmt.Sprintf("env -i %s chroot --userspec=%d:%d %s sh -c 'cd %s && exec %s'",
		strings.Join(envv, " "), uid, gid, mountPoint, chdir, strings.Join(argv, " ")))
	if cfg.Test {
		return nil
	}

	os.Stdout.Sync()
	unix.Umask(cfg.ExecUmask)
	if err := unix.Chdir(filepath.Join(mountPoint, chdir)); err != nil {
		return fmt.Errorf("%w: chdir %s: %v", ErrExecute, chdir, err)
	}
	if err := unix.Chroot(mountPoint); err != nil {
		return fmt.Errorf("%w: chroot %s: %v", ErrExecute, mountPoint, err)
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("%w: setgroups: %v", ErrExecute, err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("%w: setgid %d: %v", ErrExecute, gid, err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("%w: setuid %d: %v", ErrExecute, uid, err)
	}
	prog, err := lookupProgram(argv[0], env["PATH"])
	if err != nil {
		return err
	}
	if err := unix.Exec(prog, argv, envv); err != nil {
		return fmt.Errorf("%w: exec %s: %v", ErrExecute, prog, err)
	}
	return nil
}

// execEnviron builds the sanitized environment and splits args into
// leading name=value assignments and the program argument vector.  The
// environment starts as exactly JAILBASE, PWD, USER, HOME and PATH, plus
// LANG when the invoking environment sets it.
// An assignment value of * copies the invoking environment's value, an
// empty value removes the variable, and a name that is not an identifier
// is matched as a regular expression against the environment.
func (e *Engine) execEnviron(args []string, uid int, chdir, mountPoint string) (map[string]string, []string, error) {
	cfg := e.Config

	var paths []string
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		if info, err := os.Stat(filepath.Join(mountPoint, dir)); err == nil && info.IsDir() {
			paths = append(paths, dir)
			continue
		}
		if cfg.Test {
			if home, err := cfg.JailHome(); err == nil {
				if info, err := os.Stat(filepath.Join(home, dir)); err == nil && info.IsDir() {
					paths = append(paths, dir)
				}
			}
		}
	}

	userName, userHome := cfg.User, "/"
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		userName = u.Username
		if u.HomeDir != "" {
			userHome = u.HomeDir
		}
	}

	env := map[string]string{
		"JAILBASE": cfg.JailBase,
		"PWD":      chdir,
		"USER":     userName,
		"HOME":     userHome,
		"PATH":     strings.Join(paths, ":"),
	}
	if lang, ok := os.LookupEnv("LANG"); ok {
		env["LANG"] = lang
	}

	var argv []string
	for _, arg := range args {
		expanded, err := e.expand(arg)
		if err != nil {
			return nil, nil, err
		}
		if len(argv) > 0 || !strings.Contains(expanded, "=") {
			argv = append(argv, expanded)
			continue
		}
		name, value, _ := strings.Cut(expanded, "=")
		name = strings.ToUpper(name)
		var names []string
		if envNameRx.MatchString(name) {
			names = []string{name}
		} else {
			rx, err := regexp.Compile(name)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: bad environment pattern %q: %v", ErrExecute, name, err)
			}
			for _, entry := range os.Environ() {
				key, _, _ := strings.Cut(entry, "=")
				if rx.MatchString(key) {
					names = append(names, key)
				}
			}
		}
		for _, key := range names {
			v := value
			if v == "*" {
				v = os.Getenv(key)
			}
			if v == "" {
				delete(env, key)
			} else {
				env[key] = v
			}
		}
	}
	return env, argv, nil
}

// lookupProgram resolves the program path after chroot.  Names without a
// path separator are searched for on the sanitized PATH.
func lookupProgram(name, pathList string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range filepath.SplitList(pathList) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found on PATH", ErrExecute, name)
}
