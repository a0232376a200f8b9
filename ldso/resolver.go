// Package ldso discovers the dynamic loader and enumerates the shared
// object dependencies of executables.  Both collaborators are external
// commands described by a (command template, regex) pair so the engine is
// not tied to a specific linker toolchain; tests substitute stubbed
// pairs.
package ldso

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrDependency is the kind wrapped by resolver failures: loader not
// found, bad collaborator regex, dependency command failed.
var ErrDependency = errors.New("dependency")

// Defaults for the collaborator pairs and classification patterns.
const (
	DefaultConfigCmd = "/sbin/ldconfig -p"
	DefaultConfigRx  = `\s*(\S+).+=>\s*(\S+)\s*`
	DefaultListCmd   = "{ldlinux_so} --list {path}"
	DefaultListRx    = `\s+(\S+)\s+=>(\s*\S+\s*)?\(0x.+\)`
	DefaultLibraryRx = `(^|.*/)lib.*\.so(\..*|$)`
	DefaultDNSRx     = `^lib(nsl|resolv|nss[_0-9a-z]+)\..+`
	DefaultThreadRx  = `^lib(pthread|gcc_s)\..+`
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Resolver locates the dynamic loader and lists shared object
// dependencies.  The loader discovery scan is cached for the run, as are
// per-binary dependency listings.
type Resolver struct {
	ConfigCmd string // loader discovery command
	ConfigRx  string // regex applied to its output
	ListCmd   string // dependency listing template, {ldlinux_so} and {path}
	ListRx    string // regex applied to its output
	LibraryRx string // classifies shared objects by name
	DNSRx     string // classifies DNS resolution libraries by name
	ThreadRx  string // classifies threading libraries by name

	Log *logrus.Logger

	examined  bool
	loader    string
	soNames   map[string][]string // soname -> absolute paths
	aliases   map[string][]string // real path -> symlinks pointing at it
	dnsFiles  []string
	thrFiles  []string
	listCache map[string][]string
	listCount int
}

// New returns a Resolver with the stock ldconfig / ld.so collaborators.
func New() *Resolver {
	return &Resolver{
		ConfigCmd: DefaultConfigCmd,
		ConfigRx:  DefaultConfigRx,
		ListCmd:   DefaultListCmd,
		ListRx:    DefaultListRx,
		LibraryRx: DefaultLibraryRx,
		DNSRx:     DefaultDNSRx,
		ThreadRx:  DefaultThreadRx,
	}
}

func (r *Resolver) log() *logrus.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

// Loader returns the absolute path of the dynamic loader, scanning the
// system on first use.
func (r *Resolver) Loader() (string, error) {
	if err := r.Examine(); err != nil {
		return "", err
	}
	if r.loader == "" {
		return "", fmt.Errorf("%w: no dynamic loader found by %q", ErrDependency, r.ConfigCmd)
	}
	return r.loader, nil
}

// DNSFiles returns the DNS resolution libraries found on the host.  These
// are dlopened at runtime and never appear in dependency listings.
func (r *Resolver) DNSFiles() []string { return r.dnsFiles }

// ThreadFiles returns the threading support libraries found on the host.
func (r *Resolver) ThreadFiles() []string { return r.thrFiles }

// Aliases returns the library-directory symlinks that point at path.
func (r *Resolver) Aliases(path string) []string { return r.aliases[path] }

// ListCount reports how many dependency listing commands have run.
func (r *Resolver) ListCount() int { return r.listCount }

// Examine runs the loader discovery command once and indexes its output:
// the dynamic loader, the soname cache, the DNS and threading library
// sets, and the symlink aliases in every library directory.
func (r *Resolver) Examine() error {
	if r.examined {
		return nil
	}
	configRx, err := regexp.Compile(r.ConfigRx)
	if err != nil {
		return fmt.Errorf("%w: ldconfig-rx: %v", ErrDependency, err)
	}
	dnsRx, err := regexp.Compile(r.DNSRx)
	if err != nil {
		return fmt.Errorf("%w: dns-rx: %v", ErrDependency, err)
	}
	thrRx, err := regexp.Compile(r.ThreadRx)
	if err != nil {
		return fmt.Errorf("%w: thread-rx: %v", ErrDependency, err)
	}
	args := strings.Fields(r.ConfigCmd)
	if len(args) == 0 {
		return fmt.Errorf("%w: empty ldconfig-cmd", ErrDependency)
	}
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrDependency, r.ConfigCmd, err)
	}
	r.examined = true
	r.soNames = make(map[string][]string)
	r.aliases = make(map[string][]string)
	r.listCache = make(map[string][]string)

	libdirs := make(map[string]bool)
	dnsSeen := make(map[string]bool)
	thrSeen := make(map[string]bool)
	for _, match := range configRx.FindAllStringSubmatch(string(out), -1) {
		name, path := match[1], match[len(match)-1]
		if !filepath.IsAbs(path) {
			continue
		}
		r.soNames[name] = append(r.soNames[name], path)
		libdirs[filepath.Dir(path)] = true
		if r.loader == "" && executableFile(path) && strings.HasPrefix(filepath.Base(name), "ld-") {
			if real, err := filepath.EvalSymlinks(path); err == nil {
				r.loader = real
			}
		}
		if real, err := filepath.EvalSymlinks(path); err == nil {
			if dnsRx.MatchString(name) && !dnsSeen[real] {
				dnsSeen[real] = true
				r.dnsFiles = append(r.dnsFiles, real)
			}
			if thrRx.MatchString(name) && !thrSeen[real] {
				thrSeen[real] = true
				r.thrFiles = append(r.thrFiles, real)
			}
		}
	}
	if r.loader == "" {
		// Fall back to the first capture that is an absolute path to an
		// existing executable.
		for _, match := range configRx.FindAllStringSubmatch(string(out), -1) {
			for _, capture := range match[1:] {
				capture = strings.TrimSpace(capture)
				if filepath.IsAbs(capture) && executableFile(capture) {
					if real, err := filepath.EvalSymlinks(capture); err == nil {
						r.loader = real
						break
					}
				}
			}
			if r.loader != "" {
				break
			}
		}
	}
	for dir := range libdirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.Type()&os.ModeSymlink == 0 {
				continue
			}
			link := filepath.Join(dir, entry.Name())
			target, err := os.Readlink(link)
			if err != nil {
				continue
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			r.aliases[target] = append(r.aliases[target], link)
		}
	}
	r.log().WithFields(logrus.Fields{
		"loader": r.loader,
		"dns":    len(r.dnsFiles),
		"thread": len(r.thrFiles),
	}).Debug("examined shared object configuration")
	return nil
}

func executableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// List returns the shared object dependencies of path, including the
// dynamic loader.  A failing dependency command yields an empty, cached
// result; a dependency command that cannot be started is an error.
func (r *Resolver) List(path string) ([]string, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: %q: path not absolute", ErrDependency, path)
	}
	loader, err := r.Loader()
	if err != nil {
		return nil, err
	}
	if deps, ok := r.listCache[path]; ok {
		return deps, nil
	}
	listRx, err := regexp.Compile(r.ListRx)
	if err != nil {
		return nil, fmt.Errorf("%w: ldlist-rx: %v", ErrDependency, err)
	}
	cmdline := strings.NewReplacer("{ldlinux_so}", loader, "{path}", path).Replace(r.ListCmd)
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty ldlist-cmd", ErrDependency)
	}
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	r.listCount++
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			r.log().WithField("path", path).WithError(err).Debug("dependency listing failed")
			r.listCache[path] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q: %v", ErrDependency, cmdline, err)
	}

	seen := map[string]bool{loader: true}
	deps := []string{loader}
	addDep := func(p string) {
		if !seen[p] && filepath.IsAbs(p) && exists(p) {
			seen[p] = true
			deps = append(deps, p)
		}
	}
	for _, match := range listRx.FindAllStringSubmatch(string(out), -1) {
		name := match[1]
		if cached, ok := r.soNames[name]; ok {
			for _, p := range cached {
				addDep(p)
			}
			continue
		}
		for _, capture := range match[1:] {
			addDep(strings.TrimSpace(capture))
		}
	}
	if len(deps) == 1 {
		r.log().WithField("path", path).Warn("no dependencies matched; check --ldlist-rx")
	}
	r.listCache[path] = deps
	return deps, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Candidate reports whether path needs dependency resolution: a regular
// file with an execute bit, a library-looking name, or ELF magic.
func (r *Resolver) Candidate(path string, rec os.FileMode) bool {
	if !rec.IsRegular() {
		return false
	}
	if rec.Perm()&0o111 != 0 {
		return true
	}
	if rx, err := regexp.Compile(r.LibraryRx); err == nil && rx.MatchString(path) {
		return true
	}
	return hasELFMagic(path)
}

func hasELFMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, len(elfMagic))
	if _, err := f.Read(magic); err != nil {
		return false
	}
	return string(magic) == string(elfMagic)
}
