// Package jailconf holds the runtime configuration of a jail build: the
// jail identity, the property namespace used for {name} interpolation,
// and the write-path policy.  A Config plus an ordered step list is the
// entire state of a run; two Configs in one process are independent.
package jailconf

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrConfig is the kind wrapped by all configuration errors: unknown
// properties, malformed names, and bad regular expressions.
var ErrConfig = errors.New("config")

const (
	// DefaultValidName restricts jail user and group names to POSIX-like
	// account tokens.
	DefaultValidName = `^[a-z_][-a-z0-9_.@]*\$?$`

	// DefaultUmask is the process umask applied before exec.
	DefaultUmask = 0o037
)

// DefaultJailBase returns the root of all jails on this host, from the
// JAILBASE environment variable or /var/jails.
func DefaultJailBase() string {
	if base := os.Getenv("JAILBASE"); base != "" {
		return filepath.Clean(base)
	}
	return "/var/jails"
}

// Config is the property namespace and option set for one jail build.
type Config struct {
	User  string
	Group string

	JailBase  string // root of all jails
	JailMount string // overrides the computed mount point when set

	Verbose  bool
	Test     bool
	Defaults bool
	Etc      bool
	Passwd   bool
	DNS      bool
	Lazy     bool

	ExecUmask int
	ExecChdir string
	ExecChuid string

	DefaultsText string
	EtcText      string

	validnameRx *regexp.Regexp
	writepathRx *regexp.Regexp

	uid, gid int // -1 until resolved

	extra map[string]string
}

// New returns a Config with the conventional defaults applied.
func New() *Config {
	c := &Config{
		JailBase:  DefaultJailBase(),
		ExecUmask: DefaultUmask,
		ExecChdir: "/",
		uid:       -1,
		gid:       -1,
		extra:     make(map[string]string),
	}
	c.SetValidName(DefaultValidName)
	c.SetWritePath(`^(/tmp|` + regexp.QuoteMeta(c.JailBase) + `|/home|/mnt)(/|$)`)
	return c
}

// SetValidName compiles the regular expression used to validate jail user
// and group names.
func (c *Config) SetValidName(expr string) error {
	rx, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("%w: validname: %v", ErrConfig, err)
	}
	c.validnameRx = rx
	return nil
}

// SetWritePath compiles the regular expression host paths must match to be
// modified.
func (c *Config) SetWritePath(expr string) error {
	rx, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("%w: writepath: %v", ErrConfig, err)
	}
	c.writepathRx = rx
	return nil
}

// Writable reports whether path may be modified under the current policy.
func (c *Config) Writable(path string) bool {
	return c.writepathRx.MatchString(path)
}

// SplitNameSpec splits "user[:group]" and validates both names.
func (c *Config) SplitNameSpec(spec string) (string, string, error) {
	name, group, _ := strings.Cut(spec, ":")
	if name != "" && !c.validnameRx.MatchString(name) {
		return "", "", fmt.Errorf("%w: invalid user name %q", ErrConfig, name)
	}
	if group != "" && !c.validnameRx.MatchString(group) {
		return "", "", fmt.Errorf("%w: invalid group name %q", ErrConfig, group)
	}
	return name, group, nil
}

// SetNameSpec sets the jail user and group from "user[:group]".  Group
// defaults to the user's primary group when the account exists, or to the
// user name.  A jail may not be owned by uid or gid 0.
func (c *Config) SetNameSpec(spec string) error {
	name, group, err := c.SplitNameSpec(spec)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty user name in %q", ErrConfig, spec)
	}
	c.User, c.Group = name, group
	c.uid, c.gid = LookupUser(name), LookupGroup(group)
	if c.gid < 0 && c.uid >= 0 {
		if u, err := user.LookupId(strconv.Itoa(c.uid)); err == nil {
			if gid, err := strconv.Atoi(u.Gid); err == nil {
				c.gid = gid
			}
		}
	}
	if c.uid == 0 || c.gid == 0 {
		return fmt.Errorf("%w: jail UID or GID may not be 0", ErrConfig)
	}
	if c.Group == "" {
		if c.gid > 0 {
			if g, err := user.LookupGroupId(strconv.Itoa(c.gid)); err == nil {
				c.Group = g.Name
			}
		}
		if c.Group == "" {
			c.Group = c.User
		}
	}
	return nil
}

// LookupUser resolves a user name or numeric uid to a uid, or -1.
func LookupUser(name string) int {
	if name == "" {
		return -1
	}
	u, err := user.Lookup(name)
	if err != nil {
		if u, err = user.LookupId(name); err != nil {
			return -1
		}
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1
	}
	return uid
}

// LookupGroup resolves a group name or numeric gid to a gid, or -1.
func LookupGroup(name string) int {
	if name == "" {
		return -1
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		if g, err = user.LookupGroupId(name); err != nil {
			return -1
		}
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1
	}
	return gid
}

// UserSpec resolves "user[:group]" to numeric ids, falling back to the
// provided defaults for parts that are absent or unresolvable.
func (c *Config) UserSpec(spec string, defUID, defGID int) (int, int, error) {
	name, group, err := c.SplitNameSpec(spec)
	if err != nil {
		return -1, -1, err
	}
	uid, gid := defUID, defGID
	if id := LookupUser(name); id >= 0 {
		uid = id
		if group == "" {
			if u, err := user.LookupId(strconv.Itoa(id)); err == nil {
				if pg, err := strconv.Atoi(u.Gid); err == nil {
					gid = pg
				}
			}
		}
	}
	if id := LookupGroup(group); id >= 0 {
		gid = id
	}
	return uid, gid, nil
}

// UID returns the numeric uid of the jail user.
func (c *Config) UID() (int, error) {
	if c.uid < 0 {
		return -1, fmt.Errorf("%w: %q is not a system account", ErrConfig, c.User)
	}
	return c.uid, nil
}

// GID returns the numeric gid of the jail group.
func (c *Config) GID() (int, error) {
	if c.gid < 0 {
		return -1, fmt.Errorf("%w: %q is not a system group", ErrConfig, c.Group)
	}
	return c.gid, nil
}

// JailPriv is the private backing store for this jail, {jailbase}/{user}.
func (c *Config) JailPriv() (string, error) {
	if c.User == "" {
		return "", fmt.Errorf("%w: jail user not set", ErrConfig)
	}
	return filepath.Join(c.JailBase, c.User), nil
}

// JailHome is the populated tree that gets mounted, {jailpriv}/home.
func (c *Config) JailHome() (string, error) {
	priv, err := c.JailPriv()
	if err != nil {
		return "", err
	}
	return filepath.Join(priv, "home"), nil
}

// JailMountPoint is where {jailhome} gets bind-mounted: the jail user's
// host home directory when one exists, else {jailpriv}/mnt.
func (c *Config) JailMountPoint() (string, error) {
	if c.JailMount != "" {
		return c.JailMount, nil
	}
	if home, err := c.UserHome(); err == nil {
		return home, nil
	}
	priv, err := c.JailPriv()
	if err != nil {
		return "", err
	}
	return filepath.Join(priv, "mnt"), nil
}

// UserHome is the host home directory of the jail user.
func (c *Config) UserHome() (string, error) {
	uid, err := c.UID()
	if err != nil {
		return "", err
	}
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil || u.HomeDir == "" {
		return "", fmt.Errorf("%w: no home directory for uid %d", ErrConfig, uid)
	}
	return u.HomeDir, nil
}

// Set assigns a property.  Canonical names route to their typed fields;
// any other name lands in the free-form part of the namespace.
func (c *Config) Set(name, value string) error {
	switch name {
	case "user":
		c.User = value
	case "group":
		c.Group = value
	case "jailbase":
		c.JailBase = value
	case "jailmount":
		c.JailMount = value
	case "writepath":
		return c.SetWritePath(value)
	case "validname":
		return c.SetValidName(value)
	case "defaults_text":
		c.DefaultsText = value
	case "etc_text":
		c.EtcText = value
	default:
		c.extra[name] = value
	}
	return nil
}

// Get returns the value of a property.  Unknown names are configuration
// errors.
func (c *Config) Get(name string) (string, error) {
	switch name {
	case "user":
		return c.User, nil
	case "group":
		return c.Group, nil
	case "uid":
		uid, err := c.UID()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(uid), nil
	case "gid":
		gid, err := c.GID()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(gid), nil
	case "jailbase":
		return c.JailBase, nil
	case "jailpriv":
		return c.JailPriv()
	case "jailhome":
		return c.JailHome()
	case "jailmount":
		return c.JailMountPoint()
	case "jaildev":
		home, err := c.JailHome()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "dev"), nil
	case "jailtmp":
		home, err := c.JailHome()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "tmp"), nil
	case "userhome":
		return c.UserHome()
	case "writepath":
		return c.writepathRx.String(), nil
	case "validname":
		return c.validnameRx.String(), nil
	case "defaults_text":
		return c.DefaultsText, nil
	case "etc_text":
		return c.EtcText, nil
	case "umask":
		return "0" + strconv.FormatInt(int64(c.ExecUmask), 8), nil
	case "chdir":
		return c.ExecChdir, nil
	case "chuid":
		return c.ExecChuid, nil
	case "verbose":
		return boolProp(c.Verbose), nil
	case "test":
		return boolProp(c.Test), nil
	case "defaults":
		return boolProp(c.Defaults), nil
	case "etc":
		return boolProp(c.Etc), nil
	case "passwd":
		return boolProp(c.Passwd), nil
	case "dns":
		return boolProp(c.DNS), nil
	case "lazy":
		return boolProp(c.Lazy), nil
	}
	if v, ok := c.extra[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown property %q", ErrConfig, name)
}

func boolProp(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

var propToken = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

// Expand replaces each {name} token with the property's current value.
// Substitution is a single pass; values are not expanded again.
func (c *Config) Expand(template string) (string, error) {
	var expandErr error
	out := propToken.ReplaceAllStringFunc(template, func(tok string) string {
		name := tok[1 : len(tok)-1]
		value, err := c.Get(name)
		if err != nil {
			if expandErr == nil {
				expandErr = err
			}
			return tok
		}
		return value
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// Names returns the sorted canonical property names, for --print with no
// format string.
func (c *Config) Names() []string {
	names := []string{
		"user", "group", "uid", "gid",
		"jailbase", "jailpriv", "jailhome", "jailmount", "jaildev", "jailtmp",
		"userhome", "writepath", "validname", "defaults_text", "etc_text",
		"umask", "chdir", "chuid",
		"verbose", "test", "defaults", "etc", "passwd", "dns", "lazy",
	}
	for name := range c.extra {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
