package jail

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultsText is the step sequence injected by --defaults.  It is data,
// not control flow: the front-end splices these tokens into the argument
// stream, and --print {defaults_text} shows them.
const DefaultsText = "--tmp --dev --etc --passwd" +
	" --try --clone /usr/share {jailhome}/usr/share" +
	" --try --clone /usr/lib {jailhome}/usr/lib" +
	" --try --clone-recurse --quick /usr/share/zoneinfo {jailhome}/usr/share/zoneinfo" +
	" --try --clone-recurse --quick /usr/lib/locale {jailhome}/usr/lib/locale"

// EtcText is the step sequence injected by --etc: a conservative set of
// /etc files most programs expect, each behind --try since hosts differ.
const EtcText = "--try --add /etc/hostname" +
	" --try --add /etc/hosts" +
	" --try --add /etc/resolv.conf" +
	" --try --add /etc/services" +
	" --try --add /etc/protocols" +
	" --try --add /etc/ld.so.cache" +
	" --try --add /etc/mime.types" +
	" --try --add /etc/timezone" +
	" --try --add /etc/nsswitch.conf" +
	" --try --add /etc/mailname" +
	" --try --clone /etc/localtime {jailhome}/etc/localtime"

// devNode is one canonical /dev entry created by --dev.
type devNode struct {
	name         string
	major, minor uint32
}

var devNodes = []devNode{
	{"null", 1, 3},
	{"zero", 1, 5},
	{"random", 1, 8},
	{"urandom", 1, 9},
	{"tty", 5, 0},
}

// makeDev creates a minimal /dev for the jail at {jaildev}.
func (e *Engine) makeDev() error {
	dev, err := e.expandPath("{jaildev}")
	if err != nil {
		return err
	}
	if err := e.Ops.Mkdir(dev, 0o755, -1, -1); err != nil {
		return err
	}
	mode := os.FileMode(0o666) | os.ModeDevice | os.ModeCharDevice
	for _, node := range devNodes {
		path := filepath.Join(dev, node.name)
		if err := e.Ops.Mknod(path, mode, unix.Mkdev(node.major, node.minor)); err != nil {
			return err
		}
	}
	return nil
}

// makeTmp creates a world-writable sticky /tmp at {jailtmp} and a private
// directory for the jail user beneath it.
func (e *Engine) makeTmp() error {
	tmp, err := e.expandPath("{jailtmp}")
	if err != nil {
		return err
	}
	if err := e.Ops.Mkdir(tmp, os.ModeSticky|0o777, -1, -1); err != nil {
		return err
	}
	if e.Config.User == "" {
		return nil
	}
	uid, uerr := e.Config.UID()
	gid, gerr := e.Config.GID()
	if uerr != nil || gerr != nil {
		uid, gid = -1, -1
	}
	e.observe(uid, gid)
	return e.Ops.Mkdir(filepath.Join(tmp, e.Config.User), 0o700, uid, gid)
}
