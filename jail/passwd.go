package jail

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.linkdata.se/jail/fsops"
)

// Host account databases consulted by --passwd.  Variables so tests can
// point them at fixtures.
var (
	hostPasswd = "/etc/passwd"
	hostGroup  = "/etc/group"
)

// observe records a uid and gid seen during the build, so --passwd can
// emit account entries for them.
func (e *Engine) observe(uid, gid int) {
	if uid > 0 {
		e.uids[uid] = true
	}
	if gid > 0 {
		e.gids[gid] = true
	}
}

// updatePasswd rewrites {jailhome}/etc/passwd and {jailhome}/etc/group
// with entries for every uid and gid observed during the build: the jail
// account, mkdir and chown arguments, the ownership of everything beneath
// {jailhome}, and any ids already present in the jail's own passwd and
// group files.  Entries are sourced from the host account database with
// password fields collapsed; group membership is filtered to users that
// made it into the new passwd.
func (e *Engine) updatePasswd() error {
	if e.passwdUp {
		return nil
	}
	home, err := e.Config.JailHome()
	if err != nil {
		return err
	}
	if _, err := os.Lstat(home); err != nil {
		if e.Config.Test {
			fmt.Fprintf(e.Out, "# --passwd: %s not yet built\n", home)
			return nil
		}
		return nil
	}
	e.passwdUp = true

	if uid, err := e.Config.UID(); err == nil {
		gid, _ := e.Config.GID()
		e.observe(uid, gid)
	}
	e.observeTree(home)

	passwdPath := filepath.Join(home, "etc", "passwd")
	groupPath := filepath.Join(home, "etc", "group")
	e.observeIDFile(passwdPath, 7, e.uids)
	e.observeIDFile(groupPath, 4, e.gids)

	if err := e.Ops.Clone("/etc", filepath.Join(home, "etc")); err != nil {
		return err
	}

	users := make(map[string]bool)
	var passwdText strings.Builder
	for _, fields := range readColonFile(hostPasswd, 7) {
		uid, err := strconv.Atoi(fields[2])
		if err != nil || !e.uids[uid] {
			continue
		}
		users[fields[0]] = true
		fields[1] = collapsePassword(fields[1])
		passwdText.WriteString(strings.Join(fields, ":") + "\n")
	}
	if err := e.writeAccountFile(passwdPath, hostPasswd, passwdText.String()); err != nil {
		return err
	}

	var groupText strings.Builder
	for _, fields := range readColonFile(hostGroup, 4) {
		gid, err := strconv.Atoi(fields[2])
		if err != nil || !e.gids[gid] {
			continue
		}
		fields[1] = collapsePassword(fields[1])
		var members []string
		for _, member := range strings.Split(fields[3], ",") {
			if users[member] {
				members = append(members, member)
			}
		}
		fields[3] = strings.Join(members, ",")
		groupText.WriteString(strings.Join(fields, ":") + "\n")
	}
	return e.writeAccountFile(groupPath, hostGroup, groupText.String())
}

// observeTree records the ownership of every entry beneath root.
func (e *Engine) observeTree(root string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				e.observe(int(st.Uid), int(st.Gid))
			}
		}
		return nil
	})
}

// observeIDFile records the numeric ids already present in a passwd or
// group style file inside the jail.
func (e *Engine) observeIDFile(path string, nfields int, into map[int]bool) {
	for _, fields := range readColonFile(path, nfields) {
		if id, err := strconv.Atoi(fields[2]); err == nil && id > 0 {
			into[id] = true
		}
	}
}

// writeAccountFile writes text to path through the policy gate, then
// copies mode and ownership from the corresponding host file.
func (e *Engine) writeAccountFile(path, hostPath, text string) error {
	shell := fmt.Sprintf("cat > %s <<_EOT_\n%s_EOT_", path, text)
	run, err := e.Ops.Permit(path, shell)
	if err != nil || !run {
		return err
	}
	hostRec, err := fsops.Stat(hostPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), hostRec.Mode.Perm()); err != nil {
		return fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)
	}
	if err := os.Chmod(path, hostRec.Mode.Perm()); err != nil {
		return fmt.Errorf("%w: %v", fsops.ErrFilesystem, err)
	}
	if err := os.Chown(path, hostRec.UID, hostRec.GID); err != nil {
		e.Log.WithField("path", path).WithError(err).Debug("passwd: chown")
	}
	return nil
}

// readColonFile parses a passwd or group style file into lines of exactly
// nfields colon-separated fields.  Missing or malformed files yield nil.
func readColonFile(path string, nfields int) [][]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines [][]string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) == nfields {
			lines = append(lines, fields)
		}
	}
	return lines
}

// collapsePassword hides a password hash: set becomes "*", unset stays
// empty.
func collapsePassword(hash string) string {
	if hash != "" {
		return "*"
	}
	return ""
}
