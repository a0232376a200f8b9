package jail

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveBindOpts(t *testing.T) {
	eng, _ := testEngine(t)
	base := eng.Config.JailBase
	writable := t.TempDir()

	tests := []struct {
		name    string
		source  string
		options string
		want    []string
	}{
		{"explicit rw", "/run/shm", "rw", []string{"noexec", "nosuid", "rw"}},
		{"explicit ro", "/usr", "ro", []string{"noexec", "nosuid", "ro"}},
		{"auto jail store", filepath.Join(base, "alice", "home"), "auto", []string{"exec", "nosuid", "ro"}},
		{"auto writable", writable, "auto", []string{"noexec", "nosuid", "rw"}},
		{"auto unwritable", "/no/such/path", "", []string{"noexec", "nosuid", "ro"}},
		{"exec explicit", "/usr", "exec,ro", []string{"exec", "nosuid", "ro"}},
		{"suid stripped", "/usr", "suid,rw", []string{"noexec", "nosuid", "rw"}},
		{"rw beats ro", "/usr", "ro,rw", []string{"noexec", "nosuid", "rw"}},
		{"noexec after exec", "/usr", "exec,noexec", []string{"noexec", "nosuid"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := eng.deriveBindOpts(tc.source, tc.options)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveBindOptsAlwaysNosuid(t *testing.T) {
	eng, _ := testEngine(t)
	for _, options := range []string{"", "auto", "rw", "ro", "exec", "suid", "rw,exec,suid"} {
		got := eng.deriveBindOpts("/usr", options)
		assert.Contains(t, got, "nosuid", "options %q", options)
	}
}

func TestRefuseBind(t *testing.T) {
	eng, _ := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)
	mountPoint, err := eng.Config.JailMountPoint()
	require.NoError(t, err)

	tests := []struct {
		name   string
		source string
		dest   string
		skip   bool
	}{
		{"plain host dir", "/usr", filepath.Join(mountPoint, "usr"), false},
		{"source inside jailhome", filepath.Join(home, "srv"), filepath.Join(mountPoint, "srv"), true},
		{"source inside jailmount", filepath.Join(mountPoint, "x"), filepath.Join(mountPoint, "y"), true},
		{"source parent of mount point", "/", filepath.Join(mountPoint, "root"), true},
		{"jailhome itself", home, mountPoint, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			skip, why := eng.refuseBind(tc.source, tc.dest, home, mountPoint)
			assert.Equal(t, tc.skip, skip, why)
		})
	}
}

func TestAddBindDefaults(t *testing.T) {
	eng, _ := testEngine(t)
	eng.AddBind("/run/shm", "", "")
	last := eng.binds[len(eng.binds)-1]
	assert.Equal(t, "/run/shm", last.Source)
	assert.Equal(t, "auto", last.Options)
	assert.Equal(t, "/run/shm", last.Path)
}

func TestImplicitRootBind(t *testing.T) {
	eng, _ := testEngine(t)
	require.NotEmpty(t, eng.binds)
	assert.Equal(t, "{jailhome}", eng.binds[0].Source)
	assert.Equal(t, "/", eng.binds[0].Path)
}

func TestUmountWithNothingMounted(t *testing.T) {
	eng, _ := testEngine(t)
	require.NoError(t, eng.umount())
	assert.False(t, eng.mounted)
}

func TestMountTestModeTranscript(t *testing.T) {
	eng, out := testEngine(t)
	eng.Config.Test = true
	eng.Ops.Test = true
	eng.Ops.Out = out
	eng.AddBind("/usr", "ro", "/usr")

	home, err := eng.Config.JailHome()
	require.NoError(t, err)
	mountPoint, err := eng.Config.JailMountPoint()
	require.NoError(t, err)

	require.NoError(t, eng.mount())
	transcript := out.String()
	// {jailhome} does not exist yet, so its bind is skipped; /usr is
	// queued with derived options.
	assert.Contains(t, transcript, "mkdir -p -m 0755 "+home)
	assert.Contains(t, transcript, "mount --bind /usr "+filepath.Join(mountPoint, "usr"))
	assert.Contains(t, transcript, "noexec,nosuid,ro")
	assert.True(t, eng.mounted)
}

func TestEqualOpts(t *testing.T) {
	assert.True(t, equalOpts([]string{"nosuid", "ro"}, []string{"nosuid", "ro"}))
	assert.False(t, equalOpts([]string{"nosuid"}, []string{"nosuid", "ro"}))
	assert.False(t, equalOpts([]string{"nosuid", "rw"}, []string{"nosuid", "ro"}))
}
