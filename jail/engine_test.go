package jail

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.linkdata.se/jail/fsops"
	"go.linkdata.se/jail/jailconf"
)

// testEngine returns an engine confined to a temp directory, with the
// write policy covering only that directory.
func testEngine(t *testing.T) (*Engine, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := jailconf.New()
	cfg.JailBase = filepath.Join(dir, "jails")
	require.NoError(t, cfg.SetWritePath("^"+regexp.QuoteMeta(dir)+"/"))
	require.NoError(t, cfg.SetNameSpec("alice"))
	eng := New(cfg)
	out := &bytes.Buffer{}
	eng.Out = out
	eng.Log.SetOutput(io.Discard)
	return eng, out
}

func TestPrintProperty(t *testing.T) {
	eng, out := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)

	err = eng.Run([]Step{{Op: PrintOp{Format: "{jailhome}", HasFormat: true}}})
	require.NoError(t, err)
	assert.Equal(t, home+"\n", out.String())
}

func TestPrintAllProperties(t *testing.T) {
	eng, out := testEngine(t)
	require.NoError(t, eng.Run([]Step{{Op: PrintOp{}}}))
	assert.Contains(t, out.String(), "jailhome = ")
	assert.Contains(t, out.String(), "user = \"alice\"")
}

func TestPrintDefaultsText(t *testing.T) {
	eng, out := testEngine(t)
	require.NoError(t, eng.Run([]Step{{Op: PrintOp{Format: "{defaults_text}", HasFormat: true}}}))
	assert.Contains(t, out.String(), "--tmp --dev --etc --passwd")
}

func TestMkdirStep(t *testing.T) {
	eng, _ := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)

	err = eng.Run([]Step{{Op: MkdirOp{Path: "{jailhome}/var/empty", Mode: "0755"}}})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(home, "var", "empty"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestPolicyViolationAbortsRun(t *testing.T) {
	eng, out := testEngine(t)
	err := eng.Run([]Step{
		{Op: MkdirOp{Path: "/etc/hack"}},
		{Op: PrintOp{Format: "unreached", HasFormat: true}},
	})
	assert.ErrorIs(t, err, fsops.ErrPolicy)
	assert.NotContains(t, out.String(), "unreached")
	_, statErr := os.Lstat("/etc/hack")
	assert.True(t, os.IsNotExist(statErr))
}

func TestTrySuppressesOnlyNextStep(t *testing.T) {
	eng, _ := testEngine(t)
	err := eng.Run([]Step{
		{Try: true, Op: MkdirOp{Path: "/etc/hack"}},
		{Op: MkdirOp{Path: "{jailhome}/ok"}},
	})
	require.NoError(t, err)

	eng2, _ := testEngine(t)
	err = eng2.Run([]Step{
		{Try: true, Op: MkdirOp{Path: "/etc/hack"}},
		{Op: MkdirOp{Path: "/etc/hack2"}},
	})
	assert.ErrorIs(t, err, fsops.ErrPolicy)
}

func TestTrySuppressesInterpolationError(t *testing.T) {
	eng, _ := testEngine(t)
	err := eng.Run([]Step{
		{Try: true, Op: MkdirOp{Path: "{no_such_prop}/x"}},
	})
	require.NoError(t, err)
}

func TestInterpolationErrorFailsStep(t *testing.T) {
	eng, _ := testEngine(t)
	err := eng.Run([]Step{
		{Op: PrintOp{Format: "{no_such_prop}", HasFormat: true}},
	})
	assert.ErrorIs(t, err, jailconf.ErrConfig)
}

func TestTestModePrintsWithoutMutating(t *testing.T) {
	eng, out := testEngine(t)
	eng.Config.Test = true
	home, err := eng.Config.JailHome()
	require.NoError(t, err)

	err = eng.Run([]Step{
		{Op: MkdirOp{Path: "{jailhome}/var", Mode: "0755"}},
		{Op: SymlinkOp{Target: "/bin/true", Link: "{jailhome}/t"}},
	})
	require.NoError(t, err)

	transcript := out.String()
	assert.Contains(t, transcript, "mkdir -p -m 0755 "+filepath.Join(home, "var"))
	assert.Contains(t, transcript, "ln -s /bin/true "+filepath.Join(home, "t"))
	_, statErr := os.Lstat(home)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTestModeContinuesPastFailure(t *testing.T) {
	eng, out := testEngine(t)
	eng.Config.Test = true
	err := eng.Run([]Step{
		{Op: CloneOp{Src: "{jailhome}/missing", Dst: "{jailhome}/dst"}},
		{Op: PrintOp{Format: "still here", HasFormat: true}},
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "# ")
	assert.Contains(t, out.String(), "still here")
}

func TestCleanIsScopedToJailPriv(t *testing.T) {
	eng, _ := testEngine(t)
	priv, err := eng.Config.JailPriv()
	require.NoError(t, err)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(home, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "etc", "hosts"), []byte("x"), 0o644))
	outside := filepath.Join(filepath.Dir(eng.Config.JailBase), "keep")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	require.NoError(t, eng.Run([]Step{{Op: CleanOp{}}}))

	_, err = os.Lstat(home)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(priv)
	assert.NoError(t, err)
	_, err = os.Lstat(outside)
	assert.NoError(t, err)
}

func TestCleanMissingJailSucceeds(t *testing.T) {
	eng, _ := testEngine(t)
	require.NoError(t, eng.Run([]Step{{Op: CleanOp{}}}))
}

func TestCloneSteps(t *testing.T) {
	eng, _ := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)

	src := filepath.Join(eng.Config.JailBase, "..", "src.txt")
	src = filepath.Clean(src)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o640))

	require.NoError(t, eng.Run([]Step{
		{Op: CloneOp{Src: src, Dst: "{jailhome}/copy"}},
	}))
	content, err := os.ReadFile(filepath.Join(home, "copy"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(content))
}

func TestTouchAndRmSteps(t *testing.T) {
	eng, _ := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(home, 0o755))
	target := filepath.Join(home, "f")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	require.NoError(t, eng.Run([]Step{
		{Op: TouchOp{Path: "{jailhome}/f", Stamp: "202001020304.05"}},
		{Op: RmOp{Path: "{jailhome}/f"}},
	}))
	_, err = os.Lstat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestTmpStep(t *testing.T) {
	eng, _ := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)

	require.NoError(t, eng.Run([]Step{{Op: TmpOp{}}}))
	info, err := os.Stat(filepath.Join(home, "tmp"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSticky)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(home, "tmp", "alice"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestDevStep(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("mknod requires root")
	}
	eng, _ := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)

	require.NoError(t, eng.Run([]Step{{Op: DevOp{}}}))
	rec, err := fsops.Stat(filepath.Join(home, "dev", "null"))
	require.NoError(t, err)
	assert.NotZero(t, rec.Mode&os.ModeCharDevice)
	assert.Equal(t, uint64(0x103), rec.Dev&0xffff)
}

func TestDevStepTestMode(t *testing.T) {
	eng, out := testEngine(t)
	eng.Config.Test = true
	require.NoError(t, eng.Run([]Step{{Op: DevOp{}}}))
	transcript := out.String()
	assert.Contains(t, transcript, "mknod")
	assert.Contains(t, transcript, "null c 1 3")
	assert.Contains(t, transcript, "tty c 5 0")
}

func TestMknodStepExistingMismatch(t *testing.T) {
	eng, _ := testEngine(t)
	home, err := eng.Config.JailHome()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "null"), []byte("x"), 0o644))

	err = eng.Run([]Step{{Op: MknodOp{Path: "{jailhome}/null", Type: "c", Major: "1", Minor: "3"}}})
	assert.ErrorIs(t, err, fsops.ErrFilesystem)
}

func TestStepText(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{MountOp{}, "--mount"},
		{AddOp{Paths: []string{"/bin/ls"}}, "--add /bin/ls"},
		{CloneRecurseOp{Quick: true, Src: "/a", Dst: "/b"}, "--clone-recurse --quick /a /b"},
		{MkdirOp{Path: "/x", Mode: "0755"}, "--mkdir /x 0755"},
		{ExecuteOp{Args: []string{"./run"}}, "--execute ./run"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.op.text())
	}
}

func TestUnescapePrint(t *testing.T) {
	eng, out := testEngine(t)
	require.NoError(t, eng.Run([]Step{
		{Op: PrintOp{Format: `a\tb`, HasFormat: true}},
	}))
	assert.Equal(t, "a\tb\n", out.String())
}

func TestVerboseEchoesSteps(t *testing.T) {
	eng, out := testEngine(t)
	eng.Config.Verbose = true
	require.NoError(t, eng.Run([]Step{{Op: MkdirOp{Path: "{jailhome}/v", Mode: "0750"}}}))
	assert.True(t, strings.Contains(out.String(), "# mkdir"))
}
