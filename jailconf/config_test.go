package jailconf

import (
	"os/user"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := New()
	cfg.JailBase = "/var/jails"
	require.NoError(t, cfg.SetNameSpec("alice"))
	return cfg
}

func TestSplitNameSpec(t *testing.T) {
	cfg := New()
	tests := []struct {
		spec  string
		user  string
		group string
		ok    bool
	}{
		{"alice", "alice", "", true},
		{"alice:staff", "alice", "staff", true},
		{"www-data", "www-data", "", true},
		{"_svc:_svc", "_svc", "_svc", true},
		{"Alice", "", "", false},
		{"alice:St aff", "", "", false},
		{"-alice", "", "", false},
		{"alice:", "alice", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.spec, func(t *testing.T) {
			name, group, err := cfg.SplitNameSpec(tc.spec)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.user, name)
			assert.Equal(t, tc.group, group)
		})
	}
}

func TestSetNameSpecRejectsRoot(t *testing.T) {
	cfg := New()
	err := cfg.SetNameSpec("root")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestSetNameSpecEmptyUser(t *testing.T) {
	cfg := New()
	assert.ErrorIs(t, cfg.SetNameSpec(":staff"), ErrConfig)
}

func TestPathProperties(t *testing.T) {
	cfg := newTestConfig(t)

	priv, err := cfg.Get("jailpriv")
	require.NoError(t, err)
	assert.Equal(t, "/var/jails/alice", priv)

	home, err := cfg.Get("jailhome")
	require.NoError(t, err)
	assert.Equal(t, "/var/jails/alice/home", home)

	dev, err := cfg.Get("jaildev")
	require.NoError(t, err)
	assert.Equal(t, "/var/jails/alice/home/dev", dev)

	tmp, err := cfg.Get("jailtmp")
	require.NoError(t, err)
	assert.Equal(t, "/var/jails/alice/home/tmp", tmp)
}

func TestJailMountPointOverride(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Set("jailmount", "/mnt/alice"))
	mp, err := cfg.Get("jailmount")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/alice", mp)
}

func TestJailMountPointFallback(t *testing.T) {
	// alice does not resolve to a host account, so the mount point
	// falls back beneath jailpriv.
	if _, err := user.Lookup("alice"); err == nil {
		t.Skip("host has an alice account")
	}
	cfg := newTestConfig(t)
	mp, err := cfg.JailMountPoint()
	require.NoError(t, err)
	assert.Equal(t, "/var/jails/alice/mnt", mp)
}

func TestExpand(t *testing.T) {
	cfg := newTestConfig(t)
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"single", "{jailhome}", "/var/jails/alice/home"},
		{"embedded", "home is {jailhome}/x", "home is /var/jails/alice/home/x"},
		{"multiple", "{user}:{group}", "alice:alice"},
		{"none", "/plain/path", "/plain/path"},
		{"braces kept", "{not a token}", "{not a token}"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cfg.Expand(tc.template)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpandUnknownProperty(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := cfg.Expand("{no_such_prop}")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestExpandNotNested(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Set("inner", "value"))
	require.NoError(t, cfg.Set("outer", "{inner}"))
	got, err := cfg.Expand("{outer}")
	require.NoError(t, err)
	assert.Equal(t, "{inner}", got)
}

func TestExpandUsesCurrentValue(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Set("tag", "one"))
	got, err := cfg.Expand("{tag}")
	require.NoError(t, err)
	assert.Equal(t, "one", got)

	require.NoError(t, cfg.Set("tag", "two"))
	got, err = cfg.Expand("{tag}")
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestUIDUnresolvable(t *testing.T) {
	if _, err := user.Lookup("alice"); err == nil {
		t.Skip("host has an alice account")
	}
	cfg := newTestConfig(t)
	_, err := cfg.Get("uid")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestWritable(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.SetWritePath(`^/var/jails/`))
	assert.True(t, cfg.Writable("/var/jails/alice/home/etc"))
	assert.False(t, cfg.Writable("/etc/hack"))
	assert.False(t, cfg.Writable("/var/jailsx"))
}

func TestSetWritePathBadRegex(t *testing.T) {
	cfg := New()
	err := cfg.SetWritePath("([")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestGetBooleansAndScalars(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Verbose = true

	v, err := cfg.Get("verbose")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = cfg.Get("test")
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	v, err = cfg.Get("umask")
	require.NoError(t, err)
	assert.Equal(t, "037", v)

	v, err = cfg.Get("chdir")
	require.NoError(t, err)
	assert.Equal(t, "/", v)
}

func TestNamesIncludesExtras(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, cfg.Set("custom", "x"))
	var found bool
	for _, name := range cfg.Names() {
		if name == "custom" {
			found = true
		}
	}
	assert.True(t, found)
	got, err := cfg.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	_, err = cfg.Get("missing")
	assert.ErrorIs(t, err, ErrConfig)
}
