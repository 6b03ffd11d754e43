package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/nixwire/internal/auth"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/store"
	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTOMLOverlaysDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "nixwired.toml", `
socket = "/tmp/nixwire.sock"
max_version = "1.35"
trusted_users = ["alice", "@wheel"]
admin_addr = ""

[limits]
max_list_len = 64
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	def := Default()
	require.Equal(t, "/tmp/nixwire.sock", cfg.Socket)
	require.Equal(t, def.StoreDir, cfg.StoreDir)
	require.Empty(t, cfg.AdminAddr)
	require.Equal(t, []string{"alice", "@wheel"}, cfg.TrustedUsers)
	require.Equal(t, def.AllowedUsers, cfg.AllowedUsers)
	require.Equal(t, uint64(64), cfg.Limits.MaxListLen)
	require.Equal(t, def.Limits.MaxStringBytes, cfg.Limits.MaxStringBytes)

	lo, hi, err := cfg.Versions()
	require.NoError(t, err)
	require.Equal(t, protocol.MinVersion, lo)
	require.Equal(t, protocol.NewVersion(1, 35), hi)
}

func TestLoadTOMLRejectsUnknownKey(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "nixwired.toml", `sockett = "/tmp/x"`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "sockett")
}

func TestLoadYAML(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "nixwired.yaml", `
store_dir: /gnu/store
features: [alpha]
limits:
  max_frame_bytes: 4096
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/gnu/store", cfg.StoreDir)
	require.Equal(t, []string{"alpha"}, cfg.Features)
	require.Equal(t, uint64(4096), cfg.Limits.MaxFrameBytes)
	require.Equal(t, Default().Socket, cfg.Socket)

	_, err = Load(writeFile(t, "bad.yml", "nope: 1\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		mutate func(*DaemonConfig)
	}{
		{name: "missing socket", mutate: func(c *DaemonConfig) { c.Socket = " " }},
		{name: "relative store dir", mutate: func(c *DaemonConfig) { c.StoreDir = "nix/store" }},
		{name: "trailing slash", mutate: func(c *DaemonConfig) { c.StoreDir = "/nix/store/" }},
		{name: "bad version", mutate: func(c *DaemonConfig) { c.MaxVersion = "one" }},
		{name: "inverted range", mutate: func(c *DaemonConfig) { c.MinVersion, c.MaxVersion = "1.30", "1.25" }},
		{name: "range too old", mutate: func(c *DaemonConfig) { c.MinVersion = "1.10" }},
		{name: "range too new", mutate: func(c *DaemonConfig) { c.MaxVersion = "1.99" }},
		{name: "empty feature", mutate: func(c *DaemonConfig) { c.Features = []string{""} }},
		{name: "zero limit", mutate: func(c *DaemonConfig) { c.Limits.MaxListLen = 0 }},
	}
	require.NoError(t, Validate(Default()))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.ErrorIs(t, Validate(cfg), ErrInvalid)
		})
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "nixwired.toml")
	require.NoError(t, WriteDefault(path, false))
	require.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestServerConfig(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.MaxVersion = "1.30"
	cfg.Features = []string{"beta"}
	sc, err := cfg.ServerConfig()
	require.NoError(t, err)
	require.Equal(t, protocol.NewVersion(1, 30), sc.Handshake.MaxVersion)
	require.Equal(t, []string{"beta"}, sc.Handshake.Features)
	require.Equal(t, cfg.Limits.MaxListLen, sc.Limits.MaxListLen)
	require.NotNil(t, sc.Trust)

	level, err := cfg.Users().Trust(auth.Cred{UID: 1000, User: "root"})
	require.NoError(t, err)
	require.Equal(t, store.Trusted, level)

	cfg.StoreDir = ""
	_, err = cfg.ServerConfig()
	require.ErrorIs(t, err, ErrInvalid)
}
