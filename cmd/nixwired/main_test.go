package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/danmuck/nixwire/internal/archive"
	"github.com/danmuck/nixwire/internal/config"
	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func sampleTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "hello"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hello\n"), 0o644))
	require.NoError(t, os.Symlink("bin/hello", filepath.Join(root, "run")))
	return root
}

func TestNarDumpRestoreCompressed(t *testing.T) {
	testlog.Start(t)
	src := sampleTree(t)
	for _, ext := range []string{".nar", ".nar.xz", ".nar.zst"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			file := filepath.Join(dir, "out"+ext)
			run(t, "nar", "dump", src, "-o", file)

			dst := filepath.Join(dir, "restored")
			run(t, "nar", "restore", dst, "-i", file)

			var want, got bytes.Buffer
			require.NoError(t, archive.Dump(&want, src))
			require.NoError(t, archive.Dump(&got, dst))
			require.Equal(t, want.Bytes(), got.Bytes())
		})
	}
}

func TestNarHashMatchesDump(t *testing.T) {
	testlog.Start(t)
	src := sampleTree(t)
	var nar bytes.Buffer
	require.NoError(t, archive.Dump(&nar, src))
	sum, size, err := archive.Hash(bytes.NewReader(nar.Bytes()))
	require.NoError(t, err)

	out := run(t, "nar", "hash", src)
	require.Contains(t, out, "sha256:")
	require.Contains(t, out, " "+strconv.FormatInt(size, 10))

	got, gotSize, err := hashTree(src)
	require.NoError(t, err)
	require.Equal(t, sum[:], got[:])
	require.Equal(t, size, gotSize)
}

func TestConfigDefaultAndCheck(t *testing.T) {
	testlog.Start(t)
	out := run(t, "config", "default")
	require.Contains(t, out, "store_dir")
	require.Contains(t, out, "/nix/store")

	path := filepath.Join(t.TempDir(), "nixwired.toml")
	run(t, "config", "default", "-o", path)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)

	require.Contains(t, run(t, "config", "check", path), "ok")
}
