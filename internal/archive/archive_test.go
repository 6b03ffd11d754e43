package archive

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/nix/nar"
)

func sampleTree() *Node {
	return Directory(map[string]*Node{
		"a": File([]byte("abcd"), false),
		"b": Symlink("a"),
	})
}

func encodeTree(t *testing.T, n *Node) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteTree(&buf, n))
	return buf.Bytes()
}

func collect(t *testing.T, data []byte) []Entry {
	t.Helper()
	ar := NewReader(bytes.NewReader(data), Strict())
	var out []Entry
	for {
		e, err := ar.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestDirectoryEvents(t *testing.T) {
	testlog.Start(t)
	ar := NewReader(bytes.NewReader(encodeTree(t, sampleTree())), Strict())
	var got []Entry
	contents := map[string]string{}
	for {
		e, err := ar.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, e)
		if e.Kind == KindFile {
			data, err := io.ReadAll(ar)
			require.NoError(t, err)
			contents[e.Path] = string(data)
		}
	}
	want := []Entry{
		{Kind: KindDirectory},
		{Kind: KindFile, Path: "a", Name: "a", Size: 4},
		{Kind: KindSymlink, Path: "b", Name: "b", Target: "a"},
		{Kind: KindEndDirectory},
	}
	require.Equal(t, want, got)
	require.Equal(t, map[string]string{"a": "abcd"}, contents)
}

func TestWriteTreeDeterministic(t *testing.T) {
	testlog.Start(t)
	tree := Directory(map[string]*Node{
		"zz":  File([]byte("last"), true),
		"a":   Directory(map[string]*Node{"inner": File(nil, false)}),
		"lnk": Symlink("../elsewhere"),
		"m":   File(bytes.Repeat([]byte{'x'}, 9), false),
	})
	first := encodeTree(t, tree)
	for range 5 {
		require.Equal(t, first, encodeTree(t, tree))
	}

	back, err := ReadTree(bytes.NewReader(first))
	require.NoError(t, err)
	require.True(t, tree.Equal(back))
	require.Equal(t, first, encodeTree(t, back))
}

func TestSingleFileRoot(t *testing.T) {
	testlog.Start(t)
	data := encodeTree(t, File([]byte("hello"), true))
	got := collect(t, data)
	require.Equal(t, []Entry{{Kind: KindFile, Executable: true, Size: 5}}, got)
	require.Zero(t, len(data)%8)
}

func TestBadMagic(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	require.NoError(t, w.WriteString("not-an-archive"))
	require.NoError(t, w.Flush())

	_, err := NewReader(&buf).Next()
	require.ErrorIs(t, err, ErrBadMagic)
}

func writeTokens(t *testing.T, toks ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	for _, tok := range toks {
		require.NoError(t, w.WriteString(tok))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func unsortedArchive(t *testing.T) []byte {
	return writeTokens(t,
		tokMagic, "(", "type", "directory",
		"entry", "(", "name", "b", "node", "(", "type", "symlink", "target", "x", ")", ")",
		"entry", "(", "name", "a", "node", "(", "type", "symlink", "target", "y", ")", ")",
		")",
	)
}

func TestStrictRejectsUnsorted(t *testing.T) {
	testlog.Start(t)
	data := unsortedArchive(t)

	_, err := ReadTree(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrUnsorted)
	var ae *ArchiveError
	require.ErrorAs(t, err, &ae)

	// Lenient readers accept the same stream.
	ar := NewReader(bytes.NewReader(data))
	n := 0
	for {
		_, err := ar.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	require.Equal(t, 4, n)
}

func TestInvalidEntryName(t *testing.T) {
	testlog.Start(t)
	data := writeTokens(t,
		tokMagic, "(", "type", "directory",
		"entry", "(", "name", "..", "node", "(", "type", "symlink", "target", "x", ")", ")",
		")",
	)
	require.ErrorIs(t, Validate(bytes.NewReader(data)), ErrInvalidName)
}

func TestTruncatedContents(t *testing.T) {
	testlog.Start(t)
	data := encodeTree(t, File(bytes.Repeat([]byte{'q'}, 64), false))
	_, err := ReadTree(bytes.NewReader(data[:len(data)-40]))
	require.Error(t, err)
}

func TestWriterEnforcesSizes(t *testing.T) {
	testlog.Start(t)
	aw := NewWriter(io.Discard)
	require.NoError(t, aw.WriteEntry(Entry{Kind: KindDirectory}))
	require.NoError(t, aw.WriteEntry(Entry{Kind: KindFile, Name: "f", Size: 3}))
	_, err := aw.Write([]byte("abcd"))
	require.ErrorIs(t, err, ErrContentsOverflow)
	_, err = aw.Write([]byte("ab"))
	require.NoError(t, err)
	require.ErrorIs(t, aw.WriteEntry(Entry{Kind: KindEndDirectory}), ErrShortContents)
}

func TestWriterRejectsUnsortedAndIncomplete(t *testing.T) {
	testlog.Start(t)
	aw := NewWriter(io.Discard)
	require.NoError(t, aw.WriteEntry(Entry{Kind: KindDirectory}))
	require.NoError(t, aw.WriteEntry(Entry{Kind: KindSymlink, Name: "b", Target: "t"}))
	require.ErrorIs(t, aw.WriteEntry(Entry{Kind: KindSymlink, Name: "a", Target: "t"}), ErrUnsorted)
	require.ErrorIs(t, aw.Close(), ErrIncomplete)

	require.ErrorIs(t, NewWriter(io.Discard).Close(), ErrIncomplete)
}

func TestCopyStopsAtArchiveEnd(t *testing.T) {
	testlog.Start(t)
	data := encodeTree(t, sampleTree())
	trailer := []byte("trailing bytes belong to someone else")
	src := bytes.NewReader(append(append([]byte{}, data...), trailer...))

	var dst bytes.Buffer
	n, err := Copy(&dst, src)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, data, dst.Bytes())

	rest, err := io.ReadAll(src)
	require.NoError(t, err)
	require.Equal(t, trailer, rest)
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "tool"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README"), []byte("readme"), 0o644))
	require.NoError(t, os.Symlink("bin/tool", filepath.Join(src, "link")))

	var first bytes.Buffer
	require.NoError(t, Dump(&first, src))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, Restore(bytes.NewReader(first.Bytes()), dst))

	info, err := os.Stat(filepath.Join(dst, "bin", "tool"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111)
	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	require.Equal(t, "bin/tool", target)

	var second bytes.Buffer
	require.NoError(t, Dump(&second, dst))
	require.Equal(t, first.Bytes(), second.Bytes())

	err = Restore(bytes.NewReader(first.Bytes()), dst)
	require.True(t, errors.Is(err, ErrExists))
}

func TestRestoreLeavesNothingOnFailure(t *testing.T) {
	testlog.Start(t)
	dst := filepath.Join(t.TempDir(), "out")
	err := Restore(bytes.NewReader(unsortedArchive(t)), dst)
	require.ErrorIs(t, err, ErrUnsorted)
	_, statErr := os.Lstat(dst)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestMatchesIndependentDecoder(t *testing.T) {
	testlog.Start(t)
	tree := Directory(map[string]*Node{
		"a":   File([]byte("abcd"), false),
		"b":   Symlink("a"),
		"exe": File([]byte("run"), true),
		"sub": Directory(map[string]*Node{"c": File([]byte("nested"), false)}),
	})
	data := encodeTree(t, tree)

	type seen struct {
		kind   string
		size   int64
		target string
	}
	got := map[string]seen{}
	nr := nar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch {
		case hdr.Mode.IsDir():
			got[hdr.Path] = seen{kind: "dir"}
		case hdr.Mode&os.ModeSymlink != 0:
			got[hdr.Path] = seen{kind: "symlink", target: hdr.LinkTarget}
		default:
			kind := "file"
			if hdr.Mode&0o111 != 0 {
				kind = "exe"
			}
			got[hdr.Path] = seen{kind: kind, size: hdr.Size}
		}
	}
	require.Equal(t, seen{kind: "file", size: 4}, got["a"])
	require.Equal(t, seen{kind: "symlink", target: "a"}, got["b"])
	require.Equal(t, seen{kind: "exe", size: 3}, got["exe"])
	require.Equal(t, seen{kind: "dir"}, got["sub"])
	require.Equal(t, seen{kind: "file", size: 6}, got["sub/c"])
}

func TestCompressionRoundTrip(t *testing.T) {
	testlog.Start(t)
	data := encodeTree(t, sampleTree())
	for _, c := range []Compression{CompressNone, CompressXZ, CompressZstd} {
		t.Run(string(c), func(t *testing.T) {
			var buf bytes.Buffer
			cw, err := Compress(&buf, c)
			require.NoError(t, err)
			_, err = cw.Write(data)
			require.NoError(t, err)
			require.NoError(t, cw.Close())

			cr, err := Decompress(&buf, c)
			require.NoError(t, err)
			defer cr.Close()
			tree, err := ReadTree(cr)
			require.NoError(t, err)
			require.True(t, sampleTree().Equal(tree))
		})
	}
	require.Equal(t, CompressXZ, CompressionForFile("x.nar.xz"))
	_, err := ParseCompression("lz4")
	require.Error(t, err)
}

func TestHashCoversWholeArchive(t *testing.T) {
	testlog.Start(t)
	data := encodeTree(t, sampleTree())
	sum, size, err := Hash(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)
	require.Equal(t, sha256.Sum256(data), sum)
}
