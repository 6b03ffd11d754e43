package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/archive"
	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// corrupt replaces the stored archive of p.
func (m *Memory) corrupt(p StorePath, nar []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[p]; ok {
		obj.nar = nar
	}
}

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func newTestMemory(opts ...MemoryOption) *Memory {
	return NewMemory(DefaultDir, append([]MemoryOption{WithClock(fixedClock)}, opts...)...)
}

func narOf(t *testing.T, n *archive.Node) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, archive.WriteTree(&buf, n))
	return buf.Bytes()
}

func sampleDrv(out StorePath) BasicDerivation {
	return BasicDerivation{
		Outputs:  []DerivationOutput{{Name: "out", Path: &out}},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Args:     []string{"-c", "echo hi"},
		Env:      []EnvVar{{Name: "out", Value: out.Full(DefaultDir)}},
	}
}

func TestMemoryAddTreeAndQuery(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := newTestMemory()
	tree := archive.Directory(map[string]*archive.Node{"f": archive.File([]byte("data"), false)})

	dep, err := m.AddTree(ctx, "dep", archive.File([]byte("dep"), false), nil)
	require.NoError(t, err)
	vpi, err := m.AddTree(ctx, "src", tree, []StorePath{dep.Path})
	require.NoError(t, err)
	require.Equal(t, []StorePath{dep.Path}, vpi.Info.References)
	require.Equal(t, fixedClock().Unix(), vpi.Info.RegistrationTime)
	require.Contains(t, vpi.Info.CA, "fixed:r:sha256:")

	again, err := m.AddTree(ctx, "src", tree, []StorePath{dep.Path})
	require.NoError(t, err)
	require.Equal(t, vpi.Path, again.Path)

	ok, err := m.IsValidPath(ctx, vpi.Path)
	require.NoError(t, err)
	require.True(t, ok)

	info, err := m.QueryPathInfo(ctx, vpi.Path)
	require.NoError(t, err)
	require.Equal(t, vpi.Info.NarHash, info.NarHash)

	missing, err := m.QueryPathInfo(ctx, MustParse(helloBase))
	require.NoError(t, err)
	require.Nil(t, missing)

	rc, err := m.NarFromPath(ctx, vpi.Path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, narOf(t, tree), data)

	referrers, err := m.QueryReferrers(ctx, dep.Path)
	require.NoError(t, err)
	require.Equal(t, []StorePath{vpi.Path}, referrers)

	found, err := m.QueryPathFromHashPart(ctx, vpi.Path.HashPart())
	require.NoError(t, err)
	require.Equal(t, vpi.Path, *found)

	_, err = m.AddTree(ctx, "broken", tree, []StorePath{MustParse(helloBase)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAddToStoreNarChecksHash(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := newTestMemory(RequireSignatures())
	nar := narOf(t, archive.File([]byte("payload"), true))
	info := ValidPathInfo{Path: MustParse(helloBase), Info: PathInfo{
		NarHash: NarHash(sha256.Sum256(nar)),
		NarSize: uint64(len(nar)),
	}}

	err := m.AddToStoreNar(ctx, info, bytes.NewReader(nar), false, false)
	require.ErrorIs(t, err, ErrPermissionDenied)

	bad := info
	bad.Info.NarHash[0] ^= 0xff
	err = m.AddToStoreNar(ctx, bad, bytes.NewReader(nar), false, true)
	require.ErrorIs(t, err, ErrHashMismatch)

	require.NoError(t, m.AddToStoreNar(ctx, info, bytes.NewReader(nar), false, true))
	paths, err := m.QueryValidPaths(ctx, []StorePath{MustParse(drvBase), info.Path}, false)
	require.NoError(t, err)
	require.Equal(t, []StorePath{info.Path}, paths)

	err = m.AddToStoreNar(ctx, info, bytes.NewReader([]byte("garbage!")), false, true)
	require.Error(t, err)
}

func TestMemoryAddToStoreFlat(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := newTestMemory()
	vpi, err := m.AddToStore(ctx, "note.txt", "text:sha256", nil, false, bytes.NewReader([]byte("hello\n")))
	require.NoError(t, err)
	require.Contains(t, vpi.Info.CA, "text:sha256:")

	rc, err := m.NarFromPath(ctx, vpi.Path)
	require.NoError(t, err)
	tree, err := archive.ReadTree(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("hello\n"), tree.Contents)

	_, err = m.AddToStore(ctx, "x", "fixed:r:sha256", nil, false, bytes.NewReader([]byte("not an archive")))
	require.Error(t, err)
}

func TestMemoryBuildEmitsActivities(t *testing.T) {
	testlog.Start(t)
	rec := &activity.Recorder{}
	ctx := activity.WithSink(context.Background(), rec)
	m := newTestMemory()
	out := MustParse(helloBase)
	drvPath := MustParse(drvBase)

	res, err := m.BuildDerivation(ctx, drvPath, sampleDrv(out), BuildNormal)
	require.NoError(t, err)
	require.Equal(t, Built, res.Status)
	require.Equal(t, uint64(1), res.TimesBuilt)
	require.Len(t, res.BuiltOutputs, 1)
	require.Equal(t, out, res.BuiltOutputs[0].OutPath)

	msgs := rec.Messages()
	require.Len(t, msgs, 3)
	start, ok := msgs[0].(*activity.Start)
	require.True(t, ok)
	require.Equal(t, activity.ActBuild, start.Type)
	result, ok := msgs[1].(*activity.Result)
	require.True(t, ok)
	require.Equal(t, start.ID, result.ID)
	require.Equal(t, activity.ResBuildLogLine, result.Type)
	stop, ok := msgs[2].(*activity.Stop)
	require.True(t, ok)
	require.Equal(t, start.ID, stop.ID)

	info, err := m.QueryPathInfo(ctx, out)
	require.NoError(t, err)
	require.Equal(t, drvPath, *info.Deriver)
	derivers, err := m.QueryValidDerivers(ctx, out)
	require.NoError(t, err)
	require.Equal(t, []StorePath{drvPath}, derivers)

	log, ok := m.BuildLog(drvPath)
	require.True(t, ok)
	require.Contains(t, string(log), "installing output out")

	again, err := m.BuildDerivation(ctx, drvPath, sampleDrv(out), BuildNormal)
	require.NoError(t, err)
	require.Equal(t, AlreadyValid, again.Status)

	checked, err := m.BuildDerivation(ctx, drvPath, sampleDrv(out), BuildCheck)
	require.NoError(t, err)
	require.Equal(t, Built, checked.Status)
}

func TestMemoryBuildFailureAndCheck(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	calls := 0
	m := newTestMemory(WithBuilder(func(_ context.Context, _ StorePath, _ BasicDerivation, o DerivationOutput) (*archive.Node, error) {
		calls++
		if calls == 3 {
			return nil, errors.New("exit status 1")
		}
		return archive.File([]byte{byte(calls)}, false), nil
	}))
	out := MustParse(helloBase)
	drvPath := MustParse(drvBase)
	m.AddDerivation(drvPath, sampleDrv(out))

	require.NoError(t, m.BuildPaths(ctx, []DerivedPath{BuiltOutputs(drvPath, AllOutputs())}, BuildNormal))

	results, err := m.BuildPathsWithResults(ctx, []DerivedPath{BuiltOutputs(drvPath, Outputs("out"))}, BuildCheck)
	require.NoError(t, err)
	require.Equal(t, NotDeterministic, results[0].Result.Status)
	require.True(t, results[0].Result.IsNonDeterministic)

	err = m.BuildPaths(ctx, []DerivedPath{BuiltOutputs(drvPath, AllOutputs())}, BuildRepair)
	require.ErrorIs(t, err, ErrBuildFailed)

	results, err = m.BuildPathsWithResults(ctx, []DerivedPath{
		Opaque(out),
		Opaque(MustParse("00000000000000000000000000000000-missing")),
		BuiltOutputs(drvPath, Outputs("dev")),
	}, BuildNormal)
	require.NoError(t, err)
	require.Equal(t, AlreadyValid, results[0].Result.Status)
	require.Equal(t, NoSubstituters, results[1].Result.Status)
	require.Equal(t, MiscFailure, results[2].Result.Status)
}

func TestMemoryQueryMissing(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := newTestMemory()
	out := MustParse(helloBase)
	drvPath := MustParse(drvBase)
	m.AddDerivation(drvPath, sampleDrv(out))
	unknownPath := MustParse("00000000000000000000000000000000-unknown")

	res, err := m.QueryMissing(ctx, []DerivedPath{BuiltOutputs(drvPath, AllOutputs()), Opaque(unknownPath)})
	require.NoError(t, err)
	require.Equal(t, []StorePath{drvPath}, res.WillBuild)
	require.Equal(t, []StorePath{unknownPath}, res.Unknown)
	require.Empty(t, res.WillSubstitute)

	outputs, err := m.QueryDerivationOutputMap(ctx, drvPath)
	require.NoError(t, err)
	require.Equal(t, "out", outputs[0].Name)
	_, err = m.QueryDerivationOutputMap(ctx, unknownPath)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGarbageCollection(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := newTestMemory()
	dep, err := m.AddTree(ctx, "dep", archive.File([]byte("dep"), false), nil)
	require.NoError(t, err)
	top, err := m.AddTree(ctx, "top", archive.File([]byte("top"), false), []StorePath{dep.Path})
	require.NoError(t, err)
	garbage, err := m.AddTree(ctx, "garbage", archive.File([]byte("junk"), false), nil)
	require.NoError(t, err)

	link := filepath.Join(t.TempDir(), "result")
	got, err := m.AddPermRoot(ctx, top.Path, link)
	require.NoError(t, err)
	require.Equal(t, link, got)

	roots, err := m.FindRoots(ctx)
	require.NoError(t, err)
	require.Equal(t, []Root{{Link: link, Path: top.Path}}, roots)

	live, err := m.CollectGarbage(ctx, GCOptions{Action: GCReturnLive})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{top.Path.Full(DefaultDir), dep.Path.Full(DefaultDir)}, live.Paths)

	_, err = m.CollectGarbage(ctx, GCOptions{Action: GCDeleteSpecific, PathsToDelete: []StorePath{dep.Path}})
	require.Error(t, err)

	res, err := m.CollectGarbage(ctx, GCOptions{Action: GCDeleteDead})
	require.NoError(t, err)
	require.Equal(t, []string{garbage.Path.Full(DefaultDir)}, res.Paths)
	require.Equal(t, garbage.Info.NarSize, res.BytesFreed)

	ok, err := m.IsValidPath(ctx, garbage.Path)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIndirectRoots(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := newTestMemory()
	kept, err := m.AddTree(ctx, "kept", archive.File([]byte("k"), false), nil)
	require.NoError(t, err)

	link := filepath.Join(t.TempDir(), "gcroot")
	require.NoError(t, os.Symlink(kept.Path.Full(DefaultDir), link))
	require.NoError(t, m.AddIndirectRoot(ctx, link))

	dead, err := m.CollectGarbage(ctx, GCOptions{Action: GCReturnDead})
	require.NoError(t, err)
	require.Empty(t, dead.Paths)

	require.NoError(t, os.Remove(link))
	dead, err = m.CollectGarbage(ctx, GCOptions{Action: GCReturnDead})
	require.NoError(t, err)
	require.Equal(t, []string{kept.Path.Full(DefaultDir)}, dead.Paths)

	require.NoError(t, m.AddTempRoot(ctx, kept.Path))
	roots, err := m.FindRoots(ctx)
	require.NoError(t, err)
	require.Equal(t, []Root{{Link: tempRootLink, Path: kept.Path}}, roots)
}

func TestMemoryVerifyAndSignatures(t *testing.T) {
	testlog.Start(t)
	rec := &activity.Recorder{}
	ctx := activity.WithSink(context.Background(), rec)
	m := newTestMemory()
	vpi, err := m.AddTree(ctx, "v", archive.File([]byte("v"), false), nil)
	require.NoError(t, err)

	bad, err := m.VerifyStore(ctx, true, false)
	require.NoError(t, err)
	require.False(t, bad)

	m.corrupt(vpi.Path, narOf(t, archive.File([]byte("w"), false)))
	bad, err = m.VerifyStore(ctx, true, false)
	require.NoError(t, err)
	require.True(t, bad)

	bad, err = m.VerifyStore(ctx, true, true)
	require.NoError(t, err)
	require.False(t, bad)
	bad, err = m.VerifyStore(ctx, true, false)
	require.NoError(t, err)
	require.False(t, bad)

	require.NoError(t, m.AddSignatures(ctx, vpi.Path, []string{"k:1", "k:2"}))
	require.NoError(t, m.AddSignatures(ctx, vpi.Path, []string{"k:2"}))
	info, err := m.QueryPathInfo(ctx, vpi.Path)
	require.NoError(t, err)
	require.Equal(t, []string{"k:1", "k:2"}, info.Signatures)
	require.ErrorIs(t, m.AddSignatures(ctx, MustParse(helloBase), []string{"k:3"}), ErrNotFound)

	require.NoError(t, m.AddBuildLog(ctx, MustParse(drvBase), bytes.NewReader([]byte("log text"))))
	log, ok := m.BuildLog(MustParse(drvBase))
	require.True(t, ok)
	require.Equal(t, "log text", string(log))

	require.NoError(t, m.OptimiseStore(ctx))
	var corrupted int
	for _, msg := range rec.Messages() {
		if r, ok := msg.(*activity.Result); ok && r.Type == activity.ResCorruptedPath {
			corrupted++
		}
	}
	require.Equal(t, 2, corrupted)
}

func TestMemoryMultipleAndOptions(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	m := newTestMemory()
	a := narOf(t, archive.File([]byte("a"), false))
	b := narOf(t, archive.File([]byte("b"), false))
	infos := []ValidPathInfo{
		{Path: MustParse("00000000000000000000000000000000-a"), Info: PathInfo{NarHash: NarHash(sha256.Sum256(a))}},
		{Path: MustParse("11111111111111111111111111111111-b"), Info: PathInfo{
			NarHash:    NarHash(sha256.Sum256(b)),
			References: []StorePath{MustParse("00000000000000000000000000000000-a")},
		}},
	}
	src := &sliceSource{infos: infos, nars: [][]byte{a, b}}
	require.NoError(t, m.AddMultipleToStore(ctx, src, false, false))

	all, err := m.QueryAllValidPaths(ctx)
	require.NoError(t, err)
	require.Equal(t, []StorePath{infos[0].Path, infos[1].Path}, all)

	opts := DefaultClientOptions()
	opts.KeepGoing = true
	opts.Overrides = []Setting{{Name: "cores", Value: "4"}}
	require.NoError(t, m.SetOptions(ctx, opts))
	require.Equal(t, opts, m.Options())

	subs, err := m.QuerySubstitutablePaths(ctx, all)
	require.NoError(t, err)
	require.Empty(t, subs)
}

type sliceSource struct {
	infos []ValidPathInfo
	nars  [][]byte
}

func (s *sliceSource) Next() (ValidPathInfo, io.Reader, error) {
	if len(s.infos) == 0 {
		return ValidPathInfo{}, nil, io.EOF
	}
	info, nar := s.infos[0], s.nars[0]
	s.infos, s.nars = s.infos[1:], s.nars[1:]
	return info, bytes.NewReader(nar), nil
}
