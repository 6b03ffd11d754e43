package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/archive"
)

// Builder produces the tree of one derivation output.
type Builder func(ctx context.Context, drvPath StorePath, drv BasicDerivation, output DerivationOutput) (*archive.Node, error)

// EchoBuilder writes the builder invocation into a single file.
func EchoBuilder(_ context.Context, _ StorePath, drv BasicDerivation, output DerivationOutput) (*archive.Node, error) {
	line := strings.Join(append([]string{drv.Builder}, drv.Args...), " ")
	return archive.File([]byte(output.Name+": "+line+"\n"), false), nil
}

type memObject struct {
	info PathInfo
	nar  []byte
}

// Memory is a store kept entirely in memory. Builds run through a
// Builder function instead of a sandbox.
type Memory struct {
	dir         string
	now         func() time.Time
	builder     Builder
	requireSigs bool

	mu        sync.RWMutex
	objects   map[StorePath]*memObject
	drvs      map[StorePath]BasicDerivation
	logs      map[StorePath][]byte
	permRoots map[string]StorePath
	indirect  map[string]struct{}
	temp      map[StorePath]struct{}
	options   ClientOptions
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func WithBuilder(b Builder) MemoryOption {
	return func(m *Memory) { m.builder = b }
}

// RequireSignatures rejects imports without signatures unless the
// caller skips the check.
func RequireSignatures() MemoryOption {
	return func(m *Memory) { m.requireSigs = true }
}

func NewMemory(storeDir string, opts ...MemoryOption) *Memory {
	if storeDir == "" {
		storeDir = DefaultDir
	}
	m := &Memory{
		dir:       storeDir,
		now:       time.Now,
		builder:   EchoBuilder,
		objects:   make(map[StorePath]*memObject),
		drvs:      make(map[StorePath]BasicDerivation),
		logs:      make(map[StorePath][]byte),
		permRoots: make(map[string]StorePath),
		indirect:  make(map[string]struct{}),
		temp:      make(map[StorePath]struct{}),
		options:   DefaultClientOptions(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) StoreDir() string { return m.dir }

// Options returns the options last set by a client.
func (m *Memory) Options() ClientOptions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.options
}

// AddDerivation registers drv so BuildPaths can build its outputs.
func (m *Memory) AddDerivation(drvPath StorePath, drv BasicDerivation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drvs[drvPath] = drv
}

// AddTree adds a tree by content.
func (m *Memory) AddTree(ctx context.Context, name string, tree *archive.Node, refs []StorePath) (ValidPathInfo, error) {
	var buf bytes.Buffer
	if err := archive.WriteTree(&buf, tree); err != nil {
		return ValidPathInfo{}, err
	}
	return m.AddToStore(ctx, name, IngestRecursive.String(), refs, false, &buf)
}

// BuildLog returns the log stored for drvPath.
func (m *Memory) BuildLog(drvPath StorePath) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[drvPath]
	return log, ok
}

func (m *Memory) notFound(p StorePath) error {
	return fmt.Errorf("%w: %s", ErrNotFound, p.Full(m.dir))
}

func (m *Memory) IsValidPath(_ context.Context, p StorePath) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[p]
	return ok, nil
}

func (m *Memory) QueryPathInfo(_ context.Context, p StorePath) (*PathInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, nil
	}
	info := obj.info
	info.References = slices.Clone(info.References)
	info.Signatures = slices.Clone(info.Signatures)
	return &info, nil
}

func (m *Memory) NarFromPath(_ context.Context, p StorePath) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, m.notFound(p)
	}
	return io.NopCloser(bytes.NewReader(obj.nar)), nil
}

func (m *Memory) AddToStoreNar(_ context.Context, info ValidPathInfo, nar io.Reader, repair, dontCheckSigs bool) error {
	data, err := io.ReadAll(nar)
	if err != nil {
		return err
	}
	return m.importNar(info, data, repair, dontCheckSigs)
}

func (m *Memory) importNar(info ValidPathInfo, data []byte, repair, dontCheckSigs bool) error {
	if m.requireSigs && !dontCheckSigs && len(info.Info.Signatures) == 0 && info.Info.CA == "" {
		return fmt.Errorf("%w: %s lacks a signature", ErrPermissionDenied, info.Path.Full(m.dir))
	}
	if err := archive.Validate(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store: import %s: %w", info.Path.Full(m.dir), err)
	}
	if got := NarHash(sha256.Sum256(data)); got != info.Info.NarHash {
		return fmt.Errorf("%w: %s: got %s want %s", ErrHashMismatch, info.Path.Full(m.dir), got, info.Info.NarHash)
	}
	if info.Info.NarSize != 0 && info.Info.NarSize != uint64(len(data)) {
		return fmt.Errorf("%w: %s: size %d, declared %d", ErrHashMismatch, info.Path.Full(m.dir), len(data), info.Info.NarSize)
	}
	return m.put(info, data, repair)
}

func (m *Memory) put(info ValidPathInfo, nar []byte, repair bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[info.Path]; ok && !repair {
		return nil
	}
	for _, ref := range info.Info.References {
		if _, ok := m.objects[ref]; !ok && ref != info.Path {
			return fmt.Errorf("%w: reference %s of %s", ErrNotFound, ref.Full(m.dir), info.Path.Full(m.dir))
		}
	}
	pi := info.Info
	pi.References = slices.SortedFunc(slices.Values(pi.References), ComparePaths)
	pi.NarSize = uint64(len(nar))
	if pi.RegistrationTime == 0 {
		pi.RegistrationTime = m.now().Unix()
	}
	m.objects[info.Path] = &memObject{info: pi, nar: nar}
	return nil
}

func (m *Memory) AddMultipleToStore(_ context.Context, src NarSource, repair, dontCheckSigs bool) error {
	for {
		info, nar, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(nar)
		if err != nil {
			return err
		}
		if err := m.importNar(info, data, repair, dontCheckSigs); err != nil {
			return err
		}
	}
}

func (m *Memory) AddToStore(_ context.Context, name, method string, refs []StorePath, repair bool, data io.Reader) (ValidPathInfo, error) {
	im, err := ParseIngestion(method)
	if err != nil {
		return ValidPathInfo{}, err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return ValidPathInfo{}, err
	}
	nar := raw
	if im == IngestRecursive {
		if err := archive.Validate(bytes.NewReader(raw)); err != nil {
			return ValidPathInfo{}, err
		}
	} else {
		var buf bytes.Buffer
		if err := archive.WriteTree(&buf, archive.File(raw, false)); err != nil {
			return ValidPathInfo{}, err
		}
		nar = buf.Bytes()
	}
	contentHash := sha256.Sum256(raw)
	path, err := MakeContentAddressed(m.dir, im, contentHash, name, refs)
	if err != nil {
		return ValidPathInfo{}, err
	}
	info := ValidPathInfo{Path: path, Info: PathInfo{
		NarHash:    NarHash(sha256.Sum256(nar)),
		References: refs,
		NarSize:    uint64(len(nar)),
		Ultimate:   true,
		CA:         im.ContentAddress(contentHash),
	}}
	if err := m.put(info, nar, repair); err != nil {
		return ValidPathInfo{}, err
	}
	stored, _ := m.QueryPathInfo(context.Background(), path)
	info.Info = *stored
	return info, nil
}

func (m *Memory) SetOptions(_ context.Context, opts ClientOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options = opts
	return nil
}

func (m *Memory) QueryValidPaths(_ context.Context, paths []StorePath, _ bool) ([]StorePath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []StorePath{}
	for _, p := range paths {
		if _, ok := m.objects[p]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) QueryAllValidPaths(context.Context) ([]StorePath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(m.objects), ComparePaths), nil
}

func (m *Memory) QueryReferrers(_ context.Context, p StorePath) ([]StorePath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []StorePath{}
	for other, obj := range m.objects {
		if slices.Contains(obj.info.References, p) {
			out = append(out, other)
		}
	}
	slices.SortFunc(out, ComparePaths)
	return out, nil
}

func (m *Memory) QueryValidDerivers(_ context.Context, p StorePath) ([]StorePath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok || obj.info.Deriver == nil {
		return []StorePath{}, nil
	}
	drv := *obj.info.Deriver
	if _, known := m.drvs[drv]; !known {
		if _, valid := m.objects[drv]; !valid {
			return []StorePath{}, nil
		}
	}
	return []StorePath{drv}, nil
}

func (m *Memory) QueryPathFromHashPart(_ context.Context, hashPart string) (*StorePath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for p := range m.objects {
		if p.HashPart() == hashPart {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

// QuerySubstitutablePaths reports nothing: Memory has no substituters.
func (m *Memory) QuerySubstitutablePaths(context.Context, []StorePath) ([]StorePath, error) {
	return []StorePath{}, nil
}

func (m *Memory) QueryDerivationOutputMap(_ context.Context, drvPath StorePath) ([]DerivationOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	drv, ok := m.drvs[drvPath]
	if !ok {
		return nil, m.notFound(drvPath)
	}
	return slices.Clone(drv.Outputs), nil
}

func (m *Memory) QueryMissing(_ context.Context, paths []DerivedPath) (QueryMissingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	build := map[StorePath]struct{}{}
	unknown := map[StorePath]struct{}{}
	for _, dp := range paths {
		if dp.IsOpaque() {
			if _, ok := m.objects[dp.Path]; !ok {
				unknown[dp.Path] = struct{}{}
			}
			continue
		}
		drvPath := dp.Root()
		drv, ok := m.drvs[drvPath]
		if !ok || !dp.Drv.IsOpaque() {
			unknown[drvPath] = struct{}{}
			continue
		}
		outs, err := selectOutputs(drv, dp.Outputs)
		if err != nil {
			unknown[drvPath] = struct{}{}
			continue
		}
		for _, o := range outs {
			if o.Path == nil {
				build[drvPath] = struct{}{}
				break
			}
			if _, valid := m.objects[*o.Path]; !valid {
				build[drvPath] = struct{}{}
				break
			}
		}
	}
	return QueryMissingResult{
		WillBuild:      slices.SortedFunc(maps.Keys(build), ComparePaths),
		WillSubstitute: []StorePath{},
		Unknown:        slices.SortedFunc(maps.Keys(unknown), ComparePaths),
	}, nil
}

func selectOutputs(drv BasicDerivation, spec OutputSpec) ([]DerivationOutput, error) {
	if spec.All {
		return drv.Outputs, nil
	}
	out := make([]DerivationOutput, 0, len(spec.Names))
	for _, name := range spec.Names {
		i := slices.IndexFunc(drv.Outputs, func(o DerivationOutput) bool { return o.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("%w: derivation has no output %q", ErrInvalidDerived, name)
		}
		out = append(out, drv.Outputs[i])
	}
	return out, nil
}

func (m *Memory) BuildPaths(ctx context.Context, paths []DerivedPath, mode BuildMode) error {
	results, err := m.BuildPathsWithResults(ctx, paths, mode)
	if err != nil {
		return err
	}
	for _, kr := range results {
		if !kr.Result.Status.Success() {
			return fmt.Errorf("%w: %s", ErrBuildFailed, kr.Result.ErrorMsg)
		}
	}
	return nil
}

func (m *Memory) BuildPathsWithResults(ctx context.Context, paths []DerivedPath, mode BuildMode) ([]KeyedBuildResult, error) {
	out := make([]KeyedBuildResult, 0, len(paths))
	for _, dp := range paths {
		res, err := m.realise(ctx, dp, mode)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyedBuildResult{Path: dp, Result: res})
	}
	return out, nil
}

func (m *Memory) realise(ctx context.Context, dp DerivedPath, mode BuildMode) (BuildResult, error) {
	if dp.IsOpaque() {
		if ok, _ := m.IsValidPath(ctx, dp.Path); ok {
			return BuildResult{Status: AlreadyValid}, nil
		}
		return BuildResult{
			Status:   NoSubstituters,
			ErrorMsg: fmt.Sprintf("path '%s' is not valid and no substituter can provide it", dp.Path.Full(m.dir)),
		}, nil
	}
	if !dp.Drv.IsOpaque() {
		return BuildResult{}, fmt.Errorf("%w: dynamic derivation %s", ErrNotSupported, dp.Format(m.dir))
	}
	drvPath := dp.Root()
	m.mu.RLock()
	drv, ok := m.drvs[drvPath]
	m.mu.RUnlock()
	if !ok {
		return BuildResult{
			Status:   MiscFailure,
			ErrorMsg: fmt.Sprintf("derivation '%s' is unknown", drvPath.Full(m.dir)),
		}, nil
	}
	return m.build(ctx, drvPath, drv, dp.Outputs, mode)
}

func (m *Memory) BuildDerivation(ctx context.Context, drvPath StorePath, drv BasicDerivation, mode BuildMode) (BuildResult, error) {
	m.AddDerivation(drvPath, drv)
	return m.build(ctx, drvPath, drv, AllOutputs(), mode)
}

func (m *Memory) realisation(drvPath StorePath, o DerivationOutput) Realisation {
	sum := sha256.Sum256([]byte(drvPath.String()))
	return Realisation{
		ID:      DrvOutput{DrvHash: "sha256:" + hex.EncodeToString(sum[:]), OutputName: o.Name},
		OutPath: *o.Path,
	}
}

func (m *Memory) build(ctx context.Context, drvPath StorePath, drv BasicDerivation, spec OutputSpec, mode BuildMode) (BuildResult, error) {
	outs, err := selectOutputs(drv, spec)
	if err != nil {
		return BuildResult{Status: MiscFailure, ErrorMsg: err.Error()}, nil
	}
	outs = slices.SortedFunc(slices.Values(outs), func(a, b DerivationOutput) int { return strings.Compare(a.Name, b.Name) })
	for _, o := range outs {
		if o.Path == nil {
			return BuildResult{
				Status:   MiscFailure,
				ErrorMsg: fmt.Sprintf("output '%s' of '%s' has no known path", o.Name, drvPath.Full(m.dir)),
			}, nil
		}
	}

	existing := map[StorePath][]byte{}
	m.mu.RLock()
	for _, o := range outs {
		if obj, ok := m.objects[*o.Path]; ok {
			existing[*o.Path] = obj.nar
		}
	}
	m.mu.RUnlock()
	if mode == BuildNormal && len(existing) == len(outs) {
		res := BuildResult{Status: AlreadyValid}
		for _, o := range outs {
			res.BuiltOutputs = append(res.BuiltOutputs, m.realisation(drvPath, o))
		}
		return res, nil
	}

	full := drvPath.Full(m.dir)
	act, err := activity.Begin(ctx, activity.VerbosityInfo, activity.ActBuild, fmt.Sprintf("building '%s'", full),
		activity.String(full), activity.String(""), activity.Int(1), activity.Int(1))
	if err != nil {
		return BuildResult{}, err
	}
	defer act.End()

	start := m.now()
	res := BuildResult{Status: Built, TimesBuilt: 1, StartTime: start.Unix()}
	var log bytes.Buffer
	for _, o := range outs {
		node, err := m.builder(activity.WithParent(ctx, act), drvPath, drv, o)
		if err != nil {
			line := fmt.Sprintf("builder for '%s' failed: %v", full, err)
			_ = act.Result(activity.ResBuildLogLine, activity.String(line))
			log.WriteString(line + "\n")
			res.Status = PermanentFailure
			res.ErrorMsg = line
			break
		}
		var nar bytes.Buffer
		if err := archive.WriteTree(&nar, node); err != nil {
			return BuildResult{}, err
		}
		if old, ok := existing[*o.Path]; ok && mode == BuildCheck && !bytes.Equal(old, nar.Bytes()) {
			res.Status = NotDeterministic
			res.IsNonDeterministic = true
			res.ErrorMsg = fmt.Sprintf("output '%s' of '%s' differs from the previous build", o.Name, full)
			break
		}
		line := fmt.Sprintf("installing output %s to %s", o.Name, o.Path.Full(m.dir))
		if err := act.Result(activity.ResBuildLogLine, activity.String(line)); err != nil {
			return BuildResult{}, err
		}
		log.WriteString(line + "\n")
		info := ValidPathInfo{Path: *o.Path, Info: PathInfo{
			Deriver:  &drvPath,
			NarHash:  NarHash(sha256.Sum256(nar.Bytes())),
			Ultimate: true,
		}}
		if err := m.put(info, nar.Bytes(), mode != BuildNormal); err != nil {
			return BuildResult{}, err
		}
		res.BuiltOutputs = append(res.BuiltOutputs, m.realisation(drvPath, o))
	}
	res.StopTime = m.now().Unix()

	m.mu.Lock()
	m.logs[drvPath] = log.Bytes()
	m.mu.Unlock()
	if !res.Status.Success() {
		res.BuiltOutputs = nil
	}
	return res, nil
}

func (m *Memory) EnsurePath(ctx context.Context, p StorePath) error {
	if ok, _ := m.IsValidPath(ctx, p); !ok {
		return m.notFound(p)
	}
	return nil
}

func (m *Memory) AddTempRoot(_ context.Context, p StorePath) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temp[p] = struct{}{}
	return nil
}

func (m *Memory) AddIndirectRoot(_ context.Context, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indirect[link] = struct{}{}
	return nil
}

func (m *Memory) AddPermRoot(ctx context.Context, p StorePath, link string) (string, error) {
	if err := m.EnsurePath(ctx, p); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permRoots[link] = p
	return link, nil
}

// tempRootLink is the link reported for temporary roots.
const tempRootLink = "{temp}"

func (m *Memory) FindRoots(context.Context) ([]Root, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roots(), nil
}

// roots requires m.mu held. Indirect roots count while their link still
// resolves into the store.
func (m *Memory) roots() []Root {
	var out []Root
	for link, p := range m.permRoots {
		out = append(out, Root{Link: link, Path: p})
	}
	for link := range m.indirect {
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if p, err := ParseStorePath(m.dir, target); err == nil {
			out = append(out, Root{Link: link, Path: p})
		}
	}
	for p := range m.temp {
		out = append(out, Root{Link: tempRootLink, Path: p})
	}
	slices.SortFunc(out, func(a, b Root) int {
		if c := strings.Compare(a.Link, b.Link); c != 0 {
			return c
		}
		return a.Path.Compare(b.Path)
	})
	return out
}

// live requires m.mu held.
func (m *Memory) live() map[StorePath]struct{} {
	seen := map[StorePath]struct{}{}
	var queue []StorePath
	for _, r := range m.roots() {
		queue = append(queue, r.Path)
	}
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := seen[p]; ok {
			continue
		}
		obj, ok := m.objects[p]
		if !ok {
			continue
		}
		seen[p] = struct{}{}
		queue = append(queue, obj.info.References...)
	}
	return seen
}

func (m *Memory) CollectGarbage(_ context.Context, opts GCOptions) (GCResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.live()
	res := GCResult{Paths: []string{}}
	var dead []StorePath
	for p := range m.objects {
		if _, ok := live[p]; !ok {
			dead = append(dead, p)
		}
	}
	slices.SortFunc(dead, ComparePaths)

	switch opts.Action {
	case GCReturnLive:
		for _, p := range slices.SortedFunc(maps.Keys(live), ComparePaths) {
			res.Paths = append(res.Paths, p.Full(m.dir))
		}
		return res, nil
	case GCReturnDead:
		for _, p := range dead {
			res.Paths = append(res.Paths, p.Full(m.dir))
		}
		return res, nil
	case GCDeleteDead:
		m.deletePaths(dead, opts.MaxFreed, &res)
		return res, nil
	case GCDeleteSpecific:
		doomed := map[StorePath]struct{}{}
		for _, p := range opts.PathsToDelete {
			if _, ok := m.objects[p]; !ok {
				continue
			}
			if _, ok := live[p]; ok && !opts.IgnoreLiveness {
				return GCResult{}, fmt.Errorf("store: cannot delete path '%s' since it is still alive", p.Full(m.dir))
			}
			doomed[p] = struct{}{}
		}
		for p := range doomed {
			for other, obj := range m.objects {
				if _, also := doomed[other]; also || other == p {
					continue
				}
				if slices.Contains(obj.info.References, p) {
					return GCResult{}, fmt.Errorf("store: cannot delete path '%s' because it is referenced by '%s'", p.Full(m.dir), other.Full(m.dir))
				}
			}
		}
		m.deletePaths(slices.SortedFunc(maps.Keys(doomed), ComparePaths), opts.MaxFreed, &res)
		return res, nil
	}
	return GCResult{}, fmt.Errorf("%w: gc action %d", ErrNotSupported, opts.Action)
}

// deletePaths requires m.mu held.
func (m *Memory) deletePaths(paths []StorePath, maxFreed uint64, res *GCResult) {
	for _, p := range paths {
		if maxFreed > 0 && res.BytesFreed >= maxFreed {
			return
		}
		obj := m.objects[p]
		delete(m.objects, p)
		delete(m.temp, p)
		res.Paths = append(res.Paths, p.Full(m.dir))
		res.BytesFreed += uint64(len(obj.nar))
	}
}

func (m *Memory) OptimiseStore(ctx context.Context) error {
	act, err := activity.Begin(ctx, activity.VerbosityInfo, activity.ActOptimiseStore, "optimising store")
	if err != nil {
		return err
	}
	return act.End()
}

func (m *Memory) VerifyStore(ctx context.Context, checkContents, repair bool) (bool, error) {
	act, err := activity.Begin(ctx, activity.VerbosityInfo, activity.ActVerifyPaths, "verifying store paths")
	if err != nil {
		return false, err
	}
	defer act.End()
	if !checkContents {
		return false, nil
	}

	type corrupt struct {
		path StorePath
		sum  NarHash
	}
	var bad []corrupt
	m.mu.RLock()
	for p, obj := range m.objects {
		if sum := NarHash(sha256.Sum256(obj.nar)); sum != obj.info.NarHash {
			bad = append(bad, corrupt{path: p, sum: sum})
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(bad, func(a, b corrupt) int { return a.path.Compare(b.path) })

	for _, c := range bad {
		if err := act.Result(activity.ResCorruptedPath, activity.String(c.path.Full(m.dir))); err != nil {
			return false, err
		}
	}
	if repair && len(bad) > 0 {
		// Without a substituter the only repair is trusting the contents.
		m.mu.Lock()
		for _, c := range bad {
			if obj, ok := m.objects[c.path]; ok {
				obj.info.NarHash = c.sum
			}
		}
		m.mu.Unlock()
		return false, nil
	}
	return len(bad) > 0, nil
}

func (m *Memory) AddSignatures(_ context.Context, p StorePath, sigs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[p]
	if !ok {
		return m.notFound(p)
	}
	for _, s := range sigs {
		if !slices.Contains(obj.info.Signatures, s) {
			obj.info.Signatures = append(obj.info.Signatures, s)
		}
	}
	return nil
}

func (m *Memory) AddBuildLog(_ context.Context, drvPath StorePath, log io.Reader) error {
	data, err := io.ReadAll(log)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[drvPath] = data
	return nil
}

var (
	_ Store            = (*Memory)(nil)
	_ OptionSetter     = (*Memory)(nil)
	_ PathQuerier      = (*Memory)(nil)
	_ BatchAdder       = (*Memory)(nil)
	_ ResultBuilder    = (*Memory)(nil)
	_ RootManager      = (*Memory)(nil)
	_ Maintainer       = (*Memory)(nil)
	_ GarbageCollector = (*Memory)(nil)
	_ ContentAdder     = (*Memory)(nil)
)
