package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/archive"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/codec"
	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/store"
)

type handler func(ctx context.Context, c *conn) error

var handlers = map[protocol.Op]handler{
	protocol.OpIsValidPath:              opIsValidPath,
	protocol.OpQueryReferrers:           opQueryReferrers,
	protocol.OpAddToStore:               opAddToStore,
	protocol.OpBuildPaths:               opBuildPaths,
	protocol.OpEnsurePath:               opEnsurePath,
	protocol.OpAddTempRoot:              opAddTempRoot,
	protocol.OpAddIndirectRoot:          opAddIndirectRoot,
	protocol.OpFindRoots:                opFindRoots,
	protocol.OpSetOptions:               opSetOptions,
	protocol.OpCollectGarbage:           opCollectGarbage,
	protocol.OpQueryAllValidPaths:       opQueryAllValidPaths,
	protocol.OpQueryPathInfo:            opQueryPathInfo,
	protocol.OpQueryPathFromHashPart:    opQueryPathFromHashPart,
	protocol.OpQueryValidPaths:          opQueryValidPaths,
	protocol.OpQuerySubstitutablePaths:  opQuerySubstitutablePaths,
	protocol.OpQueryValidDerivers:       opQueryValidDerivers,
	protocol.OpOptimiseStore:            opOptimiseStore,
	protocol.OpVerifyStore:              opVerifyStore,
	protocol.OpBuildDerivation:          opBuildDerivation,
	protocol.OpAddSignatures:            opAddSignatures,
	protocol.OpNarFromPath:              opNarFromPath,
	protocol.OpAddToStoreNar:            opAddToStoreNar,
	protocol.OpQueryMissing:             opQueryMissing,
	protocol.OpQueryDerivationOutputMap: opQueryDerivationOutputMap,
	protocol.OpAddMultipleToStore:       opAddMultipleToStore,
	protocol.OpAddBuildLog:              opAddBuildLog,
	protocol.OpBuildPathsWithResults:    opBuildPathsWithResults,
	protocol.OpAddPermRoot:              opAddPermRoot,
}

// pathQuery is the shape shared by operations taking one store path and
// answering with a path set.
func pathQuery(ctx context.Context, c *conn, query func(ctx context.Context, q store.PathQuerier, p store.StorePath) ([]store.StorePath, error)) error {
	path, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var out []store.StorePath
	return c.run(ctx, func(ctx context.Context) error {
		q, err := capability[store.PathQuerier](c)
		if err != nil {
			return err
		}
		out, err = query(ctx, q, path)
		return err
	}, replyWith(storePathSetCodec, &out))
}

func opIsValidPath(ctx context.Context, c *conn) error {
	path, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var valid bool
	return c.run(ctx, func(ctx context.Context) error {
		valid, err = c.srv.store.IsValidPath(ctx, path)
		return err
	}, replyWith(codec.Bool, &valid))
}

func opQueryReferrers(ctx context.Context, c *conn) error {
	return pathQuery(ctx, c, func(ctx context.Context, q store.PathQuerier, p store.StorePath) ([]store.StorePath, error) {
		return q.QueryReferrers(ctx, p)
	})
}

func opQueryValidDerivers(ctx context.Context, c *conn) error {
	return pathQuery(ctx, c, func(ctx context.Context, q store.PathQuerier, p store.StorePath) ([]store.StorePath, error) {
		return q.QueryValidDerivers(ctx, p)
	})
}

func opQueryAllValidPaths(ctx context.Context, c *conn) error {
	var out []store.StorePath
	return c.run(ctx, func(ctx context.Context) error {
		q, err := capability[store.PathQuerier](c)
		if err != nil {
			return err
		}
		out, err = q.QueryAllValidPaths(ctx)
		return err
	}, replyWith(storePathSetCodec, &out))
}

func opQueryValidPaths(ctx context.Context, c *conn) error {
	paths, err := decode(c, storePathSetCodec)
	if err != nil {
		return err
	}
	substitute := false
	if c.session.Version.AtLeast(27) {
		if substitute, err = c.r.ReadBool(); err != nil {
			return err
		}
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var out []store.StorePath
	return c.run(ctx, func(ctx context.Context) error {
		q, err := capability[store.PathQuerier](c)
		if err != nil {
			return err
		}
		out, err = q.QueryValidPaths(ctx, paths, substitute)
		return err
	}, replyWith(storePathSetCodec, &out))
}

func opQuerySubstitutablePaths(ctx context.Context, c *conn) error {
	paths, err := decode(c, storePathSetCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var out []store.StorePath
	return c.run(ctx, func(ctx context.Context) error {
		q, err := capability[store.PathQuerier](c)
		if err != nil {
			return err
		}
		out, err = q.QuerySubstitutablePaths(ctx, paths)
		return err
	}, replyWith(storePathSetCodec, &out))
}

func opQueryPathInfo(ctx context.Context, c *conn) error {
	path, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var info *store.PathInfo
	return c.run(ctx, func(ctx context.Context) error {
		info, err = c.srv.store.QueryPathInfo(ctx, path)
		return err
	}, replyWith(queryPathInfoCodec, &info))
}

func opQueryPathFromHashPart(ctx context.Context, c *conn) error {
	hashPart, err := c.r.ReadString()
	if err != nil {
		return err
	}
	var found *store.StorePath
	return c.run(ctx, func(ctx context.Context) error {
		q, err := capability[store.PathQuerier](c)
		if err != nil {
			return err
		}
		found, err = q.QueryPathFromHashPart(ctx, hashPart)
		return err
	}, replyWith(optStorePathCodec, &found))
}

func opQueryDerivationOutputMap(ctx context.Context, c *conn) error {
	drvPath, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var outputs []store.DerivationOutput
	return c.run(ctx, func(ctx context.Context) error {
		q, err := capability[store.PathQuerier](c)
		if err != nil {
			return err
		}
		outputs, err = q.QueryDerivationOutputMap(ctx, drvPath)
		return err
	}, replyWith(outputMapCodec, &outputs))
}

func opQueryMissing(ctx context.Context, c *conn) error {
	paths, err := decode(c, derivedPathListCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var res store.QueryMissingResult
	return c.run(ctx, func(ctx context.Context) error {
		res, err = c.srv.store.QueryMissing(ctx, paths)
		return err
	}, replyWith(queryMissingCodec, &res))
}

func opBuildPaths(ctx context.Context, c *conn) error {
	paths, mode, err := decodeBuildRequest(c)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	if mode == store.BuildRepair && !c.trusted() {
		return c.reject(fmt.Errorf("%w: repairing is not allowed for untrusted users", store.ErrPermissionDenied))
	}
	return c.run(ctx, func(ctx context.Context) error {
		return c.srv.store.BuildPaths(ctx, paths, mode)
	}, replyOne)
}

func opBuildPathsWithResults(ctx context.Context, c *conn) error {
	paths, mode, err := decodeBuildRequest(c)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	if mode == store.BuildRepair && !c.trusted() {
		return c.reject(fmt.Errorf("%w: repairing is not allowed for untrusted users", store.ErrPermissionDenied))
	}
	var results []store.KeyedBuildResult
	return c.run(ctx, func(ctx context.Context) error {
		rb, err := capability[store.ResultBuilder](c)
		if err != nil {
			return err
		}
		results, err = rb.BuildPathsWithResults(ctx, paths, mode)
		return err
	}, replyWith(keyedBuildResultsCodec, &results))
}

func decodeBuildRequest(c *conn) ([]store.DerivedPath, store.BuildMode, error) {
	paths, err := decode(c, derivedPathListCodec)
	if err != nil {
		return nil, 0, err
	}
	mode, err := decode(c, buildModeCodec)
	if err != nil {
		return nil, 0, err
	}
	return paths, mode, nil
}

func opBuildDerivation(ctx context.Context, c *conn) error {
	drvPath, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	drv, err := decode(c, basicDerivationCodec)
	if err != nil {
		return err
	}
	mode, err := decode(c, buildModeCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	if !c.trusted() {
		if mode == store.BuildRepair {
			return c.reject(fmt.Errorf("%w: repairing is not allowed for untrusted users", store.ErrPermissionDenied))
		}
		if !drv.IsFixedOutput() {
			return c.reject(fmt.Errorf("%w: you are not privileged to build input-addressed derivations", store.ErrPermissionDenied))
		}
	}
	var res store.BuildResult
	return c.run(ctx, func(ctx context.Context) error {
		res, err = c.srv.store.BuildDerivation(ctx, drvPath, drv, mode)
		return err
	}, replyWith(buildResultCodec, &res))
}

// rootOp is the shape of the root operations taking one store path and
// answering with 1.
func rootOp(ctx context.Context, c *conn, fn func(ctx context.Context, rm store.RootManager, p store.StorePath) error) error {
	path, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	return c.run(ctx, func(ctx context.Context) error {
		rm, err := capability[store.RootManager](c)
		if err != nil {
			return err
		}
		return fn(ctx, rm, path)
	}, replyOne)
}

func opEnsurePath(ctx context.Context, c *conn) error {
	return rootOp(ctx, c, func(ctx context.Context, rm store.RootManager, p store.StorePath) error {
		return rm.EnsurePath(ctx, p)
	})
}

func opAddTempRoot(ctx context.Context, c *conn) error {
	return rootOp(ctx, c, func(ctx context.Context, rm store.RootManager, p store.StorePath) error {
		return rm.AddTempRoot(ctx, p)
	})
}

func opAddIndirectRoot(ctx context.Context, c *conn) error {
	link, err := c.r.ReadString()
	if err != nil {
		return err
	}
	return c.run(ctx, func(ctx context.Context) error {
		rm, err := capability[store.RootManager](c)
		if err != nil {
			return err
		}
		return rm.AddIndirectRoot(ctx, link)
	}, replyOne)
}

func opAddPermRoot(ctx context.Context, c *conn) error {
	path, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	link, err := c.r.ReadString()
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var root string
	return c.run(ctx, func(ctx context.Context) error {
		rm, err := capability[store.RootManager](c)
		if err != nil {
			return err
		}
		root, err = rm.AddPermRoot(ctx, path, link)
		return err
	}, replyWith(codec.String, &root))
}

func opFindRoots(ctx context.Context, c *conn) error {
	var roots []store.Root
	return c.run(ctx, func(ctx context.Context) error {
		rm, err := capability[store.RootManager](c)
		if err != nil {
			return err
		}
		roots, err = rm.FindRoots(ctx)
		return err
	}, replyWith(rootsCodec, &roots))
}

func opCollectGarbage(ctx context.Context, c *conn) error {
	opts, err := decode(c, gcOptionsCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var res store.GCResult
	return c.run(ctx, func(ctx context.Context) error {
		gc, err := capability[store.GarbageCollector](c)
		if err != nil {
			return err
		}
		res, err = gc.CollectGarbage(ctx, opts)
		return err
	}, replyWith(gcResultCodec, &res))
}

// untrustedSettings may be overridden by any client.
var untrustedSettings = map[string]bool{
	"build-timeout":   true,
	"max-silent-time": true,
	"poll-interval":   true,
	"connect-timeout": true,
}

func settingAllowed(s store.Setting) bool {
	return untrustedSettings[s.Name] || (s.Name == "builders" && s.Value == "")
}

func opSetOptions(ctx context.Context, c *conn) error {
	opts, err := decode(c, clientOptionsCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	return c.run(ctx, func(ctx context.Context) error {
		if !c.trusted() {
			kept := opts.Overrides[:0:0]
			for _, s := range opts.Overrides {
				if settingAllowed(s) {
					kept = append(kept, s)
					continue
				}
				msg := fmt.Sprintf("ignoring the client-specified setting '%s', because it is a restricted setting and you are not a trusted user", s.Name)
				if err := activity.Log(ctx, activity.VerbosityWarn, msg); err != nil {
					return err
				}
			}
			opts.Overrides = kept
		}
		c.options = opts
		if setter, ok := c.srv.store.(store.OptionSetter); ok {
			return setter.SetOptions(ctx, opts)
		}
		return nil
	}, nil)
}

func opOptimiseStore(ctx context.Context, c *conn) error {
	return c.run(ctx, func(ctx context.Context) error {
		m, err := capability[store.Maintainer](c)
		if err != nil {
			return err
		}
		return m.OptimiseStore(ctx)
	}, replyOne)
}

func opVerifyStore(ctx context.Context, c *conn) error {
	checkContents, err := c.r.ReadBool()
	if err != nil {
		return err
	}
	repair, err := c.r.ReadBool()
	if err != nil {
		return err
	}
	if repair && !c.trusted() {
		return c.reject(fmt.Errorf("%w: you are not privileged to repair paths", store.ErrPermissionDenied))
	}
	var corrupted bool
	return c.run(ctx, func(ctx context.Context) error {
		m, err := capability[store.Maintainer](c)
		if err != nil {
			return err
		}
		corrupted, err = m.VerifyStore(ctx, checkContents, repair)
		return err
	}, replyWith(codec.Bool, &corrupted))
}

func opAddSignatures(ctx context.Context, c *conn) error {
	path, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	sigs, err := decode(c, stringSetCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	if !c.trusted() {
		return c.reject(fmt.Errorf("%w: you are not privileged to add signatures", store.ErrPermissionDenied))
	}
	return c.run(ctx, func(ctx context.Context) error {
		m, err := capability[store.Maintainer](c)
		if err != nil {
			return err
		}
		return m.AddSignatures(ctx, path, sigs)
	}, replyOne)
}

func opNarFromPath(ctx context.Context, c *conn) error {
	path, err := decode(c, storePathCodec)
	if err != nil {
		return err
	}
	if ok, err := c.argsOK(); !ok {
		return err
	}
	var nar io.ReadCloser
	return c.run(ctx, func(ctx context.Context) error {
		nar, err = c.srv.store.NarFromPath(ctx, path)
		return err
	}, func(w *wire.Writer) error {
		defer nar.Close()
		_, err := io.Copy(w, nar)
		return err
	})
}

// drainOnExit wraps a streamed-input operation so the rest of the
// stream is consumed before the reply. A stream that cannot be drained
// ends the connection.
func drainOnExit(fr *wire.FramedReader, err error) error {
	if derr := fr.Drain(); derr != nil {
		return &streamError{err: derr}
	}
	return err
}

func opAddToStoreNar(ctx context.Context, c *conn) error {
	info, err := decode(c, validPathInfoCodec)
	if err != nil {
		return err
	}
	repair, err := c.r.ReadBool()
	if err != nil {
		return err
	}
	dontCheckSigs, err := c.r.ReadBool()
	if err != nil {
		return err
	}
	argErr := c.r.TakeDeferred()
	if argErr == nil && dontCheckSigs && !c.trusted() {
		argErr = fmt.Errorf("%w: you are not privileged to skip signature checks", store.ErrPermissionDenied)
	}

	if !c.session.Version.AtLeast(23) {
		return c.run(ctx, func(ctx context.Context) error {
			var buf bytes.Buffer
			if _, err := archive.Copy(&buf, &pullReader{c: c}); err != nil {
				return &streamError{err: err}
			}
			if argErr != nil {
				return argErr
			}
			return c.srv.store.AddToStoreNar(ctx, info, &buf, repair, dontCheckSigs)
		}, nil)
	}

	fr := wire.NewFramedReader(c.r)
	return c.run(ctx, func(ctx context.Context) error {
		if argErr != nil {
			return drainOnExit(fr, argErr)
		}
		return drainOnExit(fr, c.srv.store.AddToStoreNar(ctx, info, fr, repair, dontCheckSigs))
	}, nil)
}

func opAddMultipleToStore(ctx context.Context, c *conn) error {
	repair, err := c.r.ReadBool()
	if err != nil {
		return err
	}
	dontCheckSigs, err := c.r.ReadBool()
	if err != nil {
		return err
	}
	fr := wire.NewFramedReader(c.r)
	return c.run(ctx, func(ctx context.Context) error {
		if dontCheckSigs && !c.trusted() {
			return drainOnExit(fr, fmt.Errorf("%w: you are not privileged to skip signature checks", store.ErrPermissionDenied))
		}
		ba, err := capability[store.BatchAdder](c)
		if err != nil {
			return drainOnExit(fr, err)
		}
		return drainOnExit(fr, ba.AddMultipleToStore(ctx, newFramedSource(c.r, fr), repair, dontCheckSigs))
	}, nil)
}

func opAddToStore(ctx context.Context, c *conn) error {
	if !c.session.Version.AtLeast(25) {
		return protocol.Violation(protocol.ErrUnimplemented, "%s before protocol 1.25", protocol.OpAddToStore)
	}
	name, err := c.r.ReadString()
	if err != nil {
		return err
	}
	method, err := c.r.ReadString()
	if err != nil {
		return err
	}
	refs, err := decode(c, storePathListCodec)
	if err != nil {
		return err
	}
	repair, err := c.r.ReadBool()
	if err != nil {
		return err
	}
	argErr := c.r.TakeDeferred()
	fr := wire.NewFramedReader(c.r)
	var info store.ValidPathInfo
	return c.run(ctx, func(ctx context.Context) error {
		if argErr != nil {
			return drainOnExit(fr, argErr)
		}
		ca, err := capability[store.ContentAdder](c)
		if err != nil {
			return drainOnExit(fr, err)
		}
		info, err = ca.AddToStore(ctx, name, method, refs, repair, fr)
		return drainOnExit(fr, err)
	}, replyWith(validPathInfoCodec, &info))
}

func opAddBuildLog(ctx context.Context, c *conn) error {
	drvPath, err := decode(c, baseStorePathCodec)
	if err != nil {
		return err
	}
	argErr := c.r.TakeDeferred()
	if argErr == nil && !c.trusted() {
		argErr = fmt.Errorf("%w: you are not privileged to add build logs", store.ErrPermissionDenied)
	}
	fr := wire.NewFramedReader(c.r)
	return c.run(ctx, func(ctx context.Context) error {
		if argErr != nil {
			return drainOnExit(fr, argErr)
		}
		m, err := capability[store.Maintainer](c)
		if err != nil {
			return drainOnExit(fr, err)
		}
		return drainOnExit(fr, m.AddBuildLog(ctx, drvPath, fr))
	}, replyOne)
}

// framedSource reads the objects of an AddMultipleToStore stream: a
// count, then each ValidPathInfo followed by its unframed archive.
type framedSource struct {
	r         *wire.Reader
	started   bool
	remaining uint64
}

func newFramedSource(outer *wire.Reader, fr *wire.FramedReader) *framedSource {
	r := wire.NewRawReader(fr, outer.Limits())
	r.SetVersion(outer.Version())
	r.SetStoreDir(outer.StoreDir())
	return &framedSource{r: r}
}

func (s *framedSource) Next() (store.ValidPathInfo, io.Reader, error) {
	if !s.started {
		n, err := s.r.ReadU64()
		if err != nil {
			return store.ValidPathInfo{}, nil, err
		}
		s.started = true
		s.remaining = n
	}
	if s.remaining == 0 {
		return store.ValidPathInfo{}, nil, io.EOF
	}
	s.remaining--
	info, err := codec.Decode(s.r, validPathInfoCodec)
	if err != nil {
		return store.ValidPathInfo{}, nil, err
	}
	if err := s.r.TakeDeferred(); err != nil {
		return store.ValidPathInfo{}, nil, err
	}
	var buf bytes.Buffer
	if _, err := archive.Copy(&buf, s.r); err != nil {
		return store.ValidPathInfo{}, nil, err
	}
	return info, &buf, nil
}

// pullChunk is the amount requested from the client per STDERR_READ.
const pullChunk = 32 * 1024

// pullReader reads an unframed upload by asking the client for data
// with STDERR_READ frames.
type pullReader struct {
	c   *conn
	buf []byte
}

func (p *pullReader) Read(b []byte) (int, error) {
	if len(p.buf) == 0 {
		err := p.c.sink.withFrames(func(w *wire.Writer) error {
			if err := w.WriteU64(protocol.StderrRead); err != nil {
				return err
			}
			if err := w.WriteU64(uint64(max(len(b), pullChunk))); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			data, err := p.c.r.ReadBytes()
			p.buf = data
			return err
		})
		if err != nil {
			return 0, err
		}
		if len(p.buf) == 0 {
			return 0, io.ErrUnexpectedEOF
		}
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}
