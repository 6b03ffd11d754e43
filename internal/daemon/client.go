package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/archive"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/codec"
	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/store"
)

// ClientConfig tunes a Client.
type ClientConfig struct {
	Handshake HandshakeConfig
	StoreDir  string
	Limits    wire.Limits
}

// Client speaks the worker protocol to a daemon. It implements every
// store interface, so a Server in front of a Client forwards to another
// daemon. Operations are serialised; log frames go to the sink bound to
// each call's context.
type Client struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	r       *wire.Reader
	w       *wire.Writer
	session Session
	broken  error
}

// NewClient runs the client handshake on rw and consumes the daemon's
// initial log phase.
func NewClient(ctx context.Context, rw io.ReadWriter, cfg ClientConfig) (*Client, error) {
	if cfg.Limits == (wire.Limits{}) {
		cfg.Limits = wire.DefaultLimits()
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = store.DefaultDir
	}
	c := &Client{
		rw: rw,
		r:  wire.NewReader(rw, cfg.Limits),
		w:  wire.NewWriter(rw),
	}
	c.r.SetStoreDir(cfg.StoreDir)
	c.w.SetStoreDir(cfg.StoreDir)
	sess, err := ClientHandshake(c.r, c.w, cfg.Handshake)
	if err != nil {
		return nil, err
	}
	c.session = sess
	if _, err := c.processStderr(ctx, nil); err != nil {
		return nil, &HandshakeError{State: StateFeaturesExchanged, Err: err}
	}
	return c, nil
}

// Dial connects to a daemon socket.
func Dial(ctx context.Context, network, addr string, cfg ClientConfig) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &protocol.TransportError{Op: "dial", Err: err}
	}
	c, err := NewClient(ctx, conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Session() Session { return c.session }

// Close closes the transport if it can be closed.
func (c *Client) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// do runs one operation. A fatal failure poisons the client.
func (c *Client) do(ctx context.Context, op protocol.Op, args func(w *wire.Writer) error, upload io.Reader, reply func(r *wire.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return c.broken
	}
	err := c.exchange(ctx, op, args, upload, reply)
	if protocol.IsFatal(err) {
		c.broken = err
	}
	return err
}

func (c *Client) exchange(ctx context.Context, op protocol.Op, args func(w *wire.Writer) error, upload io.Reader, reply func(r *wire.Reader) error) error {
	if err := c.w.WriteU64(uint64(op)); err != nil {
		return err
	}
	if args != nil {
		if err := args(c.w); err != nil {
			return err
		}
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	sinkErr, err := c.processStderr(ctx, upload)
	if err != nil {
		return err
	}
	if err := c.readReply(reply); err != nil {
		return err
	}
	return sinkErr
}

func (c *Client) readReply(reply func(r *wire.Reader) error) error {
	if reply == nil {
		return nil
	}
	if err := reply(c.r); err != nil {
		return err
	}
	return c.r.TakeDeferred()
}

// processStderr consumes log frames up to STDERR_LAST or STDERR_ERROR.
// Sink failures do not stop the stream; the first one is returned
// separately so the caller can finish reading the reply.
func (c *Client) processStderr(ctx context.Context, upload io.Reader) (sinkErr, err error) {
	sink := activity.FromContext(ctx)
	for {
		tag, err := c.r.ReadU64()
		if err != nil {
			return nil, err
		}
		switch tag {
		case protocol.StderrLast:
			return sinkErr, nil
		case protocol.StderrError:
			re, err := codec.Decode(c.r, remoteErrorCodec)
			if err != nil {
				return nil, err
			}
			return sinkErr, &re
		case protocol.StderrRead:
			if err := c.answerRead(upload); err != nil {
				return nil, err
			}
		case protocol.StderrWrite:
			if _, err := c.r.ReadBytes(); err != nil {
				return nil, err
			}
		default:
			msg, ok, err := readLogPayload(c.r, tag)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, protocol.Violation(protocol.ErrUnexpectedFrame, "tag %#x", tag)
			}
			if err := sink.Log(msg); err != nil && sinkErr == nil {
				sinkErr = err
			}
		}
	}
}

// answerRead serves one STDERR_READ pull from upload. An exhausted
// upload answers with an empty chunk.
func (c *Client) answerRead(upload io.Reader) error {
	want, err := c.r.ReadU64()
	if err != nil {
		return err
	}
	want = min(want, c.r.Limits().MaxStringBytes)
	var chunk []byte
	if upload != nil && want > 0 {
		buf := make([]byte, want)
		n, err := io.ReadAtLeast(upload, buf, 1)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		chunk = buf[:n]
	}
	if err := c.w.WriteBytes(chunk); err != nil {
		return err
	}
	return c.w.Flush()
}

// streamFramed writes body as a framed stream while the daemon's log
// frames are processed, so neither side blocks on the other.
func (c *Client) streamFramed(ctx context.Context, op protocol.Op, args func(w *wire.Writer) error, body func(w io.Writer) error, reply func(r *wire.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return c.broken
	}
	err := c.exchangeFramed(ctx, op, args, body, reply)
	if protocol.IsFatal(err) {
		c.broken = err
	}
	return err
}

func (c *Client) exchangeFramed(ctx context.Context, op protocol.Op, args func(w *wire.Writer) error, body func(w io.Writer) error, reply func(r *wire.Reader) error) error {
	if err := c.w.WriteU64(uint64(op)); err != nil {
		return err
	}
	if err := args(c.w); err != nil {
		return err
	}
	sent := make(chan error, 1)
	go func() {
		fw := wire.NewFramedWriter(c.w)
		err := body(fw)
		if cerr := fw.Close(); err == nil {
			err = cerr
		}
		if ferr := c.w.Flush(); err == nil {
			err = ferr
		}
		sent <- err
	}()
	sinkErr, err := c.processStderr(ctx, nil)
	if protocol.IsFatal(err) {
		_ = c.Close()
	}
	if serr := <-sent; serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return err
	}
	if err := c.readReply(reply); err != nil {
		return err
	}
	return sinkErr
}

func pathArg(p store.StorePath) func(w *wire.Writer) error {
	return func(w *wire.Writer) error { return storePathCodec.Write(w, p) }
}

func readInto[T any](cd codec.Codec[T], dst *T) func(r *wire.Reader) error {
	return func(r *wire.Reader) error {
		v, err := codec.Decode(r, cd)
		*dst = v
		return err
	}
}

func discardOne(r *wire.Reader) error {
	_, err := r.ReadU64()
	return err
}

func (c *Client) IsValidPath(ctx context.Context, p store.StorePath) (bool, error) {
	var valid bool
	err := c.do(ctx, protocol.OpIsValidPath, pathArg(p), nil, readInto(codec.Bool, &valid))
	return valid, err
}

func (c *Client) QueryPathInfo(ctx context.Context, p store.StorePath) (*store.PathInfo, error) {
	var info *store.PathInfo
	err := c.do(ctx, protocol.OpQueryPathInfo, pathArg(p), nil, readInto(queryPathInfoCodec, &info))
	return info, err
}

// NarFromPath buffers the archive, since it follows the log phase
// unframed on the shared connection.
func (c *Client) NarFromPath(ctx context.Context, p store.StorePath) (io.ReadCloser, error) {
	var buf bytes.Buffer
	err := c.do(ctx, protocol.OpNarFromPath, pathArg(p), nil, func(r *wire.Reader) error {
		_, err := archive.Copy(&buf, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (c *Client) AddToStoreNar(ctx context.Context, info store.ValidPathInfo, nar io.Reader, repair, dontCheckSigs bool) error {
	args := func(w *wire.Writer) error {
		if err := validPathInfoCodec.Write(w, info); err != nil {
			return err
		}
		if err := w.WriteBool(repair); err != nil {
			return err
		}
		return w.WriteBool(dontCheckSigs)
	}
	if !c.session.Version.AtLeast(23) {
		return c.do(ctx, protocol.OpAddToStoreNar, args, nar, nil)
	}
	return c.streamFramed(ctx, protocol.OpAddToStoreNar, args, func(w io.Writer) error {
		_, err := io.Copy(w, nar)
		return err
	}, nil)
}

type narItem struct {
	info store.ValidPathInfo
	nar  []byte
}

func collectNars(src store.NarSource) ([]narItem, error) {
	var items []narItem
	for {
		info, nar, err := src.Next()
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(nar)
		if err != nil {
			return nil, err
		}
		items = append(items, narItem{info: info, nar: data})
	}
}

// AddMultipleToStore sends the batch as one framed stream. Daemons older
// than 1.32 get one AddToStoreNar per object.
func (c *Client) AddMultipleToStore(ctx context.Context, src store.NarSource, repair, dontCheckSigs bool) error {
	items, err := collectNars(src)
	if err != nil {
		return err
	}
	if !c.session.Version.AtLeast(32) {
		for _, it := range items {
			if err := c.AddToStoreNar(ctx, it.info, bytes.NewReader(it.nar), repair, dontCheckSigs); err != nil {
				return err
			}
		}
		return nil
	}
	args := func(w *wire.Writer) error {
		if err := w.WriteBool(repair); err != nil {
			return err
		}
		return w.WriteBool(dontCheckSigs)
	}
	return c.streamFramed(ctx, protocol.OpAddMultipleToStore, args, func(fw io.Writer) error {
		inner := wire.NewWriter(fw)
		inner.SetVersion(c.w.Version())
		inner.SetStoreDir(c.w.StoreDir())
		if err := inner.WriteU64(uint64(len(items))); err != nil {
			return err
		}
		for _, it := range items {
			if err := validPathInfoCodec.Write(inner, it.info); err != nil {
				return err
			}
			if _, err := inner.Write(it.nar); err != nil {
				return err
			}
		}
		return inner.Flush()
	}, nil)
}

func (c *Client) AddToStore(ctx context.Context, name, method string, refs []store.StorePath, repair bool, data io.Reader) (store.ValidPathInfo, error) {
	if !c.session.Version.AtLeast(25) {
		return store.ValidPathInfo{}, fmt.Errorf("%w: AddToStore needs protocol 1.25, have %s", store.ErrNotSupported, c.session.Version)
	}
	var info store.ValidPathInfo
	args := func(w *wire.Writer) error {
		if err := w.WriteString(name); err != nil {
			return err
		}
		if err := w.WriteString(method); err != nil {
			return err
		}
		if err := storePathListCodec.Write(w, refs); err != nil {
			return err
		}
		return w.WriteBool(repair)
	}
	err := c.streamFramed(ctx, protocol.OpAddToStore, args, func(w io.Writer) error {
		_, err := io.Copy(w, data)
		return err
	}, readInto(validPathInfoCodec, &info))
	return info, err
}

func buildArgs(paths []store.DerivedPath, mode store.BuildMode) func(w *wire.Writer) error {
	return func(w *wire.Writer) error {
		if err := derivedPathListCodec.Write(w, paths); err != nil {
			return err
		}
		return buildModeCodec.Write(w, mode)
	}
}

func (c *Client) BuildPaths(ctx context.Context, paths []store.DerivedPath, mode store.BuildMode) error {
	return c.do(ctx, protocol.OpBuildPaths, buildArgs(paths, mode), nil, discardOne)
}

// BuildPathsWithResults falls back to BuildPaths on daemons older than
// 1.34, reporting every path as built.
func (c *Client) BuildPathsWithResults(ctx context.Context, paths []store.DerivedPath, mode store.BuildMode) ([]store.KeyedBuildResult, error) {
	if !c.session.Version.AtLeast(34) {
		if err := c.BuildPaths(ctx, paths, mode); err != nil {
			return nil, err
		}
		out := make([]store.KeyedBuildResult, 0, len(paths))
		for _, p := range paths {
			out = append(out, store.KeyedBuildResult{Path: p, Result: store.BuildResult{Status: store.Built}})
		}
		return out, nil
	}
	var results []store.KeyedBuildResult
	err := c.do(ctx, protocol.OpBuildPathsWithResults, buildArgs(paths, mode), nil, readInto(keyedBuildResultsCodec, &results))
	return results, err
}

func (c *Client) BuildDerivation(ctx context.Context, drvPath store.StorePath, drv store.BasicDerivation, mode store.BuildMode) (store.BuildResult, error) {
	var res store.BuildResult
	args := func(w *wire.Writer) error {
		if err := storePathCodec.Write(w, drvPath); err != nil {
			return err
		}
		if err := basicDerivationCodec.Write(w, drv); err != nil {
			return err
		}
		return buildModeCodec.Write(w, mode)
	}
	err := c.do(ctx, protocol.OpBuildDerivation, args, nil, readInto(buildResultCodec, &res))
	return res, err
}

func (c *Client) QueryMissing(ctx context.Context, paths []store.DerivedPath) (store.QueryMissingResult, error) {
	var res store.QueryMissingResult
	args := func(w *wire.Writer) error { return derivedPathListCodec.Write(w, paths) }
	err := c.do(ctx, protocol.OpQueryMissing, args, nil, readInto(queryMissingCodec, &res))
	return res, err
}

func (c *Client) SetOptions(ctx context.Context, opts store.ClientOptions) error {
	args := func(w *wire.Writer) error { return clientOptionsCodec.Write(w, opts) }
	return c.do(ctx, protocol.OpSetOptions, args, nil, nil)
}

func (c *Client) QueryValidPaths(ctx context.Context, paths []store.StorePath, substitute bool) ([]store.StorePath, error) {
	var out []store.StorePath
	args := func(w *wire.Writer) error {
		if err := storePathSetCodec.Write(w, paths); err != nil {
			return err
		}
		if w.Version().AtLeast(27) {
			return w.WriteBool(substitute)
		}
		return nil
	}
	err := c.do(ctx, protocol.OpQueryValidPaths, args, nil, readInto(storePathSetCodec, &out))
	return out, err
}

func (c *Client) QueryAllValidPaths(ctx context.Context) ([]store.StorePath, error) {
	var out []store.StorePath
	err := c.do(ctx, protocol.OpQueryAllValidPaths, nil, nil, readInto(storePathSetCodec, &out))
	return out, err
}

func (c *Client) QueryReferrers(ctx context.Context, p store.StorePath) ([]store.StorePath, error) {
	var out []store.StorePath
	err := c.do(ctx, protocol.OpQueryReferrers, pathArg(p), nil, readInto(storePathSetCodec, &out))
	return out, err
}

func (c *Client) QueryValidDerivers(ctx context.Context, p store.StorePath) ([]store.StorePath, error) {
	var out []store.StorePath
	err := c.do(ctx, protocol.OpQueryValidDerivers, pathArg(p), nil, readInto(storePathSetCodec, &out))
	return out, err
}

func (c *Client) QueryPathFromHashPart(ctx context.Context, hashPart string) (*store.StorePath, error) {
	var found *store.StorePath
	args := func(w *wire.Writer) error { return w.WriteString(hashPart) }
	err := c.do(ctx, protocol.OpQueryPathFromHashPart, args, nil, readInto(optStorePathCodec, &found))
	return found, err
}

func (c *Client) QuerySubstitutablePaths(ctx context.Context, paths []store.StorePath) ([]store.StorePath, error) {
	var out []store.StorePath
	args := func(w *wire.Writer) error { return storePathSetCodec.Write(w, paths) }
	err := c.do(ctx, protocol.OpQuerySubstitutablePaths, args, nil, readInto(storePathSetCodec, &out))
	return out, err
}

func (c *Client) QueryDerivationOutputMap(ctx context.Context, drvPath store.StorePath) ([]store.DerivationOutput, error) {
	var out []store.DerivationOutput
	err := c.do(ctx, protocol.OpQueryDerivationOutputMap, pathArg(drvPath), nil, readInto(outputMapCodec, &out))
	return out, err
}

func (c *Client) EnsurePath(ctx context.Context, p store.StorePath) error {
	return c.do(ctx, protocol.OpEnsurePath, pathArg(p), nil, discardOne)
}

func (c *Client) AddTempRoot(ctx context.Context, p store.StorePath) error {
	return c.do(ctx, protocol.OpAddTempRoot, pathArg(p), nil, discardOne)
}

func (c *Client) AddIndirectRoot(ctx context.Context, link string) error {
	args := func(w *wire.Writer) error { return w.WriteString(link) }
	return c.do(ctx, protocol.OpAddIndirectRoot, args, nil, discardOne)
}

func (c *Client) AddPermRoot(ctx context.Context, p store.StorePath, link string) (string, error) {
	var root string
	args := func(w *wire.Writer) error {
		if err := storePathCodec.Write(w, p); err != nil {
			return err
		}
		return w.WriteString(link)
	}
	err := c.do(ctx, protocol.OpAddPermRoot, args, nil, readInto(codec.String, &root))
	return root, err
}

func (c *Client) FindRoots(ctx context.Context) ([]store.Root, error) {
	var roots []store.Root
	err := c.do(ctx, protocol.OpFindRoots, nil, nil, readInto(rootsCodec, &roots))
	return roots, err
}

func (c *Client) CollectGarbage(ctx context.Context, opts store.GCOptions) (store.GCResult, error) {
	var res store.GCResult
	args := func(w *wire.Writer) error { return gcOptionsCodec.Write(w, opts) }
	err := c.do(ctx, protocol.OpCollectGarbage, args, nil, readInto(gcResultCodec, &res))
	return res, err
}

func (c *Client) OptimiseStore(ctx context.Context) error {
	return c.do(ctx, protocol.OpOptimiseStore, nil, nil, discardOne)
}

func (c *Client) VerifyStore(ctx context.Context, checkContents, repair bool) (bool, error) {
	var corrupted bool
	args := func(w *wire.Writer) error {
		if err := w.WriteBool(checkContents); err != nil {
			return err
		}
		return w.WriteBool(repair)
	}
	err := c.do(ctx, protocol.OpVerifyStore, args, nil, readInto(codec.Bool, &corrupted))
	return corrupted, err
}

func (c *Client) AddSignatures(ctx context.Context, p store.StorePath, sigs []string) error {
	args := func(w *wire.Writer) error {
		if err := storePathCodec.Write(w, p); err != nil {
			return err
		}
		return stringSetCodec.Write(w, sigs)
	}
	return c.do(ctx, protocol.OpAddSignatures, args, nil, discardOne)
}

func (c *Client) AddBuildLog(ctx context.Context, drvPath store.StorePath, log io.Reader) error {
	args := func(w *wire.Writer) error { return baseStorePathCodec.Write(w, drvPath) }
	return c.streamFramed(ctx, protocol.OpAddBuildLog, args, func(w io.Writer) error {
		_, err := io.Copy(w, log)
		return err
	}, discardOne)
}

var (
	_ store.Store            = (*Client)(nil)
	_ store.OptionSetter     = (*Client)(nil)
	_ store.PathQuerier      = (*Client)(nil)
	_ store.BatchAdder       = (*Client)(nil)
	_ store.ResultBuilder    = (*Client)(nil)
	_ store.RootManager      = (*Client)(nil)
	_ store.Maintainer       = (*Client)(nil)
	_ store.ContentAdder     = (*Client)(nil)
	_ store.GarbageCollector = (*Client)(nil)
)
