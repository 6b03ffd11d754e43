package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/logging"
	"github.com/danmuck/nixwire/internal/observability"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/codec"
	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/store"
	"github.com/rs/zerolog"
)

// TrustFunc decides the trust level of an accepted connection. An error
// rejects the connection before the handshake.
type TrustFunc func(conn net.Conn) (store.TrustLevel, error)

// Config tunes a Server.
type Config struct {
	Handshake HandshakeConfig
	StoreDir  string
	Limits    wire.Limits
	Trust     TrustFunc
	// Observer also receives every log message of every connection.
	// Its failures are logged and otherwise ignored.
	Observer activity.Sink
}

func DefaultConfig() Config {
	return Config{
		Handshake: HandshakeConfig{
			MinVersion: protocol.MinVersion,
			MaxVersion: protocol.MaxVersion,
			NixVersion: protocol.NixVersion,
		},
		StoreDir: store.DefaultDir,
		Limits:   wire.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	c.Handshake = c.Handshake.withDefaults()
	if c.StoreDir == "" {
		c.StoreDir = def.StoreDir
	}
	if c.Limits == (wire.Limits{}) {
		c.Limits = def.Limits
	}
	return c
}

// Server answers worker protocol connections from one Store.
type Server struct {
	store store.Store
	cfg   Config
	log   zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	active atomic.Int64
	served atomic.Uint64
}

func NewServer(st store.Store, cfg Config) *Server {
	return &Server{
		store: st,
		cfg:   cfg.withDefaults(),
		log:   logging.Component("daemon"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Active returns the number of connections currently being served.
func (s *Server) Active() int64 { return s.active.Load() }

// Serve accepts connections until ctx is done or ln fails. Cancelling
// ctx closes every open connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeAllConns()
			_ = ln.Close()
		case <-done:
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	trust := store.NotTrusted
	if s.cfg.Trust != nil {
		t, err := s.cfg.Trust(conn)
		if err != nil {
			s.log.Warn().Err(err).Msg("connection rejected")
			return
		}
		trust = t
	}
	if err := s.ServeConn(ctx, conn, trust); err != nil {
		s.log.Debug().Err(err).Msg("connection closed with error")
	}
}

// ServeConn runs the handshake and the operation loop on one transport.
// It returns nil when the client hangs up between operations.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriter, trust store.TrustLevel) error {
	id := s.served.Add(1)
	active := s.active.Add(1)
	done := observability.ConnectionOpened(trust.String())
	log := s.log.With().Uint64("conn", id).Str("trust", trust.String()).Logger()
	log.Info().Int64("active", active).Msg("client connected")
	defer func() {
		done()
		remaining := s.active.Add(-1)
		log.Info().Int64("active", remaining).Msg("client disconnected")
	}()

	c := &conn{
		srv:   s,
		log:   log,
		r:     wire.NewReader(rw, s.cfg.Limits),
		w:     wire.NewWriter(rw),
		trust: trust,
	}
	c.r.SetStoreDir(s.cfg.StoreDir)
	c.w.SetStoreDir(s.cfg.StoreDir)
	c.sink = newFrameSink(c.w)
	c.logs = c.sink
	if obs := s.cfg.Observer; obs != nil {
		c.logs = activity.Multi(c.sink, activity.SinkFunc(func(msg activity.Message) error {
			if err := obs.Log(msg); err != nil {
				log.Debug().Err(err).Msg("activity observer failed")
			}
			return nil
		}))
	}

	hs := s.cfg.Handshake
	hs.Trust = trust
	sess, err := ServerHandshake(c.r, c.w, hs)
	if err != nil {
		var he *HandshakeError
		reason := "unknown"
		if errors.As(err, &he) {
			reason = he.State.String()
		}
		observability.RecordHandshakeFailure(reason)
		log.Warn().Err(err).Msg("handshake failed")
		return err
	}
	c.session = sess
	observability.RecordNegotiated(sess.Version.String())
	log.Debug().
		Str("version", sess.Version.String()).
		Strs("features", sess.Features).
		Msg("handshake complete")

	return c.loop(ctx)
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// conn is the state of one served connection.
type conn struct {
	srv     *Server
	log     zerolog.Logger
	r       *wire.Reader
	w       *wire.Writer
	sink    *frameSink
	logs    activity.Sink
	session Session
	trust   store.TrustLevel
	options store.ClientOptions
	outcome string
}

func (c *conn) trusted() bool { return c.trust == store.Trusted }

func (c *conn) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		code, ok, err := c.r.TryReadU64()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		op := protocol.Op(code)
		start := time.Now()
		c.outcome = observability.OutcomeOK
		err = c.perform(ctx, op)
		if err != nil {
			c.outcome = observability.OutcomeFatal
		}
		elapsed := time.Since(start)
		observability.RecordOperation(op.String(), c.outcome, elapsed)
		c.log.Debug().
			Str("op", op.String()).
			Str("outcome", c.outcome).
			Dur("elapsed", elapsed).
			Msg("operation")
		if err != nil {
			c.log.Warn().Err(err).Str("op", op.String()).Msg("operation failed fatally")
			return err
		}
	}
}

func (c *conn) perform(ctx context.Context, op protocol.Op) error {
	h, ok := handlers[op]
	if ok {
		return h(ctx, c)
	}
	if !op.Known() {
		return protocol.Violation(protocol.ErrUnknownOperation, "op %d", uint64(op))
	}
	return protocol.Violation(protocol.ErrUnimplemented, "%s", op)
}

// streamError marks a failure of the connection's byte stream that
// surfaced inside an operation. It ends the connection.
type streamError struct{ err error }

func (e *streamError) Error() string { return e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

func decode[T any](c *conn, cd codec.Codec[T]) (T, error) {
	return codec.Decode(c.r, cd)
}

// argsOK finishes argument decoding. A deferred semantic failure is
// answered with an error frame and reported as false.
func (c *conn) argsOK() (bool, error) {
	derr := c.r.TakeDeferred()
	if derr == nil {
		return true, nil
	}
	c.outcome = observability.OutcomeDecodeError
	c.log.Debug().Err(derr).Msg("rejecting arguments")
	return false, writeErrorFrame(c.w, derr)
}

// reject answers the current operation with an error frame without
// running it.
func (c *conn) reject(err error) error {
	c.outcome = observability.OutcomeStoreError
	return writeErrorFrame(c.w, err)
}

// run executes fn with the connection's frame sink bound to its context.
// On success it ends the log phase and writes the reply; a store failure
// becomes an error frame.
func (c *conn) run(ctx context.Context, fn func(ctx context.Context) error, reply func(w *wire.Writer) error) error {
	c.sink.begin()
	err := fn(activity.WithSink(ctx, c.logs))
	if serr := c.sink.end(); serr != nil {
		return serr
	}
	var se *streamError
	if errors.As(err, &se) {
		return se.err
	}
	if err != nil {
		c.outcome = observability.OutcomeStoreError
		c.log.Debug().Err(err).Msg("store error")
		return writeErrorFrame(c.w, err)
	}
	if err := writeLast(c.w); err != nil {
		return err
	}
	if reply != nil {
		if err := reply(c.w); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// replyWith writes v with cd after the log phase.
func replyWith[T any](cd codec.Codec[T], v *T) func(w *wire.Writer) error {
	return func(w *wire.Writer) error { return cd.Write(w, *v) }
}

// replyOne writes the constant 1 that void operations answer with.
func replyOne(w *wire.Writer) error { return w.WriteU64(1) }

func capability[T any](c *conn) (T, error) {
	v, ok := c.srv.store.(T)
	if !ok {
		var zero T
		return zero, store.ErrNotSupported
	}
	return v, nil
}
