package daemon

import (
	"fmt"
	"slices"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/codec"
	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/store"
)

// HandshakeState is how far a handshake got before it stopped.
type HandshakeState int

const (
	StateStart HandshakeState = iota
	StateMagicExchanged
	StateVersionAgreed
	StateFeaturesExchanged
	StateReady
)

func (s HandshakeState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateMagicExchanged:
		return "magic-exchanged"
	case StateVersionAgreed:
		return "version-agreed"
	case StateFeaturesExchanged:
		return "features-exchanged"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("HandshakeState(%d)", int(s))
}

// HandshakeError is a failed handshake and the last state it reached.
type HandshakeError struct {
	State HandshakeState
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed after %s: %v", e.State, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Session is what a completed handshake agreed on.
type Session struct {
	Version    protocol.Version
	Features   []string
	NixVersion string
	Trust      store.TrustLevel
}

// HasFeature reports whether both peers offered name.
func (s Session) HasFeature(name string) bool {
	_, found := slices.BinarySearch(s.Features, name)
	return found
}

// HandshakeConfig bounds what one side is willing to negotiate.
type HandshakeConfig struct {
	MinVersion protocol.Version
	MaxVersion protocol.Version
	Features   []string
	NixVersion string
	Trust      store.TrustLevel
}

func (c HandshakeConfig) withDefaults() HandshakeConfig {
	if c.MinVersion == 0 {
		c.MinVersion = protocol.MinVersion
	}
	if c.MaxVersion == 0 {
		c.MaxVersion = protocol.MaxVersion
	}
	if c.NixVersion == "" {
		c.NixVersion = protocol.NixVersion
	}
	return c
}

var featuresCodec = stringSetCodec

func intersect(a, b []string) []string {
	out := []string{}
	for _, f := range a {
		if slices.Contains(b, f) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

func negotiate(cfg HandshakeConfig, peer protocol.Version) (protocol.Version, error) {
	if peer.Major() != 1 {
		return 0, protocol.Violation(protocol.ErrUnsupportedVersion, "peer speaks %s", peer)
	}
	v := min(peer, cfg.MaxVersion)
	if v < cfg.MinVersion {
		return 0, protocol.Violation(protocol.ErrUnsupportedVersion, "peer speaks %s, need at least %s", peer, cfg.MinVersion)
	}
	return v, nil
}

// ServerHandshake runs the daemon side of connection setup and leaves
// both streams at the agreed version. It ends by writing the STDERR_LAST
// that tells the client the daemon is ready for operations.
func ServerHandshake(r *wire.Reader, w *wire.Writer, cfg HandshakeConfig) (Session, error) {
	cfg = cfg.withDefaults()
	state := StateStart
	fail := func(err error) (Session, error) {
		return Session{}, &HandshakeError{State: state, Err: err}
	}

	magic, err := r.ReadU64()
	if err != nil {
		return fail(err)
	}
	if magic != protocol.ClientMagic {
		return fail(protocol.Violation(protocol.ErrInvalidMagic, "client sent %#x", magic))
	}
	if err := w.WriteU64(protocol.ServerMagic); err != nil {
		return fail(err)
	}
	if err := w.WriteU64(uint64(cfg.MaxVersion)); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	state = StateMagicExchanged

	raw, err := r.ReadU64()
	if err != nil {
		return fail(err)
	}
	version, err := negotiate(cfg, protocol.Version(raw))
	if err != nil {
		return fail(err)
	}
	r.SetVersion(version)
	w.SetVersion(version)
	state = StateVersionAgreed

	sess := Session{Version: version, Features: []string{}, NixVersion: cfg.NixVersion, Trust: cfg.Trust}
	if version >= protocol.FeaturesVersion {
		theirs, err := codec.Decode(r, featuresCodec)
		if err != nil {
			return fail(err)
		}
		if err := r.TakeDeferred(); err != nil {
			return fail(err)
		}
		if err := featuresCodec.Write(w, cfg.Features); err != nil {
			return fail(err)
		}
		if err := w.Flush(); err != nil {
			return fail(err)
		}
		sess.Features = intersect(cfg.Features, theirs)
	}
	state = StateFeaturesExchanged

	if version.AtLeast(14) {
		affinity, err := r.ReadBool()
		if err != nil {
			return fail(err)
		}
		if affinity {
			if _, err := r.ReadU64(); err != nil {
				return fail(err)
			}
		}
	}
	if version.AtLeast(11) {
		if _, err := r.ReadBool(); err != nil {
			return fail(err)
		}
	}
	if version.AtLeast(33) {
		if err := w.WriteString(cfg.NixVersion); err != nil {
			return fail(err)
		}
	}
	if version.AtLeast(35) {
		if err := trustCodec.Write(w, cfg.Trust); err != nil {
			return fail(err)
		}
	}
	if err := w.WriteU64(protocol.StderrLast); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	return sess, nil
}

// ClientHandshake runs the client side of connection setup, up to but
// not including the daemon's initial log frames.
func ClientHandshake(r *wire.Reader, w *wire.Writer, cfg HandshakeConfig) (Session, error) {
	cfg = cfg.withDefaults()
	state := StateStart
	fail := func(err error) (Session, error) {
		return Session{}, &HandshakeError{State: state, Err: err}
	}

	if err := w.WriteU64(protocol.ClientMagic); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	magic, err := r.ReadU64()
	if err != nil {
		return fail(err)
	}
	if magic != protocol.ServerMagic {
		return fail(protocol.Violation(protocol.ErrInvalidMagic, "daemon sent %#x", magic))
	}
	state = StateMagicExchanged

	raw, err := r.ReadU64()
	if err != nil {
		return fail(err)
	}
	version, err := negotiate(cfg, protocol.Version(raw))
	if err != nil {
		return fail(err)
	}
	if err := w.WriteU64(uint64(cfg.MaxVersion)); err != nil {
		return fail(err)
	}
	r.SetVersion(version)
	w.SetVersion(version)
	state = StateVersionAgreed

	sess := Session{Version: version, Features: []string{}, Trust: store.TrustUnknown}
	if version >= protocol.FeaturesVersion {
		if err := featuresCodec.Write(w, cfg.Features); err != nil {
			return fail(err)
		}
		if err := w.Flush(); err != nil {
			return fail(err)
		}
		theirs, err := codec.Decode(r, featuresCodec)
		if err != nil {
			return fail(err)
		}
		if err := r.TakeDeferred(); err != nil {
			return fail(err)
		}
		sess.Features = intersect(cfg.Features, theirs)
	}
	state = StateFeaturesExchanged

	if version.AtLeast(14) {
		if err := w.WriteBool(false); err != nil {
			return fail(err)
		}
	}
	if version.AtLeast(11) {
		if err := w.WriteBool(false); err != nil {
			return fail(err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if version.AtLeast(33) {
		nv, err := r.ReadString()
		if err != nil {
			return fail(err)
		}
		sess.NixVersion = nv
	}
	if version.AtLeast(35) {
		trust, err := codec.Decode(r, trustCodec)
		if err != nil {
			return fail(err)
		}
		sess.Trust = trust
	}
	return sess, nil
}
