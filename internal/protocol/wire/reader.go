package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/nixwire/internal/protocol"
)

// DefaultStoreDir is the store prefix assumed until a session says
// otherwise.
const DefaultStoreDir = "/nix/store"

// Reader decodes primitives from a byte stream. It carries the session
// context consulted by version-gated codecs.
type Reader struct {
	r        io.Reader
	buf      [8]byte
	limits   Limits
	version  protocol.Version
	storeDir string
	path     []string
	deferred error
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:        bufio.NewReaderSize(r, 32*1024),
		limits:   limits,
		version:  protocol.MaxVersion,
		storeDir: DefaultStoreDir,
	}
}

// NewRawReader is NewReader without read-ahead, for streams that must
// not be consumed past the values decoded from them.
func NewRawReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:        r,
		limits:   limits,
		version:  protocol.MaxVersion,
		storeDir: DefaultStoreDir,
	}
}

func (r *Reader) Version() protocol.Version     { return r.version }
func (r *Reader) SetVersion(v protocol.Version) { r.version = v }
func (r *Reader) StoreDir() string              { return r.storeDir }
func (r *Reader) SetStoreDir(dir string)        { r.storeDir = dir }
func (r *Reader) Limits() Limits                { return r.limits }

// Read passes raw bytes through from the underlying stream.
func (r *Reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

func (r *Reader) readFull(p []byte) error {
	if _, err := io.ReadFull(r.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: need %d bytes", protocol.ErrTruncated, len(p))
		}
		return &protocol.TransportError{Op: "read", Err: err}
	}
	return nil
}

func (r *Reader) ReadU64() (uint64, error) {
	if err := r.readFull(r.buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[:]), nil
}

// TryReadU64 is ReadU64 that reports ok=false instead of an error when
// the stream ends cleanly before the first byte.
func (r *Reader) TryReadU64() (v uint64, ok bool, err error) {
	n, err := io.ReadFull(r.r, r.buf[:])
	switch {
	case err == nil:
		return binary.LittleEndian.Uint64(r.buf[:]), true, nil
	case n == 0 && errors.Is(err, io.EOF):
		return 0, false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return 0, false, fmt.Errorf("%w: need 8 bytes, got %d", protocol.ErrTruncated, n)
	default:
		return 0, false, &protocol.TransportError{Op: "read", Err: err}
	}
}

func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadBool treats any nonzero integer as true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU64()
	return v != 0, err
}

// ReadLen reads a collection length bounded by MaxListLen.
func (r *Reader) ReadLen() (int, error) {
	n, err := r.ReadU64()
	if err != nil {
		return 0, err
	}
	if n > r.limits.MaxListLen {
		return 0, fmt.Errorf("%w: %d elements exceeds %d", protocol.ErrInvalidLength, n, r.limits.MaxListLen)
	}
	return int(n), nil
}

// ReadBytes reads a padded byte string. Padding contents are ignored.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	if n > r.limits.MaxStringBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", protocol.ErrInvalidLength, n, r.limits.MaxStringBytes)
	}
	out := make([]byte, n)
	if err := r.readFull(out); err != nil {
		return nil, err
	}
	if err := r.SkipPadding(n); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	return string(b), err
}

// SkipPadding consumes the padding that follows n raw payload bytes.
func (r *Reader) SkipPadding(n uint64) error {
	pad := padding(n)
	if pad == 0 {
		return nil
	}
	return r.readFull(r.buf[:pad])
}

// Enter and Leave track the field path reported by deferred failures.
func (r *Reader) Enter(field string) { r.path = append(r.path, field) }

func (r *Reader) Leave() {
	if len(r.path) > 0 {
		r.path = r.path[:len(r.path)-1]
	}
}

// Defer records a failure whose bytes were fully consumed. Decoding
// continues and the first deferred failure is reported by TakeDeferred
// as a DecodeError naming the field being read.
func (r *Reader) Defer(err error) {
	if r.deferred != nil || err == nil {
		return
	}
	path := make([]string, len(r.path))
	copy(path, r.path)
	r.deferred = &protocol.DecodeError{Path: path, Err: err}
}

// TakeDeferred returns and clears the first deferred failure.
func (r *Reader) TakeDeferred() error {
	err := r.deferred
	r.deferred = nil
	return err
}
