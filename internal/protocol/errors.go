package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrInvalidVersion     = errors.New("protocol: invalid version string")
	ErrTruncated          = errors.New("protocol: truncated data")
	ErrInvalidLength      = errors.New("protocol: invalid length")
	ErrUnknownOperation   = errors.New("protocol: unknown operation")
	ErrUnimplemented      = errors.New("protocol: unimplemented operation")
	ErrUnknownTag         = errors.New("protocol: unknown discriminant")
	ErrUnknownValue       = errors.New("protocol: unknown enum value")
	ErrUnexpectedFrame    = errors.New("protocol: unexpected log frame")
	ErrActivityReused     = errors.New("protocol: activity id reused")
)

// TransportError wraps a failure of the underlying byte stream. The
// connection cannot continue after one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a violation of the wire contract: bad magic, an
// unsupported version or an unknown operation. Always fatal.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Violation builds a ProtocolError around one of the sentinels above.
func Violation(err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// DecodeError reports which field of a value failed to decode.
type DecodeError struct {
	Path []string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", strings.Join(e.Path, "."), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FieldError prefixes err with a field name, extending the path of an
// existing DecodeError instead of nesting a new one.
func FieldError(field string, err error) error {
	if err == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(err, &de) {
		path := make([]string, 0, len(de.Path)+1)
		path = append(path, field)
		path = append(path, de.Path...)
		return &DecodeError{Path: path, Err: de.Err}
	}
	return &DecodeError{Path: []string{field}, Err: err}
}

// IsFatal reports whether err leaves the connection unusable. Truncated
// input, transport failures and contract violations are fatal; failures
// whose bytes were fully consumed are not.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	var pe *ProtocolError
	switch {
	case errors.As(err, &te), errors.As(err, &pe):
		return true
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrInvalidLength), errors.Is(err, ErrUnknownTag):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return true
	}
	return false
}
