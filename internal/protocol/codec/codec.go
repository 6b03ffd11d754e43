// Package codec is the typed serialization layer over protocol/wire.
//
// A Codec pairs a read and a write function for one Go type. Composite
// codecs are built from smaller ones, and Record describes a struct as an
// ordered field table whose entries may be gated on the negotiated
// protocol version.
package codec

import (
	"fmt"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

type Codec[T any] struct {
	Name  string
	Read  func(r *wire.Reader) (T, error)
	Write func(w *wire.Writer, v T) error
}

// Decode reads one value, tagging failures with the codec name.
func Decode[T any](r *wire.Reader, c Codec[T]) (T, error) {
	r.Enter(c.Name)
	defer r.Leave()
	v, err := c.Read(r)
	if err != nil {
		return v, protocol.FieldError(c.Name, err)
	}
	return v, nil
}

// Encode writes one value.
func Encode[T any](w *wire.Writer, c Codec[T], v T) error {
	if err := c.Write(w, v); err != nil {
		return fmt.Errorf("encode %s: %w", c.Name, err)
	}
	return nil
}

var (
	U64 = Codec[uint64]{
		Name:  "u64",
		Read:  (*wire.Reader).ReadU64,
		Write: (*wire.Writer).WriteU64,
	}
	I64 = Codec[int64]{
		Name:  "i64",
		Read:  (*wire.Reader).ReadI64,
		Write: (*wire.Writer).WriteI64,
	}
	Bool = Codec[bool]{
		Name:  "bool",
		Read:  (*wire.Reader).ReadBool,
		Write: (*wire.Writer).WriteBool,
	}
	Bytes = Codec[[]byte]{
		Name:  "bytes",
		Read:  (*wire.Reader).ReadBytes,
		Write: (*wire.Writer).WriteBytes,
	}
	String = Codec[string]{
		Name:  "string",
		Read:  (*wire.Reader).ReadString,
		Write: (*wire.Writer).WriteString,
	}
)

// Convert adapts a codec through a lossless conversion.
func Convert[S, T any](name string, c Codec[S], to func(S) T, from func(T) S) Codec[T] {
	return Codec[T]{
		Name: name,
		Read: func(r *wire.Reader) (T, error) {
			s, err := c.Read(r)
			if err != nil {
				var zero T
				return zero, err
			}
			return to(s), nil
		},
		Write: func(w *wire.Writer, v T) error {
			return c.Write(w, from(v))
		},
	}
}

// Parsed is a string-backed codec whose text must parse into T. The
// string is always consumed in full, so a parse failure is deferred on
// the reader and the zero value returned.
func Parsed[T any](name string, parse func(r *wire.Reader, s string) (T, error), format func(w *wire.Writer, v T) string) Codec[T] {
	return Codec[T]{
		Name: name,
		Read: func(r *wire.Reader) (T, error) {
			s, err := r.ReadString()
			if err != nil {
				var zero T
				return zero, err
			}
			v, err := parse(r, s)
			if err != nil {
				r.Defer(err)
				var zero T
				return zero, nil
			}
			return v, nil
		},
		Write: func(w *wire.Writer, v T) error {
			return w.WriteString(format(w, v))
		},
	}
}

// Ignored reads and discards a value, and always writes value.
func Ignored[T any](c Codec[T], value T) Codec[struct{}] {
	return Codec[struct{}]{
		Name: c.Name,
		Read: func(r *wire.Reader) (struct{}, error) {
			_, err := c.Read(r)
			return struct{}{}, err
		},
		Write: func(w *wire.Writer, _ struct{}) error {
			return c.Write(w, value)
		},
	}
}
