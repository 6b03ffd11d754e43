package codec

import (
	"fmt"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// Field is one entry of a record's field table.
type Field[T any] struct {
	Name     string
	Versions protocol.Range
	read     func(r *wire.Reader, dst *T) error
	write    func(w *wire.Writer, src *T) error
	absent   func(dst *T)
}

// Bind declares a field stored at the location returned by get.
func Bind[T, F any](name string, c Codec[F], get func(*T) *F) Field[T] {
	return Field[T]{
		Name: name,
		read: func(r *wire.Reader, dst *T) error {
			v, err := c.Read(r)
			if err != nil {
				return err
			}
			*get(dst) = v
			return nil
		},
		write: func(w *wire.Writer, src *T) error {
			return c.Write(w, *get(src))
		},
	}
}

// Skip declares an obsolete field that is read and discarded, and always
// written as value.
func Skip[T, F any](name string, c Codec[F], value F) Field[T] {
	ignored := Ignored(c, value)
	return Field[T]{
		Name: name,
		read: func(r *wire.Reader, _ *T) error {
			_, err := ignored.Read(r)
			return err
		},
		write: func(w *wire.Writer, _ *T) error {
			return ignored.Write(w, struct{}{})
		},
	}
}

// In restricts the field to the versions in rng.
func (f Field[T]) In(rng protocol.Range) Field[T] {
	f.Versions = rng
	return f
}

// Since is In(protocol.Since(minor)).
func (f Field[T]) Since(minor uint8) Field[T] {
	return f.In(protocol.Since(minor))
}

// Before is In(protocol.Before(minor)).
func (f Field[T]) Before(minor uint8) Field[T] {
	return f.In(protocol.Before(minor))
}

// Default sets the value assigned when the field is absent at the
// negotiated version.
func (f Field[T]) Default(fn func(dst *T)) Field[T] {
	f.absent = fn
	return f
}

// Record encodes fields in declared order, skipping those outside their
// version range.
func Record[T any](name string, fields ...Field[T]) Codec[T] {
	return Codec[T]{
		Name: name,
		Read: func(r *wire.Reader) (T, error) {
			var v T
			version := r.Version()
			for _, f := range fields {
				if !f.Versions.Contains(version) {
					if f.absent != nil {
						f.absent(&v)
					}
					continue
				}
				r.Enter(f.Name)
				err := f.read(r, &v)
				r.Leave()
				if err != nil {
					return v, protocol.FieldError(f.Name, err)
				}
			}
			return v, nil
		},
		Write: func(w *wire.Writer, v T) error {
			version := w.Version()
			for _, f := range fields {
				if !f.Versions.Contains(version) {
					continue
				}
				if err := f.write(w, &v); err != nil {
					return fmt.Errorf("%s: %w", f.Name, err)
				}
			}
			return nil
		},
	}
}
