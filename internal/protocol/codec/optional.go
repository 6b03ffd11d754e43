package codec

import (
	"fmt"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// Optional prefixes the payload with a u64 presence tag: 0 absent,
// 1 present. Any other tag leaves the stream position unknown.
func Optional[T any](c Codec[T]) Codec[*T] {
	return Codec[*T]{
		Name: "optional<" + c.Name + ">",
		Read: func(r *wire.Reader) (*T, error) {
			tag, err := r.ReadU64()
			if err != nil {
				return nil, err
			}
			switch tag {
			case 0:
				return nil, nil
			case 1:
				v, err := c.Read(r)
				if err != nil {
					return nil, err
				}
				return &v, nil
			default:
				return nil, fmt.Errorf("%w: optional tag %d", protocol.ErrUnknownTag, tag)
			}
		},
		Write: func(w *wire.Writer, v *T) error {
			if v == nil {
				return w.WriteU64(0)
			}
			if err := w.WriteU64(1); err != nil {
				return err
			}
			return c.Write(w, *v)
		},
	}
}

// EmptyOptional is the legacy optional form of string-backed values: the
// empty string means absent.
func EmptyOptional[T any](c Codec[T], parse func(r *wire.Reader, s string) (T, error), format func(w *wire.Writer, v T) string) Codec[*T] {
	return Codec[*T]{
		Name: "optional<" + c.Name + ">",
		Read: func(r *wire.Reader) (*T, error) {
			s, err := r.ReadString()
			if err != nil || s == "" {
				return nil, err
			}
			v, err := parse(r, s)
			if err != nil {
				r.Defer(err)
				return nil, nil
			}
			return &v, nil
		},
		Write: func(w *wire.Writer, v *T) error {
			if v == nil {
				return w.WriteString("")
			}
			return w.WriteString(format(w, *v))
		},
	}
}
