package codec

import (
	"fmt"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// Variant is one arm of a tagged union.
type Variant[T any] struct {
	Tag   uint64
	Name  string
	Match func(v T) bool
	Read  func(r *wire.Reader) (T, error)
	Write func(w *wire.Writer, v T) error
}

// Union writes a u64 discriminant followed by the matching variant's
// payload. An unknown discriminant is fatal: the payload length cannot
// be known.
func Union[T any](name string, variants ...Variant[T]) Codec[T] {
	byTag := make(map[uint64]Variant[T], len(variants))
	for _, v := range variants {
		if _, dup := byTag[v.Tag]; dup {
			panic(fmt.Sprintf("codec: union %s has duplicate tag %d", name, v.Tag))
		}
		byTag[v.Tag] = v
	}
	return Codec[T]{
		Name: name,
		Read: func(r *wire.Reader) (T, error) {
			tag, err := r.ReadU64()
			if err != nil {
				var zero T
				return zero, err
			}
			variant, ok := byTag[tag]
			if !ok {
				var zero T
				return zero, fmt.Errorf("%w: %s tag %d", protocol.ErrUnknownTag, name, tag)
			}
			r.Enter(variant.Name)
			defer r.Leave()
			v, err := variant.Read(r)
			if err != nil {
				return v, protocol.FieldError(variant.Name, err)
			}
			return v, nil
		},
		Write: func(w *wire.Writer, v T) error {
			for _, variant := range variants {
				if !variant.Match(v) {
					continue
				}
				if err := w.WriteU64(variant.Tag); err != nil {
					return err
				}
				return variant.Write(w, v)
			}
			return fmt.Errorf("codec: %s has no variant for %T", name, v)
		},
	}
}
