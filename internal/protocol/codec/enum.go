package codec

import (
	"fmt"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// Enum maps each value of T to an explicit wire discriminant. The table
// must be a bijection; a duplicate discriminant panics at construction.
// An unknown discriminant on read is deferred: the integer was consumed
// whole, so the stream is still in sync.
func Enum[T comparable](name string, table map[T]uint64) Codec[T] {
	return enum(name, table, nil)
}

// EnumWithFallback decodes unknown discriminants to fallback instead of
// failing.
func EnumWithFallback[T comparable](name string, table map[T]uint64, fallback T) Codec[T] {
	return enum(name, table, &fallback)
}

func enum[T comparable](name string, table map[T]uint64, fallback *T) Codec[T] {
	reverse := make(map[uint64]T, len(table))
	for v, d := range table {
		if prev, dup := reverse[d]; dup {
			panic(fmt.Sprintf("codec: enum %s maps %v and %v to discriminant %d", name, prev, v, d))
		}
		reverse[d] = v
	}
	return Codec[T]{
		Name: name,
		Read: func(r *wire.Reader) (T, error) {
			d, err := r.ReadU64()
			if err != nil {
				var zero T
				return zero, err
			}
			if v, ok := reverse[d]; ok {
				return v, nil
			}
			if fallback != nil {
				return *fallback, nil
			}
			r.Defer(fmt.Errorf("%w: %s %d", protocol.ErrUnknownValue, name, d))
			var zero T
			return zero, nil
		},
		Write: func(w *wire.Writer, v T) error {
			d, ok := table[v]
			if !ok {
				return fmt.Errorf("codec: %s has no discriminant for %v", name, v)
			}
			return w.WriteU64(d)
		},
	}
}
