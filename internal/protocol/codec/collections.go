package codec

import (
	"fmt"
	"slices"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// List encodes a count followed by each element. Order and duplicates
// are preserved.
func List[T any](elem Codec[T]) Codec[[]T] {
	return Codec[[]T]{
		Name: "list<" + elem.Name + ">",
		Read: func(r *wire.Reader) ([]T, error) {
			n, err := r.ReadLen()
			if err != nil {
				return nil, err
			}
			out := make([]T, 0, n)
			for i := 0; i < n; i++ {
				idx := fmt.Sprintf("[%d]", i)
				r.Enter(idx)
				v, err := elem.Read(r)
				r.Leave()
				if err != nil {
					return out, protocol.FieldError(idx, err)
				}
				out = append(out, v)
			}
			return out, nil
		},
		Write: func(w *wire.Writer, vs []T) error {
			if err := w.WriteU64(uint64(len(vs))); err != nil {
				return err
			}
			for _, v := range vs {
				if err := elem.Write(w, v); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// Set has the wire form of List. Writers send elements in ascending
// order; readers keep whatever order arrived.
func Set[T any](elem Codec[T], cmp func(a, b T) int) Codec[[]T] {
	list := List(elem)
	return Codec[[]T]{
		Name: "set<" + elem.Name + ">",
		Read: list.Read,
		Write: func(w *wire.Writer, vs []T) error {
			sorted := slices.Clone(vs)
			slices.SortStableFunc(sorted, cmp)
			return list.Write(w, sorted)
		},
	}
}

// Pair is one entry of an ordered map.
type Pair[K, V any] struct {
	Key   K
	Value V
}

// OrderedMap encodes a count followed by key/value pairs. Entries keep
// the order in which they were encountered.
func OrderedMap[K, V any](key Codec[K], value Codec[V]) Codec[[]Pair[K, V]] {
	return Codec[[]Pair[K, V]]{
		Name: "map<" + key.Name + "," + value.Name + ">",
		Read: func(r *wire.Reader) ([]Pair[K, V], error) {
			n, err := r.ReadLen()
			if err != nil {
				return nil, err
			}
			out := make([]Pair[K, V], 0, n)
			for i := 0; i < n; i++ {
				idx := fmt.Sprintf("[%d]", i)
				r.Enter(idx)
				k, err := key.Read(r)
				if err != nil {
					r.Leave()
					return out, protocol.FieldError(idx+".key", err)
				}
				v, err := value.Read(r)
				r.Leave()
				if err != nil {
					return out, protocol.FieldError(idx+".value", err)
				}
				out = append(out, Pair[K, V]{Key: k, Value: v})
			}
			return out, nil
		},
		Write: func(w *wire.Writer, ps []Pair[K, V]) error {
			if err := w.WriteU64(uint64(len(ps))); err != nil {
				return err
			}
			for _, p := range ps {
				if err := key.Write(w, p.Key); err != nil {
					return err
				}
				if err := value.Write(w, p.Value); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// Lookup returns the first value stored under key.
func Lookup[K comparable, V any](ps []Pair[K, V], key K) (V, bool) {
	for _, p := range ps {
		if p.Key == key {
			return p.Value, true
		}
	}
	var zero V
	return zero, false
}
