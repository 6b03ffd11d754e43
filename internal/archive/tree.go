package archive

import (
	"bytes"
	"fmt"
	"io"
	"slices"
)

// Node is an in-memory file tree.
type Node struct {
	Kind       Kind
	Executable bool
	Contents   []byte
	Target     string
	Entries    map[string]*Node
}

func File(contents []byte, executable bool) *Node {
	return &Node{Kind: KindFile, Contents: contents, Executable: executable}
}

func Symlink(target string) *Node {
	return &Node{Kind: KindSymlink, Target: target}
}

func Directory(entries map[string]*Node) *Node {
	if entries == nil {
		entries = map[string]*Node{}
	}
	return &Node{Kind: KindDirectory, Entries: entries}
}

// WriteTree serializes n. Children are sorted, so equal trees produce
// identical bytes regardless of map order.
func WriteTree(w io.Writer, n *Node) error {
	aw := NewWriter(w)
	if err := writeTree(aw, "", n); err != nil {
		return err
	}
	return aw.Close()
}

func writeTree(aw *Writer, name string, n *Node) error {
	switch n.Kind {
	case KindFile:
		if err := aw.WriteEntry(Entry{Kind: KindFile, Name: name, Executable: n.Executable, Size: uint64(len(n.Contents))}); err != nil {
			return err
		}
		_, err := aw.Write(n.Contents)
		return err
	case KindSymlink:
		return aw.WriteEntry(Entry{Kind: KindSymlink, Name: name, Target: n.Target})
	case KindDirectory:
		if err := aw.WriteEntry(Entry{Kind: KindDirectory, Name: name}); err != nil {
			return err
		}
		names := make([]string, 0, len(n.Entries))
		for child := range n.Entries {
			names = append(names, child)
		}
		slices.Sort(names)
		for _, child := range names {
			if err := writeTree(aw, child, n.Entries[child]); err != nil {
				return err
			}
		}
		return aw.WriteEntry(Entry{Kind: KindEndDirectory})
	}
	return fmt.Errorf("%w: node kind %s", ErrUnexpectedToken, n.Kind)
}

// ReadTree materializes an archive, rejecting unsorted or duplicate
// entries.
func ReadTree(r io.Reader) (*Node, error) {
	ar := NewReader(r, Strict())
	var root *Node
	var stack []*Node
	attach := func(e Entry, n *Node) {
		if len(stack) == 0 {
			root = n
			return
		}
		stack[len(stack)-1].Entries[e.Name] = n
	}
	for {
		e, err := ar.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch e.Kind {
		case KindDirectory:
			n := Directory(nil)
			attach(e, n)
			stack = append(stack, n)
		case KindEndDirectory:
			stack = stack[:len(stack)-1]
		case KindSymlink:
			attach(e, Symlink(e.Target))
		case KindFile:
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, ar); err != nil {
				return nil, err
			}
			attach(e, File(buf.Bytes(), e.Executable))
		}
	}
	return root, nil
}

// Equal compares two trees.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Kind != o.Kind {
		return false
	}
	switch n.Kind {
	case KindFile:
		return n.Executable == o.Executable && bytes.Equal(n.Contents, o.Contents)
	case KindSymlink:
		return n.Target == o.Target
	case KindDirectory:
		if len(n.Entries) != len(o.Entries) {
			return false
		}
		for name, child := range n.Entries {
			if !child.Equal(o.Entries[name]) {
				return false
			}
		}
		return true
	}
	return false
}
