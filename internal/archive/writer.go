package archive

import (
	"fmt"
	"io"

	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// Writer emits an archive one entry at a time. Directory children must
// arrive in ascending byte order, and file contents must match the size
// declared in the entry.
type Writer struct {
	w       *wire.Writer
	own     bool
	started bool
	done    bool
	stack   []dirFrame

	inFile    bool
	filePath  string
	fileSize  uint64
	remaining uint64
}

// NewWriter writes to w. A *wire.Writer is shared and left unflushed by
// Close; any other writer is buffered and flushed by Close.
func NewWriter(w io.Writer) *Writer {
	ww, ok := w.(*wire.Writer)
	if !ok {
		ww = wire.NewWriter(w)
	}
	return &Writer{w: ww, own: !ok}
}

// WriteEntry starts the next entry. Entry.Path is ignored; the writer
// tracks its own position.
func (aw *Writer) WriteEntry(e Entry) error {
	if err := aw.endFile(); err != nil {
		return err
	}
	if aw.done {
		return fmt.Errorf("%w: entry after the root node closed", ErrMisplacedEntry)
	}
	if !aw.started {
		if e.Kind == KindEndDirectory {
			return fmt.Errorf("%w: end-directory before any directory", ErrMisplacedEntry)
		}
		aw.started = true
		if err := aw.w.WriteString(tokMagic); err != nil {
			return err
		}
		return aw.writeNode("", "", e)
	}
	if len(aw.stack) == 0 {
		return fmt.Errorf("%w: %s", ErrMisplacedEntry, e.Kind)
	}
	top := &aw.stack[len(aw.stack)-1]
	if e.Kind == KindEndDirectory {
		aw.stack = aw.stack[:len(aw.stack)-1]
		if err := aw.w.WriteString(tokClose); err != nil {
			return err
		}
		return aw.closeNode()
	}
	path := join(top.path, e.Name)
	if err := ValidateName(e.Name); err != nil {
		return wrap(path, err)
	}
	if top.lastName != "" && e.Name <= top.lastName {
		return wrap(path, fmt.Errorf("%w: %q after %q", ErrUnsorted, e.Name, top.lastName))
	}
	top.lastName = e.Name
	if err := aw.tokens(tokEntry, tokOpen, tokName, e.Name, tokNode); err != nil {
		return err
	}
	return aw.writeNode(path, e.Name, e)
}

func (aw *Writer) writeNode(path, name string, e Entry) error {
	if err := aw.tokens(tokOpen, tokType); err != nil {
		return err
	}
	switch e.Kind {
	case KindDirectory:
		aw.stack = append(aw.stack, dirFrame{path: path, name: name})
		return aw.w.WriteString(tokDirectory)
	case KindSymlink:
		if err := aw.tokens(tokSymlink, tokTarget, e.Target, tokClose); err != nil {
			return err
		}
		return aw.closeNode()
	case KindFile:
		if err := aw.w.WriteString(tokRegular); err != nil {
			return err
		}
		if e.Executable {
			if err := aw.tokens(tokExecutable, ""); err != nil {
				return err
			}
		}
		if err := aw.w.WriteString(tokContents); err != nil {
			return err
		}
		if err := aw.w.WriteU64(e.Size); err != nil {
			return err
		}
		aw.inFile = true
		aw.filePath = path
		aw.fileSize = e.Size
		aw.remaining = e.Size
		return nil
	}
	return wrap(path, fmt.Errorf("%w: cannot write %s", ErrUnexpectedToken, e.Kind))
}

func (aw *Writer) closeNode() error {
	if len(aw.stack) == 0 {
		aw.done = true
		return nil
	}
	return aw.w.WriteString(tokClose)
}

func (aw *Writer) endFile() error {
	if !aw.inFile {
		return nil
	}
	if aw.remaining != 0 {
		return wrap(aw.filePath, fmt.Errorf("%w: %d of %d bytes missing", ErrShortContents, aw.remaining, aw.fileSize))
	}
	aw.inFile = false
	if err := aw.w.WritePadding(aw.fileSize); err != nil {
		return err
	}
	if err := aw.w.WriteString(tokClose); err != nil {
		return err
	}
	return aw.closeNode()
}

// Write appends contents to the current file entry.
func (aw *Writer) Write(p []byte) (int, error) {
	if !aw.inFile {
		return 0, fmt.Errorf("%w: contents outside a file", ErrMisplacedEntry)
	}
	if uint64(len(p)) > aw.remaining {
		return 0, wrap(aw.filePath, ErrContentsOverflow)
	}
	n, err := aw.w.Write(p)
	aw.remaining -= uint64(n)
	return n, err
}

// Close finishes the last file and checks that the root node closed.
func (aw *Writer) Close() error {
	if err := aw.endFile(); err != nil {
		return err
	}
	if !aw.done {
		if !aw.started {
			return fmt.Errorf("%w: no root node", ErrIncomplete)
		}
		return fmt.Errorf("%w: %d directories still open", ErrIncomplete, len(aw.stack))
	}
	if aw.own {
		return aw.w.Flush()
	}
	return nil
}

func (aw *Writer) tokens(toks ...string) error {
	for _, t := range toks {
		if err := aw.w.WriteString(t); err != nil {
			return err
		}
	}
	return nil
}
