package archive

import (
	"fmt"
	"io"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

type readState int

const (
	stateStart readState = iota
	stateDir
	stateFile
	stateDone
)

type dirFrame struct {
	path     string
	name     string
	lastName string
}

// Reader pulls entries from an archive stream one at a time. A file's
// contents are read from the Reader itself before the next call to Next.
// The stream is single pass.
type Reader struct {
	r      *wire.Reader
	strict bool
	state  readState
	stack  []dirFrame

	filePath  string
	fileSize  uint64
	remaining uint64

	err error
}

type ReaderOption func(*Reader)

// Strict rejects directory entries that are out of order or duplicated.
func Strict() ReaderOption {
	return func(r *Reader) { r.strict = true }
}

// NewReader reads an archive from r. A *wire.Reader is used as is, so
// decoding stops exactly at the end of the archive; any other reader is
// buffered.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	wr, ok := r.(*wire.Reader)
	if !ok {
		wr = wire.NewReader(r, tokenLimits())
	}
	ar := &Reader{r: wr}
	for _, opt := range opts {
		opt(ar)
	}
	return ar
}

// Next returns the next entry, or io.EOF after the root node closes.
// Unread file contents are skipped.
func (ar *Reader) Next() (Entry, error) {
	if ar.err != nil {
		return Entry{}, ar.err
	}
	e, err := ar.next()
	if err != nil {
		if err != io.EOF {
			err = wrap(ar.currentPath(), err)
		}
		ar.err = err
		return Entry{}, err
	}
	return e, nil
}

func (ar *Reader) currentPath() string {
	if ar.state == stateFile {
		return ar.filePath
	}
	if n := len(ar.stack); n > 0 {
		return ar.stack[n-1].path
	}
	return ""
}

func (ar *Reader) next() (Entry, error) {
	switch ar.state {
	case stateStart:
		magic, err := ar.r.ReadString()
		if err != nil {
			return Entry{}, err
		}
		if magic != tokMagic {
			return Entry{}, fmt.Errorf("%w: magic %q", ErrBadMagic, truncate(magic))
		}
		return ar.readNode("", "")
	case stateFile:
		if err := ar.finishFile(); err != nil {
			return Entry{}, err
		}
		if ar.state == stateDone {
			return Entry{}, io.EOF
		}
	case stateDone:
		return Entry{}, io.EOF
	}
	return ar.readDirItem()
}

func (ar *Reader) readDirItem() (Entry, error) {
	top := &ar.stack[len(ar.stack)-1]
	tok, err := ar.r.ReadString()
	if err != nil {
		return Entry{}, err
	}
	switch tok {
	case tokClose:
		end := Entry{Kind: KindEndDirectory, Path: top.path, Name: top.name}
		ar.stack = ar.stack[:len(ar.stack)-1]
		if err := ar.closeNode(); err != nil {
			return Entry{}, err
		}
		return end, nil
	case tokEntry:
	default:
		return Entry{}, fmt.Errorf("%w: %q in directory", ErrUnexpectedToken, truncate(tok))
	}
	if err := ar.expect(tokOpen, tokName); err != nil {
		return Entry{}, err
	}
	name, err := ar.r.ReadString()
	if err != nil {
		return Entry{}, err
	}
	if err := ValidateName(name); err != nil {
		return Entry{}, err
	}
	if ar.strict && top.lastName != "" && name <= top.lastName {
		return Entry{}, fmt.Errorf("%w: %q after %q", ErrUnsorted, name, top.lastName)
	}
	top.lastName = name
	if err := ar.expect(tokNode); err != nil {
		return Entry{}, err
	}
	return ar.readNode(join(top.path, name), name)
}

func (ar *Reader) readNode(path, name string) (Entry, error) {
	if err := ar.expect(tokOpen, tokType); err != nil {
		return Entry{}, err
	}
	typ, err := ar.r.ReadString()
	if err != nil {
		return Entry{}, err
	}
	switch typ {
	case tokDirectory:
		ar.stack = append(ar.stack, dirFrame{path: path, name: name})
		ar.state = stateDir
		return Entry{Kind: KindDirectory, Path: path, Name: name}, nil
	case tokSymlink:
		if err := ar.expect(tokTarget); err != nil {
			return Entry{}, err
		}
		target, err := ar.r.ReadString()
		if err != nil {
			return Entry{}, err
		}
		if err := ar.expect(tokClose); err != nil {
			return Entry{}, err
		}
		if err := ar.closeNode(); err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindSymlink, Path: path, Name: name, Target: target}, nil
	case tokRegular:
		tok, err := ar.r.ReadString()
		if err != nil {
			return Entry{}, err
		}
		exec := false
		if tok == tokExecutable {
			exec = true
			if err := ar.expect("", tokContents); err != nil {
				return Entry{}, err
			}
		} else if tok != tokContents {
			return Entry{}, fmt.Errorf("%w: %q in regular file", ErrUnexpectedToken, truncate(tok))
		}
		size, err := ar.r.ReadU64()
		if err != nil {
			return Entry{}, err
		}
		ar.state = stateFile
		ar.filePath = path
		ar.fileSize = size
		ar.remaining = size
		return Entry{Kind: KindFile, Path: path, Name: name, Executable: exec, Size: size}, nil
	default:
		return Entry{}, fmt.Errorf("%w: node type %q", ErrUnexpectedToken, truncate(typ))
	}
}

// closeNode runs after a node's closing token: inside a directory the
// enclosing entry closes too, at the root the archive is complete.
func (ar *Reader) closeNode() error {
	if len(ar.stack) == 0 {
		ar.state = stateDone
		return nil
	}
	ar.state = stateDir
	return ar.expect(tokClose)
}

func (ar *Reader) finishFile() error {
	if ar.remaining > 0 {
		if _, err := io.CopyN(io.Discard, ar, int64(ar.remaining)); err != nil {
			return err
		}
	}
	if err := ar.r.SkipPadding(ar.fileSize); err != nil {
		return err
	}
	if err := ar.expect(tokClose); err != nil {
		return err
	}
	return ar.closeNode()
}

// Read reads contents of the current file entry.
func (ar *Reader) Read(p []byte) (int, error) {
	if ar.state != stateFile || ar.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > ar.remaining {
		p = p[:ar.remaining]
	}
	n, err := ar.r.Read(p)
	ar.remaining -= uint64(n)
	if err == io.EOF {
		if ar.remaining > 0 {
			return n, wrap(ar.filePath, fmt.Errorf("%w: %w", ErrShortContents, protocol.ErrTruncated))
		}
		err = nil
	}
	return n, err
}

func (ar *Reader) expect(tokens ...string) error {
	for _, want := range tokens {
		got, err := ar.r.ReadString()
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: got %q want %q", ErrUnexpectedToken, truncate(got), want)
		}
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
