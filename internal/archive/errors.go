package archive

import (
	"errors"
	"fmt"
)

var (
	ErrBadMagic         = errors.New("archive: not an archive")
	ErrUnexpectedToken  = errors.New("archive: unexpected token")
	ErrInvalidName      = errors.New("archive: invalid entry name")
	ErrUnsorted         = errors.New("archive: entries out of order")
	ErrShortContents    = errors.New("archive: file contents shorter than declared size")
	ErrContentsOverflow = errors.New("archive: file contents exceed declared size")
	ErrIncomplete       = errors.New("archive: incomplete archive")
	ErrMisplacedEntry   = errors.New("archive: entry outside a directory")
	ErrExists           = errors.New("archive: restore target exists")
)

// ArchiveError locates a failure inside the tree.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (at %q)", e.Err, e.Path)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

func wrap(path string, err error) error {
	if err == nil {
		return nil
	}
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return err
	}
	return &ArchiveError{Path: path, Err: err}
}
