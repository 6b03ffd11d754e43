package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// Dump serializes the file tree at path. Ownership, timestamps and
// permission bits other than the executable bit are not recorded.
func Dump(w io.Writer, path string) error {
	aw := NewWriter(w)
	if err := dump(aw, path, ""); err != nil {
		return err
	}
	return aw.Close()
}

func dump(aw *Writer, path, name string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	switch mode := info.Mode(); {
	case mode.IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		e := Entry{Kind: KindFile, Name: name, Executable: mode&0o111 != 0, Size: uint64(info.Size())}
		if err := aw.WriteEntry(e); err != nil {
			return err
		}
		if _, err := io.Copy(aw, f); err != nil {
			return fmt.Errorf("archive: dump %s: %w", path, err)
		}
		return nil
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		return aw.WriteEntry(Entry{Kind: KindSymlink, Name: name, Target: target})
	case mode.IsDir():
		if err := aw.WriteEntry(Entry{Kind: KindDirectory, Name: name}); err != nil {
			return err
		}
		// ReadDir sorts by name, which is the byte order archives need.
		children, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := dump(aw, filepath.Join(path, child.Name()), child.Name()); err != nil {
				return err
			}
		}
		return aw.WriteEntry(Entry{Kind: KindEndDirectory})
	default:
		return fmt.Errorf("archive: unsupported file type %s at %s", mode.Type(), path)
	}
}

// Restore unpacks an archive to dst, which must not exist. The tree is
// staged next to dst and renamed into place only once the whole archive
// has been read, so a failure never leaves a partial tree at dst.
func Restore(r io.Reader, dst string) error {
	dst = filepath.Clean(dst)
	if _, err := os.Lstat(dst); err == nil {
		return &ArchiveError{Path: dst, Err: ErrExists}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	staging, err := os.MkdirTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".restore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	root := filepath.Join(staging, "root")
	if err := restore(NewReader(r, Strict()), root); err != nil {
		return err
	}
	return os.Rename(root, dst)
}

func restore(ar *Reader, root string) error {
	for {
		e, err := ar.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := root
		if e.Path != "" {
			target = filepath.Join(root, filepath.FromSlash(e.Path))
		}
		switch e.Kind {
		case KindDirectory:
			if err := os.Mkdir(target, 0o755); err != nil {
				return err
			}
		case KindEndDirectory:
		case KindSymlink:
			if err := os.Symlink(e.Target, target); err != nil {
				return err
			}
		case KindFile:
			mode := os.FileMode(0o644)
			if e.Executable {
				mode = 0o755
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, ar)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
}

// Copy forwards exactly one archive from src to dst and returns the
// number of bytes copied. The archive is parsed on the way so the copy
// ends at the archive's last byte; src is never read past it.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	cw := &countingWriter{w: dst}
	var tee io.Reader = io.TeeReader(src, cw)
	ar := NewReader(wire.NewRawReader(tee, tokenLimits()))
	for {
		_, err := ar.Next()
		if err == io.EOF {
			return cw.n, nil
		}
		if err != nil {
			return cw.n, err
		}
	}
}

// Validate parses a complete archive in strict mode and discards it.
func Validate(r io.Reader) error {
	ar := NewReader(r, Strict())
	for {
		if _, err := ar.Next(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
