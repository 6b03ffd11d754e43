package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression names a stream compression for archive files.
type Compression string

const (
	CompressNone Compression = "none"
	CompressXZ   Compression = "xz"
	CompressZstd Compression = "zstd"
)

func ParseCompression(raw string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(raw))); c {
	case "", CompressNone:
		return CompressNone, nil
	case CompressXZ, CompressZstd:
		return c, nil
	}
	return "", fmt.Errorf("archive: unknown compression %q", raw)
}

// CompressionForFile guesses the compression from a file name such as
// "foo.nar.xz".
func CompressionForFile(name string) Compression {
	switch {
	case strings.HasSuffix(name, ".xz"):
		return CompressXZ
	case strings.HasSuffix(name, ".zst"), strings.HasSuffix(name, ".zstd"):
		return CompressZstd
	}
	return CompressNone
}

// Ext is the conventional file suffix for c.
func (c Compression) Ext() string {
	switch c {
	case CompressXZ:
		return ".xz"
	case CompressZstd:
		return ".zst"
	}
	return ""
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Compress wraps w. Closing the result flushes the compressor but not w.
func Compress(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressNone, "":
		return nopWriteCloser{w}, nil
	case CompressXZ:
		return xz.NewWriter(w)
	case CompressZstd:
		return zstd.NewWriter(w)
	}
	return nil, fmt.Errorf("archive: unknown compression %q", c)
}

// Decompress wraps r.
func Decompress(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressNone, "":
		return io.NopCloser(r), nil
	case CompressXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case CompressZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("archive: unknown compression %q", c)
}
