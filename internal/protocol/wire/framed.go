package wire

import (
	"fmt"
	"io"

	"github.com/danmuck/nixwire/internal/protocol"
)

// FramedReader reads a chunked stream: repeated (u64 length, raw bytes)
// chunks terminated by a zero-length chunk. Chunks carry no padding.
type FramedReader struct {
	r         *Reader
	remaining uint64
	done      bool
}

func NewFramedReader(r *Reader) *FramedReader {
	return &FramedReader{r: r}
}

func (f *FramedReader) Read(p []byte) (int, error) {
	if f.done {
		return 0, io.EOF
	}
	for f.remaining == 0 {
		n, err := f.r.ReadU64()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			f.done = true
			return 0, io.EOF
		}
		if n > f.r.limits.MaxFrameBytes {
			return 0, fmt.Errorf("%w: frame of %d bytes exceeds %d", protocol.ErrInvalidLength, n, f.r.limits.MaxFrameBytes)
		}
		f.remaining = n
	}
	if uint64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := io.ReadFull(f.r.r, p)
	f.remaining -= uint64(n)
	if err != nil {
		return n, fmt.Errorf("%w: framed chunk", protocol.ErrTruncated)
	}
	return n, nil
}

// Drain consumes the rest of the stream so the next value on the
// connection starts at a frame boundary.
func (f *FramedReader) Drain() error {
	_, err := io.Copy(io.Discard, f)
	return err
}

// Done reports whether the terminating chunk has been read.
func (f *FramedReader) Done() bool { return f.done }

// FramedWriter buffers writes into chunks. Close writes the terminator
// but leaves the underlying Writer open and unflushed.
type FramedWriter struct {
	w      *Writer
	buf    []byte
	closed bool
}

const defaultChunkSize = 32 * 1024

func NewFramedWriter(w *Writer) *FramedWriter {
	return &FramedWriter{w: w, buf: make([]byte, 0, defaultChunkSize)}
}

func (f *FramedWriter) Write(p []byte) (int, error) {
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	written := 0
	for len(p) > 0 {
		n := copy(f.buf[len(f.buf):cap(f.buf)], p)
		f.buf = f.buf[:len(f.buf)+n]
		p = p[n:]
		written += n
		if len(f.buf) == cap(f.buf) {
			if err := f.flushChunk(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (f *FramedWriter) flushChunk() error {
	if len(f.buf) == 0 {
		return nil
	}
	if err := f.w.WriteU64(uint64(len(f.buf))); err != nil {
		return err
	}
	if _, err := f.w.Write(f.buf); err != nil {
		return err
	}
	f.buf = f.buf[:0]
	return nil
}

func (f *FramedWriter) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.flushChunk(); err != nil {
		return err
	}
	return f.w.WriteU64(0)
}
