package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/danmuck/nixwire/internal/protocol"
)

var zeroPad [8]byte

// Writer encodes primitives onto a buffered stream. Nothing reaches the
// peer until Flush.
type Writer struct {
	w        *bufio.Writer
	buf      [8]byte
	version  protocol.Version
	storeDir string
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:        bufio.NewWriterSize(w, 32*1024),
		version:  protocol.MaxVersion,
		storeDir: DefaultStoreDir,
	}
}

func (w *Writer) Version() protocol.Version     { return w.version }
func (w *Writer) SetVersion(v protocol.Version) { w.version = v }
func (w *Writer) StoreDir() string              { return w.storeDir }
func (w *Writer) SetStoreDir(dir string)        { w.storeDir = dir }

// Write passes raw bytes through to the buffered stream.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		return n, &protocol.TransportError{Op: "write", Err: err}
	}
	return n, nil
}

func (w *Writer) WriteU64(v uint64) error {
	binary.LittleEndian.PutUint64(w.buf[:], v)
	_, err := w.Write(w.buf[:])
	return err
}

func (w *Writer) WriteI64(v int64) error {
	return w.WriteU64(uint64(v))
}

func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteU64(1)
	}
	return w.WriteU64(0)
}

func (w *Writer) WriteBytes(b []byte) error {
	if err := w.WriteU64(uint64(len(b))); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.WritePadding(uint64(len(b)))
}

func (w *Writer) WriteString(s string) error {
	if err := w.WriteU64(uint64(len(s))); err != nil {
		return err
	}
	if _, err := w.w.WriteString(s); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return w.WritePadding(uint64(len(s)))
}

// WritePadding emits the zero bytes that follow n raw payload bytes.
func (w *Writer) WritePadding(n uint64) error {
	pad := padding(n)
	if pad == 0 {
		return nil
	}
	_, err := w.Write(zeroPad[:pad])
	return err
}

func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return &protocol.TransportError{Op: "flush", Err: err}
	}
	return nil
}
