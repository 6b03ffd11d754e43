package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/testutil/testlog"
)

func TestU64LittleEndian(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteU64(0x0102030405060708); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	want := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("encoding mismatch: got=%v want=%v", buf.Bytes(), want)
	}
	v, err := NewReader(&buf, DefaultLimits()).ReadU64()
	if err != nil || v != 0x0102030405060708 {
		t.Fatalf("read: v=%x err=%v", v, err)
	}
}

func TestBytesPaddingBoundaries(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		size    int
		encoded int
	}{
		{size: 0, encoded: 8},
		{size: 1, encoded: 16},
		{size: 8, encoded: 16},
		{size: 9, encoded: 24},
		{size: 16, encoded: 24},
	}
	for _, tc := range cases {
		payload := bytes.Repeat([]byte{'x'}, tc.size)
		var buf bytes.Buffer
		w := NewWriter(&buf)
		if err := w.WriteBytes(payload); err != nil {
			t.Fatalf("write size=%d: %v", tc.size, err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		if buf.Len() != tc.encoded {
			t.Fatalf("size=%d encoded len got=%d want=%d", tc.size, buf.Len(), tc.encoded)
		}
		for _, b := range buf.Bytes()[8+tc.size:] {
			if b != 0 {
				t.Fatalf("size=%d: padding must be zero, got %v", tc.size, buf.Bytes())
			}
		}
		got, err := NewReader(&buf, DefaultLimits()).ReadBytes()
		if err != nil {
			t.Fatalf("read size=%d: %v", tc.size, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip size=%d mismatch", tc.size)
		}
	}
}

func TestReadBytesIgnoresPaddingContents(t *testing.T) {
	testlog.Start(t)
	raw := []byte{3, 0, 0, 0, 0, 0, 0, 0, 'a', 'b', 'c', 0xff, 0xee, 0xdd, 0xcc, 0xbb}
	r := NewReader(bytes.NewReader(raw), DefaultLimits())
	got, err := r.ReadString()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "abc" {
		t.Fatalf("got=%q", got)
	}
}

func TestReadTruncated(t *testing.T) {
	testlog.Start(t)
	r := NewReader(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if _, err := r.ReadU64(); !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}

	// length says 10, only 4 payload bytes follow
	raw := []byte{10, 0, 0, 0, 0, 0, 0, 0, 'a', 'b', 'c', 'd'}
	r = NewReader(bytes.NewReader(raw), DefaultLimits())
	if _, err := r.ReadBytes(); !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadInvalidLength(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteBytes(make([]byte, 64))
	_ = w.Flush()
	limits := DefaultLimits()
	limits.MaxStringBytes = 16
	if _, err := NewReader(&buf, limits).ReadBytes(); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestTryReadU64CleanEOF(t *testing.T) {
	testlog.Start(t)
	r := NewReader(bytes.NewReader(nil), DefaultLimits())
	_, ok, err := r.TryReadU64()
	if ok || err != nil {
		t.Fatalf("expected clean eof, ok=%v err=%v", ok, err)
	}

	r = NewReader(bytes.NewReader([]byte{1, 2}), DefaultLimits())
	_, ok, err = r.TryReadU64()
	if ok || !errors.Is(err, protocol.ErrTruncated) {
		t.Fatalf("expected truncated, ok=%v err=%v", ok, err)
	}
}

func TestBoolAcceptsNonzero(t *testing.T) {
	testlog.Start(t)
	raw := []byte{7, 0, 0, 0, 0, 0, 0, 0}
	v, err := NewReader(bytes.NewReader(raw), DefaultLimits()).ReadBool()
	if err != nil || !v {
		t.Fatalf("got=%v err=%v", v, err)
	}
}

func TestFramedRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 5000)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	fw := NewFramedWriter(w)
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("framed write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("framed close: %v", err)
	}
	if err := w.WriteString("after"); err != nil {
		t.Fatalf("trailer: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := NewReader(&buf, DefaultLimits())
	fr := NewFramedReader(r)
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("framed read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("framed payload mismatch: got=%d want=%d bytes", len(got), len(payload))
	}
	tail, err := r.ReadString()
	if err != nil || tail != "after" {
		t.Fatalf("stream out of sync after frames: tail=%q err=%v", tail, err)
	}
}

func TestFramedDrain(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	fw := NewFramedWriter(w)
	_, _ = fw.Write([]byte("unused payload"))
	_ = fw.Close()
	_ = w.WriteU64(42)
	_ = w.Flush()

	r := NewReader(&buf, DefaultLimits())
	fr := NewFramedReader(r)
	if err := fr.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !fr.Done() {
		t.Fatalf("expected terminator consumed")
	}
	v, err := r.ReadU64()
	if err != nil || v != 42 {
		t.Fatalf("got=%d err=%v", v, err)
	}
}

func TestDeferredFailure(t *testing.T) {
	testlog.Start(t)
	r := NewReader(bytes.NewReader(nil), DefaultLimits())
	first := errors.New("first")
	r.Enter("PathInfo")
	r.Enter("deriver")
	r.Defer(first)
	r.Leave()
	r.Defer(errors.New("second"))
	r.Leave()
	err := r.TakeDeferred()
	if !errors.Is(err, first) {
		t.Fatalf("got=%v", err)
	}
	var de *protocol.DecodeError
	if !errors.As(err, &de) || len(de.Path) != 2 || de.Path[1] != "deriver" {
		t.Fatalf("unexpected path: %v", err)
	}
	if err := r.TakeDeferred(); err != nil {
		t.Fatalf("expected cleared, got=%v", err)
	}
}
