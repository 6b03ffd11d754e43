package daemon

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/observability"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/store"
)

// RemoteError is a failure reported by the peer in an error frame. The
// connection stays usable after one.
type RemoteError struct {
	Level      activity.Verbosity
	Message    string
	ExitStatus uint64
	Traces     []string
}

func (e *RemoteError) Error() string {
	if len(e.Traces) == 0 {
		return e.Message
	}
	return e.Message + " (" + strings.Join(e.Traces, "; ") + ")"
}

// asRemoteError converts a store failure into the error frame sent for
// it. Errors relayed from an upstream daemon pass through unchanged.
func asRemoteError(err error) RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return *re
	}
	status := uint64(1)
	if errors.Is(err, store.ErrBuildFailed) {
		status = 100
	}
	return RemoteError{Level: activity.VerbosityError, Message: err.Error(), ExitStatus: status}
}

func frameKind(msg activity.Message) string {
	switch msg.(type) {
	case *activity.Text:
		return "next"
	case *activity.Start:
		return "start"
	case *activity.Stop:
		return "stop"
	case *activity.Result:
		return "result"
	}
	return "unknown"
}

// frameSink writes the log messages of one operation to the client as
// stderr frames. It is open only while an operation runs; messages that
// arrive after the operation finished are dropped.
type frameSink struct {
	mu      sync.Mutex
	w       *wire.Writer
	tracker *activity.Tracker
	open    bool
	err     error
}

func newFrameSink(w *wire.Writer) *frameSink {
	return &frameSink{w: w, tracker: activity.NewTracker(false)}
}

func (s *frameSink) begin() {
	s.mu.Lock()
	s.open = true
	s.err = nil
	s.mu.Unlock()
}

// end closes the sink and returns the first write failure, if any.
func (s *frameSink) end() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return s.err
}

func (s *frameSink) Log(msg activity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	if s.err != nil {
		return s.err
	}
	if err := s.tracker.Log(msg); err != nil {
		if errors.Is(err, activity.ErrIDReused) {
			return fmt.Errorf("%w: %w", protocol.ErrActivityReused, err)
		}
		return err
	}
	msg, ok := downgrade(s.w.Version(), msg)
	if !ok {
		return nil
	}
	if err := logMessageCodec.Write(s.w, msg); err != nil {
		s.err = err
		return err
	}
	if err := s.w.Flush(); err != nil {
		s.err = err
		return err
	}
	observability.RecordLogFrame(frameKind(msg))
	return nil
}

// downgrade rewrites msg for peers that predate structured activities.
// Those see a started activity as a text line and nothing else.
func downgrade(v protocol.Version, msg activity.Message) (activity.Message, bool) {
	if v.AtLeast(20) {
		return msg, true
	}
	switch m := msg.(type) {
	case *activity.Start:
		if m.Text == "" {
			return nil, false
		}
		return &activity.Text{Level: m.Level, Text: m.Text + "..."}, true
	case *activity.Stop, *activity.Result:
		return nil, false
	}
	return msg, true
}

// withFrames runs fn while holding the sink lock so raw frames do not
// interleave with log frames.
func (s *frameSink) withFrames(fn func(w *wire.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.w)
}

func writeLast(w *wire.Writer) error {
	return w.WriteU64(protocol.StderrLast)
}

func writeErrorFrame(w *wire.Writer, err error) error {
	re := asRemoteError(err)
	if werr := w.WriteU64(protocol.StderrError); werr != nil {
		return werr
	}
	if werr := remoteErrorCodec.Write(w, re); werr != nil {
		return werr
	}
	return w.Flush()
}
