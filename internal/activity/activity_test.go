package activity

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/danmuck/nixwire/internal/testutil/testlog"
)

func TestEmitThroughContext(t *testing.T) {
	testlog.Start(t)
	rec := &Recorder{}
	ctx := WithSink(context.Background(), rec)

	act, err := Begin(ctx, VerbosityInfo, ActBuild, "building", String("/nix/store/x.drv"), Int(1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	child, err := Begin(WithParent(ctx, act), VerbosityDebug, ActBuildWaiting, "waiting")
	if err != nil {
		t.Fatalf("begin child: %v", err)
	}
	_ = child.End()
	_ = act.Result(ResBuildLogLine, String("line 1"))
	_ = Log(ctx, VerbosityWarn, "note")
	_ = act.End()

	msgs := rec.Messages()
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got=%d", len(msgs))
	}
	start := msgs[1].(*Start)
	if start.Parent != act.ID() {
		t.Fatalf("child parent got=%d want=%d", start.Parent, act.ID())
	}
	if act.ID() == child.ID() {
		t.Fatalf("ids must be unique")
	}
}

func TestDiscardWithoutSink(t *testing.T) {
	testlog.Start(t)
	if err := Log(context.Background(), VerbosityError, "dropped"); err != nil {
		t.Fatalf("log without sink: %v", err)
	}
}

func TestTrackerBuildsTree(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker(true)
	stream := []Message{
		&Start{ID: 1, Type: ActBuilds, Text: "builds"},
		&Start{ID: 2, Type: ActBuild, Parent: 1},
		&Result{ID: 2, Type: ResSetPhase, Fields: []Field{String("unpackPhase")}},
		&Start{ID: 3, Type: ActBuild, Parent: 1},
		&Stop{ID: 2},
		&Text{Level: VerbosityInfo, Text: "hello"},
		&Stop{ID: 3},
		&Stop{ID: 1},
	}
	for i, msg := range stream {
		if err := tr.Log(msg); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
	roots := tr.Roots()
	if len(roots) != 1 || len(roots[0].Children) != 2 {
		t.Fatalf("unexpected tree: %+v", roots)
	}
	if len(roots[0].Children[0].Results) != 1 || !roots[0].Stopped {
		t.Fatalf("unexpected node state: %+v", roots[0].Children[0])
	}
	if tr.Running() != 0 {
		t.Fatalf("running got=%d", tr.Running())
	}
	if len(tr.Texts()) != 1 {
		t.Fatalf("texts got=%d", len(tr.Texts()))
	}
}

func TestTrackerRejectsViolations(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker(false)
	if err := tr.Log(&Start{ID: 5}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Log(&Stop{ID: 5}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tr.Log(&Start{ID: 5}); !errors.Is(err, ErrIDReused) {
		t.Fatalf("expected ErrIDReused, got %v", err)
	}
	if err := tr.Log(&Start{ID: 6, Parent: 5}); !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("expected ErrUnknownParent, got %v", err)
	}
	if err := tr.Log(&Result{ID: 42}); !errors.Is(err, ErrUnknownActivity) {
		t.Fatalf("expected ErrUnknownActivity, got %v", err)
	}
}

func TestCBORSinkRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	sink := NewCBORSink(&buf)
	in := []Message{
		&Text{Level: VerbosityNotice, Text: "hi"},
		&Start{ID: 9, Level: VerbosityInfo, Type: ActCopyPath, Text: "copying", Fields: []Field{String("a"), Int(3)}, Parent: 0},
		&Result{ID: 9, Type: ResProgress, Fields: []Field{Int(1), Int(2), Int(0), Int(0)}},
		&Stop{ID: 9},
	}
	for _, m := range in {
		if err := sink.Log(m); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	out, err := ReadCBOR(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("count got=%d want=%d", len(out), len(in))
	}
	start := out[1].(*Start)
	if start.Text != "copying" || len(start.Fields) != 2 || start.Fields[0].String != "a" || start.Fields[1].Int != 3 {
		t.Fatalf("start mismatch: %+v", start)
	}
}

func TestBroadcasterSubscribe(t *testing.T) {
	testlog.Start(t)
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(4)
	_ = b.Log(&Text{Text: "one"})
	got := <-ch
	if got.(*Text).Text != "one" {
		t.Fatalf("got=%+v", got)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	_ = b.Log(&Text{Text: "after cancel"})
}
