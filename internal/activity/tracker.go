package activity

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrIDReused        = errors.New("activity: id reused")
	ErrUnknownParent   = errors.New("activity: parent not running")
	ErrUnknownActivity = errors.New("activity: activity not running")
)

// Node is one reconstructed activity.
type Node struct {
	Start    Start
	Results  []Result
	Children []*Node
	Stopped  bool
}

// Tracker checks the causal rules of a message stream and optionally
// rebuilds the activity tree from id and parent links.
//
// Ids are never reused within one stream. A child starts while its parent
// runs. Stop and Result refer to a running activity.
type Tracker struct {
	mu       sync.Mutex
	keepTree bool
	seen     map[uint64]struct{}
	running  map[uint64]*Node
	roots    []*Node
	texts    []Text
}

func NewTracker(keepTree bool) *Tracker {
	return &Tracker{
		keepTree: keepTree,
		seen:     make(map[uint64]struct{}),
		running:  make(map[uint64]*Node),
	}
}

func (t *Tracker) Log(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch m := msg.(type) {
	case *Text:
		if t.keepTree {
			t.texts = append(t.texts, *m)
		}
	case *Start:
		if _, dup := t.seen[m.ID]; dup {
			return fmt.Errorf("%w: %d", ErrIDReused, m.ID)
		}
		var parent *Node
		if m.Parent != 0 {
			p, ok := t.running[m.Parent]
			if !ok {
				return fmt.Errorf("%w: %d (child %d)", ErrUnknownParent, m.Parent, m.ID)
			}
			parent = p
		}
		t.seen[m.ID] = struct{}{}
		node := &Node{Start: *m}
		t.running[m.ID] = node
		if !t.keepTree {
			return nil
		}
		if parent != nil {
			parent.Children = append(parent.Children, node)
		} else {
			t.roots = append(t.roots, node)
		}
	case *Stop:
		node, ok := t.running[m.ID]
		if !ok {
			return fmt.Errorf("%w: stop %d", ErrUnknownActivity, m.ID)
		}
		node.Stopped = true
		delete(t.running, m.ID)
	case *Result:
		node, ok := t.running[m.ID]
		if !ok {
			return fmt.Errorf("%w: result for %d", ErrUnknownActivity, m.ID)
		}
		if t.keepTree {
			node.Results = append(node.Results, *m)
		}
	default:
		return fmt.Errorf("activity: unknown message %T", msg)
	}
	return nil
}

// Roots returns the top-level activities in start order.
func (t *Tracker) Roots() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Node(nil), t.roots...)
}

// Texts returns the plain text lines seen so far.
func (t *Tracker) Texts() []Text {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Text(nil), t.texts...)
}

// Running returns the number of started but unstopped activities.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}
