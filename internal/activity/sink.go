package activity

import (
	"context"
	"sync"
	"sync/atomic"
)

// Sink consumes log messages in emission order.
type Sink interface {
	Log(msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg Message) error

func (f SinkFunc) Log(msg Message) error { return f(msg) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(Message) error { return nil })

type sinkKey struct{}

// WithSink binds sink to ctx.
func WithSink(ctx context.Context, sink Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// FromContext returns the sink bound to ctx, or Discard.
func FromContext(ctx context.Context) Sink {
	if s, ok := ctx.Value(sinkKey{}).(Sink); ok && s != nil {
		return s
	}
	return Discard
}

// Recorder keeps every message it receives.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Log(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a copy of the recorded stream.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Multi fans each message out to every sink, stopping at the first
// failure.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(msg Message) error {
		for _, s := range sinks {
			if err := s.Log(msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Broadcaster lets observers subscribe to a message stream. Slow
// subscribers lose messages instead of stalling the emitter.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Message
	nextID int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Message)}
}

// Subscribe returns a channel of future messages and a cancel function
// that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Message, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Broadcaster) Log(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

var lastID atomic.Uint64

// NextID allocates a process-unique activity id.
func NextID() uint64 {
	return lastID.Add(1)
}
