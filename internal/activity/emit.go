package activity

import "context"

// Activity is a started activity handle used by store code.
type Activity struct {
	sink Sink
	id   uint64
}

// Log emits a text line on the sink bound to ctx.
func Log(ctx context.Context, level Verbosity, text string) error {
	return FromContext(ctx).Log(&Text{Level: level, Text: text})
}

// Begin starts an activity under the sink bound to ctx. Parent is the
// activity bound with WithParent, if any.
func Begin(ctx context.Context, level Verbosity, typ ActivityType, text string, fields ...Field) (*Activity, error) {
	sink := FromContext(ctx)
	act := &Activity{sink: sink, id: NextID()}
	err := sink.Log(&Start{
		ID:     act.id,
		Level:  level,
		Type:   typ,
		Text:   text,
		Fields: fields,
		Parent: ParentFromContext(ctx),
	})
	return act, err
}

func (a *Activity) ID() uint64 { return a.id }

func (a *Activity) Result(typ ResultType, fields ...Field) error {
	return a.sink.Log(&Result{ID: a.id, Type: typ, Fields: fields})
}

func (a *Activity) End() error {
	return a.sink.Log(&Stop{ID: a.id})
}

type parentKey struct{}

// WithParent makes act the parent of activities begun under ctx.
func WithParent(ctx context.Context, act *Activity) context.Context {
	return context.WithValue(ctx, parentKey{}, act.id)
}

func ParentFromContext(ctx context.Context) uint64 {
	id, _ := ctx.Value(parentKey{}).(uint64)
	return id
}
