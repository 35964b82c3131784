package session

import "context"

// Sink is told when the session can no longer be recovered. It is called
// once per terminal failure and must tolerate repeated calls.
type Sink interface {
	OnSessionInvalid(ctx context.Context, err error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, err error)

func (f SinkFunc) OnSessionInvalid(ctx context.Context, err error) {
	f(ctx, err)
}

// NopSink ignores session invalidation.
type NopSink struct{}

func (NopSink) OnSessionInvalid(context.Context, error) {}
