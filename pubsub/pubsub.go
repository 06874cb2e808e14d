// Package pubsub fans appended log entries out to live readers.
package pubsub

import (
	"context"
	"io"
	"iter"
)

// Pub publishes events of type E.
type Pub[E any] interface {
	io.Closer
	Pub(ctx context.Context, v E) error
}

// Sub receives events of type E. The channel closes when the subscription
// ends.
type Sub[E any] interface {
	io.Closer
	Sub(ctx context.Context) (<-chan E, error)
}

// Bus creates publishers and subscribers. Opt is the bus specific option type.
type Bus[Opt, E any] interface {
	io.Closer
	Publisher(ctx context.Context, opts ...Opt) (Pub[E], error)
	Subscriber(ctx context.Context, opts ...Opt) (Sub[E], error)
}

var _ Bus[Empty, int] = (*ChannelBus[int])(nil)

// Subscribe registers on bus before returning, so every event published after
// the call is seen by the iterator. Iteration stops when ctx is done or the
// bus drops the subscription.
func Subscribe[E any](ctx context.Context, bus Bus[Empty, E]) (iter.Seq[E], error) {
	sub, err := bus.Subscriber(ctx)
	if err != nil {
		return nil, err
	}
	events, err := sub.Sub(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return func(yield func(E) bool) {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok || !yield(e) {
					return
				}
			}
		}
	}, nil
}
