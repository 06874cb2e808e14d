package pubsub

import (
	"context"
	"errors"
	"sync"
)

// DefaultBuffer is the number of events a subscriber may fall behind before it
// is dropped from a [ChannelBus].
const DefaultBuffer = 256

var ErrClosed = errors.New("pubsub: bus closed")

func NewMemoryBus[E any]() *ChannelBus[E] {
	return NewBufferedBus[E](DefaultBuffer)
}

func NewBufferedBus[E any](buffer int) *ChannelBus[E] {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelBus[E]{queues: make(map[uint64]*queue[E]), buffer: buffer}
}

type Empty struct{}

// ChannelBus fans events out to in-memory subscribers. Publishing never blocks
// on a subscriber: one whose buffer is full is closed and removed.
type ChannelBus[E any] struct {
	mu     sync.RWMutex
	queues map[uint64]*queue[E]
	next   uint64
	buffer int
	closed bool
}

func (cb *ChannelBus[E]) Close() error {
	cb.mu.Lock()
	queues := make([]*queue[E], 0, len(cb.queues))
	for _, q := range cb.queues {
		queues = append(queues, q)
	}
	cb.closed = true
	cb.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
	return nil
}

// Len returns the number of live subscribers.
func (cb *ChannelBus[E]) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return len(cb.queues)
}

func (cb *ChannelBus[E]) Subscriber(ctx context.Context, _ ...Empty) (Sub[E], error) {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return nil, ErrClosed
	}
	if cb.queues == nil {
		cb.queues = make(map[uint64]*queue[E])
	}
	buf := cb.buffer
	if buf < 1 {
		buf = DefaultBuffer
	}
	q := &queue[E]{
		ch:   make(chan E, buf),
		done: make(chan struct{}),
		id:   cb.next,
		bus:  cb,
	}
	cb.queues[q.id] = q
	cb.next++
	cb.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			q.Close()
		case <-q.done:
		}
	}()
	return q, nil
}

func (cb *ChannelBus[E]) Publisher(ctx context.Context, _ ...Empty) (Pub[E], error) {
	return &channelBusPublisher[E]{cb: cb}, nil
}

type channelBusPublisher[E any] struct{ cb *ChannelBus[E] }

// Close does nothing since this should just publish to all existing channels.
func (cbp *channelBusPublisher[E]) Close() error {
	return nil
}

func (cbp *channelBusPublisher[E]) Pub(ctx context.Context, evt E) error {
	return cbp.cb.pub(ctx, evt)
}

func (cb *ChannelBus[E]) pub(ctx context.Context, evt E) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var slow []*queue[E]
	cb.mu.RLock()
	if cb.closed {
		cb.mu.RUnlock()
		return ErrClosed
	}
	for _, q := range cb.queues {
		select {
		case <-q.done:
		case q.ch <- evt:
		default:
			slow = append(slow, q)
		}
	}
	cb.mu.RUnlock()
	for _, q := range slow {
		q.Close()
	}
	return nil
}

func (cb *ChannelBus[E]) remove(q *queue[E]) {
	cb.mu.Lock()
	delete(cb.queues, q.id)
	cb.mu.Unlock()
}

type queue[E any] struct {
	ch   chan E
	done chan struct{}
	once sync.Once
	id   uint64
	bus  *ChannelBus[E]
}

// Close removes the subscriber from its bus and closes its channel. Safe to
// call more than once.
func (q *queue[E]) Close() error {
	q.once.Do(func() {
		close(q.done)
		// publishers only send while holding the read lock so once the queue
		// is removed nothing can send on ch
		q.bus.remove(q)
		close(q.ch)
	})
	return nil
}

func (q *queue[E]) Sub(ctx context.Context) (<-chan E, error) {
	return q.ch, nil
}
