// Package broadcast implements a bounded, lossy fan-out channel. Every
// subscriber owns a fixed-size ring; a publisher never blocks, and a slow
// subscriber loses the oldest values rather than stalling its peers. Receivers
// are told how many values they missed so they can resynchronise.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// ErrClosed is returned once the channel has been closed and a subscriber has
// drained everything that was buffered for it.
var ErrClosed = errors.New("broadcast channel closed")

// Lagged reports values dropped between two successful receives.
type Lagged struct {
	// Skipped is how many values this subscriber missed.
	Skipped uint64
}

func (l Lagged) Error() string { return "broadcast subscriber lagged" }

// Channel is a lossy broadcast channel of values of type T.
type Channel[T any] struct {
	mtx    sync.Mutex
	subs   map[*Subscriber[T]]struct{}
	closed bool

	capacity int
	dropped  atomic.Uint64
}

// Subscriber is one receiver attached to a Channel.
type Subscriber[T any] struct {
	ch *Channel[T]

	// ring state, guarded by ch.mtx
	buf     []T
	head    int // index of oldest value
	n       int // values currently buffered
	skipped uint64

	wake chan struct{}
}

// NewChannel returns a channel whose subscribers each buffer up to capacity
// values. capacity must be at least 1.
func NewChannel[T any](capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{
		subs:     make(map[*Subscriber[T]]struct{}),
		capacity: capacity,
	}
}

// Send delivers v to every current subscriber. It never blocks: a subscriber
// with a full ring loses its oldest value. Sending on a channel with no
// subscribers succeeds and the value is gone.
func (c *Channel[T]) Send(v T) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return ErrClosed
	}

	for s := range c.subs {
		if s.n == len(s.buf) {
			// overwrite the oldest
			s.head = (s.head + 1) % len(s.buf)
			s.n--
			s.skipped++
			c.dropped.Inc()
		}
		s.buf[(s.head+s.n)%len(s.buf)] = v
		s.n++
		s.notify()
	}
	return nil
}

// Subscribe attaches a new receiver. Values sent before Subscribe are not
// seen. Subscribing to a closed channel returns a subscriber whose Recv
// immediately reports ErrClosed.
func (c *Channel[T]) Subscribe() *Subscriber[T] {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	s := &Subscriber[T]{
		ch:   c,
		buf:  make([]T, c.capacity),
		wake: make(chan struct{}, 1),
	}
	if !c.closed {
		c.subs[s] = struct{}{}
	}
	return s
}

// Close wakes all subscribers. Buffered values remain receivable; once a
// subscriber drains its ring it gets ErrClosed.
func (c *Channel[T]) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for s := range c.subs {
		s.notify()
	}
}

// Subscribers returns the number of attached subscribers.
func (c *Channel[T]) Subscribers() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.subs)
}

// Dropped returns the total number of values lost across all subscribers
// since the channel was created.
func (c *Channel[T]) Dropped() uint64 {
	return c.dropped.Load()
}

func (s *Subscriber[T]) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv returns the next value for this subscriber. If values were lost since
// the last receive it returns a Lagged error carrying the count; the next
// call resumes from the oldest retained value. Recv blocks until a value
// arrives, ctx is done, or the channel is closed and drained.
func (s *Subscriber[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.ch.mtx.Lock()
		if s.skipped > 0 {
			n := s.skipped
			s.skipped = 0
			s.ch.mtx.Unlock()
			return zero, Lagged{Skipped: n}
		}
		if s.n > 0 {
			v := s.buf[s.head]
			s.buf[s.head] = zero
			s.head = (s.head + 1) % len(s.buf)
			s.n--
			s.ch.mtx.Unlock()
			return v, nil
		}
		closed := s.ch.closed
		s.ch.mtx.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.wake:
		}
	}
}

// Unsubscribe detaches the receiver. Pending Recv calls on other subscribers
// are unaffected.
func (s *Subscriber[T]) Unsubscribe() {
	s.ch.mtx.Lock()
	delete(s.ch.subs, s)
	s.ch.mtx.Unlock()
	s.notify()
}
