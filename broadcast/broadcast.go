/*
Package broadcast is a bounded fan-out channel. One producer sends, any number
of receivers read at their own pace. Send never blocks: a receiver that falls
more than the capacity behind loses the overwritten values and is told how
many it missed.
*/
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/algorand/go-deadlock"
)

var ErrClosed = errors.New("broadcast channel closed")

// LaggedError reports that a receiver missed values. The receiver has been
// moved to the oldest value still retained.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged behind and missed %d values", e.Missed)
}

type Broadcaster[T any] struct {
	lock        deadlock.Mutex
	ring        []T
	head        uint64 // sequence number of the next value
	closed      bool
	notify      chan struct{}
	subscribers int
}

func New[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		panic("broadcast capacity must be positive")
	}
	return &Broadcaster[T]{
		ring:   make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Send publishes v to every receiver. It never blocks. Sending on a closed
// broadcaster is a no-op.
func (b *Broadcaster[T]) Send(v T) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	b.ring[b.head%uint64(len(b.ring))] = v
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
}

// Subscribe returns a receiver that starts with the next value sent.
func (b *Broadcaster[T]) Subscribe() *Receiver[T] {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.subscribers++
	return &Receiver[T]{b: b, next: b.head}
}

// Close wakes every receiver. They drain what they have not read yet and
// then get ErrClosed.
func (b *Broadcaster[T]) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscribers returns the number of receivers not closed yet.
func (b *Broadcaster[T]) Subscribers() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.subscribers
}

type Receiver[T any] struct {
	b      *Broadcaster[T]
	next   uint64
	closed bool
}

// Recv returns the next value. It blocks until one is sent, the broadcaster
// is closed, or ctx is done.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		b := r.b
		b.lock.Lock()
		if r.closed {
			b.lock.Unlock()
			return zero, ErrClosed
		}
		if r.next < b.head {
			capacity := uint64(len(b.ring))
			if b.head-r.next > capacity {
				oldest := b.head - capacity
				missed := oldest - r.next
				r.next = oldest
				b.lock.Unlock()
				return zero, &LaggedError{Missed: missed}
			}
			v := b.ring[r.next%capacity]
			r.next++
			b.lock.Unlock()
			return v, nil
		}
		if b.closed {
			b.lock.Unlock()
			return zero, ErrClosed
		}
		notify := b.notify
		b.lock.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-notify:
		}
	}
}

// Close releases the receiver. Further Recv calls return ErrClosed.
func (r *Receiver[T]) Close() {
	r.b.lock.Lock()
	defer r.b.lock.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.b.subscribers--
}
