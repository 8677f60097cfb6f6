package reactive

import (
	"context"
	"sync"
)

// Subscription is a live, cancellable stream of snapshots.
//
// Snapshots are queued in an unbounded FIFO mailbox and handed to C() by a
// pump goroutine, so a slow reader never delays the publisher or any other
// subscription, and no snapshot is dropped while the subscription is live.
type Subscription[T any] struct {
	out    chan T
	done   chan struct{}
	signal chan struct{} // buffered, size 1; coalesces wakeups

	mu      sync.Mutex
	pending []T
	closed  bool

	cancelOnce sync.Once
	release    func()
	stopWatch  func() bool
}

func newSubscription[T any](release func()) *Subscription[T] {
	s := &Subscription[T]{
		out:     make(chan T),
		done:    make(chan struct{}),
		signal:  make(chan struct{}, 1),
		release: release,
	}
	go s.pump()
	return s
}

// C returns the delivery channel. It is closed after Cancel.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Done is closed when the subscription is cancelled.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Pending returns the number of snapshots queued but not yet received.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cancel stops deliveries and releases the subscription. A snapshot that
// is already being handed over may still arrive. Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		stop := s.stopWatch
		s.mu.Unlock()
		close(s.done)

		if stop != nil {
			stop()
		}
		if s.release != nil {
			s.release()
		}
	})
}

// bind cancels the subscription when ctx ends.
func (s *Subscription[T]) bind(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, s.Cancel)
	s.mu.Lock()
	s.stopWatch = stop
	s.mu.Unlock()
}

// push appends v to the mailbox. It never blocks on the reader.
func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, v)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.pending) == 0 {
		return zero, false
	}
	v := s.pending[0]
	s.pending[0] = zero
	if len(s.pending) == 1 {
		s.pending = s.pending[:0]
	} else {
		s.pending = s.pending[1:]
	}
	return v, true
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		v, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
