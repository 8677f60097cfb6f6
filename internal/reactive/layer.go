// Package reactive turns a store.Store into push-based subscriptions.
//
// A subscriber receives the current snapshot when it subscribes and a fresh
// snapshot after every write that can change its result. Writes go through
// the Layer so that publishing and subscriber registration are ordered with
// respect to each other: every subscription sees its initial snapshot and
// then exactly the writes applied after it.
package reactive

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/logger"
	"github.com/maloquacious/crimestore/internal/store"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("query layer closed")

// Layer wraps a store and publishes snapshots to subscribers.
type Layer struct {
	store store.Store
	log   logger.Logger

	// mu orders writes, publishes and subscriber registration.
	mu     sync.Mutex
	nextID uint64
	all    map[uint64]*Subscription[[]crime.Crime]
	one    map[uint64]oneSub
	closed bool
}

type oneSub struct {
	id  uuid.UUID
	sub *Subscription[*crime.Crime]
}

// New creates a Layer over s.
func New(s store.Store, log logger.Logger) *Layer {
	return &Layer{
		store: s,
		log:   logger.OrDefault(log),
		all:   make(map[uint64]*Subscription[[]crime.Crime]),
		one:   make(map[uint64]oneSub),
	}
}

// SubscribeAll streams the full crime list. The subscription ends on Cancel,
// on Close, or when ctx is done.
func (l *Layer) SubscribeAll(ctx context.Context) (*Subscription[[]crime.Crime], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	snapshot, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	key := l.nextID
	l.nextID++
	sub := newSubscription[[]crime.Crime](func() {
		l.mu.Lock()
		delete(l.all, key)
		l.mu.Unlock()
	})
	sub.push(snapshot)
	l.all[key] = sub
	sub.bind(ctx)
	return sub, nil
}

// SubscribeOne streams a single crime; nil means the crime does not exist.
func (l *Layer) SubscribeOne(ctx context.Context, id uuid.UUID) (*Subscription[*crime.Crime], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	key := l.nextID
	l.nextID++
	sub := newSubscription[*crime.Crime](func() {
		l.mu.Lock()
		delete(l.one, key)
		l.mu.Unlock()
	})
	sub.push(current)
	l.one[key] = oneSub{id: id, sub: sub}
	sub.bind(ctx)
	return sub, nil
}

// Insert adds c and publishes the change.
func (l *Layer) Insert(ctx context.Context, c crime.Crime) error {
	return l.write(ctx, c.ID, func() error { return l.store.Insert(ctx, c) })
}

// Update replaces c and publishes the change.
func (l *Layer) Update(ctx context.Context, c crime.Crime) error {
	return l.write(ctx, c.ID, func() error { return l.store.Update(ctx, c) })
}

// Delete removes id and publishes the change.
func (l *Layer) Delete(ctx context.Context, id uuid.UUID) error {
	return l.write(ctx, id, func() error { return l.store.Delete(ctx, id) })
}

// Get reads one crime without subscribing.
func (l *Layer) Get(ctx context.Context, id uuid.UUID) (*crime.Crime, error) {
	return l.store.Get(ctx, id)
}

// List reads every crime without subscribing.
func (l *Layer) List(ctx context.Context) ([]crime.Crime, error) {
	return l.store.List(ctx)
}

// Active returns the number of live subscriptions.
func (l *Layer) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.all) + len(l.one)
}

// Close cancels every subscription and rejects new ones.
func (l *Layer) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancels := make([]func(), 0, len(l.all)+len(l.one))
	for _, s := range l.all {
		cancels = append(cancels, s.Cancel)
	}
	for _, o := range l.one {
		cancels = append(cancels, o.sub.Cancel)
	}
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// write applies fn and, if it succeeds, queues new snapshots for every
// affected subscriber before returning.
func (l *Layer) write(ctx context.Context, id uuid.UUID, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := fn(); err != nil {
		return err
	}
	l.publish(context.WithoutCancel(ctx), id)
	return nil
}

// publish must be called with l.mu held.
func (l *Layer) publish(ctx context.Context, id uuid.UUID) {
	if len(l.all) > 0 {
		snapshot, err := l.store.List(ctx)
		if err != nil {
			l.log.Error("reactive: list after write to %s: %v", id, err)
		} else {
			for _, s := range l.all {
				s.push(crime.Clone(snapshot))
			}
		}
	}

	var current *crime.Crime
	loaded := false
	for _, o := range l.one {
		if o.id != id {
			continue
		}
		if !loaded {
			c, err := l.store.Get(ctx, id)
			if err != nil {
				l.log.Error("reactive: get after write to %s: %v", id, err)
				return
			}
			current, loaded = c, true
		}
		o.sub.push(copyCrime(current))
	}
}

func copyCrime(c *crime.Crime) *crime.Crime {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
