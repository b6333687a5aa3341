// Package feed fans published catalog snapshots out to in-process
// subscribers and bridges them to and from Redis.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// Subscriber is called once per published snapshot. Snapshots are shared
// and must not be modified.
type Subscriber func(ctx context.Context, snap *domain.Snapshot) error

type subscription struct {
	id   uint64
	name string
	fn   Subscriber
}

// Bus delivers every published snapshot to every subscriber, synchronously
// and in subscription order. A subscriber that returns an error or panics is
// logged and skipped; delivery continues with the next one.
type Bus struct {
	logger    *slog.Logger
	onFailure func(name string)

	mu     sync.Mutex
	nextID uint64
	subs   atomic.Pointer[[]subscription]
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{logger: logger.With(slog.String("component", "notification_bus"))}
	empty := []subscription{}
	b.subs.Store(&empty)
	return b
}

// OnFailure registers fn to be called with the subscriber name whenever a
// delivery fails.
func (b *Bus) OnFailure(fn func(name string)) { b.onFailure = fn }

// Subscribe appends fn to the delivery order. The returned function removes
// it; calling it more than once has no further effect.
func (b *Bus) Subscribe(name string, fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	cur := *b.subs.Load()
	next := make([]subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, subscription{id: id, name: name, fn: fn})
	b.subs.Store(&next)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.subs.Load()
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
}

// Len returns the number of current subscribers.
func (b *Bus) Len() int { return len(*b.subs.Load()) }

// Publish delivers snap to the subscribers registered at the time of the
// call. Callbacks run without the bus lock held, so they may subscribe or
// unsubscribe.
func (b *Bus) Publish(ctx context.Context, snap *domain.Snapshot) {
	for _, s := range *b.subs.Load() {
		if err := b.deliver(ctx, s, snap); err != nil {
			b.logger.Error("subscriber failed",
				slog.String("subscriber", s.name),
				slog.Uint64("version", snap.Version),
				slog.String("error", err.Error()),
			)
			if b.onFailure != nil {
				b.onFailure(s.name)
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, snap *domain.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx, snap)
}
