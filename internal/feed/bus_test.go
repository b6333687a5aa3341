package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshot(v uint64) *domain.Snapshot {
	return domain.NewSnapshot(v, time.Unix(int64(v), 0), nil)
}

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus(discardLogger())
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe(name, func(context.Context, *domain.Snapshot) error {
			order = append(order, name)
			return nil
		})
	}

	b.Publish(context.Background(), snapshot(1))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusIsolatesFailures(t *testing.T) {
	b := NewBus(discardLogger())
	var failed []string
	b.OnFailure(func(name string) { failed = append(failed, name) })

	var got []uint64
	b.Subscribe("errs", func(context.Context, *domain.Snapshot) error { return errors.New("boom") })
	b.Subscribe("panics", func(context.Context, *domain.Snapshot) error { panic("kaboom") })
	b.Subscribe("ok", func(_ context.Context, s *domain.Snapshot) error {
		got = append(got, s.Version)
		return nil
	})

	b.Publish(context.Background(), snapshot(1))
	b.Publish(context.Background(), snapshot(2))

	assert.Equal(t, []uint64{1, 2}, got)
	assert.Equal(t, []string{"errs", "panics", "errs", "panics"}, failed)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(discardLogger())
	var a, c int
	unsubA := b.Subscribe("a", func(context.Context, *domain.Snapshot) error { a++; return nil })
	b.Subscribe("c", func(context.Context, *domain.Snapshot) error { c++; return nil })
	require.Equal(t, 2, b.Len())

	b.Publish(context.Background(), snapshot(1))
	unsubA()
	unsubA()
	b.Publish(context.Background(), snapshot(2))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, c)
	assert.Equal(t, 1, b.Len())
}

func TestBusCallbackMaySubscribe(t *testing.T) {
	b := NewBus(discardLogger())
	var late int
	var unsub func()
	unsub = b.Subscribe("once", func(context.Context, *domain.Snapshot) error {
		unsub()
		b.Subscribe("late", func(context.Context, *domain.Snapshot) error { late++; return nil })
		return nil
	})

	b.Publish(context.Background(), snapshot(1))
	assert.Zero(t, late)
	b.Publish(context.Background(), snapshot(2))
	assert.Equal(t, 1, late)
	assert.Equal(t, 1, b.Len())
}
