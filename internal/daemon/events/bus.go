package events

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
)

// Bus is a typed in-process event bus for service orchestration. It is not
// durable. Publish blocks until every matching subscriber accepted the event
// or ctx is done.
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type]map[uint64]*subscription
	nextID atomic.Uint64
	closed atomic.Bool
	once   sync.Once
}

type subscription struct {
	deliver func(ctx context.Context, evt any) error
	close   func()
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type]map[uint64]*subscription)}
}

// Subscribe returns a channel receiving events of type T and a function that
// cancels the subscription. When T is an interface every event implementing
// it is delivered; a concrete T matches only that exact type.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	want := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	var closeOnce sync.Once
	closeCh := func() { closeOnce.Do(func() { close(ch) }) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		closeCh()
		return ch, func() {}
	}

	id := b.nextID.Add(1)
	if b.subs[want] == nil {
		b.subs[want] = make(map[uint64]*subscription)
	}
	b.subs[want][id] = &subscription{
		deliver: func(ctx context.Context, evt any) error {
			v, ok := evt.(T)
			if !ok {
				return ferrors.InternalError("event type mismatch").
					WithContext("expected", want.String()).
					WithContext("actual", reflect.TypeOf(evt).String()).
					Build()
			}
			select {
			case ch <- v:
				return nil
			case <-ctx.Done():
				return ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "event delivery canceled").
					WithContext("event_type", want.String()).
					Build()
			}
		},
		close: closeCh,
	}

	var unsubOnce sync.Once
	return ch, func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			if typed, ok := b.subs[want]; ok {
				delete(typed, id)
				if len(typed) == 0 {
					delete(b.subs, want)
				}
			}
			b.mu.Unlock()
			closeCh()
		})
	}
}

// SubscriberCount reports active subscriptions registered for exactly T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[reflect.TypeFor[T]()])
}

// Publish delivers evt to all matching subscribers.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	if evt == nil {
		return ferrors.ValidationError("event cannot be nil").Build()
	}
	if b.closed.Load() {
		return ferrors.RuntimeError("event bus is closed").Build()
	}

	got := reflect.TypeOf(evt)
	var targets []*subscription
	b.mu.RLock()
	for t, typed := range b.subs {
		if t != got && (t.Kind() != reflect.Interface || !got.Implements(t)) {
			continue
		}
		for _, s := range typed {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the bus and every subscription channel.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		var all []*subscription
		for _, typed := range b.subs {
			for _, s := range typed {
				all = append(all, s)
			}
		}
		b.subs = make(map[reflect.Type]map[uint64]*subscription)
		b.mu.Unlock()

		for _, s := range all {
			s.close()
		}
	})
}
