package mediasource

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for local development and tests, where
// running a real Redis instance just to exercise the listener's wiring
// would test the transport instead of the supervisor logic.
type MemoryBus struct {
	mu              sync.Mutex
	mediaChangedSubs []chan MediaChangedEvent
	noReadersSubs    []chan NoReadersEvent
}

// NewMemoryBus returns a ready-to-use in-memory Bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) PublishMediaChanged(ctx context.Context, event MediaChangedEvent) error {
	b.mu.Lock()
	subs := make([]chan MediaChangedEvent, len(b.mediaChangedSubs))
	copy(subs, b.mediaChangedSubs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) PublishNoReaders(ctx context.Context, event NoReadersEvent) error {
	b.mu.Lock()
	subs := make([]chan NoReadersEvent, len(b.noReadersSubs))
	copy(subs, b.noReadersSubs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeMediaChanged(ctx context.Context) (<-chan MediaChangedEvent, error) {
	ch := make(chan MediaChangedEvent, 16)
	b.mu.Lock()
	b.mediaChangedSubs = append(b.mediaChangedSubs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.mediaChangedSubs {
			if sub == ch {
				b.mediaChangedSubs = append(b.mediaChangedSubs[:i], b.mediaChangedSubs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *MemoryBus) SubscribeNoReaders(ctx context.Context) (<-chan NoReadersEvent, error) {
	ch := make(chan NoReadersEvent, 16)
	b.mu.Lock()
	b.noReadersSubs = append(b.noReadersSubs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.noReadersSubs {
			if sub == ch {
				b.noReadersSubs = append(b.noReadersSubs[:i], b.noReadersSubs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}
