package pipeline

import "sync"

// Broadcaster fans a stage's output out to any number of subscribers,
// e.g. a tee to disk alongside the next stage's stdin. Slow or absent
// subscribers never block the stage: a full subscriber channel just
// drops the chunk rather than stalling the reader goroutine feeding it.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	closed      bool
}

// NewBroadcaster returns an empty, open Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan []byte]struct{})}
}

// Subscribe registers a new listener and returns its channel along with
// an unsubscribe function the caller must eventually call.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan []byte, 16)
	b.subscribers[ch] = struct{}{}

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// Publish delivers data to every current subscriber, dropping it for
// any subscriber whose buffer is full.
func (b *Broadcaster) Publish(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	cp := append([]byte(nil), data...)
	for ch := range b.subscribers {
		select {
		case ch <- cp:
		default:
		}
	}
}

// Close closes every subscriber channel and marks the broadcaster dead;
// further Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
