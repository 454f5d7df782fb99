// Package bitmap implements the per-chunk boolean state tracked for an
// image: present, modified, and accessed. Each Bitmap also fans out
// chunk-set notifications to subscribers (the "stream group" of the
// design).
package bitmap

import (
	"sync"
	"sync/atomic"
)

const wordBits = 64

// Bitmap is a fixed-size, thread-safe bit-addressable array, sized to cover
// a known maximum number of chunks at construction. Bits only ever
// transition 0->1 (Set is idempotent; there is no Clear), matching the
// lifecycle of present/modified/accessed state over an image's lifetime.
type Bitmap struct {
	words []atomic.Uint64

	mu   sync.Mutex
	subs map[chan uint32]struct{}
	done chan struct{}
	once sync.Once

	// onTransition, if set, is called after every genuine 0->1 bit
	// transition (outside the lock). Used to feed a transition counter
	// into metrics without coupling this package to any metrics sink.
	onTransition func(uint32)
}

// SetOnTransition registers a callback invoked with the chunk index of
// every genuine 0->1 transition. Not safe to call concurrently with Set.
func (b *Bitmap) SetOnTransition(f func(uint32)) {
	b.onTransition = f
}

// New creates a Bitmap able to address chunk indices [0, maxChunks).
func New(maxChunks uint32) *Bitmap {
	nwords := (maxChunks + wordBits - 1) / wordBits
	return &Bitmap{
		words: make([]atomic.Uint64, nwords),
		subs:  make(map[chan uint32]struct{}),
		done:  make(chan struct{}),
	}
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint32) bool {
	wordIdx := i / wordBits
	if int(wordIdx) >= len(b.words) {
		return false
	}
	bit := uint64(1) << (i % wordBits)
	return b.words[wordIdx].Load()&bit != 0
}

// Set sets bit i. It is idempotent: a notification is published to
// subscribers only on a genuine 0->1 transition.
func (b *Bitmap) Set(i uint32) {
	wordIdx := i / wordBits
	if int(wordIdx) >= len(b.words) {
		return
	}
	bit := uint64(1) << (i % wordBits)
	word := &b.words[wordIdx]
	for {
		old := word.Load()
		if old&bit != 0 {
			return // already set, no transition
		}
		if word.CompareAndSwap(old, old|bit) {
			b.publish(i)
			if b.onTransition != nil {
				b.onTransition(i)
			}
			return
		}
	}
}

// Subscribe registers a new subscriber and returns a channel that receives
// the index of every chunk set after the call to Subscribe (late
// subscribers never receive historical events, per spec). The channel is
// closed when the Bitmap is closed. A slow subscriber that fails to drain
// its channel simply misses notifications; bitmap state itself remains
// queryable via Test regardless.
func (b *Bitmap) Subscribe() <-chan uint32 {
	ch := make(chan uint32, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		close(ch)
		return ch
	default:
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery to a channel previously returned by Subscribe
// and closes it.
func (b *Bitmap) Unsubscribe(ch <-chan uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		if c == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

func (b *Bitmap) publish(i uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- i:
		default:
			// drop: slow subscriber, bitmap state stays authoritative
		}
	}
}

// Close stops the stream group: all subscriber channels are closed and
// Subscribe calls after Close return an already-closed channel.
func (b *Bitmap) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(b.done)
		for ch := range b.subs {
			close(ch)
		}
		b.subs = make(map[chan uint32]struct{})
	})
}
