package chunkio

import (
	"context"
	"fmt"
	"sync"
)

// chunkLockEntry is the ChunkLock of the design: one per chunk currently
// busy or being waited on. An entry is created when a chunk with no entry
// is locked and removed by the last releaser.
type chunkLockEntry struct {
	busy    bool
	waiters uint32
	wake    chan struct{} // closed (and replaced) each time busy flips to false
}

func newChunkLockEntry() *chunkLockEntry {
	return &chunkLockEntry{busy: true, wake: make(chan struct{})}
}

// lockTable is the chunk-state table plus the per-image mutex M guarding
// it and image_size. All access to either goes through m.
type lockTable struct {
	m         sync.Mutex
	entries   map[uint32]*chunkLockEntry
	imageSize uint64
}

func newLockTable(initialSize uint64) *lockTable {
	return &lockTable{
		entries:   make(map[uint32]*chunkLockEntry),
		imageSize: initialSize,
	}
}

// trylock acquires chunk i's lock, blocking until it is free or ctx is
// cancelled. On success it returns the image_size snapshot taken at the
// moment of acquisition. On cancellation it returns ErrInterrupted and
// leaves all state, including a busy entry owned by someone else,
// untouched.
func (t *lockTable) trylock(ctx context.Context, i uint32) (uint64, error) {
	t.m.Lock()
	entry, ok := t.entries[i]
	if !ok {
		t.entries[i] = newChunkLockEntry()
		size := t.imageSize
		t.m.Unlock()
		return size, nil
	}

	entry.waiters++
	for entry.busy {
		wake := entry.wake
		t.m.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
		}
		t.m.Lock()
		if entry.busy {
			select {
			case <-ctx.Done():
				entry.waiters--
				t.m.Unlock()
				return 0, ErrInterrupted
			default:
				// Spurious wakeup or a signal meant for another
				// waiter: loop back and wait again.
			}
		}
	}
	entry.busy = true
	entry.waiters--
	size := t.imageSize
	t.m.Unlock()
	return size, nil
}

// unlock releases chunk i's lock, acquired by a prior successful trylock.
func (t *lockTable) unlock(i uint32) {
	t.m.Lock()
	entry := t.entries[i]
	if entry.waiters > 0 {
		entry.busy = false
		close(entry.wake)
		entry.wake = make(chan struct{})
	} else {
		delete(t.entries, i)
	}
	t.m.Unlock()
}

// sizeUnderLock returns image_size under M, matching get_image_size's
// "observe under the chunk-state lock" contract.
func (t *lockTable) sizeUnderLock() uint64 {
	t.m.Lock()
	defer t.m.Unlock()
	return t.imageSize
}

// assertEmpty panics if any chunk-state entry is still live. Destruction
// of an image must never race a chunk lock still in use; this is a
// programmer-error check, not a runtime condition callers can recover
// from.
func (t *lockTable) assertEmpty() {
	t.m.Lock()
	defer t.m.Unlock()
	if len(t.entries) != 0 {
		panic(fmt.Sprintf("chunkio: destroy called with %d chunk locks still live", len(t.entries)))
	}
}

// highestBusyInRange reports whether any chunk in [lo, hi] (inclusive,
// hi being the highest chunk index below the current size) has a live
// table entry, walking downward from hi so the caller can find the
// highest such chunk to wait on. Must be called under t.m.
func (t *lockTable) highestBusyInRange(lo, hi uint32) (uint32, bool) {
	for c := hi; ; c-- {
		if _, ok := t.entries[c]; ok {
			return c, true
		}
		if c == lo {
			break
		}
	}
	return 0, false
}
