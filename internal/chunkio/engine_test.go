package chunkio

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netimgfs/netimgfs/internal/bitmap"
	"github.com/netimgfs/netimgfs/internal/modified"
	"github.com/netimgfs/netimgfs/internal/pristine"
	"github.com/netimgfs/netimgfs/internal/transport"
)

const testChunkSize = 1024

// originServer serves a body where byte k equals k mod 256, honoring
// Range requests, matching the literal scenarios in the design.
func originServer(t *testing.T, size int) *httptest.Server {
	t.Helper()
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i % 256)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		rng = strings.TrimPrefix(rng, "bytes=")
		parts := strings.SplitN(rng, "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end, _ := strconv.Atoi(parts[1])
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Content-Range", "bytes "+rng+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

type testEngine struct {
	eng      *Engine
	present  *bitmap.Bitmap
	modified *bitmap.Bitmap
	counters *countingCounters
	srv      *httptest.Server
}

type countingCounters struct {
	mu               sync.Mutex
	fetches, dirties int
	bytesRead        uint64
	bytesWritten     uint64
}

func (c *countingCounters) IncChunkFetches() { c.mu.Lock(); c.fetches++; c.mu.Unlock() }
func (c *countingCounters) IncChunkDirties() { c.mu.Lock(); c.dirties++; c.mu.Unlock() }
func (c *countingCounters) AddBytesRead(n uint64) {
	c.mu.Lock()
	c.bytesRead += n
	c.mu.Unlock()
}
func (c *countingCounters) AddBytesWritten(n uint64) {
	c.mu.Lock()
	c.bytesWritten += n
	c.mu.Unlock()
}
func (c *countingCounters) ObserveChunkLockWait(d time.Duration) {}

func newTestEngine(t *testing.T, originSize int, initialSize uint64) *testEngine {
	t.Helper()
	srv := originServer(t, originSize)
	t.Cleanup(srv.Close)

	maxChunks := uint32((uint64(originSize) + testChunkSize - 1) / testChunkSize)
	present := bitmap.New(maxChunks + 4)
	mod := bitmap.New(maxChunks + 4)
	accessed := bitmap.New(maxChunks + 4)

	pstore, err := pristine.Open(t.TempDir(), maxChunks+4, present)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pstore.Close() })

	mstore, err := modified.Open(t.TempDir(), initialSize, mod)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mstore.Close() })

	pool := transport.New(transport.Config{})
	t.Cleanup(pool.Close)

	counters := &countingCounters{}
	eng := New(Config{
		ChunkSize:   testChunkSize,
		InitialSize: initialSize,
		Present:     present,
		Modified:    mod,
		Accessed:    accessed,
		Pristine:    pstore,
		Overlay:     mstore,
		Transport:   pool,
		URLBase:     srv.URL,
		SegmentSize: 0,
		Counters:    counters,
	})
	return &testEngine{eng: eng, present: present, modified: mod, counters: counters, srv: srv}
}

// Scenario 1 & 2: cold read fetches once, repeat read does not re-fetch.
func TestScenarioColdReadThenRepeat(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	dst := make([]byte, 1024)
	n, err := te.eng.ReadChunk(context.Background(), dst, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1024 {
		t.Fatalf("got %d bytes, want 1024", n)
	}
	want := make([]byte, 1024)
	for i := range want {
		want[i] = byte(i % 256)
	}
	if !bytes.Equal(dst, want) {
		t.Fatal("data mismatch on cold read")
	}
	if !te.present.Test(0) {
		t.Fatal("present(0) should be true after cold read")
	}
	if te.counters.fetches != 1 {
		t.Fatalf("chunk_fetches = %d, want 1", te.counters.fetches)
	}

	dst2 := make([]byte, 1024)
	if _, err := te.eng.ReadChunk(context.Background(), dst2, 0, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst2, want) {
		t.Fatal("data mismatch on repeat read")
	}
	if te.counters.fetches != 1 {
		t.Fatalf("chunk_fetches = %d after repeat read, want 1 (no new fetch)", te.counters.fetches)
	}
}

// Scenario 3: write then read back the overlay.
func TestScenarioWriteThenRead(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	if _, err := te.eng.WriteChunk(context.Background(), []byte{0xAA, 0xBB, 0xCC}, 1, 100); err != nil {
		t.Fatal(err)
	}
	if !te.modified.Test(1) {
		t.Fatal("modified(1) should be true after write")
	}
	if te.counters.dirties != 1 {
		t.Fatalf("chunk_dirties = %d, want 1", te.counters.dirties)
	}

	dst := make([]byte, 5)
	n, err := te.eng.ReadChunk(context.Background(), dst, 1, 99)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("got %d bytes, want 5", n)
	}
	want := []byte{99, 0xAA, 0xBB, 0xCC, 103}
	if !bytes.Equal(dst, want) {
		t.Fatalf("got %v, want %v", dst, want)
	}
}

// Scenario 4: shrink, then EOF past the new size, then a clipped read in
// the new last partial chunk.
func TestScenarioShrinkThenBoundaryReads(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	if err := te.eng.SetImageSize(context.Background(), 3000); err != nil {
		t.Fatal(err)
	}

	dst := make([]byte, 100)
	if _, err := te.eng.ReadChunk(context.Background(), dst, 3, 0); err != ErrEOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	dst2 := make([]byte, 200)
	n, err := te.eng.ReadChunk(context.Background(), dst2, 2, 900)
	if err != nil {
		t.Fatal(err)
	}
	if n != 52 {
		t.Fatalf("got %d bytes, want 52", n)
	}
}

// Scenario 5: two concurrent cold readers of the same chunk only trigger
// one fetch and both see identical data.
func TestScenarioConcurrentReadersSingleFetch(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dst := make([]byte, 1024)
			if _, err := te.eng.ReadChunk(context.Background(), dst, 0, 0); err != nil {
				t.Error(err)
				return
			}
			results[i] = dst
		}(i)
	}
	wg.Wait()

	if !bytes.Equal(results[0], results[1]) {
		t.Fatal("concurrent readers saw different data")
	}
	if te.counters.fetches != 1 {
		t.Fatalf("chunk_fetches = %d, want exactly 1", te.counters.fetches)
	}
}

// Scenario 6: cancelling one of two queued readers on the same chunk
// yields INTERRUPTED for the cancelled one while the other completes.
func TestScenarioCancelledWaiterInterrupted(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	// Acquire chunk 0's lock directly through the table so the two
	// ReadChunk calls below genuinely queue behind it.
	if _, err := te.eng.table.trylock(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	waiterCtx, cancelWaiter := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		dst := make([]byte, 1024)
		_, err := te.eng.ReadChunk(waiterCtx, dst, 0, 0)
		waiterDone <- err
	}()

	okCtx := context.Background()
	okDone := make(chan error, 1)
	go func() {
		dst := make([]byte, 1024)
		_, err := te.eng.ReadChunk(okCtx, dst, 0, 0)
		okDone <- err
	}()

	// Give both goroutines a moment to enqueue behind the held lock.
	time.Sleep(20 * time.Millisecond)
	cancelWaiter()

	select {
	case err := <-waiterDone:
		if err != ErrInterrupted {
			t.Fatalf("cancelled waiter: expected ErrInterrupted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	te.eng.table.unlock(0)

	select {
	case err := <-okDone:
		if err != nil {
			t.Fatalf("surviving reader: expected success, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("surviving reader never returned")
	}
}

// A segmented origin: each segment is served from its own path
// "{base}.{n}", and a chunk read straddling a segment boundary must
// fetch from both segments and assemble the bytes in order.
func segmentedOriginServer(t *testing.T, segments [][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idxStr := strings.TrimPrefix(r.URL.Path, "/disk.")
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= len(segments) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := segments[idx]

		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		rng = strings.TrimPrefix(rng, "bytes=")
		parts := strings.SplitN(rng, "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end, _ := strconv.Atoi(parts[1])
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Content-Range", "bytes "+rng+"/"+strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

// A logical read spanning a segment boundary fetches one range per
// segment touched and assembles them into the correct byte order,
// matching spec.md §4.4's segmentation contract.
func TestFetchDataSpansSegments(t *testing.T) {
	segSize := uint64(600)
	seg0 := make([]byte, segSize)
	seg1 := make([]byte, segSize)
	for i := range seg0 {
		seg0[i] = byte(i)
	}
	for i := range seg1 {
		seg1[i] = byte(200 + i)
	}
	srv := segmentedOriginServer(t, [][]byte{seg0, seg1})
	t.Cleanup(srv.Close)

	present := bitmap.New(8)
	mod := bitmap.New(8)
	accessed := bitmap.New(8)

	pstore, err := pristine.Open(t.TempDir(), 8, present)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pstore.Close() })

	mstore, err := modified.Open(t.TempDir(), testChunkSize, mod)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mstore.Close() })

	pool := transport.New(transport.Config{})
	t.Cleanup(pool.Close)

	eng := New(Config{
		ChunkSize:   testChunkSize,
		InitialSize: testChunkSize,
		Present:     present,
		Modified:    mod,
		Accessed:    accessed,
		Pristine:    pstore,
		Overlay:     mstore,
		Transport:   pool,
		URLBase:     srv.URL + "/disk",
		SegmentSize: segSize,
		Counters:    &countingCounters{},
	})

	// chunk 0 is bytes [0, 1024); segSize=600 means it straddles segment 0
	// ([0,600)) and segment 1 ([600,1200)).
	dst := make([]byte, testChunkSize)
	n, err := eng.ReadChunk(context.Background(), dst, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != testChunkSize {
		t.Fatalf("got %d bytes, want %d", n, testChunkSize)
	}
	for i := 0; i < int(segSize); i++ {
		if dst[i] != seg0[i] {
			t.Fatalf("byte %d: got %d, want %d (segment 0)", i, dst[i], seg0[i])
		}
	}
	for i := int(segSize); i < testChunkSize; i++ {
		want := seg1[i-int(segSize)]
		if dst[i] != want {
			t.Fatalf("byte %d: got %d, want %d (segment 1)", i, dst[i], want)
		}
	}
}

func TestGetSetImageSizeRoundTrip(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	if got := te.eng.GetImageSize(); got != 4096 {
		t.Fatalf("got %d, want 4096", got)
	}
	if err := te.eng.SetImageSize(context.Background(), 4096); err != nil {
		t.Fatal(err)
	}
	if got := te.eng.GetImageSize(); got != 4096 {
		t.Fatalf("no-op resize changed size to %d", got)
	}
	if err := te.eng.SetImageSize(context.Background(), 8192); err != nil {
		t.Fatal(err)
	}
	if got := te.eng.GetImageSize(); got != 8192 {
		t.Fatalf("got %d, want 8192 after grow", got)
	}
}

// Shrink into a partial last chunk that pristine still covers, then grow
// back: bytes past the truncation point read as zero, not pristine data.
func TestShrinkPreservesTailThenGrowReadsZero(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	// Warm the pristine cache for chunk 0 so the tail-preservation path
	// has pristine data to copy from.
	dst := make([]byte, 1024)
	if _, err := te.eng.ReadChunk(context.Background(), dst, 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := te.eng.SetImageSize(context.Background(), 500); err != nil {
		t.Fatal(err)
	}
	if !te.modified.Test(0) {
		t.Fatal("chunk 0 should have been copied into the overlay before truncation")
	}

	if err := te.eng.SetImageSize(context.Background(), 4096); err != nil {
		t.Fatal(err)
	}

	dst2 := make([]byte, 1)
	if _, err := te.eng.ReadChunk(context.Background(), dst2, 0, 600); err != nil {
		t.Fatal(err)
	}
	if dst2[0] != 0 {
		t.Fatalf("expected zero byte past truncation point after regrowth, got %d", dst2[0])
	}

	// Bytes before the truncation point must still read as the original
	// pristine content.
	dst3 := make([]byte, 1)
	if _, err := te.eng.ReadChunk(context.Background(), dst3, 0, 10); err != nil {
		t.Fatal(err)
	}
	if dst3[0] != 10 {
		t.Fatalf("expected preserved byte 10, got %d", dst3[0])
	}
}

// spec.md §3: "Destruction asserts the chunk state table is empty."
func TestDestroyPanicsOnLiveChunkLock(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	imageSize, err := te.eng.table.trylock(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = imageSize

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Destroy to panic with a chunk lock still held")
		}
		te.eng.table.unlock(0)
	}()
	te.eng.Destroy()
}

func TestDestroyOKWhenTableEmpty(t *testing.T) {
	te := newTestEngine(t, 4096, 4096)

	dst := make([]byte, 1024)
	if _, err := te.eng.ReadChunk(context.Background(), dst, 0, 0); err != nil {
		t.Fatal(err)
	}

	te.eng.Destroy()
}
