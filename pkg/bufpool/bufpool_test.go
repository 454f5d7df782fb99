package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsExactSize(t *testing.T) {
	p := New(1024)
	buf := p.Get()
	defer p.Put(buf)

	require.Len(t, buf, 1024)
}

func TestPutThenGetReturnsFullSizeBuffer(t *testing.T) {
	p := New(4096)

	buf := p.Get()
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	reused := p.Get()
	assert.Len(t, reused, 4096)
}

func TestPutIgnoresWrongCapacity(t *testing.T) {
	p := New(512)
	// A buffer of the wrong size must never be absorbed into the pool.
	p.Put(make([]byte, 256))

	buf := p.Get()
	assert.Len(t, buf, 512)
}

func TestPutIgnoresNil(t *testing.T) {
	p := New(128)
	p.Put(nil) // must not panic
}

func TestConcurrentGetPut(t *testing.T) {
	p := New(64)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := p.Get()
			buf[0] = 1
			p.Put(buf)
		}()
	}
	wg.Wait()
}
