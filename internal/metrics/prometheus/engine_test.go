package prometheus

import (
	"testing"
	"time"

	"github.com/netimgfs/netimgfs/internal/metrics"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*engineMetrics, *promclient.Registry) {
	t.Helper()
	reg := metrics.InitRegistry()
	m := newEngineMetrics()
	em, ok := m.(*engineMetrics)
	if !ok {
		t.Fatalf("expected *engineMetrics, got %T", m)
	}
	return em, reg
}

func TestNewEngineMetricsCreatesAllMetrics(t *testing.T) {
	em, _ := newTestMetrics(t)
	if em.chunkFetches == nil || em.chunkDirties == nil || em.bytesRead == nil ||
		em.bytesWritten == nil || em.chunkLockWait == nil || em.bitmapTransitions == nil {
		t.Fatal("expected every metric to be initialized")
	}
}

func TestCountersIncrement(t *testing.T) {
	em, _ := newTestMetrics(t)

	em.IncChunkFetches()
	em.IncChunkDirties()
	em.AddBytesRead(100)
	em.AddBytesWritten(50)
	em.ObserveChunkLockWait(10 * time.Millisecond)
	em.BitmapTransition("present")

	if got := testutil.ToFloat64(em.chunkFetches); got != 1 {
		t.Fatalf("chunk_fetches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(em.chunkDirties); got != 1 {
		t.Fatalf("chunk_dirties = %v, want 1", got)
	}
	if got := testutil.ToFloat64(em.bytesRead); got != 100 {
		t.Fatalf("bytes_read = %v, want 100", got)
	}
	if got := testutil.ToFloat64(em.bytesWritten); got != 50 {
		t.Fatalf("bytes_written = %v, want 50", got)
	}
	if got := testutil.ToFloat64(em.bitmapTransitions.WithLabelValues("present")); got != 1 {
		t.Fatalf("bitmap_transitions{present} = %v, want 1", got)
	}
}

func TestNilReceiverMethodsAreSafe(t *testing.T) {
	var em *engineMetrics
	em.IncChunkFetches()
	em.IncChunkDirties()
	em.AddBytesRead(1)
	em.AddBytesWritten(1)
	em.ObserveChunkLockWait(time.Second)
	em.BitmapTransition("modified")
}
