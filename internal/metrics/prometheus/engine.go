// Package prometheus is the concrete Prometheus-backed implementation of
// internal/metrics.EngineMetrics. Importing this package (for its
// side-effecting init) is what actually wires metrics collection in;
// internal/metrics uses the Prometheus client only for its registry.
package prometheus

import (
	"time"

	"github.com/netimgfs/netimgfs/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterEngineMetricsConstructor(newEngineMetrics)
}

type engineMetrics struct {
	chunkFetches      prometheus.Counter
	chunkDirties      prometheus.Counter
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
	chunkLockWait     prometheus.Histogram
	bitmapTransitions *prometheus.CounterVec
}

func newEngineMetrics() metrics.EngineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &engineMetrics{
		chunkFetches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "netimgfs_chunk_fetches_total",
			Help: "Total number of chunks fetched from the origin into the pristine store.",
		}),
		chunkDirties: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "netimgfs_chunk_dirties_total",
			Help: "Total number of chunks copied into the modified overlay on first write.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "netimgfs_bytes_read_total",
			Help: "Total number of bytes returned by read_chunk.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "netimgfs_bytes_written_total",
			Help: "Total number of bytes accepted by write_chunk.",
		}),
		chunkLockWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "netimgfs_chunk_lock_wait_seconds",
			Help: "Time spent waiting to acquire a chunk lock.",
			Buckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
			},
		}),
		bitmapTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "netimgfs_bitmap_transitions_total",
			Help: "Total number of 0->1 bit transitions per bitmap.",
		}, []string{"bitmap"}),
	}
}

func (m *engineMetrics) IncChunkFetches() {
	if m == nil {
		return
	}
	m.chunkFetches.Inc()
}

func (m *engineMetrics) IncChunkDirties() {
	if m == nil {
		return
	}
	m.chunkDirties.Inc()
}

func (m *engineMetrics) AddBytesRead(n uint64) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *engineMetrics) AddBytesWritten(n uint64) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *engineMetrics) ObserveChunkLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.chunkLockWait.Observe(d.Seconds())
}

func (m *engineMetrics) BitmapTransition(bitmapName string) {
	if m == nil {
		return
	}
	m.bitmapTransitions.WithLabelValues(bitmapName).Inc()
}
