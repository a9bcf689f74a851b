// Package stats holds the per-bucket counters backing get_stats
// (SPEC_FULL.md §4.5, §6). Counters are Prometheus types so the hot path
// gets lock-free atomic increments; they are read out on demand, not
// exposed over HTTP, since this engine's only wire surface is the binary
// memcached/DCP protocol (SPEC_FULL.md §2.1 "Stats/metrics").
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// readMetric reads a counter or gauge's current value back out through the
// standard prometheus.Metric.Write contract. testutil.ToFloat64 does the
// same thing but is a test-only helper (its own doc comment says so) and
// has no business running in a get_stats hot path.
func readMetric(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	default:
		return 0
	}
}

// Pair is one (name, value) emission as required by the get_stats callback
// contract: "no allocation crosses the callback boundary" refers to the
// callback itself, not to building this transient slice for a single
// get_stats invocation.
type Pair struct {
	Name  string
	Value float64
}

// Global holds the bucket-wide counters reported for the empty get_stats key.
type Global struct {
	Gets       prometheus.Counter
	GetMisses  prometheus.Counter
	Sets       prometheus.Counter
	Deletes    prometheus.Counter
	CasHits    prometheus.Counter
	CasMisses  prometheus.Counter
	Evictions  prometheus.Counter
	Expired    prometheus.Counter
	CurrItems  prometheus.Gauge
	CurrBytes  prometheus.Gauge
	TotalConns prometheus.Gauge
}

// NewGlobal constructs a fresh, unregistered counter set. Each bucket owns
// its own set rather than registering into a shared default registry, so
// buckets never collide on metric names.
func NewGlobal() *Global {
	return &Global{
		Gets:       prometheus.NewCounter(prometheus.CounterOpts{Name: "cmd_get", Help: "get operations"}),
		GetMisses:  prometheus.NewCounter(prometheus.CounterOpts{Name: "get_misses", Help: "get misses"}),
		Sets:       prometheus.NewCounter(prometheus.CounterOpts{Name: "cmd_set", Help: "store operations"}),
		Deletes:    prometheus.NewCounter(prometheus.CounterOpts{Name: "delete_hits", Help: "delete operations"}),
		CasHits:    prometheus.NewCounter(prometheus.CounterOpts{Name: "cas_hits", Help: "successful cas replaces"}),
		CasMisses:  prometheus.NewCounter(prometheus.CounterOpts{Name: "cas_badval", Help: "cas mismatches"}),
		Evictions:  prometheus.NewCounter(prometheus.CounterOpts{Name: "evictions", Help: "items evicted"}),
		Expired:    prometheus.NewCounter(prometheus.CounterOpts{Name: "expired_unfetched", Help: "items reaped as expired"}),
		CurrItems:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "curr_items", Help: "items currently linked"}),
		CurrBytes:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "bytes", Help: "bytes currently resident"}),
		TotalConns: prometheus.NewGauge(prometheus.GaugeOpts{Name: "total_connections", Help: "dcp + client connections observed"}),
	}
}

// Emit reads every counter out as (name, value) pairs. Used by get_stats
// for the empty sub-key.
func (g *Global) Emit() []Pair {
	return []Pair{
		{"cmd_get", readMetric(g.Gets)},
		{"get_misses", readMetric(g.GetMisses)},
		{"cmd_set", readMetric(g.Sets)},
		{"delete_hits", readMetric(g.Deletes)},
		{"cas_hits", readMetric(g.CasHits)},
		{"cas_badval", readMetric(g.CasMisses)},
		{"evictions", readMetric(g.Evictions)},
		{"expired_unfetched", readMetric(g.Expired)},
		{"curr_items", readMetric(g.CurrItems)},
		{"bytes", readMetric(g.CurrBytes)},
		{"total_connections", readMetric(g.TotalConns)},
	}
}

// SlabClass is the per-class gauge pair read out for get_stats("slabs")
// (SPEC_FULL.md §4.1 "Ambient note": one counter update
// feeds both the slab allocator's bookkeeping and this stats surface).
type SlabClass struct {
	ChunkSize      int
	ChunksInUse    prometheus.Gauge
	PagesAllocated prometheus.Gauge
}

// NewSlabClass constructs the gauge pair for one slab class.
func NewSlabClass(classIdx, chunkSize int) *SlabClass {
	label := prometheus.Labels{"class": strconv.Itoa(classIdx)}
	return &SlabClass{
		ChunkSize: chunkSize,
		ChunksInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slab_chunks_in_use",
			Help:        "chunks currently allocated in this slab class",
			ConstLabels: label,
		}),
		PagesAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slab_pages_allocated",
			Help:        "pages carved for this slab class",
			ConstLabels: label,
		}),
	}
}

// Emit returns the (name, value) pairs for this class, prefixed by class
// index the way the original default_engine "slabs" stat key does.
func (s *SlabClass) Emit(classIdx int) []Pair {
	prefix := strconv.Itoa(classIdx) + ":"
	return []Pair{
		{prefix + "chunk_size", float64(s.ChunkSize)},
		{prefix + "chunks_in_use", readMetric(s.ChunksInUse)},
		{prefix + "pages_allocated", readMetric(s.PagesAllocated)},
	}
}
