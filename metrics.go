package loader

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"
)

// Timing is a min/avg/max summary over n samples in milliseconds.
type Timing struct {
	Min int64
	Max int64
	Avg float64
	N   int64
}

// MetricsSnapshot is a point-in-time view of [Metrics]. Each field is read
// atomically, the snapshot as a whole is not.
type MetricsSnapshot struct {
	Processed   int64
	Written     int64
	ParseFailed int64
	WriteFailed int64
	Failed      int64
	Parse       Timing
	Write       Timing
}

// Read is the number of files that reached a terminal parse outcome.
func (s MetricsSnapshot) Read() int64 {
	return s.Processed + s.ParseFailed
}

type timingAccumulator struct {
	total atomic.Int64
	n     atomic.Int64
	min   atomic.Int64
	max   atomic.Int64
}

func newTimingAccumulator() *timingAccumulator {
	t := &timingAccumulator{}
	t.min.Store(math.MaxInt64)
	t.max.Store(math.MinInt64)
	return t
}

func (t *timingAccumulator) add(ms int64) {
	updateMin(&t.min, ms)
	updateMax(&t.max, ms)
	t.total.Add(ms)
	t.n.Add(1)
}

// snapshot derives the average from the running total; it is never
// accumulated incrementally.
func (t *timingAccumulator) snapshot() Timing {
	n := t.n.Load()
	if n == 0 {
		return Timing{}
	}
	timing := Timing{
		Min: t.min.Load(),
		Max: t.max.Load(),
		Avg: float64(t.total.Load()) / float64(n),
		N:   n,
	}
	if timing.Min == math.MaxInt64 {
		timing.Min = 0
	}
	if timing.Max == math.MinInt64 {
		timing.Max = 0
	}
	return timing
}

func updateMin(ref *atomic.Int64, v int64) {
	for {
		cur := ref.Load()
		if v >= cur || ref.CompareAndSwap(cur, v) {
			return
		}
	}
}

func updateMax(ref *atomic.Int64, v int64) {
	for {
		cur := ref.Load()
		if v <= cur || ref.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Metrics aggregates pipeline counters and timings. All methods are safe for
// concurrent use and never block.
type Metrics struct {
	processed   atomic.Int64
	written     atomic.Int64
	parseFailed atomic.Int64
	writeFailed atomic.Int64

	parse *timingAccumulator
	write *timingAccumulator
}

func NewMetrics() *Metrics {
	return &Metrics{
		parse: newTimingAccumulator(),
		write: newTimingAccumulator(),
	}
}

func (m *Metrics) RecordParse(ms int64) { m.parse.add(ms) }

func (m *Metrics) RecordWrite(ms int64) { m.write.add(ms) }

func (m *Metrics) RecordProcessed() { m.processed.Add(1) }

func (m *Metrics) RecordWritten(n int) { m.written.Add(int64(n)) }

func (m *Metrics) RecordFailed(stage Stage, n int) {
	switch stage {
	case StageParse:
		m.parseFailed.Add(int64(n))
	default:
		m.writeFailed.Add(int64(n))
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	parseFailed := m.parseFailed.Load()
	writeFailed := m.writeFailed.Load()
	return MetricsSnapshot{
		Processed:   m.processed.Load(),
		Written:     m.written.Load(),
		ParseFailed: parseFailed,
		WriteFailed: writeFailed,
		Failed:      parseFailed + writeFailed,
		Parse:       m.parse.snapshot(),
		Write:       m.write.snapshot(),
	}
}

// LogReport writes the end-of-run metrics to the operational log.
func (m *Metrics) LogReport() {
	s := m.Snapshot()
	zap.S().Infow(
		"import step completed",
		"processed", s.Processed,
		"written", s.Written,
		"failed", s.Failed,
	)
	zap.S().Infow(
		"xml to document timings",
		"min_ms", s.Parse.Min,
		"avg_ms", s.Parse.Avg,
		"max_ms", s.Parse.Max,
		"n", s.Parse.N,
	)
	zap.S().Infow(
		"insert timings",
		"min_ms", s.Write.Min,
		"avg_ms", s.Write.Avg,
		"max_ms", s.Write.Max,
		"n", s.Write.N,
	)
}

var _ MetricsSink = (*Metrics)(nil)
