package rail

// MetricOutputType classifies a metric by the shape of its result, which
// determines how the accumulation protocol routes it.
type MetricOutputType int

const (
	// OneValuePerRow metrics are evaluated directly per chunk and written
	// immediately into a streamed output at that chunk's offset
	OneValuePerRow MetricOutputType = iota
	// SingleValue metrics accumulate partial statistics across chunks and
	// workers and finalize to one number
	SingleValue
	// SingleDistribution metrics accumulate partial statistics and
	// finalize to one distribution
	SingleDistribution
)

// A Metric is one named computation applied to an (estimate, reference)
// pair of data products.
type Metric interface {
	Name() string
	OutputType() MetricOutputType
}

// A ChunkEvaluator is a metric that needs no cross-chunk state: each
// chunk's slice yields one value per row, written straight through.
type ChunkEvaluator interface {
	Metric
	EvaluateChunk(estimate, reference Payload) ([]float64, error)
}

// An AccumulatingMetric computes a chunk-local partial statistic per
// chunk, then combines all partials (from every chunk of every worker)
// exactly once. Partials are opaque bytes so they can cross process
// boundaries via a Gather. A SingleValue or SingleDistribution metric
// that does not implement this interface is skipped with a diagnostic
// rather than failing the run.
type AccumulatingMetric interface {
	Metric
	// Accumulate returns the serialized partial statistic for one chunk
	Accumulate(estimate, reference Payload) ([]byte, error)
	// Finalize combines the partial statistics from every chunk into the
	// final value or distribution. It must only be invoked once, by the
	// coordinating worker, after all partials have been gathered.
	Finalize(partials [][]byte) (Payload, error)
}
