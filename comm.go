package rail

// ReduceOp identifies an elementwise reduction applied across workers.
// A closed set of operations (rather than a caller-supplied closure) is
// what makes Reduce expressible across process boundaries.
type ReduceOp int

const (
	// ReduceSum sums contributions elementwise
	ReduceSum ReduceOp = iota
	// ReduceMin takes the elementwise minimum
	ReduceMin
	// ReduceMax takes the elementwise maximum
	ReduceMax
)

// A Collective is the communication channel shared by cooperating worker
// processes. All operations except Rank and Size are blocking: a caller
// halts until every worker in the group arrives at the matching call.
// There is no timeout; a worker that never reaches a collective call
// hangs the whole run. A nil Collective means a single-worker run with
// no collective calls.
type Collective interface {
	Rank() int // Rank returns this worker's index within the group
	Size() int // Size returns the total number of workers in the group
	// Barrier blocks until every worker has called Barrier
	Barrier() error
	// Bcast distributes root's buffer to every worker; non-root callers
	// pass their own (ignored) buffer and receive root's
	Bcast(buf []byte, root int) ([]byte, error)
	// Gather collects every worker's buffer at rank 0, which receives the
	// buffers indexed by rank; other ranks receive nil
	Gather(buf []byte) ([][]byte, error)
	// Reduce combines equal-length float64 vectors elementwise at rank 0,
	// which receives the result; other ranks receive nil
	Reduce(vals []float64, op ReduceOp) ([]float64, error)
}
