package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/gofrs/uuid"
	rail "github.com/sidratresearch/rail-base-sub000"
	"google.golang.org/grpc"
)

// worker is a non-coordinating member of a worker group. It dials the
// coordinator, joins to learn its rank, and relays collective rounds
// over the connection.
type worker struct {
	id            string
	opts          *NodeOptions
	lifecycleLock sync.Mutex
	conn          *grpc.ClientConn
	stopped       chan struct{}
}

func createWorker(opts *NodeOptions) (*worker, error) {
	if err := ensureDefaultNodeOptionsValues(opts); err != nil {
		return nil, err
	}
	// generate worker ID
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate UUID: %v", err)
	}
	return &worker{id: id.String(), opts: opts, stopped: make(chan struct{})}, nil
}

// ID returns the ID of this worker
func (w *worker) ID() string {
	return w.id
}

// IsCoordinator returns false for workers
func (w *worker) IsCoordinator() bool {
	return false
}

func (w *worker) mconnect() (*grpc.ClientConn, error) {
	conn, err := grpc.Dial(w.opts.coordinatorConnectionString(), grpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("fail to dial: %v", err)
	}
	return conn, nil
}

func (w *worker) join(conn *grpc.ClientConn) (*joinReply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.RPCTimeout)
	defer cancel()
	req := &joinRequest{ID: w.id}
	res := new(joinReply)
	err := conn.Invoke(ctx, "/railbase.Collective/Join", req, res, grpc.CallContentSubtype(gobName))
	return res, err
}

// Serve blocks until the worker is stopped. Workers host no service of
// their own; all traffic flows over the client connection.
func (w *worker) Serve() error {
	<-w.stopped
	return nil
}

// Collective dials the coordinator, retrying the join at one second
// intervals, and returns this worker's channel at its assigned rank
func (w *worker) Collective() (rail.Collective, error) {
	conn, err := w.mconnect()
	if err != nil {
		return nil, err
	}
	var res *joinReply
	for retries := 0; ; retries++ {
		res, err = w.join(conn)
		if err == nil {
			break
		}
		if retries >= w.opts.WorkerJoinRetries {
			conn.Close()
			return nil, fmt.Errorf("unable to join coordinator at %s: %v", w.opts.coordinatorConnectionString(), err)
		}
		time.Sleep(time.Second)
	}
	w.lifecycleLock.Lock()
	w.conn = conn
	w.lifecycleLock.Unlock()
	return &remoteCollective{rank: res.Rank, size: res.Size, conn: conn}, nil
}

// GracefulStop the worker, closing its coordinator connection
func (w *worker) GracefulStop() error {
	return w.Stop()
}

// Stop the worker immediately
func (w *worker) Stop() error {
	w.lifecycleLock.Lock()
	defer w.lifecycleLock.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
	return nil
}

// remoteCollective relays collective rounds to the coordinator over
// grpc. Collective calls carry no timeout; a worker that never reaches
// a matching call hangs the round.
type remoteCollective struct {
	rank int
	size int
	seq  uint64
	conn *grpc.ClientConn
}

// Rank returns this worker's index within the group
func (c *remoteCollective) Rank() int { return c.rank }

// Size returns the total number of workers in the group
func (c *remoteCollective) Size() int { return c.size }

func (c *remoteCollective) call(env *envelope) (*reply, error) {
	c.seq++
	env.Seq = c.seq
	env.Rank = c.rank
	res := new(reply)
	err := c.conn.Invoke(context.Background(), "/railbase.Collective/Collect", env, res, grpc.CallContentSubtype(gobName))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Barrier blocks until every worker has called Barrier
func (c *remoteCollective) Barrier() error {
	_, err := c.call(&envelope{Op: opBarrier})
	return err
}

// Bcast distributes root's buffer to every worker
func (c *remoteCollective) Bcast(buf []byte, root int) ([]byte, error) {
	res, err := c.call(&envelope{Op: opBcast, Root: root, Buf: buf})
	if err != nil {
		return nil, err
	}
	return res.Buf, nil
}

// Gather collects every worker's buffer at rank 0
func (c *remoteCollective) Gather(buf []byte) ([][]byte, error) {
	res, err := c.call(&envelope{Op: opGather, Buf: buf})
	if err != nil {
		return nil, err
	}
	return res.Bufs, nil
}

// Reduce combines float64 vectors elementwise at rank 0
func (c *remoteCollective) Reduce(vals []float64, op rail.ReduceOp) ([]float64, error) {
	res, err := c.call(&envelope{Op: opReduce, ReduceOp: op, Vec: vals})
	if err != nil {
		return nil, err
	}
	return res.Vec, nil
}
