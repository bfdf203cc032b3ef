package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/logging"
	"google.golang.org/grpc"
)

// coordinator is rank 0 of a worker group. It hosts the rendezvous
// service the other workers dial, and participates in collective rounds
// by calling the service directly.
type coordinator struct {
	opts      *NodeOptions
	server    *grpc.Server
	collect   *collectServer
	mu        sync.Mutex
	nextRank  int
	workers   map[string]int
	assembled chan struct{}
}

func createCoordinator(opts *NodeOptions) (*coordinator, error) {
	if err := ensureDefaultNodeOptionsValues(opts); err != nil {
		return nil, err
	}
	c := &coordinator{
		opts:      opts,
		collect:   createCollectServer(opts.NumWorkers),
		nextRank:  1,
		workers:   make(map[string]int),
		assembled: make(chan struct{}),
	}
	if opts.NumWorkers == 1 {
		close(c.assembled)
	}
	return c, nil
}

// IsCoordinator returns true for coordinators
func (c *coordinator) IsCoordinator() bool {
	return true
}

// Join assigns the next free rank to a worker. Rank 0 is the
// coordinator itself; the group is full once ranks 1 through
// NumWorkers-1 are taken.
func (c *coordinator) Join(ctx context.Context, req *joinRequest) (*joinReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rank, ok := c.workers[req.ID]; ok {
		return &joinReply{Rank: rank, Size: c.opts.NumWorkers}, nil
	}
	if c.nextRank >= c.opts.NumWorkers {
		return nil, fmt.Errorf("worker group of %d is already full", c.opts.NumWorkers)
	}
	rank := c.nextRank
	c.nextRank++
	c.workers[req.ID] = rank
	logging.Infof("Worker %s joined as rank %d of %d", req.ID, rank, c.opts.NumWorkers)
	if c.nextRank == c.opts.NumWorkers {
		close(c.assembled)
	}
	return &joinReply{Rank: rank, Size: c.opts.NumWorkers}, nil
}

// Collect rendezvouses one collective round contribution
func (c *coordinator) Collect(ctx context.Context, env *envelope) (*reply, error) {
	return c.collect.Collect(ctx, env)
}

// Serve hosts the rendezvous service, blocking until the coordinator is
// stopped
func (c *coordinator) Serve() error {
	lis, err := net.Listen("tcp", c.opts.connectionString())
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	c.mu.Lock()
	c.server = grpc.NewServer()
	c.server.RegisterService(&collectiveServiceDesc, c)
	c.mu.Unlock()
	logging.Infof("Starting coordinator at %s", c.opts.coordinatorConnectionString())
	if err := c.server.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %v", err)
	}
	return nil
}

// Collective waits for the whole group to join, then returns the
// coordinator's own channel as rank 0
func (c *coordinator) Collective() (rail.Collective, error) {
	timeout := time.After(c.opts.WorkerJoinTimeout)
	logging.Infof("Waiting for %d workers to connect...", c.opts.NumWorkers-1)
	select {
	case <-c.assembled:
	case <-timeout:
		return nil, fmt.Errorf("only %d of %d workers joined within %s", c.joined(), c.opts.NumWorkers, c.opts.WorkerJoinTimeout)
	}
	return &localCollective{rank: 0, size: c.opts.NumWorkers, server: c.collect}, nil
}

func (c *coordinator) joined() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRank
}

// GracefulStop the coordinator, waiting for RPCs to finish
func (c *coordinator) GracefulStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		c.server.GracefulStop()
		c.server = nil
	}
	return nil
}

// Stop the coordinator immediately
func (c *coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		c.server.Stop()
		c.server = nil
	}
	return nil
}

// localCollective is a Collective whose rounds go straight to an
// in-process collectServer. It serves rank 0 of a networked group and
// every rank of an in-process test group.
type localCollective struct {
	rank   int
	size   int
	seq    uint64
	server *collectServer
}

// Rank returns this worker's index within the group
func (c *localCollective) Rank() int { return c.rank }

// Size returns the total number of workers in the group
func (c *localCollective) Size() int { return c.size }

func (c *localCollective) call(env *envelope) (*reply, error) {
	c.seq++
	env.Seq = c.seq
	env.Rank = c.rank
	return c.server.Collect(context.Background(), env)
}

// Barrier blocks until every worker has called Barrier
func (c *localCollective) Barrier() error {
	_, err := c.call(&envelope{Op: opBarrier})
	return err
}

// Bcast distributes root's buffer to every worker
func (c *localCollective) Bcast(buf []byte, root int) ([]byte, error) {
	res, err := c.call(&envelope{Op: opBcast, Root: root, Buf: buf})
	if err != nil {
		return nil, err
	}
	return res.Buf, nil
}

// Gather collects every worker's buffer at rank 0
func (c *localCollective) Gather(buf []byte) ([][]byte, error) {
	res, err := c.call(&envelope{Op: opGather, Buf: buf})
	if err != nil {
		return nil, err
	}
	return res.Bufs, nil
}

// Reduce combines float64 vectors elementwise at rank 0
func (c *localCollective) Reduce(vals []float64, op rail.ReduceOp) ([]float64, error) {
	res, err := c.call(&envelope{Op: opReduce, ReduceOp: op, Vec: vals})
	if err != nil {
		return nil, err
	}
	return res.Vec, nil
}
