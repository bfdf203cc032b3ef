package cluster

import (
	"fmt"
	"sync"
	"testing"
	"time"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLocalGroupBarrier(t *testing.T) {
	defer goleak.VerifyNone(t)
	var mu sync.Mutex
	arrived := 0
	err := RunLocal(4, func(comm rail.Collective) error {
		mu.Lock()
		arrived++
		mu.Unlock()
		if err := comm.Barrier(); err != nil {
			return err
		}
		// after the barrier every worker has arrived
		mu.Lock()
		defer mu.Unlock()
		if arrived != 4 {
			return fmt.Errorf("rank %d passed the barrier with %d arrivals", comm.Rank(), arrived)
		}
		return nil
	})
	require.Nil(t, err)
}

func TestLocalGroupBcast(t *testing.T) {
	defer goleak.VerifyNone(t)
	err := RunLocal(3, func(comm rail.Collective) error {
		buf := []byte(fmt.Sprintf("from rank %d", comm.Rank()))
		got, err := comm.Bcast(buf, 1)
		if err != nil {
			return err
		}
		if string(got) != "from rank 1" {
			return fmt.Errorf("rank %d received %q", comm.Rank(), got)
		}
		return nil
	})
	require.Nil(t, err)
}

func TestLocalGroupGather(t *testing.T) {
	defer goleak.VerifyNone(t)
	err := RunLocal(3, func(comm rail.Collective) error {
		got, err := comm.Gather([]byte{byte(comm.Rank())})
		if err != nil {
			return err
		}
		if comm.Rank() == 0 {
			if len(got) != 3 {
				return fmt.Errorf("gathered %d buffers", len(got))
			}
			for rank, buf := range got {
				if len(buf) != 1 || buf[0] != byte(rank) {
					return fmt.Errorf("buffer %d holds %v", rank, buf)
				}
			}
		} else if got != nil {
			return fmt.Errorf("rank %d received a gather result", comm.Rank())
		}
		return nil
	})
	require.Nil(t, err)
}

func TestLocalGroupReduce(t *testing.T) {
	defer goleak.VerifyNone(t)
	for _, tc := range []struct {
		op   rail.ReduceOp
		want []float64
	}{
		{rail.ReduceSum, []float64{3, 6}},
		{rail.ReduceMin, []float64{0, 1}},
		{rail.ReduceMax, []float64{2, 3}},
	} {
		err := RunLocal(3, func(comm rail.Collective) error {
			r := float64(comm.Rank())
			got, err := comm.Reduce([]float64{r, r + 1}, tc.op)
			if err != nil {
				return err
			}
			if comm.Rank() == 0 {
				if len(got) != 2 || got[0] != tc.want[0] || got[1] != tc.want[1] {
					return fmt.Errorf("op %d reduced to %v", tc.op, got)
				}
			}
			return nil
		})
		require.Nil(t, err)
	}
}

func TestLocalGroupMismatchedVectorLengths(t *testing.T) {
	defer goleak.VerifyNone(t)
	err := RunLocal(2, func(comm rail.Collective) error {
		vec := make([]float64, 1+comm.Rank())
		_, err := comm.Reduce(vec, rail.ReduceSum)
		return err
	})
	require.NotNil(t, err)
}

func TestNodeOptionsValidation(t *testing.T) {
	_, err := CreateNodeInRole(Coordinator, &NodeOptions{CoordinatorHost: "localhost"})
	require.NotNil(t, err)
	_, err = CreateNodeInRole(Worker, &NodeOptions{NumWorkers: 2})
	require.NotNil(t, err)
	_, err = CreateNodeInRole("conductor", &NodeOptions{NumWorkers: 2, CoordinatorHost: "localhost"})
	require.NotNil(t, err)
}

func TestNodeOptionsDefaults(t *testing.T) {
	opts := &NodeOptions{NumWorkers: 2, CoordinatorHost: "localhost"}
	require.Nil(t, ensureDefaultNodeOptionsValues(opts))
	require.Equal(t, 1672, opts.Port)
	require.Equal(t, "localhost:1672", opts.coordinatorConnectionString())

	clone := CloneNodeOptions(opts)
	clone.Port = 9999
	require.Equal(t, 1672, opts.Port)
}

func TestClusterEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	opts := &NodeOptions{
		Host:              "127.0.0.1",
		Port:              17672,
		CoordinatorHost:   "127.0.0.1",
		CoordinatorPort:   17672,
		NumWorkers:        3,
		WorkerJoinTimeout: 10 * time.Second,
	}

	coord, err := CreateNodeInRole(Coordinator, CloneNodeOptions(opts))
	require.Nil(t, err)
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- coord.Serve()
	}()
	defer func() {
		require.Nil(t, coord.GracefulStop())
		require.Nil(t, <-serveDone)
	}()

	workers := make([]Node, 2)
	for i := range workers {
		w, err := CreateNodeInRole(Worker, CloneNodeOptions(opts))
		require.Nil(t, err)
		workers[i] = w
	}
	defer func() {
		for _, w := range workers {
			require.Nil(t, w.Stop())
		}
	}()

	results := make([][]byte, 3)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	run := func(idx int, node Node) {
		defer wg.Done()
		comm, err := node.Collective()
		if err != nil {
			errs <- err
			return
		}
		gathered, err := comm.Gather([]byte{byte(comm.Rank() * 10)})
		if err != nil {
			errs <- err
			return
		}
		if comm.Rank() == 0 {
			for rank, buf := range gathered {
				results[rank] = buf
			}
		}
		if err := comm.Barrier(); err != nil {
			errs <- err
		}
	}
	wg.Add(3)
	go run(0, coord)
	for i, w := range workers {
		go run(i+1, w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Nil(t, err)
	}
	require.Equal(t, [][]byte{{0}, {10}, {20}}, results)
}
