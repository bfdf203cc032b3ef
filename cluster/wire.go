package cluster

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	rail "github.com/sidratresearch/rail-base-sub000"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// gobName is the grpc content-subtype under which envelopes travel
const gobName = "gob"

// gobCodec lets grpc marshal arbitrary gob-encodable messages, so the
// wire protocol needs no generated message types
type gobCodec struct{}

// Marshal gob-encodes a message
func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal gob-decodes a message
func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Name returns the codec's content-subtype
func (gobCodec) Name() string { return gobName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// collectOp identifies which collective operation a round performs
type collectOp int

const (
	opBarrier collectOp = iota
	opBcast
	opGather
	opReduce
)

// envelope is one worker's contribution to a collective round. Seq
// numbers rounds: every worker executes the same sequence of collective
// calls, so contributions with equal Seq belong to the same round.
type envelope struct {
	Seq      uint64
	Op       collectOp
	Rank     int
	Root     int
	ReduceOp rail.ReduceOp
	Buf      []byte
	Vec      []float64
}

// reply is the per-rank result of a completed round
type reply struct {
	Buf  []byte
	Bufs [][]byte
	Vec  []float64
}

// joinRequest asks the coordinator for a place in the worker group
type joinRequest struct {
	ID string
}

// joinReply carries the assigned rank and the group size
type joinReply struct {
	Rank int
	Size int
}

// collectiveService is the server-side contract behind the hand-written
// service descriptor
type collectiveService interface {
	Join(ctx context.Context, req *joinRequest) (*joinReply, error)
	Collect(ctx context.Context, env *envelope) (*reply, error)
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(joinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveService).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/railbase.Collective/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(collectiveService).Join(ctx, req.(*joinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func collectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveService).Collect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/railbase.Collective/Collect"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(collectiveService).Collect(ctx, req.(*envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: "railbase.Collective",
	HandlerType: (*collectiveService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Collect", Handler: collectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "railbase",
}

// round is one in-flight collective operation: contributions arrive from
// every rank, then every rank's reply becomes available at once
type round struct {
	envs    map[int]*envelope
	replies map[int]*reply
	done    chan struct{}
	err     error
}

// collectServer rendezvouses collective rounds for a group of the given
// size. Rounds are keyed by sequence number and removed once complete.
type collectServer struct {
	mu     sync.Mutex
	size   int
	rounds map[uint64]*round
}

func createCollectServer(size int) *collectServer {
	return &collectServer{size: size, rounds: make(map[uint64]*round)}
}

// Collect registers one rank's contribution to a round and blocks until
// the round completes or the context expires
func (s *collectServer) Collect(ctx context.Context, env *envelope) (*reply, error) {
	s.mu.Lock()
	r, ok := s.rounds[env.Seq]
	if !ok {
		r = &round{
			envs:    make(map[int]*envelope, s.size),
			replies: make(map[int]*reply, s.size),
			done:    make(chan struct{}),
		}
		s.rounds[env.Seq] = r
	}
	if _, dup := r.envs[env.Rank]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("rank %d contributed twice to round %d", env.Rank, env.Seq)
	}
	r.envs[env.Rank] = env
	if len(r.envs) == s.size {
		r.err = resolveRound(r)
		delete(s.rounds, env.Seq)
		close(r.done)
	}
	s.mu.Unlock()
	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.replies[env.Rank], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveRound computes every rank's reply once all contributions are in
func resolveRound(r *round) error {
	var first *envelope
	for _, env := range r.envs {
		if first == nil {
			first = env
		} else if env.Op != first.Op {
			return fmt.Errorf("round %d mixes collective operations", first.Seq)
		}
	}
	switch first.Op {
	case opBarrier:
		for rank := range r.envs {
			r.replies[rank] = &reply{}
		}
	case opBcast:
		root, ok := r.envs[first.Root]
		if !ok {
			return fmt.Errorf("bcast root %d is not a member of the group", first.Root)
		}
		for rank := range r.envs {
			r.replies[rank] = &reply{Buf: root.Buf}
		}
	case opGather:
		bufs := make([][]byte, len(r.envs))
		for rank, env := range r.envs {
			bufs[rank] = env.Buf
			r.replies[rank] = &reply{}
		}
		r.replies[0] = &reply{Bufs: bufs}
	case opReduce:
		var out []float64
		for rank := 0; rank < len(r.envs); rank++ {
			vec := r.envs[rank].Vec
			if out == nil {
				out = append([]float64{}, vec...)
				continue
			}
			if len(vec) != len(out) {
				return fmt.Errorf("rank %d reduces %d values where rank 0 reduces %d", rank, len(vec), len(out))
			}
			for i, v := range vec {
				switch first.ReduceOp {
				case rail.ReduceSum:
					out[i] += v
				case rail.ReduceMin:
					if v < out[i] {
						out[i] = v
					}
				case rail.ReduceMax:
					if v > out[i] {
						out[i] = v
					}
				default:
					return fmt.Errorf("unknown reduce operation %d", first.ReduceOp)
				}
			}
		}
		for rank := range r.envs {
			r.replies[rank] = &reply{}
		}
		r.replies[0] = &reply{Vec: out}
	default:
		return fmt.Errorf("unknown collective operation %d", first.Op)
	}
	return nil
}
