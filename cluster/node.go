// Package cluster provides the communication channel shared by
// cooperating worker processes: a coordinator hosts a rendezvous
// service, workers dial it, and every member receives a
// rail.Collective bound to its rank in the group.
package cluster

import (
	"fmt"
	"os"
	"time"

	rail "github.com/sidratresearch/rail-base-sub000"
)

// NodeRole describes the intended role of a node
type NodeRole = string

const (
	// Coordinator indicates that a node should host the rendezvous service
	//   e.g. CreateNodeInRole(Coordinator, &NodeOptions{...})
	Coordinator NodeRole = "coordinator"
	// Worker indicates that a node should dial the coordinator
	//   e.g. CreateNodeInRole(Worker, &NodeOptions{...})
	Worker NodeRole = "worker"
)

// NodeOptions are options for a node, configuring its place in a worker group
type NodeOptions struct {
	Port              int           // port for this node to bind to
	Host              string        // hostname for this node to bind to
	CoordinatorPort   int           // port of the coordinator node (identical to Port if this is the coordinator)
	CoordinatorHost   string        // [REQUIRED] hostname of the coordinator node (identical to Host if this is the coordinator)
	NumWorkers        int           // [REQUIRED] the total group size, coordinator included
	WorkerJoinTimeout time.Duration // how long the coordinator should wait for workers to join
	WorkerJoinRetries int           // how many times a worker should retry joining the coordinator (at one second intervals)
	RPCTimeout        time.Duration // timeout for join calls; collective calls block without one
}

// CloneNodeOptions makes a copy of a NodeOptions
func CloneNodeOptions(opts *NodeOptions) *NodeOptions {
	return &NodeOptions{
		Port:              opts.Port,
		Host:              opts.Host,
		CoordinatorPort:   opts.CoordinatorPort,
		CoordinatorHost:   opts.CoordinatorHost,
		NumWorkers:        opts.NumWorkers,
		WorkerJoinTimeout: opts.WorkerJoinTimeout,
		WorkerJoinRetries: opts.WorkerJoinRetries,
		RPCTimeout:        opts.RPCTimeout,
	}
}

func ensureDefaultNodeOptionsValues(opts *NodeOptions) error {
	// certain required options must be supplied
	if opts.NumWorkers < 1 {
		return fmt.Errorf("NodeOptions.NumWorkers must be greater than 0")
	}
	if len(opts.CoordinatorHost) == 0 {
		return fmt.Errorf("NodeOptions.CoordinatorHost must be the address of the coordinator")
	}
	// default certain options if not supplied
	if opts.Port == 0 {
		opts.Port = 1672
	}
	if len(opts.Host) == 0 {
		opts.Host = "0.0.0.0"
	}
	if opts.CoordinatorPort == 0 {
		opts.CoordinatorPort = 1672
	}
	if opts.RPCTimeout == 0 {
		opts.RPCTimeout = time.Duration(5) * time.Second
	}
	if opts.WorkerJoinTimeout == 0 {
		opts.WorkerJoinTimeout = time.Duration(30) * time.Second
	}
	if opts.WorkerJoinRetries == 0 {
		opts.WorkerJoinRetries = 5
	}
	return nil
}

// connectionString returns the connection string for this node
func (o *NodeOptions) connectionString() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// coordinatorConnectionString returns the connection string for the coordinator
func (o *NodeOptions) coordinatorConnectionString() string {
	return fmt.Sprintf("%s:%d", o.CoordinatorHost, o.CoordinatorPort)
}

// A Node is a member of a worker group. Serve blocks until the node
// shuts down; Collective blocks until the whole group has assembled,
// then returns this node's communication channel.
type Node interface {
	IsCoordinator() bool
	Serve() error
	Collective() (rail.Collective, error)
	GracefulStop() error
	Stop() error
}

// CreateNodeInRole creates a node in a specific role (Coordinator or Worker)
func CreateNodeInRole(role NodeRole, opts *NodeOptions) (Node, error) {
	switch role {
	case Coordinator:
		return createCoordinator(opts)
	case Worker:
		return createWorker(opts)
	default:
		return nil, fmt.Errorf("%s is an unknown NodeRole", role)
	}
}

// CreateNode creates a node, deriving role from environment variables
func CreateNode(opts *NodeOptions) (Node, error) {
	role := os.Getenv("RAIL_NODE_TYPE")
	if len(role) == 0 {
		return nil, fmt.Errorf("$RAIL_NODE_TYPE is not set - must be \"%s\" or \"%s\"", Coordinator, Worker)
	}
	switch role {
	case Coordinator, Worker:
		return CreateNodeInRole(role, opts)
	default:
		return nil, fmt.Errorf("$RAIL_NODE_TYPE=\"%s\" is an unknown NodeRole", role)
	}
}
