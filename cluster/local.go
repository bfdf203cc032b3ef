package cluster

import (
	rail "github.com/sidratresearch/rail-base-sub000"
	"golang.org/x/sync/errgroup"
)

// LocalGroup returns size linked in-process Collectives, one per rank.
// Rounds rendezvous through a shared in-memory server, so the group
// behaves exactly like a networked one without any sockets.
func LocalGroup(size int) []rail.Collective {
	server := createCollectServer(size)
	group := make([]rail.Collective, size)
	for rank := 0; rank < size; rank++ {
		group[rank] = &localCollective{rank: rank, size: size, server: server}
	}
	return group
}

// RunLocal runs fn once per rank of an in-process group, each on its own
// goroutine, and returns the first error
func RunLocal(size int, fn func(comm rail.Collective) error) error {
	var g errgroup.Group
	for _, comm := range LocalGroup(size) {
		comm := comm
		g.Go(func() error {
			return fn(comm)
		})
	}
	return g.Wait()
}
