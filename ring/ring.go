// Package ring models the fixed topology the benchmark runs over: a
// process group of P ranks arranged in a single cycle, where each rank
// has exactly one successor and one predecessor.
package ring

import (
	"github.com/pkg/errors"
)

// Topology is one rank's read-only view of the process group. It is
// created once at startup and never changes for the life of the run.
type Topology struct {
	rank int
	size int
}

// NewTopology validates rank and size and returns the topology for one
// rank. Size 1 is a valid, degenerate ring where the rank is its own
// neighbor in both directions.
func NewTopology(rank, size int) (Topology, error) {
	if size < 1 {
		return Topology{}, errors.Errorf("process group size %d, need at least 1", size)
	}
	if rank < 0 || rank >= size {
		return Topology{}, errors.Errorf("rank %d outside process group [0, %d)", rank, size)
	}
	return Topology{rank: rank, size: size}, nil
}

// Rank returns this process's identity within the group.
func (t Topology) Rank() int { return t.rank }

// Size returns the number of ranks in the group.
func (t Topology) Size() int { return t.size }

// Next returns the rank tokens are forwarded to.
func (t Topology) Next() int { return (t.rank + 1) % t.size }

// Prev returns the rank tokens are received from.
func (t Topology) Prev() int { return (t.rank - 1 + t.size) % t.size }

// IsCoordinator reports whether this rank injects the token and owns
// timing and reporting. By convention the coordinator is rank 0.
func (t Topology) IsCoordinator() bool { return t.rank == 0 }
