package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Mesh connects all ranks of a single-process run through buffered
// channels, one per directed edge. It backs local runs and the protocol
// tests.
type Mesh struct {
	size  int
	edges [][]chan []byte // edges[from][to], each with capacity 1

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMesh creates a fully connected mesh for the given number of ranks.
func NewMesh(size int) (*Mesh, error) {
	if size < 1 {
		return nil, errors.Errorf("mesh size %d, need at least 1", size)
	}
	edges := make([][]chan []byte, size)
	for from := range edges {
		edges[from] = make([]chan []byte, size)
		for to := range edges[from] {
			edges[from][to] = make(chan []byte, 1)
		}
	}
	return &Mesh{
		size:   size,
		edges:  edges,
		closed: make(chan struct{}),
	}, nil
}

// Transport returns the given rank's view of the mesh.
func (m *Mesh) Transport(rank int) (Transport, error) {
	if rank < 0 || rank >= m.size {
		return nil, errors.Errorf("rank %d outside mesh [0, %d)", rank, m.size)
	}
	return &memTransport{mesh: m, rank: rank}, nil
}

// Close unblocks all pending sends and receives. It is safe to call
// multiple times.
func (m *Mesh) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	return nil
}

type memTransport struct {
	mesh *Mesh
	rank int
}

func (t *memTransport) Send(ctx context.Context, to int, payload []byte) error {
	if to < 0 || to >= t.mesh.size {
		return errors.Errorf("send to unknown rank %d", to)
	}
	// Copy so the caller can reuse its buffer as soon as Send returns.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case t.mesh.edges[t.rank][to] <- buf:
		return nil
	case <-t.mesh.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTransport) Receive(ctx context.Context, from int) ([]byte, error) {
	if from < 0 || from >= t.mesh.size {
		return nil, errors.Errorf("receive from unknown rank %d", from)
	}
	select {
	case buf := <-t.mesh.edges[from][t.rank]:
		return buf, nil
	case <-t.mesh.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close on a single rank's view is a no-op: the mesh owns the edges.
func (t *memTransport) Close() error { return nil }
