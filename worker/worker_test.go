package worker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ckbrehm/onramp/ring"
	"github.com/ckbrehm/onramp/transport"
	"github.com/ckbrehm/onramp/worker"
)

// runRing runs a full ring of the given size over an in-memory mesh and
// returns the coordinator's report and the metrics registry.
func runRing(t *testing.T, size, rounds, tokenSize int) (*worker.Report, *prometheus.Registry) {
	t.Helper()

	mesh, err := transport.NewMesh(size)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mesh.Close())
	})

	reg := prometheus.NewPedanticRegistry()
	cfg := worker.Config{Rounds: rounds, TokenSize: tokenSize}

	workers := make([]*worker.Worker, size)
	for rank := range workers {
		topo, err := ring.NewTopology(rank, size)
		require.NoError(t, err)
		tr, err := mesh.Transport(rank)
		require.NoError(t, err)
		workers[rank], err = worker.New(cfg, topo, tr, log.NewNopLogger(), reg)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			if err := w.StartAsync(gctx); err != nil {
				return err
			}
			return w.AwaitTerminated(gctx)
		})
	}
	require.NoError(t, g.Wait())

	return workers[0].Report(), reg
}

// counterValues returns a metric's value per rank label.
func counterValues(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()

	values := map[string]float64{}
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "rank" {
					values[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return values
}

func TestConfig_Validate(t *testing.T) {
	cfg := worker.Config{Rounds: 0, TokenSize: ring.MinTokenSize}
	require.Error(t, cfg.Validate())

	cfg = worker.Config{Rounds: 1, TokenSize: ring.MinTokenSize - 1}
	require.Error(t, cfg.Validate())

	cfg = worker.Config{Rounds: 1, TokenSize: ring.MinTokenSize}
	require.NoError(t, cfg.Validate())
}

// Four ranks, ten rounds: the token is incremented once per hop, so the
// coordinator must observe 10*4 increments, and the reported latency is
// the elapsed time spread over those hops.
func TestRing_EndToEnd(t *testing.T) {
	report, reg := runRing(t, 4, 10, ring.MinTokenSize)

	require.NotNil(t, report)
	assert.Equal(t, 0, report.Rank)
	assert.Equal(t, 4, report.Size)
	assert.Equal(t, 10, report.Rounds)
	assert.Equal(t, 40, report.Hops)
	assert.Equal(t, uint64(40), report.FinalValue)
	assert.Greater(t, report.Elapsed, time.Duration(0))
	assert.Equal(t, report.Elapsed/40, report.AvgHopLatency())

	for _, name := range []string{"ring_tokens_sent_total", "ring_tokens_received_total"} {
		values := counterValues(t, reg, name)
		require.Len(t, values, 4, name)
		for rank, value := range values {
			assert.Equal(t, float64(10), value, "%s of rank %s", name, rank)
		}
	}
}

// Eight ranks, one round: each rank sends exactly once and receives
// exactly once.
func TestRing_SingleRound(t *testing.T) {
	report, reg := runRing(t, 8, 1, ring.MinTokenSize)

	require.NotNil(t, report)
	assert.Equal(t, 1, report.Rounds)
	assert.Equal(t, uint64(8), report.FinalValue)

	for _, name := range []string{"ring_tokens_sent_total", "ring_tokens_received_total"} {
		values := counterValues(t, reg, name)
		require.Len(t, values, 8, name)
		for rank, value := range values {
			assert.Equal(t, float64(1), value, "%s of rank %s", name, rank)
		}
	}
}

// A single rank is its own neighbor in both directions and must still
// terminate.
func TestRing_SingleRankSelfLoop(t *testing.T) {
	report, _ := runRing(t, 1, 5, ring.MinTokenSize)

	require.NotNil(t, report)
	assert.Equal(t, 1, report.Size)
	assert.Equal(t, uint64(5), report.FinalValue)
}

// Larger tokens only pad the payload, the protocol is unchanged.
func TestRing_PaddedToken(t *testing.T) {
	report, _ := runRing(t, 3, 4, 256)

	require.NotNil(t, report)
	assert.Equal(t, 256, report.TokenBytes)
	assert.Equal(t, uint64(12), report.FinalValue)
}

// Every combination must complete well within the timeout: no pair of
// ranks may ever block on each other.
func TestRing_DeadlockFreedom(t *testing.T) {
	for _, size := range []int{2, 3, 5, 8} {
		for _, rounds := range []int{1, 3, 10} {
			t.Run(fmt.Sprintf("size=%d rounds=%d", size, rounds), func(t *testing.T) {
				report, _ := runRing(t, size, rounds, ring.MinTokenSize)
				require.NotNil(t, report)
				assert.Equal(t, uint64(size*rounds), report.FinalValue)
			})
		}
	}
}

// Running twice with the same configuration exchanges the same number
// of messages, whatever the elapsed time does.
func TestRing_DeterministicMessageCount(t *testing.T) {
	_, first := runRing(t, 4, 3, ring.MinTokenSize)
	_, second := runRing(t, 4, 3, ring.MinTokenSize)

	assert.Equal(t,
		counterValues(t, first, "ring_tokens_sent_total"),
		counterValues(t, second, "ring_tokens_sent_total"))
	assert.Equal(t,
		counterValues(t, first, "ring_tokens_received_total"),
		counterValues(t, second, "ring_tokens_received_total"))
}

func TestWorker_NoReportOnForwarders(t *testing.T) {
	mesh, err := transport.NewMesh(2)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mesh.Close())
	})

	reg := prometheus.NewPedanticRegistry()
	cfg := worker.Config{Rounds: 1, TokenSize: ring.MinTokenSize}

	workers := make([]*worker.Worker, 2)
	for rank := range workers {
		topo, err := ring.NewTopology(rank, 2)
		require.NoError(t, err)
		tr, err := mesh.Transport(rank)
		require.NoError(t, err)
		workers[rank], err = worker.New(cfg, topo, tr, log.NewNopLogger(), reg)
		require.NoError(t, err)
	}

	ctx := context.Background()
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			if err := w.StartAsync(gctx); err != nil {
				return err
			}
			return w.AwaitTerminated(gctx)
		})
	}
	require.NoError(t, g.Wait())

	require.NotNil(t, workers[0].Report())
	require.Nil(t, workers[1].Report(), "only the coordinator reports")
}

// A broken transport fails the worker service instead of hanging.
func TestWorker_TransportFailureIsFatal(t *testing.T) {
	mesh, err := transport.NewMesh(2)
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	cfg := worker.Config{Rounds: 1, TokenSize: ring.MinTokenSize}

	topo, err := ring.NewTopology(0, 2)
	require.NoError(t, err)
	tr, err := mesh.Transport(0)
	require.NoError(t, err)
	w, err := worker.New(cfg, topo, tr, log.NewNopLogger(), reg)
	require.NoError(t, err)

	// Break the ring before the run starts.
	require.NoError(t, mesh.Close())

	ctx := context.Background()
	require.NoError(t, w.StartAsync(ctx))
	err = w.AwaitTerminated(ctx)
	require.Error(t, err)
	require.Equal(t, services.Failed, w.State())
	require.ErrorIs(t, w.FailureCase(), transport.ErrClosed)
}

func TestReport_Summary(t *testing.T) {
	report, _ := runRing(t, 2, 2, ring.MinTokenSize)

	require.NotNil(t, report)
	summary := report.Summary()
	assert.Contains(t, summary, "rank=0")
	assert.Contains(t, summary, "size=2")
	assert.Contains(t, summary, "rounds=2")
	assert.Contains(t, summary, "final_value=4")
}
