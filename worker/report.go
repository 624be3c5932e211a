package worker

import (
	"fmt"
	"time"

	"github.com/ckbrehm/onramp/ring"
)

// Report holds the coordinator's timing sample for a completed run.
type Report struct {
	Rank       int
	Size       int
	Rounds     int
	TokenBytes int
	// Hops is the total number of point-to-point transfers timed:
	// Rounds circuits of Size hops each.
	Hops       int
	Elapsed    time.Duration
	FinalValue uint64
}

func newReport(topo ring.Topology, cfg Config, elapsed time.Duration, finalValue uint64) *Report {
	return &Report{
		Rank:       topo.Rank(),
		Size:       topo.Size(),
		Rounds:     cfg.Rounds,
		TokenBytes: cfg.TokenSize,
		Hops:       cfg.Rounds * topo.Size(),
		Elapsed:    elapsed,
		FinalValue: finalValue,
	}
}

// AvgHopLatency is the elapsed time divided by the total hop count.
func (r *Report) AvgHopLatency() time.Duration {
	return r.Elapsed / time.Duration(r.Hops)
}

// Summary is the single human-readable line printed on stdout at the
// end of a run.
func (r *Report) Summary() string {
	return fmt.Sprintf("ring: rank=%d size=%d rounds=%d token_bytes=%d hops=%d final_value=%d elapsed=%s avg_hop_latency=%s",
		r.Rank, r.Size, r.Rounds, r.TokenBytes, r.Hops, r.FinalValue, r.Elapsed, r.AvgHopLatency())
}
