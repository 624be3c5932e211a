// Package worker runs the ring protocol on one rank: the token is
// injected by the coordinator, forwarded around the ring for the
// configured number of circuits, and timed end to end.
package worker

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ckbrehm/onramp/ring"
	"github.com/ckbrehm/onramp/transport"
)

// Message kinds on the wire. The completion barrier shares the ring
// edges with the token, distinguished by a leading kind byte.
const (
	msgToken byte = iota + 1
	msgBarrier
)

type Config struct {
	Rounds    int `yaml:"rounds"`
	TokenSize int `yaml:"token_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Rounds, "ring.rounds", 10, "Number of full circuits the token makes around the ring.")
	f.IntVar(&cfg.TokenSize, "ring.token-size", ring.MinTokenSize, "Encoded token size in bytes. The counter takes 8 bytes, the rest is zero padding to model larger messages.")
}

func (cfg *Config) Validate() error {
	if cfg.Rounds < 1 {
		return errors.Errorf("at least one round required, got %d", cfg.Rounds)
	}
	if cfg.TokenSize < ring.MinTokenSize {
		return errors.Errorf("token size %d below minimum %d", cfg.TokenSize, ring.MinTokenSize)
	}
	return nil
}

// Worker is one rank's participant in the run. Every rank runs the same
// code; only the coordinator injects the token, brackets the loop with
// timestamps and produces a Report. Any send or receive failure is
// fatal and fails the service: the ring has no path around a broken
// link.
type Worker struct {
	services.Service

	cfg     Config
	topo    ring.Topology
	trans   transport.Transport
	logger  log.Logger
	metrics *workerMetrics

	reportMtx sync.Mutex
	report    *Report
}

func New(cfg Config, topo ring.Topology, trans transport.Transport, logger log.Logger, reg prometheus.Registerer) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:     cfg,
		topo:    topo,
		trans:   trans,
		logger:  log.With(logger, "component", "ring-worker", "rank", topo.Rank()),
		metrics: newWorkerMetrics(reg, topo.Rank()),
	}
	w.Service = services.NewBasicService(nil, w.run, nil)
	return w, nil
}

// Report returns the coordinator's timing report, or nil on
// non-coordinator ranks and before the run has completed.
func (w *Worker) Report() *Report {
	w.reportMtx.Lock()
	defer w.reportMtx.Unlock()
	return w.report
}

func (w *Worker) run(ctx context.Context) error {
	level.Debug(w.logger).Log("msg", "starting ring run", "size", w.topo.Size(), "rounds", w.cfg.Rounds, "next", w.topo.Next(), "prev", w.topo.Prev())

	var (
		report *Report
		err    error
	)
	if w.topo.IsCoordinator() {
		report, err = w.runCoordinator(ctx)
	} else {
		err = w.runForwarder(ctx)
	}
	if err != nil {
		level.Error(w.logger).Log("msg", "ring run failed", "err", err)
		return err
	}

	if err := w.barrier(ctx); err != nil {
		level.Error(w.logger).Log("msg", "completion barrier failed", "err", err)
		return err
	}

	if report != nil {
		w.reportMtx.Lock()
		w.report = report
		w.reportMtx.Unlock()
	}
	level.Debug(w.logger).Log("msg", "ring run complete")
	return nil
}

// runCoordinator injects the token and drives K circuits, incrementing
// on each receipt like every other rank. The timestamps bracket the
// whole loop: the start is recorded before the first send, the end
// after the last receive.
func (w *Worker) runCoordinator(ctx context.Context) (*Report, error) {
	var tok ring.Token
	start := time.Now()
	for round := 0; round < w.cfg.Rounds; round++ {
		circuitStart := time.Now()

		if err := w.sendToken(ctx, tok); err != nil {
			return nil, err
		}
		received, err := w.receiveToken(ctx)
		if err != nil {
			return nil, err
		}
		received.Inc()
		tok = received

		w.metrics.circuitDuration.Observe(time.Since(circuitStart).Seconds())
	}
	elapsed := time.Since(start)

	return newReport(w.topo, w.cfg, elapsed, tok.Value), nil
}

// runForwarder receives, increments and forwards, K times. The next
// send is issued straight after the receive: limited overlap between
// rounds is fine, only per-edge FIFO order matters.
func (w *Worker) runForwarder(ctx context.Context) error {
	for round := 0; round < w.cfg.Rounds; round++ {
		tok, err := w.receiveToken(ctx)
		if err != nil {
			return err
		}
		tok.Inc()
		if err := w.sendToken(ctx, tok); err != nil {
			return err
		}
	}
	return nil
}

// barrier keeps every rank in the protocol until all ranks have
// finished their final round, so nobody exits while a neighbor still
// expects a message. The coordinator circulates a barrier message
// twice: the first pass proves everyone finished, the second releases
// them.
func (w *Worker) barrier(ctx context.Context) error {
	for pass := 0; pass < 2; pass++ {
		if w.topo.IsCoordinator() {
			if err := w.sendBarrier(ctx); err != nil {
				return err
			}
			if err := w.receiveBarrier(ctx); err != nil {
				return err
			}
		} else {
			if err := w.receiveBarrier(ctx); err != nil {
				return err
			}
			if err := w.sendBarrier(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) sendToken(ctx context.Context, tok ring.Token) error {
	payload, err := tok.Encode(w.cfg.TokenSize)
	if err != nil {
		return err
	}
	msg := make([]byte, 1+len(payload))
	msg[0] = msgToken
	copy(msg[1:], payload)

	if err := w.trans.Send(ctx, w.topo.Next(), msg); err != nil {
		return errors.Wrapf(err, "rank %d: send token to rank %d", w.topo.Rank(), w.topo.Next())
	}
	w.metrics.tokensSent.Inc()
	return nil
}

func (w *Worker) receiveToken(ctx context.Context) (ring.Token, error) {
	msg, err := w.trans.Receive(ctx, w.topo.Prev())
	if err != nil {
		return ring.Token{}, errors.Wrapf(err, "rank %d: receive token from rank %d", w.topo.Rank(), w.topo.Prev())
	}
	if len(msg) < 1 || msg[0] != msgToken {
		return ring.Token{}, errors.Errorf("rank %d: unexpected message from rank %d, want token", w.topo.Rank(), w.topo.Prev())
	}
	tok, err := ring.DecodeToken(msg[1:], w.cfg.TokenSize)
	if err != nil {
		return ring.Token{}, errors.Wrapf(err, "rank %d: token from rank %d", w.topo.Rank(), w.topo.Prev())
	}
	w.metrics.tokensReceived.Inc()
	return tok, nil
}

func (w *Worker) sendBarrier(ctx context.Context) error {
	if err := w.trans.Send(ctx, w.topo.Next(), []byte{msgBarrier}); err != nil {
		return errors.Wrapf(err, "rank %d: send barrier to rank %d", w.topo.Rank(), w.topo.Next())
	}
	return nil
}

func (w *Worker) receiveBarrier(ctx context.Context) error {
	msg, err := w.trans.Receive(ctx, w.topo.Prev())
	if err != nil {
		return errors.Wrapf(err, "rank %d: receive barrier from rank %d", w.topo.Rank(), w.topo.Prev())
	}
	if len(msg) != 1 || msg[0] != msgBarrier {
		return errors.Errorf("rank %d: unexpected message from rank %d, want barrier", w.topo.Rank(), w.topo.Prev())
	}
	return nil
}
