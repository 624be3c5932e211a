// Command ring runs the ring communication benchmark: P ranks pass a
// token around a fixed ring for K rounds, and rank 0 reports elapsed
// time and per-hop latency on stdout.
//
// By default all ranks run as goroutines inside this process. With
// -mode=peer the process runs a single rank and talks TCP to the other
// ranks, whose addresses come from -peer.cluster-file or -peer.address.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	gokitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ckbrehm/onramp/cluster"
	"github.com/ckbrehm/onramp/ring"
	"github.com/ckbrehm/onramp/transport"
	"github.com/ckbrehm/onramp/worker"
)

type config struct {
	mode        string
	localRanks  int
	peerRank    int
	clusterFile string
	peerAddrs   flagext.StringSliceCSVMulti
	metricsAddr string

	worker   worker.Config
	tcp      transport.TCPConfig
	logLevel dslog.Level
}

func (cfg *config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.mode, "mode", "local", "Run mode: 'local' runs all ranks inside this process, 'peer' runs a single rank of a distributed ring.")
	f.IntVar(&cfg.localRanks, "local.ranks", 4, "Number of ranks in a local run.")
	f.IntVar(&cfg.peerRank, "peer.rank", 0, "Rank of this process in a distributed run.")
	f.StringVar(&cfg.clusterFile, "peer.cluster-file", "", "Membership file (YAML or hostfile) listing every rank's listen address in rank order. Overrides -peer.address.")
	f.Var(&cfg.peerAddrs, "peer.address", "Listen address of each rank, in rank order. Repeat the flag or comma-separate values.")
	f.StringVar(&cfg.metricsAddr, "metrics.listen-address", "", "If set, expose Prometheus metrics on this address for the duration of the run.")
	cfg.worker.RegisterFlags(f)
	cfg.tcp.RegisterFlags(f)
	cfg.logLevel.RegisterFlags(f)
}

func main() {
	cfg := &config{}
	cfg.registerFlags(flag.CommandLine)
	flag.Parse()

	logger := dslog.NewGoKitWithLevel(cfg.logLevel, dslog.LogfmtFormat)

	reg := prometheus.NewPedanticRegistry()
	if cfg.metricsAddr != "" {
		go serveMetrics(cfg.metricsAddr, reg, logger)
	}

	var (
		report *worker.Report
		err    error
	)
	ctx := context.Background()
	switch cfg.mode {
	case "local":
		report, err = runLocal(ctx, cfg, logger, reg)
	case "peer":
		report, err = runPeer(ctx, cfg, logger, reg)
	default:
		err = errors.Errorf("unknown mode %q", cfg.mode)
	}
	if err != nil {
		level.Error(logger).Log("msg", "run failed", "err", err)
		os.Exit(1)
	}

	// Only the coordinator carries a report.
	if report != nil {
		fmt.Println(report.Summary())
	}
}

// runLocal runs all ranks as goroutine workers over an in-memory mesh.
func runLocal(ctx context.Context, cfg *config, logger gokitlog.Logger, reg prometheus.Registerer) (*worker.Report, error) {
	mesh, err := transport.NewMesh(cfg.localRanks)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = mesh.Close()
	}()

	workers := make([]*worker.Worker, cfg.localRanks)
	svcs := make([]services.Service, cfg.localRanks)
	for rank := range workers {
		topo, err := ring.NewTopology(rank, cfg.localRanks)
		if err != nil {
			return nil, err
		}
		tr, err := mesh.Transport(rank)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(cfg.worker, topo, tr, logger, reg)
		if err != nil {
			return nil, err
		}
		workers[rank], svcs[rank] = w, w
	}

	manager, err := services.NewManager(svcs...)
	if err != nil {
		return nil, errors.Wrap(err, "create worker manager")
	}

	// If one rank fails, tear the mesh down so the others unblock
	// instead of waiting forever for a message that will never arrive.
	watcher := services.NewFailureWatcher()
	defer watcher.Close()
	watcher.WatchManager(manager)
	go func() {
		for werr := range watcher.Chan() {
			level.Error(logger).Log("msg", "worker failed, tearing the ring down", "err", werr)
			_ = mesh.Close()
		}
	}()

	if err := manager.StartAsync(ctx); err != nil {
		return nil, errors.Wrap(err, "start workers")
	}
	if err := manager.AwaitStopped(ctx); err != nil {
		return nil, errors.Wrap(err, "await workers")
	}

	merr := multierror.New()
	for _, w := range workers {
		merr.Add(w.FailureCase())
	}
	if err := merr.Err(); err != nil {
		return nil, err
	}

	return workers[0].Report(), nil
}

// runPeer runs a single rank of a distributed ring over TCP.
func runPeer(ctx context.Context, cfg *config, logger gokitlog.Logger, reg prometheus.Registerer) (*worker.Report, error) {
	peers := []string(cfg.peerAddrs)
	if cfg.clusterFile != "" {
		spec, err := cluster.Load(cfg.clusterFile)
		if err != nil {
			return nil, err
		}
		peers = spec.Addresses()
	}

	topo, err := ring.NewTopology(cfg.peerRank, len(peers))
	if err != nil {
		return nil, err
	}

	tcpCfg := cfg.tcp
	tcpCfg.Rank = cfg.peerRank
	tcpCfg.Peers = peers
	mesh, err := transport.NewTCPMesh(tcpCfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := mesh.Close(); cerr != nil {
			level.Warn(logger).Log("msg", "error closing transport", "err", cerr)
		}
	}()

	w, err := worker.New(cfg.worker, topo, mesh, logger, reg)
	if err != nil {
		return nil, err
	}

	if err := w.StartAsync(ctx); err != nil {
		return nil, err
	}
	if err := w.AwaitTerminated(ctx); err != nil {
		return nil, err
	}

	sent, received := mesh.Stats()
	level.Info(logger).Log("msg", "run complete", "rank", topo.Rank(), "bytes_sent", sent, "bytes_received", received)

	return w.Report(), nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger gokitlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Warn(logger).Log("msg", "metrics server stopped", "err", err)
	}
}
