// cmd/coordinator is the main entry point for a coordcore coordinator
// process. It loads configuration, spins up the simulated worker fleet,
// starts the quorum and replication engines, and exposes both the
// client-facing TCP dispatcher and the operator admin HTTP surface.
//
// Example:
//
//	./coordinator --config coordinator.yaml --id node1 \
//	               --peers node2=host2:9190,node3=host3:9190
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coordcore/internal/admin"
	"coordcore/internal/config"
	"coordcore/internal/dispatcher"
	"coordcore/internal/faults"
	"coordcore/internal/logging"
	"coordcore/internal/metrics"
	"coordcore/internal/quorum"
	"coordcore/internal/registry"
	"coordcore/internal/replication"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "coordinator.yaml", "path to YAML configuration")
	nodeID := flag.String("id", "node1", "this coordinator's origin id for replication")
	peersFlag := flag.String("peers", "", "comma-separated peer list: id=host:port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("origin", *nodeID).Msg("starting coordinator")

	m := metrics.New()

	reg := registry.New(logger)
	for i := 0; i < cfg.Workers.Count; i++ {
		addr := fmt.Sprintf(":%d", cfg.Workers.BasePort+i)
		if _, err := reg.Add(addr, toFaultRates(cfg.Workers.DefaultRate)); err != nil {
			logger.Fatal().Err(err).Str("addr", addr).Msg("failed to start worker")
		}
	}
	m.WorkersGauge.Set(float64(reg.Count()))
	logger.Info().Int("count", reg.Count()).Msg("worker fleet started")

	qe := quorum.New(m, logger)
	qe.CallTimeout = cfg.Quorum.CallTimeout
	qe.RoundTimeout = cfg.Quorum.RoundTimeout

	applier := replication.NewState()
	re := replication.NewEngine(*nodeID, applier, m, logger)
	re.ProposeTimeout = cfg.Replication.PhaseTimeout
	re.CommitTimeout = cfg.Replication.PhaseTimeout
	for id, addr := range parsePeers(*peersFlag) {
		re.AddPeer(id, addr, cfg.Replication.PhaseTimeout)
	}

	rep := replication.NewReplica(applier, logger)
	peerListener, err := replication.ListenPeers(":9190", rep, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start peer listener")
	}

	disp := dispatcher.New(reg, qe, re, m, logger)
	if err := disp.Start(cfg.Coordinator.ClientAddr); err != nil {
		logger.Fatal().Err(err).Msg("failed to start client dispatcher")
	}

	adminHandler := admin.NewHandler(reg, re, m, logger)
	adminSrv := &http.Server{
		Addr:         cfg.Coordinator.AdminAddr,
		Handler:      admin.NewRouter(adminHandler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Coordinator.AdminAddr).Msg("admin surface listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	logger.Info().Str("addr", disp.Addr()).Str("peer_addr", peerListener.Addr()).Msg("coordinator ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down coordinator")
	reg.Snapshot().AbortAll()
	_ = disp.Close()
	_ = peerListener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("admin server shutdown error")
	}
	logger.Info().Msg("coordinator stopped")
}

func toFaultRates(f config.FaultConfig) faults.Rates {
	return faults.Rates{DropPct: f.DropPct, DelayPct: f.DelayPct, WrongPct: f.WrongPct, MinMs: f.MinMs, MaxMs: f.MaxMs}
}

func parsePeers(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}
