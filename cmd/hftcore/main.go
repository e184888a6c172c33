// Command hftcore wires the pool, registry, latency tracker, and
// pipeline orchestrator into a runnable process: it loads a
// configuration document, starts the parser workers and a background
// consumer, and runs until interrupted, then logs a final metrics
// snapshot. It attaches no capture source and submits no frames of
// its own, so the pipeline stays idle; the CLI surface, log formatting and
// metrics exporting that a production deployment needs are external
// collaborators out of scope for this module.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/hft-netcore/internal/latency"
	"github.com/abdoElHodaky/hft-netcore/internal/pipeline"
	"github.com/abdoElHodaky/hft-netcore/internal/pool"
	"github.com/abdoElHodaky/hft-netcore/internal/registry"
	"github.com/abdoElHodaky/hft-netcore/pkg/config"
)

const (
	appName    = "hftcore"
	appVersion = "v0.1.0"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration YAML (optional; built-in defaults used otherwise)")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, appVersion)
		os.Exit(0)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := loadOrDefault(*configPath, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	blockPool, err := pool.New(cfg.Pool.NumBlocks(), cfg.Pool.BlockBytes, pool.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to construct pool", zap.Error(err))
	}
	blockPool.Prefault()

	reg, err := registry.New(cfg.RegistryDescriptors())
	if err != nil {
		logger.Fatal("failed to construct exchange registry", zap.Error(err))
	}

	tracker := latency.New(cfg.Latency.WindowSize, cfg.Latency.DefaultTargetUs, logger)

	pl, err := pipeline.New(blockPool, reg, tracker, cfg.Queues.IngressCapacity, pipeline.Config{
		ParserWorkers:     cfg.Orchestrator.ParserWorkers,
		ShedHighWatermark: cfg.Orchestrator.ShedHighWatermark,
		ShedLowWatermark:  cfg.Orchestrator.ShedLowWatermark,
		BackoffSpins:      cfg.Orchestrator.BackoffSpins,
		BackoffYieldAfter: cfg.Orchestrator.BackoffYieldAfter,
	}, logger)
	if err != nil {
		logger.Fatal("failed to construct pipeline", zap.Error(err))
	}

	sink, err := pl.AddSink("analytics", cfg.Queues.EgressCapacity)
	if err != nil {
		logger.Fatal("failed to register consumer sink", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pl.Start(ctx)
	go runConsumer(ctx, sink, logger)

	logger.Info("hftcore started",
		zap.Int("parser_workers", cfg.Orchestrator.ParserWorkers),
		zap.Uint32("ingress_capacity", cfg.Queues.IngressCapacity))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	pl.Shutdown()
	_ = pl.Wait()

	snap := pl.Snapshot()
	logger.Info("final metrics snapshot",
		zap.Uint64("packets_parsed", snap.Parser.PacketsParsed),
		zap.Uint64("ingress_dropped", snap.Shed.IngressDropped),
		zap.Uint64("egress_dropped", snap.Shed.EgressDropped),
		zap.Uint64("latency_samples", snap.Latency.Count))
}

func loadOrDefault(path string, logger *zap.Logger) (*config.Config, error) {
	if path == "" {
		return config.FromBytes([]byte(defaultConfigYAML), logger)
	}
	return config.Load(path, logger)
}

func runConsumer(ctx context.Context, sink *pipeline.ConsumerSink, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		item, ok := sink.TryReceive()
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		logger.Debug("record",
			zap.Int("exchange_id", item.Record.ExchangeID),
			zap.Bool("is_fix", item.Record.IsFIX),
			zap.String("protocol", item.Record.Protocol.String()))
		sink.Release(item)
	}
}

const defaultConfigYAML = `
pool:
  pool_bytes: 67108864
  block_bytes: 4096
queues:
  ingress_capacity: 4096
  egress_capacity: 4096
orchestrator:
  parser_workers: 4
latency:
  window_size: 100000
  default_target_us: 500
`
