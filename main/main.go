package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/synqronlabs/mailsim/config"
	"github.com/synqronlabs/mailsim/dns"
	"github.com/synqronlabs/mailsim/metrics"
	"github.com/synqronlabs/mailsim/rules"
	"github.com/synqronlabs/mailsim/simulator"
)

var (
	version    = "dev"
	configPath = flag.String("config", "", "path to the YAML configuration file")
	verFlag    = flag.Bool("version", false, "show build version")
)

func main() {
	flag.Parse()
	if *verFlag {
		fmt.Fprintln(os.Stderr, version)
		return
	}

	if err := run(); err != nil {
		slog.Error("mailsim stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.New(reg)

	counters, closeCounters, err := newCounterStore(ctx, cfg.Counters)
	if err != nil {
		return err
	}
	defer closeCounters()

	orch, sweepers, err := rules.Build(cfg.Rules, rules.Deps{
		Counters: counters,
		Resolver: newResolver(cfg.DNS),
		Metrics:  sink,
		Logger:   logger,
		Hostname: cfg.Server.Hostname,
	})
	if err != nil {
		return err
	}
	go sweep(ctx, sweepers, cfg.Counters.SweepInterval)

	server := simulator.NewServer(cfg.Server, orch, logger,
		simulator.WithSessionObserver(sink),
		simulator.WithAdminHandler(simulator.NewAdminRouter(reg, orch)),
	)
	logger.Info("starting mailsim",
		slog.String("version", version),
		slog.Int("rules", len(cfg.Rules)),
		slog.String("counters", cfg.Counters.Backend),
	)
	return server.Run(ctx)
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

func newResolver(cfg config.DNS) dns.Resolver {
	var r dns.Resolver
	if cfg.UseSystem {
		r = dns.NewStdResolver()
	} else {
		r = dns.NewResolver(cfg.ResolverConfig())
	}
	if cfg.MaxConcurrent > 0 {
		r = dns.NewPooledResolver(r, cfg.MaxConcurrent)
	}
	return r
}

func newCounterStore(ctx context.Context, cfg config.Counters) (rules.CounterStore, func(), error) {
	if cfg.Backend != config.BackendRedis {
		return rules.NewMemoryCounterStore(), func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := rules.NewRedisClient(dialCtx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("closing redis client", slog.Any("error", err))
		}
	}
	return rules.NewRedisCounterStore(client, cfg.RedisPrefix), closeFn, nil
}

// sweep evicts expired in-memory state until ctx is done.
func sweep(ctx context.Context, sweepers []rules.Sweeper, interval time.Duration) {
	if len(sweepers) == 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, s := range sweepers {
				s.Sweep(now)
			}
		}
	}
}
