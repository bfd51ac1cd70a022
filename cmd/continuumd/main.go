package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"continuum/internal/config"
	"continuum/internal/health"
	"continuum/internal/pool"
	"continuum/internal/router"
)

func main() {
	var (
		confPath = flag.String("conf", "conf/continuum.yml", "configuration file")
		listen   = flag.String("listen", "", "router listen address (overrides the configuration)")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	log, flush, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "continuumd: %v\n", err)
		os.Exit(2)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *confPath, *listen, log); err != nil {
		log.Error(err, "exiting")
		flush()
		os.Exit(1)
	}
}

func newLogger(level string) (logr.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	z, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(z).WithName("continuumd"), func() { _ = z.Sync() }, nil
}

func run(ctx context.Context, confPath, listen string, log logr.Logger) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	var pools []*pool.Pool
	var monitors []*health.Monitor
	for _, name := range cfg.PoolNames() {
		plog := log.WithValues("pool", name)
		p, err := pool.New(cfg.Pools[name], pool.WithLogger(plog))
		if err != nil {
			return err
		}
		pools = append(pools, p)
		monitors = append(monitors, health.NewMonitor(p, health.DialProbe(), cfg.HealthInterval, plog))
	}

	srv := router.NewServer(cfg.Listen, pools, log)

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range monitors {
		m.Start()
	}
	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		for _, m := range monitors {
			m.Stop()
		}
		return nil
	})
	g.Go(func() error {
		return srv.Start()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
