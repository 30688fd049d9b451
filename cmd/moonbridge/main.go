package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/moonbridge/server/internal/config"
	"github.com/moonbridge/server/internal/core/ecs"
	"github.com/moonbridge/server/internal/core/event"
	coresys "github.com/moonbridge/server/internal/core/system"
	"github.com/moonbridge/server/internal/scripting"
	"github.com/moonbridge/server/internal/seed"
	"github.com/moonbridge/server/internal/watch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := "config/server.toml"
	if p := os.Getenv("MOONBRIDGE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting",
		zap.String("server", cfg.Server.Name),
		zap.Duration("tick_rate", cfg.Server.TickRate),
		zap.String("scripts", cfg.Scripts.Dir))

	reg := ecs.NewRegistry()
	store := ecs.NewStore(reg, log)
	bus := event.NewBus()

	// Native types and seed entities must land before the first script runs
	// so name resolution never sees a type registered late.
	if cfg.Scripts.Seed != "" {
		sf, err := seed.Load(cfg.Scripts.Seed)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		spawned := sf.Apply(store)
		log.Info("world seeded",
			zap.Int("native_types", len(sf.NativeTypes)),
			zap.Int("entities", len(spawned)))
	}

	loader := &scripting.DirLoader{Root: cfg.Scripts.Dir}
	host := scripting.NewHost(store, loader, bus, log)
	defer host.Close()
	host.SetRemovalHorizon(ecs.Tick(cfg.Query.RemovalHorizon))

	runner := coresys.NewRunner()
	host.Attach(runner)

	host.Bootstrap(cfg.Scripts.Entry)
	log.Info("entry module loaded", zap.String("entry", cfg.Scripts.Entry))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Scripts.Watch {
		w, err := watch.New(cfg.Scripts.Dir, bus, log)
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("watcher: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Server.TickRate)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return nil
			case <-ticker.C:
				runner.Tick(cfg.Server.TickRate)
			}
		}
	})

	return g.Wait()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
