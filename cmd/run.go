package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
	"github.com/nextlevelbuilder/chatweave/internal/classifier"
	"github.com/nextlevelbuilder/chatweave/internal/config"
	"github.com/nextlevelbuilder/chatweave/internal/engine"
	"github.com/nextlevelbuilder/chatweave/internal/gateway"
	"github.com/nextlevelbuilder/chatweave/internal/intake"
	"github.com/nextlevelbuilder/chatweave/internal/moderation"
	"github.com/nextlevelbuilder/chatweave/internal/sequencer"
	"github.com/nextlevelbuilder/chatweave/internal/store"
	"github.com/nextlevelbuilder/chatweave/internal/store/file"
	"github.com/nextlevelbuilder/chatweave/internal/sweeper"
	"github.com/nextlevelbuilder/chatweave/internal/telemetry"
)

func runEngine() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	archive, err := store.NewArchive(cfg.Database)
	if err != nil {
		slog.Error("failed to open thread archive", "error", err)
		os.Exit(1)
	}

	var states store.StateStore
	if cfg.State.SnapshotPath != "" {
		fs, err := file.NewStateStore(cfg.State.SnapshotPath)
		if err != nil {
			slog.Error("failed to open state snapshot store", "error", err)
			os.Exit(1)
		}
		states = fs
	}

	mod := moderation.NewStaticLookup(cfg.Agent.MutedSenders, cfg.Agent.PrivilegedSenders)

	var rotator *classifier.Rotator
	if cfg.Classifier.Endpoint != "" {
		providers := []classifier.Service{
			classifier.NewHTTPService("primary", cfg.Classifier.Endpoint, cfg.Classifier.APIKey),
		}
		if cfg.Classifier.FallbackEndpoint != "" {
			providers = append(providers,
				classifier.NewHTTPService("fallback", cfg.Classifier.FallbackEndpoint, cfg.Classifier.APIKey))
		}
		rotator = classifier.NewRotator(providers, cfg.Classifier.RotateAfter, cfg.Classifier.Cooldown(), cfg.Classifier.RateLimitRPM)
		slog.Info("external classifier enabled", "providers", len(providers))
	}
	cls := classifier.New(cfg, mod, rotator)

	msgBus := bus.NewMessageBus(cfg.Intake.QueueSize)
	eng := engine.New(cfg, cls, archive, states, msgBus)
	if err := eng.RestoreState(); err != nil {
		slog.Warn("state restore failed, starting empty", "error", err)
	}

	megaCap := cfg.Sequencer.MegaBatchCap
	if megaCap <= 0 {
		megaCap = cfg.Intake.HardCap
	}
	seq := sequencer.New(func(b bus.Batch) {
		eng.ProcessBatch(ctx, b)
	}, cfg.Sequencer.MergeThreshold, megaCap, cfg.Sequencer.SoftBudget())

	deb := intake.NewDebouncer(cfg.Intake.Quiet(), cfg.Intake.SoftCap, cfg.Intake.HardCap, seq.Enqueue)

	dedupe := bus.NewDedupeCache(cfg.Intake.DedupeTTL(), 0)
	srv := gateway.NewServer(cfg, eng, msgBus, msgBus.PublishInbound, dedupe)

	swp, err := sweeper.New(cfg.Threads.SweepSchedule, eng.Sweep)
	if err != nil {
		slog.Error("invalid sweep schedule", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Start(gctx) })

	g.Go(func() error {
		for {
			ev, ok := msgBus.ConsumeInbound(gctx)
			if !ok {
				return gctx.Err()
			}
			deb.Accept(ev)
		}
	})

	g.Go(func() error { return swp.Run(gctx) })

	g.Go(func() error { return config.Watch(gctx, cfgPath, cfg) })

	if states != nil && cfg.State.SaveInterval() > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.State.SaveInterval())
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					if err := eng.SaveState(); err != nil {
						slog.Warn("state snapshot failed", "error", err)
					}
				}
			}
		})
	}

	slog.Info("chatweave running", "version", Version, "agent", cfg.Agent.Name)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine stopped", "error", err)
	}

	// Drain in pipeline order: flush buffered events, let the workers finish,
	// then persist state.
	deb.Stop()
	seq.Stop()
	msgBus.Close()
	if err := eng.SaveState(); err != nil {
		slog.Warn("final state snapshot failed", "error", err)
	}
	if err := archive.Close(); err != nil {
		slog.Warn("archive close failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	slog.Info("shutdown complete")
}
