package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ocx/dccp/internal/adapter"
	"github.com/ocx/dccp/internal/api"
	"github.com/ocx/dccp/internal/bridge"
	"github.com/ocx/dccp/internal/circuitbreaker"
	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/events"
	"github.com/ocx/dccp/internal/infra"
	"github.com/ocx/dccp/internal/intake"
	"github.com/ocx/dccp/internal/middleware"
	"github.com/ocx/dccp/internal/orchestrator"
	"github.com/ocx/dccp/internal/registry"
	"github.com/ocx/dccp/internal/security"
)

// signalBuffer bounds materialization instructions waiting for the bridge.
const signalBuffer = 64

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Redis backs both the registry mirror and the shared event bus.
	var redisClient *infra.RedisAdapter
	if cfg.Redis.Addr != "" && (cfg.Redis.MirrorRegistry || cfg.Redis.EventBus) {
		c, err := infra.Connect(ctx, infra.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			slog.Warn("Redis unavailable, continuing in-memory", "error", err)
		} else {
			redisClient = c
			defer redisClient.Close()
		}
	}

	regOpts := []registry.Option{registry.WithMetrics(registry.NewMetrics(reg))}
	if redisClient != nil && cfg.Redis.MirrorRegistry {
		regOpts = append(regOpts, registry.WithStore(registry.NewRedisStore(redisClient, cfg.Redis.Prefix+"registry:", 0)))
	}
	nodes := registry.New(regOpts...)
	if redisClient != nil && cfg.Redis.MirrorRegistry {
		if n, err := nodes.Restore(ctx); err != nil {
			slog.Warn("Registry restore failed", "error", err)
		} else if n > 0 {
			slog.Info("Registry restored from Redis", "nodes", n)
		}
	}
	nodes.Seed(cfg.Nodes)

	var bus events.Bus = events.NewLocalBus()
	if redisClient != nil && cfg.Redis.EventBus {
		bus = events.NewRedisBus(ctx, redisClient, cfg.Redis.Prefix)
	}
	defer bus.Close()

	if cfg.PubSub.Enabled {
		relay, err := events.NewPubSubRelay(ctx, bus, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("Pub/Sub relay disabled", "error", err)
		} else {
			defer relay.Close()
		}
	}

	adapters, adapterCloser, err := adapter.FromConfig(ctx, cfg.Adapters)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	defer closeQuietly("adapters", adapterCloser)
	if adapters.Len() == 0 {
		slog.Warn("No adapters configured; intents will fail until API keys are set")
	}

	rules, err := security.LoadRules(cfg.Security.RulesFile)
	if err != nil {
		return fmt.Errorf("load security rules: %w", err)
	}
	auditor, err := security.NewAuditor(rules)
	if err != nil {
		return fmt.Errorf("compile security rules: %w", err)
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig("adapter"))

	disk, err := bridge.New(bridge.Config{
		Root:              cfg.Bridge.Root,
		AllowedExtensions: cfg.Bridge.AllowedExtensions,
		BackupDir:         cfg.Bridge.BackupDir,
		Retention:         cfg.Bridge.Retention(),
		DisableBackups:    !cfg.Bridge.BackupEnabled,
		Workers:           cfg.Bridge.Workers,
		BatchConcurrency:  cfg.Bridge.BatchConcurrency,
		PublishDelays:     cfg.Bridge.PublishDelays(),
		Metrics:           bridge.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}

	cfgManager := config.NewManager(cfg)
	signals := make(chan bridge.Signal, signalBuffer)

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry: nodes,
		Adapters: adapters,
		Auditor:  auditor,
		Events:   bus,
		Ingest:   signals,
		Breakers: breakers,
		Metrics:  orchestrator.NewMetrics(reg),
	}, orchestrator.ConfigFromRouter(cfg.Router))
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	cfgManager.OnRouterChange(func(rc config.RouterConfig) {
		orch.SetConfig(orchestrator.ConfigFromRouter(rc))
		slog.Info("Router config updated", "audit", rc.EnableAudit, "auto_switch", rc.EnableAutoSwitch,
			"max_retries", rc.MaxRetries, "timeout_ms", rc.TimeoutMs)
	})

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimitPerMinute)
	}

	srv, err := api.NewServer(api.Deps{
		Registry:       nodes,
		Router:         orch,
		Auditor:        auditor,
		Bridge:         disk,
		Config:         cfgManager,
		Bus:            bus,
		Breakers:       breakers,
		Gatherer:       reg,
		RateLimiter:    limiter,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}
	defer srv.Close()

	// Background workers stop with ctx; wait for them before returning so
	// in-flight writes finish.
	workers := make(chan struct{}, 4)
	started := 0
	spawn := func(fn func()) {
		started++
		go func() {
			defer func() { workers <- struct{}{} }()
			fn()
		}()
	}
	spawn(func() { disk.Run(ctx, signals, bus) })
	if cfg.Router.SweepInterval() > 0 {
		spawn(func() {
			nodes.RunSweeper(ctx, cfg.Router.SweepInterval(), cfg.Router.InactivityTimeout())
		})
	}
	if limiter != nil {
		spawn(func() { limiter.Run(ctx) })
	}
	if cfg.Intake.Enabled {
		svc := intake.New(intake.Config{Dir: cfg.Intake.Dir, Workers: cfg.Intake.Workers}, orch)
		spawn(func() {
			if err := svc.Run(ctx); err != nil {
				slog.Error("Intake stopped", "error", err)
			}
		})
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.Router.TimeoutMs*(cfg.Router.MaxRetries+1))*time.Millisecond + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("DCCP server starting", "port", cfg.Server.Port, "env", cfg.Server.Env,
			"nodes", len(nodes.All()), "adapters", adapters.IDs(), "bridge_root", disk.Root())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("Received shutdown signal, shutting down gracefully...")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown error", "error", err)
	}
	cancel()

	for i := 0; i < started; i++ {
		select {
		case <-workers:
		case <-shutdownCtx.Done():
			return errors.New("background workers did not stop in time")
		}
	}
	return nil
}

func closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("Close failed", "resource", name, "error", err)
	}
}
