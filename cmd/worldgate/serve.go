package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/worldgate/internal/bus"
	"github.com/basket/worldgate/internal/capability"
	"github.com/basket/worldgate/internal/config"
	"github.com/basket/worldgate/internal/coordinator"
	"github.com/basket/worldgate/internal/games"
	"github.com/basket/worldgate/internal/gateway"
	"github.com/basket/worldgate/internal/healthgate"
	"github.com/basket/worldgate/internal/launcher"
	otelPkg "github.com/basket/worldgate/internal/otel"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/platform/docker"
	"github.com/basket/worldgate/internal/platform/healthcheck"
	"github.com/basket/worldgate/internal/reaper"
	"github.com/basket/worldgate/internal/telemetry"
	"github.com/basket/worldgate/internal/world"
)

func runServeCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	bindAddr := fs.String("bind", "", "listen address (overrides bind_addr)")
	noSweep := fs.Bool("no-sweep", false, "disable the idle world sweeper")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *noSweep {
		off := false
		cfg.Sweep.Enabled = &off
	}

	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		HomeDir:   cfg.HomeDir,
		Level:     cfg.LogLevel,
		Component: "orchestrator",
	})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if cfg.NeedsGenesis || strings.TrimSpace(cfg.TokenSecret) == "" {
		secret, err := config.EnsureTokenSecret(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_GENESIS_WRITE", err)
		}
		if cfg.TokenSecret == "" {
			cfg.TokenSecret = secret
		}
		logger.Info("token secret ready", "path", config.ConfigPath(cfg.HomeDir))
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(logger, "E_CONFIG_INVALID", err)
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AdminToken == "" {
			logger.Warn("admin_token is empty on non-loopback bind; /metrics and /api are open", "bind_addr", cfg.BindAddr)
		}
	}
	if err := os.MkdirAll(cfg.GamesDir, 0o755); err != nil {
		fatalStartup(logger, "E_GAMES_DIR_CREATE", err)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, otelPkg.RoleGateway)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	loader, err := games.NewLoader(cfg.GamesDir)
	if err != nil {
		fatalStartup(logger, "E_GAMES_INIT", err)
	}
	catalog := games.NewCatalog(loader, logger)
	if err := catalog.Watch(ctx); err != nil {
		logger.Warn("game config watcher unavailable; edits need a restart", "error", err)
	}

	compute, err := docker.New(docker.Config{
		Image:       cfg.DefaultImage,
		Network:     cfg.Docker.Network,
		MemoryMB:    cfg.Docker.MemoryMB,
		StopTimeout: cfg.Docker.StopTimeoutSeconds,
		Binds:       cfg.Docker.Binds,
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_DOCKER_INIT", err)
	}
	defer compute.Close()

	targets := healthcheck.New(healthcheck.Config{
		Protocol:           cfg.HealthCheck.Protocol,
		Path:               cfg.HealthCheck.Path,
		Interval:           cfg.HealthCheck.Interval(),
		Timeout:            cfg.HealthCheck.Timeout(),
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
		Logger:             logger,
	})
	defer targets.Close()

	issuer, err := capability.New(capability.Config{Secret: []byte(cfg.TokenSecret)})
	if err != nil {
		fatalStartup(logger, "E_CAPABILITY_INIT", err)
	}

	hub := gateway.NewHub()
	coord, err := coordinator.New(coordinator.Config{
		Registry: store,
		Bus:      eventBus,
		Games:    catalog,
		Launcher: launcher.New(launcher.Config{Compute: compute, Env: cfg.TaskEnv(), Logger: logger}),
		Gate: healthgate.New(healthgate.Config{
			Compute:  compute,
			Targets:  targets,
			Interval: cfg.Join.PollInterval(),
			Logger:   logger,
		}),
		Compute:          compute,
		Issuer:           issuer,
		Sender:           hub,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
		Logger:           logger,
		PollInterval:     cfg.Join.PollInterval(),
		PollAttempts:     cfg.Join.PollAttempts,
		ReachableTimeout: cfg.Join.ReachableTimeout(),
		HealthTimeout:    cfg.Join.HealthTimeout(),
		Settle:           cfg.Join.Settle(),
		RetryDelay:       cfg.Join.RetryDelay(),
		MaxJoinRetries:   cfg.Join.MaxRetries,
		PublicEndpoint:   world.Endpoint{Address: cfg.PublicEndpoint.Address, Port: cfg.PublicEndpoint.Port},
		DefaultImage:     cfg.DefaultImage,
	})
	if err != nil {
		fatalStartup(logger, "E_COORDINATOR_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Lobby:             coord,
		Hub:               hub,
		Bus:               eventBus,
		AllowOrigins:      cfg.AllowOrigins,
		AdminToken:        cfg.AdminToken,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           metrics,
		Logger:            logger,
	})
	go gw.Run(ctx)
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	if cfg.Sweep.On() {
		sweeper, err := reaper.NewSweeper(reaper.SweeperConfig{
			Registry:      store,
			Compute:       compute,
			Targets:       targets,
			Games:         catalog,
			Bus:           eventBus,
			Metrics:       metrics,
			Logger:        logger,
			Schedule:      cfg.Sweep.Schedule,
			IdleThreshold: cfg.Sweep.IdleThreshold(),
		})
		if err != nil {
			fatalStartup(logger, "E_SWEEPER_INIT", err)
		}
		if err := sweeper.Start(ctx); err != nil {
			fatalStartup(logger, "E_SWEEPER_START", err)
		}
		defer sweeper.Stop()
		logger.Info("startup phase", "phase", "sweeper_started", "schedule", cfg.Sweep.Schedule)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(watcher, cfg.Fingerprint(), logger)
	}

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let start sequences record their outcome.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer drainCancel()
	if err := coord.Shutdown(drainCtx); err != nil {
		logger.Warn("start sequences still running at exit", "error", err)
	}
	gw.Wait()
	logger.Info("shutdown complete")
	return 0
}

// watchConfig logs config.yaml edits. Settings are read once at startup.
func watchConfig(w *config.Watcher, fingerprint string, logger *slog.Logger) {
	for ev := range w.Events() {
		next, err := config.Load()
		if err != nil {
			logger.Warn("config.yaml changed but does not load", "path", ev.Path, "error", err)
			continue
		}
		if fp := next.Fingerprint(); fp != fingerprint {
			logger.Info("config.yaml changed; restart required to apply",
				"path", ev.Path, "running_fingerprint", fingerprint, "file_fingerprint", fp)
		}
	}
}
