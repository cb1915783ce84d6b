package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/basket/worldgate/internal/config"
	"github.com/basket/worldgate/internal/games"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/platform/docker"
	"github.com/basket/worldgate/internal/reaper"
	"github.com/basket/worldgate/internal/telemetry"
)

// runSweepCommand runs one sweep pass against the registry, for cron jobs
// on hosts where serve runs with --no-sweep.
func runSweepCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	idle := fs.Int("idle-seconds", 0, "idle threshold in seconds (overrides sweep.idle_threshold_seconds)")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if *idle > 0 {
		cfg.Sweep.IdleThresholdSeconds = *idle
	}
	logger, closer, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: cfg.LogLevel, Component: "sweep"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open registry: %v\n", err)
		return 1
	}
	defer store.Close()

	loader, err := games.NewLoader(cfg.GamesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "games: %v\n", err)
		return 1
	}
	compute, err := docker.New(docker.Config{
		Network:     cfg.Docker.Network,
		StopTimeout: cfg.Docker.StopTimeoutSeconds,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "docker: %v\n", err)
		return 1
	}
	defer compute.Close()

	sweeper, err := reaper.NewSweeper(reaper.SweeperConfig{
		Registry:      store,
		Compute:       compute,
		Games:         games.NewCatalog(loader, logger),
		Logger:        logger,
		Schedule:      cfg.Sweep.Schedule,
		IdleThreshold: cfg.Sweep.IdleThreshold(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweeper: %v\n", err)
		return 1
	}
	stopped, err := sweeper.SweepOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Printf("stopped %d idle world(s)\n", stopped)
	return 0
}
