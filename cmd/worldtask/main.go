// Command worldtask runs inside every world task. It admits players, keeps
// the world's activity time fresh while they are connected, and stops the
// task once the world has been empty for the game's shutdown window.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/basket/worldgate/internal/blobstore"
	"github.com/basket/worldgate/internal/capability"
	"github.com/basket/worldgate/internal/config"
	"github.com/basket/worldgate/internal/games"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/reaper"
	"github.com/basket/worldgate/internal/telemetry"
	"github.com/basket/worldgate/internal/worldhost"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worldtask: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	env, err := config.LoadTaskEnv()
	if err != nil {
		return err
	}
	logger, closer, err := telemetry.NewLogger(telemetry.Options{Level: env.LogLevel, Component: "worldtask"})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closer.Close()
	logger = logger.With("world", env.Key().String(), "launch_id", env.LaunchID, "task_ref", env.TaskRef)
	slog.SetDefault(logger)

	emptyWindow := time.Duration(games.DefaultEmptyShutdownSeconds) * time.Second
	loader, err := games.NewLoader(env.GamesDir)
	if err != nil {
		return fmt.Errorf("games: %w", err)
	}
	if game, err := loader.Load(env.GameKey); err != nil {
		logger.Warn("game config unavailable; using default empty window", "error", err, "window", emptyWindow)
	} else {
		emptyWindow = game.EmptyWindow()
	}

	store, err := persistence.OpenExisting(env.RegistryDSN, nil)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	blobs, err := blobstore.Open(ctx, env.Blob)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	verifier, err := capability.New(capability.Config{Secret: []byte(env.TokenSecret)})
	if err != nil {
		return err
	}
	host, err := worldhost.New(worldhost.Config{
		Key:         env.Key(),
		Verifier:    verifier,
		Blobs:       blobs,
		AuthTimeout: env.AuthTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Returning from run ends the process, which stops the container.
	self, err := reaper.NewSelfReporter(reaper.SelfReporterConfig{
		Registry:      store,
		Sessions:      host,
		Key:           env.Key(),
		LaunchID:      env.LaunchID,
		TaskRef:       env.TaskRef,
		EmptyWindow:   emptyWindow,
		CheckInterval: env.CheckInterval,
		OnExit:        cancel,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	self.Start(ctx)
	defer self.Stop()

	heartbeat := reaper.NewActivityHeartbeat(reaper.HeartbeatConfig{
		Registry: store,
		Sessions: host,
		Key:      env.Key(),
		Interval: env.HeartbeatInterval,
		Logger:   logger,
	})
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	logger.Info("world task starting", "port", env.Port, "empty_window", emptyWindow, "blob_backend", env.Blob.Backend)
	err = host.Serve(ctx, ":"+strconv.Itoa(env.Port))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("world task stopped")
	return nil
}
