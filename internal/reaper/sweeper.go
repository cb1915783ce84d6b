// Package reaper stops worlds nobody is using. The Sweeper runs beside the
// orchestrator and stops RUNNING worlds whose activity went stale; the
// SelfReporter and ActivityHeartbeat run inside each world task.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/worldgate/internal/bus"
	"github.com/basket/worldgate/internal/games"
	"github.com/basket/worldgate/internal/otel"
	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/shared"
	"github.com/basket/worldgate/internal/world"
)

const (
	DefaultSchedule      = "@every 1m"
	DefaultIdleThreshold = 5 * time.Minute
)

// Swept is published on bus.TopicWorldSwept after each pass.
type Swept struct {
	Scanned int
	Stopped int
	At      time.Time
}

type SweepRegistry interface {
	Get(ctx context.Context, key world.Key) (*world.Record, error)
	ScanRunning(ctx context.Context, staleSince time.Time) ([]world.Record, error)
	Transition(ctx context.Context, key world.Key, from []world.Status, to world.Status, f world.Fields) (bool, error)
}

type GameSource interface {
	Get(gameKey string) (*games.Config, error)
}

type SweeperConfig struct {
	Registry SweepRegistry
	Compute  platform.Compute
	Targets  platform.TargetGroups
	Games    GameSource
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Logger   *slog.Logger
	// Schedule is a cron spec or descriptor; defaults to "@every 1m".
	Schedule      string
	IdleThreshold time.Duration
	Now           func() time.Time
}

// Sweeper periodically stops RUNNING worlds with stale activity.
type Sweeper struct {
	cfg      SweeperConfig
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("sweeper: registry is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cronlib.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("sweeper: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		schedule: cfg.Schedule,
		logger:   logger.With("component", "sweeper"),
		now:      cfg.Now,
	}, nil
}

// Start sweeps once immediately, then on every schedule tick until Stop or
// ctx ends. Overlapping ticks are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronLogger{s.logger})))
	if _, err := s.cron.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(ctx)
	}()
	s.logger.Info("sweeper started", "schedule", s.schedule, "idle_threshold", s.cfg.IdleThreshold)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err, "trace_id", shared.TraceID(ctx))
	}
}

// SweepOnce stops every RUNNING world idle for longer than the threshold and
// returns how many it moved to STOPPED. A second pass over the same state is
// a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.IdleThreshold)
	idle, err := s.cfg.Registry.ScanRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	stopped := 0
	for _, rec := range idle {
		if ctx.Err() != nil {
			break
		}
		if s.stopWorld(ctx, rec, cutoff) {
			stopped++
		}
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicWorldSwept, Swept{Scanned: len(idle), Stopped: stopped, At: now})
	}
	if len(idle) > 0 {
		s.logger.Info("sweep complete", "idle", len(idle), "stopped", stopped, "trace_id", shared.TraceID(ctx))
	}
	return stopped, ctx.Err()
}

// stillIdle re-reads rec so a join that touched the world after the scan
// keeps its task.
func (s *Sweeper) stillIdle(ctx context.Context, rec world.Record, cutoff time.Time) (bool, error) {
	cur, err := s.cfg.Registry.Get(ctx, rec.Key)
	if err != nil {
		return false, err
	}
	if cur.Status != world.StatusRunning || cur.TaskRef != rec.TaskRef {
		return false, nil
	}
	return cur.LastActivityTime == nil || cur.LastActivityTime.Before(cutoff), nil
}

func (s *Sweeper) stopWorld(ctx context.Context, rec world.Record, cutoff time.Time) bool {
	logger := s.logger.With("world", rec.Key.String(), "task_ref", rec.TaskRef, "trace_id", shared.TraceID(ctx))
	reason := fmt.Sprintf("idle for %s", s.cfg.IdleThreshold)

	idle, err := s.stillIdle(ctx, rec, cutoff)
	if err != nil {
		logger.Warn("re-read idle world failed", "error", err)
		return false
	}
	if !idle {
		logger.Info("world became active or changed after scan; skipped")
		return false
	}

	if s.cfg.Compute != nil && rec.TaskRef != "" {
		if err := s.cfg.Compute.StopTask(ctx, rec.TaskRef, reason); err != nil {
			logger.Warn("stop idle task failed", "error", err)
		}
	}
	if s.cfg.Targets != nil && rec.Endpoint != nil {
		group := "wg-" + rec.Key.GameKey
		if s.cfg.Games != nil {
			if game, err := s.cfg.Games.Get(rec.Key.GameKey); err == nil {
				group = game.TargetGroupName()
			}
		}
		target := platform.Target{Address: rec.Endpoint.Address, Port: rec.Endpoint.Port}
		if err := s.cfg.Targets.DeregisterTarget(ctx, group, target); err != nil {
			logger.Warn("deregister idle target failed", "target", target.String(), "error", err)
		}
	}

	ok, err := s.cfg.Registry.Transition(ctx, rec.Key,
		[]world.Status{world.StatusRunning}, world.StatusStopped,
		world.Fields{ErrorReason: "idle", ExpectTaskRef: rec.TaskRef, ExpectIdleBefore: cutoff},
	)
	if err != nil {
		logger.Error("mark idle world stopped failed", "error", err)
		return false
	}
	if !ok {
		logger.Info("idle world changed before it could be stopped")
		return false
	}
	s.cfg.Metrics.RecordSweepStopped(ctx, rec.Key.GameKey)
	logger.Info("idle world stopped")
	return true
}

// NextRun returns the next time schedule fires after the given time.
func NextRun(schedule string, after time.Time) (time.Time, error) {
	sched, err := cronlib.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
