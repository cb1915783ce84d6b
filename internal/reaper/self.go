package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/world"
)

const (
	DefaultCheckInterval     = 5 * time.Second
	DefaultHeartbeatInterval = 2 * time.Minute
)

// SessionCounter reports how many players are connected to this task.
type SessionCounter interface {
	ActiveSessions() int
}

type Transitioner interface {
	Transition(ctx context.Context, key world.Key, from []world.Status, to world.Status, f world.Fields) (bool, error)
}

type SelfReporterConfig struct {
	Registry Transitioner
	Compute  platform.Compute
	Sessions SessionCounter
	Key      world.Key
	LaunchID string
	// TaskRef is this task's own platform reference.
	TaskRef       string
	EmptyWindow   time.Duration
	CheckInterval time.Duration
	// OnExit runs once after the task asked the platform to stop it.
	OnExit func()
	Logger *slog.Logger
	Now    func() time.Time
}

// SelfReporter runs inside a world task and stops it once it has been empty
// for EmptyWindow. The registry is written before the task is stopped so a
// joiner never sees RUNNING for a task that is going away.
type SelfReporter struct {
	cfg    SelfReporterConfig
	logger *slog.Logger

	mu         sync.Mutex
	emptySince time.Time
	exited     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSelfReporter(cfg SelfReporterConfig) (*SelfReporter, error) {
	if cfg.Registry == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("self reporter: registry and session counter are required")
	}
	if err := cfg.Key.Validate(); err != nil {
		return nil, err
	}
	if cfg.EmptyWindow <= 0 {
		return nil, fmt.Errorf("self reporter: empty window must be positive")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SelfReporter{
		cfg:    cfg,
		logger: logger.With("component", "self_reporter", "world", cfg.Key.String(), "launch_id", cfg.LaunchID),
	}, nil
}

func (r *SelfReporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

func (r *SelfReporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *SelfReporter) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Check(ctx) {
				return
			}
		}
	}
}

// Check runs one empty-world evaluation and reports whether the task has
// stopped itself.
func (r *SelfReporter) Check(ctx context.Context) bool {
	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return true
	}
	now := r.cfg.Now()
	if n := r.cfg.Sessions.ActiveSessions(); n > 0 {
		r.emptySince = time.Time{}
		r.mu.Unlock()
		return false
	}
	if r.emptySince.IsZero() {
		r.emptySince = now
		r.mu.Unlock()
		r.logger.Info("world is empty; shutdown timer started", "window", r.cfg.EmptyWindow)
		return false
	}
	emptyFor := now.Sub(r.emptySince)
	r.mu.Unlock()
	if emptyFor < r.cfg.EmptyWindow {
		return false
	}

	r.logger.Info("empty window reached; stopping self", "empty_for", emptyFor)
	ok, err := r.cfg.Registry.Transition(ctx, r.cfg.Key,
		[]world.Status{world.StatusRunning, world.StatusStarting}, world.StatusStopped,
		world.Fields{ErrorReason: "empty", ExpectLaunchID: r.cfg.LaunchID},
	)
	if err != nil {
		r.logger.Error("record self stop failed; will retry", "error", err)
		return false
	}
	if !ok {
		r.logger.Info("registry no longer points at this launch")
	}

	if r.cfg.Compute != nil && r.cfg.TaskRef != "" {
		if err := r.cfg.Compute.StopTask(ctx, r.cfg.TaskRef, "world empty"); err != nil {
			r.logger.Error("self stop failed; continuing to run", "task_ref", r.cfg.TaskRef, "error", err)
			return false
		}
	}

	r.mu.Lock()
	r.exited = true
	r.mu.Unlock()
	if r.cfg.OnExit != nil {
		r.cfg.OnExit()
	}
	return true
}

type Toucher interface {
	TouchActivity(ctx context.Context, key world.Key) error
}

type HeartbeatConfig struct {
	Registry Toucher
	Sessions SessionCounter
	Key      world.Key
	Interval time.Duration
	Logger   *slog.Logger
}

// ActivityHeartbeat refreshes the world's activity time while players are
// connected so the Sweeper leaves it alone.
type ActivityHeartbeat struct {
	cfg    HeartbeatConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewActivityHeartbeat(cfg HeartbeatConfig) *ActivityHeartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityHeartbeat{cfg: cfg, logger: logger.With("component", "heartbeat", "world", cfg.Key.String())}
}

func (h *ActivityHeartbeat) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Beat(ctx)
			}
		}
	}()
}

func (h *ActivityHeartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Beat touches activity once if anyone is connected.
func (h *ActivityHeartbeat) Beat(ctx context.Context) bool {
	n := h.cfg.Sessions.ActiveSessions()
	if n == 0 {
		return false
	}
	if err := h.cfg.Registry.TouchActivity(ctx, h.cfg.Key); err != nil {
		h.logger.Error("activity heartbeat failed", "error", err)
		return false
	}
	h.logger.Debug("activity heartbeat sent", "sessions", n)
	return true
}
