// Package launcher ensures a compute task exists for a world, reusing a live
// one when the platform already has it.
//
// The reuse check and the run are not atomic: two launches for the same world
// racing here can both see no task and both run one. Callers only launch after
// winning the registry claim, which keeps that window to stale claims.
package launcher

import (
	"context"
	"log/slog"
	"maps"
	"strconv"

	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/shared"
	"github.com/basket/worldgate/internal/world"
)

// Environment variables handed to every task.
const (
	EnvGameKey  = "WORLDGATE_GAME_KEY"
	EnvWorldID  = "WORLDGATE_WORLD_ID"
	EnvLaunchID = "WORLDGATE_LAUNCH_ID"
	EnvPort     = "WORLDGATE_PORT"
)

type Config struct {
	Compute platform.Compute
	// Env is merged into every task's environment (registry DSN, token secret).
	Env    map[string]string
	Logger *slog.Logger
}

type Launcher struct {
	compute platform.Compute
	env     map[string]string
	logger  *slog.Logger
}

type Request struct {
	Key      world.Key
	LaunchID string
	Image    string
	Port     int
}

type Result struct {
	Ref   string
	IsNew bool
	// LaunchID is the launch the task was started under. For a reused task
	// it is the task's own label, which its self-stop is guarded by.
	LaunchID string
}

func New(cfg Config) *Launcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		compute: cfg.Compute,
		env:     maps.Clone(cfg.Env),
		logger:  logger.With("component", "launcher"),
	}
}

// Launch returns an existing RUNNING or PROVISIONING task for req.Key, or runs
// a new one. A failing list call is logged and treated as "none found".
func (l *Launcher) Launch(ctx context.Context, req Request) (Result, error) {
	for _, state := range []platform.TaskState{platform.TaskRunning, platform.TaskProvisioning} {
		refs, err := l.compute.ListTasks(ctx, req.Key, state)
		if err != nil {
			l.logger.Warn("list tasks failed; launching new task", "world", req.Key.String(), "state", state, "error", err)
			break
		}
		if len(refs) > 0 {
			launchID := l.launchOf(ctx, refs[0], req.LaunchID)
			l.logger.Info("reusing existing task", "world", req.Key.String(), "task_ref", refs[0], "state", state, "launch_id", launchID)
			return Result{Ref: refs[0], IsNew: false, LaunchID: launchID}, nil
		}
	}

	env := maps.Clone(l.env)
	if env == nil {
		env = make(map[string]string)
	}
	env[EnvGameKey] = req.Key.GameKey
	env[EnvWorldID] = req.Key.WorldID
	env[EnvLaunchID] = req.LaunchID
	if req.Port > 0 {
		env[EnvPort] = strconv.Itoa(req.Port)
	}

	ref, err := l.compute.RunTask(ctx, platform.TaskSpec{
		Key:      req.Key,
		LaunchID: req.LaunchID,
		Image:    req.Image,
		Port:     req.Port,
		Env:      env,
	})
	if err != nil {
		return Result{}, world.Wrap(world.CodeLaunchFailure, "run task for "+req.Key.String(), err)
	}
	l.logger.Info("launched task", "world", req.Key.String(), "task_ref", ref, "launch_id", req.LaunchID)
	l.logger.Debug("task environment", "task_ref", ref, "env", shared.RedactEnv(env))
	return Result{Ref: ref, IsNew: true, LaunchID: req.LaunchID}, nil
}

// launchOf reads the launch label of a running task, falling back to the
// caller's launch when the platform cannot say.
func (l *Launcher) launchOf(ctx context.Context, ref, fallback string) string {
	task, err := l.compute.DescribeTask(ctx, ref)
	if err != nil {
		l.logger.Warn("describe reused task failed", "task_ref", ref, "error", err)
		return fallback
	}
	if task.LaunchID == "" {
		return fallback
	}
	return task.LaunchID
}
