// Package healthgate decides when a launched task may be handed to players:
// first the task must be reachable, then its load-balancer target healthy.
package healthgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/worldgate/internal/platform"
)

var (
	ErrTaskStopped = errors.New("task stopped before becoming reachable")
	ErrUnreachable = errors.New("task not reachable within timeout")
)

type Config struct {
	Compute platform.Compute
	Targets platform.TargetGroups
	// Interval between polls. Defaults to 3s.
	Interval time.Duration
	Logger   *slog.Logger
}

type Gate struct {
	compute  platform.Compute
	targets  platform.TargetGroups
	interval time.Duration
	logger   *slog.Logger
}

func New(cfg Config) *Gate {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		compute:  cfg.Compute,
		targets:  cfg.Targets,
		interval: cfg.Interval,
		logger:   logger.With("component", "healthgate"),
	}
}

func attempts(timeout, interval time.Duration) int {
	n := int((timeout + interval - 1) / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// WaitUntilReachable polls until ref is RUNNING with an address and returns
// that address. It fails fast with ErrTaskStopped if the task stops first.
func (g *Gate) WaitUntilReachable(ctx context.Context, ref string, timeout time.Duration) (string, error) {
	n := attempts(timeout, g.interval)
	for i := 0; i < n; i++ {
		task, err := g.compute.DescribeTask(ctx, ref)
		switch {
		case errors.Is(err, platform.ErrTaskNotFound):
			return "", fmt.Errorf("%w: %s is gone", ErrTaskStopped, ref)
		case err != nil:
			g.logger.Warn("describe task failed", "task_ref", ref, "attempt", i+1, "error", err)
		case task.State == platform.TaskStopped:
			return "", fmt.Errorf("%w: %s", ErrTaskStopped, ref)
		case task.State == platform.TaskRunning && task.Address != "":
			return task.Address, nil
		}
		if i == n-1 {
			break
		}
		if err := sleep(ctx, g.interval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s after %s", ErrUnreachable, ref, timeout)
}

// WaitUntilHealthy registers (address, port) of ref with group and polls its
// health. A timeout returns (false, nil).
func (g *Gate) WaitUntilHealthy(ctx context.Context, group, ref string, port int, timeout time.Duration) (bool, error) {
	task, err := g.compute.DescribeTask(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("describe task %s: %w", ref, err)
	}
	if task.Address == "" {
		return false, fmt.Errorf("task %s has no address", ref)
	}
	target := platform.Target{Address: task.Address, Port: port}

	if err := g.targets.RegisterTarget(ctx, group, target); err != nil && !errors.Is(err, platform.ErrAlreadyRegistered) {
		return false, fmt.Errorf("register target %s: %w", target, err)
	}

	n := attempts(timeout, g.interval)
	for i := 0; i < n; i++ {
		health, err := g.targets.DescribeTargetHealth(ctx, group, target)
		if err != nil {
			g.logger.Warn("describe target health failed", "target", target.String(), "error", err)
		} else if health == platform.TargetHealthy {
			return true, nil
		}
		if i == n-1 {
			break
		}
		if err := sleep(ctx, g.interval); err != nil {
			return false, err
		}
	}
	g.logger.Info("target not healthy within timeout", "task_ref", ref, "target", target.String(), "timeout", timeout)
	return false, nil
}

// Deregister removes the target for ref from group. Missing tasks are ignored.
func (g *Gate) Deregister(ctx context.Context, group, address string, port int) error {
	if address == "" {
		return nil
	}
	return g.targets.DeregisterTarget(ctx, group, platform.Target{Address: address, Port: port})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
