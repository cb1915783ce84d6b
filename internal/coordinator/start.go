package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/worldgate/internal/games"
	"github.com/basket/worldgate/internal/launcher"
	"github.com/basket/worldgate/internal/otel"
	"github.com/basket/worldgate/internal/shared"
	"github.com/basket/worldgate/internal/world"
)

// startInBackground runs the launch sequence for a won claim detached from
// the request. The sequence always ends in a registry write.
func (c *Coordinator) startInBackground(ctx context.Context, key world.Key, launchID string, game *games.Config) {
	base := shared.WithLaunchID(context.WithoutCancel(ctx), launchID)
	ok := c.goBackground(func() {
		startCtx, cancel := context.WithTimeout(base, c.cfg.StartTimeout)
		defer cancel()
		c.runStart(startCtx, key, launchID, game)
	})
	if !ok {
		c.failStart(base, key, launchID, launcher.Result{}, errShuttingDown)
	}
}

func (c *Coordinator) runStart(ctx context.Context, key world.Key, launchID string, game *games.Config) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.start",
		otel.AttrGameKey.String(key.GameKey),
		otel.AttrWorldID.String(key.WorldID),
		otel.AttrLaunchID.String(launchID),
	)
	defer span.End()
	logger := c.logger.With("world", key.String(), "launch_id", launchID, "trace_id", shared.TraceID(ctx))

	image := game.WorldServer.Image
	if image == "" {
		image = c.cfg.DefaultImage
	}
	port := game.WorldServer.Port

	res, err := c.cfg.Launcher.Launch(ctx, launcher.Request{Key: key, LaunchID: launchID, Image: image, Port: port})
	if err != nil {
		c.failStart(ctx, key, launchID, res, err)
		return
	}
	c.metrics.RecordLaunch(ctx, key.GameKey, res.IsNew)
	span.SetAttributes(otel.AttrTaskRef.String(res.Ref))
	logger.Info("task launched", "task_ref", res.Ref, "new", res.IsNew)

	// A reused task guards its self-stop with the launch it was started
	// under, so the record adopts that launch along with the ref.
	attach := world.Fields{TaskRef: res.Ref, ExpectLaunchID: launchID}
	if res.LaunchID != "" && res.LaunchID != launchID {
		attach.LaunchID = res.LaunchID
	}
	attached, err := c.registry.Transition(ctx, key,
		[]world.Status{world.StatusStarting}, world.StatusStarting, attach)
	if err != nil {
		c.failStart(ctx, key, launchID, res, fmt.Errorf("attach task ref: %w", err))
		return
	}
	if !attached {
		logger.Warn("claim superseded before task ref was recorded", "task_ref", res.Ref)
		c.stopLaunched(ctx, res, "claim superseded")
		return
	}
	if attach.LaunchID != "" {
		logger.Info("adopted launch of reused task", "task_launch_id", attach.LaunchID)
		launchID = attach.LaunchID
	}

	addr, err := c.cfg.Gate.WaitUntilReachable(ctx, res.Ref, c.cfg.ReachableTimeout)
	if err != nil {
		c.failStart(ctx, key, launchID, res, world.Wrap(world.CodeHealthTimeout, "task never became reachable", err))
		return
	}
	logger.Info("task reachable", "task_ref", res.Ref, "address", addr)

	if c.cfg.Settle > 0 {
		t := time.NewTimer(c.cfg.Settle)
		select {
		case <-ctx.Done():
			t.Stop()
			c.failStart(ctx, key, launchID, res, world.Wrap(world.CodeHealthTimeout, "start interrupted", ctx.Err()))
			return
		case <-t.C:
		}
	}

	healthy, err := c.cfg.Gate.WaitUntilHealthy(ctx, game.TargetGroupName(), res.Ref, port, c.cfg.HealthTimeout)
	if err != nil {
		c.failStart(ctx, key, launchID, res, world.Wrap(world.CodeHealthTimeout, "health check failed", err))
		return
	}
	if !healthy {
		c.failStart(ctx, key, launchID, res, world.New(world.CodeHealthTimeout, "target did not become healthy"))
		return
	}

	ok, err := c.registry.Transition(ctx, key,
		[]world.Status{world.StatusStarting}, world.StatusRunning,
		world.Fields{Endpoint: &world.Endpoint{Address: addr, Port: port}, ExpectLaunchID: launchID},
	)
	if err != nil {
		c.failStart(ctx, key, launchID, res, fmt.Errorf("mark running: %w", err))
		return
	}
	if !ok {
		logger.Warn("claim superseded before world became RUNNING", "task_ref", res.Ref)
		return
	}
	logger.Info("world running", "task_ref", res.Ref, "endpoint", fmt.Sprintf("%s:%d", addr, port))
}

// failStart records ERROR for the claim and stops a task this sequence
// created. It runs on a fresh deadline so an expired start context still
// gets its final write.
func (c *Coordinator) failStart(ctx context.Context, key world.Key, launchID string, res launcher.Result, cause error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	c.logger.Error("world start failed", "world", key.String(), "launch_id", launchID, "task_ref", res.Ref, "error", cause)
	c.stopLaunched(wctx, res, "start failed")

	reason := cause.Error()
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	ok, err := c.registry.Transition(wctx, key,
		[]world.Status{world.StatusStarting}, world.StatusError,
		world.Fields{ErrorReason: reason, ExpectLaunchID: launchID},
	)
	switch {
	case err != nil:
		c.logger.Error("record start failure", "world", key.String(), "launch_id", launchID, "error", err)
	case !ok:
		c.logger.Warn("start failure not recorded; claim already superseded", "world", key.String(), "launch_id", launchID)
	}
	c.metrics.RecordStartFailure(wctx, key.GameKey, string(world.CodeOf(cause)))
}

func (c *Coordinator) stopLaunched(ctx context.Context, res launcher.Result, reason string) {
	if c.cfg.Compute == nil || res.Ref == "" || !res.IsNew {
		return
	}
	if err := c.cfg.Compute.StopTask(ctx, res.Ref, reason); err != nil {
		c.logger.Warn("stop launched task failed", "task_ref", res.Ref, "error", err)
	}
}
