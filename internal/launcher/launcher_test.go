package launcher_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/worldgate/internal/launcher"
	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/platform/platformtest"
	"github.com/basket/worldgate/internal/world"
)

var key = world.Key{GameKey: "tag", WorldID: world.PublicWorldID("tag")}

func TestLaunch_RunsNewTaskWithEnvironment(t *testing.T) {
	compute := platformtest.NewCompute()
	l := launcher.New(launcher.Config{
		Compute: compute,
		Env:     map[string]string{"WORLDGATE_REGISTRY_DSN": "/data/registry.db"},
	})

	res, err := l.Launch(context.Background(), launcher.Request{Key: key, LaunchID: "launch-1", Port: 7777})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !res.IsNew || res.Ref == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	spec, ok := compute.Spec(res.Ref)
	if !ok {
		t.Fatal("spec not recorded")
	}
	want := map[string]string{
		launcher.EnvGameKey:      "tag",
		launcher.EnvWorldID:      key.WorldID,
		launcher.EnvLaunchID:     "launch-1",
		launcher.EnvPort:         "7777",
		"WORLDGATE_REGISTRY_DSN": "/data/registry.db",
	}
	for k, v := range want {
		if spec.Env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, spec.Env[k], v)
		}
	}
}

func TestLaunch_ReusesRunningThenProvisioning(t *testing.T) {
	compute := platformtest.NewCompute()
	compute.AddTask(platform.Task{Ref: "prov-1", State: platform.TaskProvisioning, World: key})
	l := launcher.New(launcher.Config{Compute: compute})

	res, err := l.Launch(context.Background(), launcher.Request{Key: key, LaunchID: "l"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.IsNew || res.Ref != "prov-1" {
		t.Fatalf("expected reuse of provisioning task, got %+v", res)
	}

	compute.AddTask(platform.Task{Ref: "run-1", State: platform.TaskRunning, World: key})
	res, _ = l.Launch(context.Background(), launcher.Request{Key: key, LaunchID: "l"})
	if res.Ref != "run-1" {
		t.Fatalf("RUNNING tasks must be preferred, got %+v", res)
	}
	if compute.RunCount() != 0 {
		t.Fatalf("reuse must not run tasks, ran %d", compute.RunCount())
	}
}

func TestLaunch_ReuseReportsTaskLaunchID(t *testing.T) {
	compute := platformtest.NewCompute()
	compute.AddTask(platform.Task{Ref: "run-1", State: platform.TaskRunning, World: key, LaunchID: "launch-old"})
	l := launcher.New(launcher.Config{Compute: compute})

	res, err := l.Launch(context.Background(), launcher.Request{Key: key, LaunchID: "launch-new"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.IsNew || res.LaunchID != "launch-old" {
		t.Fatalf("reused task must keep its own launch id, got %+v", res)
	}

	fresh, err := l.Launch(context.Background(), launcher.Request{Key: world.Key{GameKey: "other", WorldID: "w"}, LaunchID: "launch-3"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !fresh.IsNew || fresh.LaunchID != "launch-3" {
		t.Fatalf("new task must carry the request launch id, got %+v", fresh)
	}
}

func TestLaunch_IgnoresOtherWorldsAndStoppedTasks(t *testing.T) {
	compute := platformtest.NewCompute()
	compute.AddTask(platform.Task{Ref: "other", State: platform.TaskRunning, World: world.Key{GameKey: "race", WorldID: "w"}})
	compute.AddTask(platform.Task{Ref: "dead", State: platform.TaskStopped, World: key})
	l := launcher.New(launcher.Config{Compute: compute})

	res, err := l.Launch(context.Background(), launcher.Request{Key: key})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !res.IsNew {
		t.Fatalf("expected new task, got %+v", res)
	}
}

func TestLaunch_ListFailureFallsThroughToRun(t *testing.T) {
	compute := platformtest.NewCompute()
	compute.ListErr = errors.New("throttled")
	l := launcher.New(launcher.Config{Compute: compute})

	res, err := l.Launch(context.Background(), launcher.Request{Key: key})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !res.IsNew || compute.RunCount() != 1 {
		t.Fatalf("expected a fresh run, got %+v (runs=%d)", res, compute.RunCount())
	}
}

func TestLaunch_RunFailureIsLaunchFailure(t *testing.T) {
	compute := platformtest.NewCompute()
	compute.RunErr = errors.New("capacity")
	l := launcher.New(launcher.Config{Compute: compute})

	_, err := l.Launch(context.Background(), launcher.Request{Key: key})
	if world.CodeOf(err) != world.CodeLaunchFailure {
		t.Fatalf("expected LAUNCH_FAILURE, got %v", err)
	}
}

func TestLaunch_DebugLogMasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	compute := platformtest.NewCompute()
	l := launcher.New(launcher.Config{
		Compute: compute,
		Env:     map[string]string{"WORLDGATE_TOKEN_SECRET": "very-secret-signing-key"},
		Logger:  logger,
	})

	res, err := l.Launch(context.Background(), launcher.Request{Key: key, LaunchID: "launch-1"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	spec, _ := compute.Spec(res.Ref)
	if spec.Env["WORLDGATE_TOKEN_SECRET"] != "very-secret-signing-key" {
		t.Fatal("task must still receive the real secret")
	}
	out := buf.String()
	if strings.Contains(out, "very-secret-signing-key") {
		t.Fatalf("secret leaked into logs: %s", out)
	}
	if !strings.Contains(out, `"task environment"`) || !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redacted environment entry, got %s", out)
	}
}
