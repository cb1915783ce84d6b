// Package platform defines the compute and load-balancer surfaces the
// orchestrator drives. Drivers live in subpackages.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/worldgate/internal/world"
)

// TaskState is the platform's view of a task.
type TaskState string

const (
	TaskProvisioning TaskState = "PROVISIONING"
	TaskRunning      TaskState = "RUNNING"
	TaskStopped      TaskState = "STOPPED"
)

// Labels stamped on every task so it can be found again by world.
const (
	LabelWorld   = "worldgate.world"
	LabelLaunch  = "worldgate.launch"
	LabelManaged = "worldgate.managed"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrAlreadyRegistered = errors.New("target already registered")
)

// TaskSpec describes a world task to run.
type TaskSpec struct {
	Key      world.Key
	LaunchID string
	Image    string
	Port     int
	Env      map[string]string
}

// Task is a described task.
type Task struct {
	Ref      string
	State    TaskState
	Address  string
	World    world.Key
	LaunchID string
}

type Compute interface {
	// ListTasks returns refs of tasks for key currently in state.
	ListTasks(ctx context.Context, key world.Key, state TaskState) ([]string, error)
	RunTask(ctx context.Context, spec TaskSpec) (string, error)
	// DescribeTask returns ErrTaskNotFound when the platform has no record of ref.
	DescribeTask(ctx context.Context, ref string) (*Task, error)
	// StopTask is idempotent: stopping an unknown task is not an error.
	StopTask(ctx context.Context, ref, reason string) error
}

// Target is one (address, port) pair behind a target group.
type Target struct {
	Address string
	Port    int
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Address, t.Port)
}

type TargetHealth string

const (
	TargetInitial   TargetHealth = "initial"
	TargetHealthy   TargetHealth = "healthy"
	TargetUnhealthy TargetHealth = "unhealthy"
	TargetDraining  TargetHealth = "draining"
	TargetUnused    TargetHealth = "unused"
)

type TargetGroups interface {
	// RegisterTarget returns ErrAlreadyRegistered when the target is present.
	RegisterTarget(ctx context.Context, group string, t Target) error
	DescribeTargetHealth(ctx context.Context, group string, t Target) (TargetHealth, error)
	DeregisterTarget(ctx context.Context, group string, t Target) error
}
