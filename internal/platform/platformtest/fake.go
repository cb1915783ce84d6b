// Package platformtest provides in-memory platform fakes for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/world"
)

// Compute is an in-memory platform.Compute. New tasks start in
// StartState (RUNNING by default) with a generated address.
type Compute struct {
	mu       sync.Mutex
	tasks    map[string]*platform.Task
	specs    map[string]platform.TaskSpec
	order    []string
	runCount int
	stopped  []string

	StartState platform.TaskState
	RunErr     error
	ListErr    error
	StopErr    error
	// OnRun, when set, is called after a task is recorded.
	OnRun func(spec platform.TaskSpec, ref string)
}

func NewCompute() *Compute {
	return &Compute{
		tasks:      make(map[string]*platform.Task),
		specs:      make(map[string]platform.TaskSpec),
		StartState: platform.TaskRunning,
	}
}

func (c *Compute) ListTasks(_ context.Context, key world.Key, state platform.TaskState) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	var refs []string
	for _, ref := range c.order {
		task, ok := c.tasks[ref]
		if ok && task.World == key && task.State == state {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (c *Compute) RunTask(_ context.Context, spec platform.TaskSpec) (string, error) {
	c.mu.Lock()
	if c.RunErr != nil {
		err := c.RunErr
		c.mu.Unlock()
		return "", err
	}
	c.runCount++
	ref := fmt.Sprintf("task-%d", c.runCount)
	c.tasks[ref] = &platform.Task{
		Ref:      ref,
		State:    c.StartState,
		Address:  fmt.Sprintf("10.0.0.%d", c.runCount),
		World:    spec.Key,
		LaunchID: spec.LaunchID,
	}
	c.specs[ref] = spec
	c.order = append(c.order, ref)
	hook := c.OnRun
	c.mu.Unlock()
	if hook != nil {
		hook(spec, ref)
	}
	return ref, nil
}

func (c *Compute) DescribeTask(_ context.Context, ref string) (*platform.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[ref]
	if !ok {
		return nil, platform.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (c *Compute) StopTask(_ context.Context, ref, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StopErr != nil {
		return c.StopErr
	}
	if task, ok := c.tasks[ref]; ok {
		task.State = platform.TaskStopped
	}
	c.stopped = append(c.stopped, ref)
	return nil
}

// SetRunErr changes RunErr while other goroutines may be launching.
func (c *Compute) SetRunErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RunErr = err
}

// SetState forces the platform state of ref.
func (c *Compute) SetState(ref string, state platform.TaskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task, ok := c.tasks[ref]; ok {
		task.State = state
	}
}

// Forget drops ref as if the platform had garbage-collected it.
func (c *Compute) Forget(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, ref)
}

// AddTask registers an externally started task.
func (c *Compute) AddTask(task platform.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := task
	c.tasks[task.Ref] = &cp
	c.order = append(c.order, task.Ref)
}

func (c *Compute) RunCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCount
}

func (c *Compute) Stopped() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stopped...)
}

func (c *Compute) Spec(ref string) (platform.TaskSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.specs[ref]
	return spec, ok
}

// TargetGroups is an in-memory platform.TargetGroups. Registered targets
// report DefaultHealth unless overridden with SetHealth.
type TargetGroups struct {
	mu            sync.Mutex
	members       map[string]map[platform.Target]platform.TargetHealth
	overrides     map[platform.Target]platform.TargetHealth
	registrations int

	DefaultHealth platform.TargetHealth
	RegisterErr   error
}

func NewTargetGroups() *TargetGroups {
	return &TargetGroups{
		members:       make(map[string]map[platform.Target]platform.TargetHealth),
		overrides:     make(map[platform.Target]platform.TargetHealth),
		DefaultHealth: platform.TargetHealthy,
	}
}

func (g *TargetGroups) RegisterTarget(_ context.Context, group string, t platform.Target) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RegisterErr != nil {
		return g.RegisterErr
	}
	m, ok := g.members[group]
	if !ok {
		m = make(map[platform.Target]platform.TargetHealth)
		g.members[group] = m
	}
	if _, exists := m[t]; exists {
		return platform.ErrAlreadyRegistered
	}
	g.registrations++
	m[t] = platform.TargetInitial
	return nil
}

func (g *TargetGroups) DescribeTargetHealth(_ context.Context, group string, t platform.Target) (platform.TargetHealth, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[group][t]; !ok {
		return platform.TargetUnused, nil
	}
	if h, ok := g.overrides[t]; ok {
		return h, nil
	}
	return g.DefaultHealth, nil
}

func (g *TargetGroups) DeregisterTarget(_ context.Context, group string, t platform.Target) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members[group], t)
	return nil
}

// SetHealth overrides the reported health of t in every group.
func (g *TargetGroups) SetHealth(t platform.Target, h platform.TargetHealth) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[t] = h
}

func (g *TargetGroups) Registered(group string, t platform.Target) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[group][t]
	return ok
}

func (g *TargetGroups) Registrations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registrations
}
