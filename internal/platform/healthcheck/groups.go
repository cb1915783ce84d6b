// Package healthcheck implements in-process target groups whose health is decided
// by active checks against each registered target.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/worldgate/internal/platform"
)

type Config struct {
	// Protocol is "tcp" (connect succeeds) or "http" (GET Path returns 2xx).
	Protocol           string
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
	Logger             *slog.Logger
}

type targetState struct {
	health    platform.TargetHealth
	successes int
	failures  int
	cancel    context.CancelFunc
}

// Groups tracks targets per group name and checks each one in the background.
type Groups struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]map[platform.Target]*targetState
	wg      sync.WaitGroup
}

func New(cfg Config) *Groups {
	if cfg.Protocol == "" {
		cfg.Protocol = "tcp"
	}
	if cfg.Path == "" {
		cfg.Path = "/healthz"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = 2
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Groups{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
		targets: make(map[string]map[platform.Target]*targetState),
	}
}

func (g *Groups) RegisterTarget(_ context.Context, group string, t platform.Target) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.targets[group]
	if !ok {
		members = make(map[platform.Target]*targetState)
		g.targets[group] = members
	}
	if _, exists := members[t]; exists {
		return platform.ErrAlreadyRegistered
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &targetState{health: platform.TargetInitial, cancel: cancel}
	members[t] = st

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.checkLoop(ctx, group, t)
	}()
	g.logger.Info("target registered", "group", group, "target", t.String())
	return nil
}

func (g *Groups) DescribeTargetHealth(_ context.Context, group string, t platform.Target) (platform.TargetHealth, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.targets[group][t]
	if !ok {
		return platform.TargetUnused, nil
	}
	return st.health, nil
}

func (g *Groups) DeregisterTarget(_ context.Context, group string, t platform.Target) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.targets[group][t]
	if !ok {
		return nil
	}
	st.cancel()
	delete(g.targets[group], t)
	g.logger.Info("target deregistered", "group", group, "target", t.String())
	return nil
}

// Close stops all health checks.
func (g *Groups) Close() error {
	g.mu.Lock()
	for _, members := range g.targets {
		for _, st := range members {
			st.cancel()
		}
	}
	g.targets = make(map[string]map[platform.Target]*targetState)
	g.mu.Unlock()
	g.wg.Wait()
	return nil
}

func (g *Groups) checkLoop(ctx context.Context, group string, t platform.Target) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		g.record(group, t, g.check(ctx, t))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Groups) check(ctx context.Context, t platform.Target) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	addr := net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
	if g.cfg.Protocol == "http" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+g.cfg.Path, nil)
		if err != nil {
			return err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health check status %d", resp.StatusCode)
		}
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (g *Groups) record(group string, t platform.Target, checkErr error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.targets[group][t]
	if !ok {
		return
	}
	prev := st.health
	if checkErr == nil {
		st.successes++
		st.failures = 0
		if st.successes >= g.cfg.HealthyThreshold {
			st.health = platform.TargetHealthy
		}
	} else {
		st.failures++
		st.successes = 0
		if st.failures >= g.cfg.UnhealthyThreshold {
			st.health = platform.TargetUnhealthy
		}
	}
	if prev != st.health {
		g.logger.Debug("target health changed", "group", group, "target", t.String(), "from", prev, "to", st.health)
	}
}
