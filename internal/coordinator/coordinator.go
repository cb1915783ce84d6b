// Package coordinator drives a join request from the registry record to a
// running, healthy world and a capability token.
//
// Invocations share nothing in memory. Every decision is a registry read or a
// conditional registry write, so any number of coordinators may serve the same
// world. The claim winner hands the slow launch sequence to a background
// goroutine whose only output is a registry write; everyone else, the winner
// included, learns the outcome by polling the registry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/worldgate/internal/bus"
	"github.com/basket/worldgate/internal/games"
	"github.com/basket/worldgate/internal/launcher"
	"github.com/basket/worldgate/internal/otel"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/protocol"
	"github.com/basket/worldgate/internal/shared"
	"github.com/basket/worldgate/internal/world"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval     = 3 * time.Second
	DefaultPollAttempts     = 20
	DefaultReachableTimeout = 120 * time.Second
	DefaultHealthTimeout    = 60 * time.Second
	DefaultRetryDelay       = 3 * time.Second
	DefaultMaxJoinRetries   = 5

	// A RUNNING record whose task is gone is reset and restarted at most this
	// many times per join.
	maxDriftRestarts = 1

	finalWriteTimeout = 15 * time.Second
	maxReasonLen      = 256
)

// ErrJoinDeferred means the world was not yet accepting traffic; a status
// message was sent and the join will be retried and answered asynchronously.
var ErrJoinDeferred = errors.New("join deferred")

var errShuttingDown = errors.New("coordinator shutting down")

// Registry is the subset of the world registry the coordinator writes.
type Registry interface {
	Getter
	CreateIfAbsent(ctx context.Context, key world.Key, port int) (*world.Record, bool, error)
	Transition(ctx context.Context, key world.Key, from []world.Status, to world.Status, f world.Fields) (bool, error)
	TouchActivity(ctx context.Context, key world.Key) error
	SetConnectionWorld(ctx context.Context, id string, key *world.Key) error
}

type GameSource interface {
	Get(gameKey string) (*games.Config, error)
}

type TaskLauncher interface {
	Launch(ctx context.Context, req launcher.Request) (launcher.Result, error)
}

type HealthGate interface {
	WaitUntilReachable(ctx context.Context, ref string, timeout time.Duration) (string, error)
	WaitUntilHealthy(ctx context.Context, group, ref string, port int, timeout time.Duration) (bool, error)
}

type TokenIssuer interface {
	Issue(subject string, key world.Key, ttl time.Duration) (string, error)
}

// Sender delivers a protocol message to one lobby connection.
type Sender interface {
	Send(ctx context.Context, connectionID string, msg any) error
}

type Config struct {
	Registry Registry
	Bus      *bus.Bus
	Games    GameSource
	Launcher TaskLauncher
	Gate     HealthGate
	Compute  platform.Compute
	Issuer   TokenIssuer
	Sender   Sender
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger

	PollInterval     time.Duration
	PollAttempts     int
	ReachableTimeout time.Duration
	HealthTimeout    time.Duration
	// Settle is the pause between reachable and the first health check.
	// Zero skips it.
	Settle time.Duration
	// StartTimeout bounds the whole background start sequence.
	StartTimeout   time.Duration
	RetryDelay     time.Duration
	MaxJoinRetries int

	// PublicEndpoint, when set, replaces the registry endpoint in join
	// results (a load balancer in front of every task).
	PublicEndpoint world.Endpoint
	// DefaultImage is used when a game config names no image.
	DefaultImage string
}

type Coordinator struct {
	cfg      Config
	registry Registry
	waiter   *Waiter
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	running sync.WaitGroup
}

type JoinRequest struct {
	ConnectionID string
	// Subject is the player identity the token is issued to. Defaults to
	// ConnectionID.
	Subject string
	GameKey string
	WorldID string
}

type JoinResult struct {
	WorldID  string
	Endpoint world.Endpoint
	Token    string
}

func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("coordinator: registry is required")
	case cfg.Games == nil:
		return nil, errors.New("coordinator: game source is required")
	case cfg.Launcher == nil:
		return nil, errors.New("coordinator: launcher is required")
	case cfg.Gate == nil:
		return nil, errors.New("coordinator: health gate is required")
	case cfg.Issuer == nil:
		return nil, errors.New("coordinator: token issuer is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.ReachableTimeout <= 0 {
		cfg.ReachableTimeout = DefaultReachableTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = cfg.ReachableTimeout + cfg.Settle + cfg.HealthTimeout + time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxJoinRetries <= 0 {
		cfg.MaxJoinRetries = DefaultMaxJoinRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		registry: cfg.Registry,
		waiter:   NewWaiter(cfg.Bus, cfg.Registry),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   logger.With("component", "coordinator"),
		done:     make(chan struct{}),
	}, nil
}

// CreateWorld ensures the shared public world of gameKey exists and returns
// its id.
func (c *Coordinator) CreateWorld(ctx context.Context, gameKey string) (string, error) {
	gameKey = strings.TrimSpace(gameKey)
	if gameKey == "" {
		return "", world.New(world.CodeValidation, "gameKey is required")
	}
	game, err := c.cfg.Games.Get(gameKey)
	if err != nil {
		return "", gameError(gameKey, err)
	}
	key := world.Key{GameKey: gameKey, WorldID: world.PublicWorldID(gameKey)}
	_, created, err := c.registry.CreateIfAbsent(ctx, key, game.WorldServer.Port)
	if err != nil {
		return "", fmt.Errorf("create world %s: %w", key, err)
	}
	if created {
		c.logger.Info("world created", "world", key.String(), "port", game.WorldServer.Port, "trace_id", shared.TraceID(ctx))
	}
	return key.WorldID, nil
}

// gameError separates a game nobody configured from a config that failed to
// load; the latter surfaces as an internal error.
func gameError(gameKey string, err error) error {
	if errors.Is(err, games.ErrUnknownGame) || errors.Is(err, games.ErrInvalidGameKey) {
		return world.Wrap(world.CodeUnknownGame, fmt.Sprintf("unknown game %q", gameKey), err)
	}
	return fmt.Errorf("load game %s: %w", gameKey, err)
}

// Join returns a healthy endpoint and a capability token for the requested
// world, starting it first when needed. ErrJoinDeferred means the answer will
// arrive later through the Sender.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	return c.join(ctx, req, 0)
}

func (c *Coordinator) join(ctx context.Context, req JoinRequest, attempt int) (*JoinResult, error) {
	req.GameKey = strings.TrimSpace(req.GameKey)
	req.WorldID = strings.TrimSpace(req.WorldID)
	if req.GameKey == "" || req.WorldID == "" {
		return nil, world.New(world.CodeValidation, "gameKey and worldId are required")
	}
	key := world.Key{GameKey: req.GameKey, WorldID: req.WorldID}

	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.join",
		otel.AttrGameKey.String(key.GameKey),
		otel.AttrWorldID.String(key.WorldID),
		otel.AttrConnectionID.String(req.ConnectionID),
	)
	defer span.End()

	rec, err := c.registry.Get(ctx, key)
	if errors.Is(err, world.ErrNotFound) {
		return nil, world.Wrap(world.CodeNotFound, "World does not exist", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load world %s: %w", key, err)
	}
	game, err := c.cfg.Games.Get(key.GameKey)
	if err != nil {
		return nil, gameError(key.GameKey, err)
	}

	rec, err = c.ensureRunning(ctx, req, rec, game)
	if err != nil {
		return nil, err
	}

	// A RUNNING world can still have dropped out of the load balancer.
	healthy, err := c.cfg.Gate.WaitUntilHealthy(ctx, game.TargetGroupName(), rec.TaskRef, rec.Endpoint.Port, c.cfg.HealthTimeout)
	if err != nil {
		c.logger.Warn("health verification failed", "world", key.String(), "task_ref", rec.TaskRef, "error", err)
		healthy = false
	}
	if !healthy {
		return nil, c.deferJoin(ctx, req, attempt)
	}

	if req.ConnectionID != "" {
		err := c.registry.SetConnectionWorld(ctx, req.ConnectionID, &key)
		if errors.Is(err, persistence.ErrConnectionNotFound) {
			c.logger.Warn("join for unknown connection", "connection_id", req.ConnectionID, "world", key.String())
		} else if err != nil {
			return nil, fmt.Errorf("record connection world: %w", err)
		}
	}
	if err := c.registry.TouchActivity(ctx, key); err != nil {
		c.logger.Warn("touch activity failed", "world", key.String(), "error", err)
	}

	subject := req.Subject
	if subject == "" {
		subject = req.ConnectionID
	}
	token, err := c.cfg.Issuer.Issue(subject, key, game.TokenTTL())
	if err != nil {
		return nil, fmt.Errorf("issue capability: %w", err)
	}
	endpoint := *rec.Endpoint
	if !c.cfg.PublicEndpoint.IsZero() {
		endpoint = c.cfg.PublicEndpoint
	}
	return &JoinResult{WorldID: key.WorldID, Endpoint: endpoint, Token: token}, nil
}

// ensureRunning claims or waits until rec is RUNNING on a live task.
func (c *Coordinator) ensureRunning(ctx context.Context, req JoinRequest, rec *world.Record, game *games.Config) (*world.Record, error) {
	notified := false
	notifyStarting := func() {
		if !notified {
			notified = true
			c.send(ctx, req.ConnectionID, protocol.NewStatus(string(world.StatusStarting)))
		}
	}

	for restarts := 0; ; restarts++ {
		won := false
		if rec.Status.Claimable() || rec.Status == world.StatusStarting {
			if rec.Status.Claimable() {
				launchID := shared.NewLaunchID()
				ok, err := c.ClaimStart(ctx, rec.Key, launchID)
				if err != nil {
					return nil, err
				}
				if ok {
					won = true
					c.logger.Info("start claimed", "world", rec.Key.String(), "launch_id", launchID, "trace_id", shared.TraceID(ctx))
					c.startInBackground(ctx, rec.Key, launchID, game)
				}
			}
			notifyStarting()
			settled, err := c.waiter.WaitForSettled(ctx, rec.Key, c.cfg.PollAttempts, c.cfg.PollInterval)
			if err != nil {
				return nil, err
			}
			rec = settled
		}

		if rec.Status != world.StatusRunning {
			if won && rec.Status == world.StatusError {
				return nil, world.New(world.CodeLaunchFailure, "World failed to start")
			}
			return nil, world.New(world.CodeStartTimeout, fmt.Sprintf("World did not start. Status: %s", rec.Status))
		}
		if c.taskAlive(ctx, rec) {
			return rec, nil
		}
		if restarts >= maxDriftRestarts {
			return nil, world.New(world.CodeStartTimeout, "World task is not running")
		}

		c.logger.Warn("registry says RUNNING but task is gone; restarting", "world", rec.Key.String(), "task_ref", rec.TaskRef)
		if _, err := c.registry.Transition(ctx, rec.Key,
			[]world.Status{world.StatusRunning}, world.StatusError,
			world.Fields{ErrorReason: "task lost", ExpectTaskRef: rec.TaskRef},
		); err != nil {
			return nil, fmt.Errorf("reset drifted world %s: %w", rec.Key, err)
		}
		next, err := c.registry.Get(ctx, rec.Key)
		if err != nil {
			return nil, fmt.Errorf("reload world %s: %w", rec.Key, err)
		}
		rec = next
	}
}

// taskAlive reports whether the platform still runs rec's task. Lookup
// errors other than not-found count as alive.
func (c *Coordinator) taskAlive(ctx context.Context, rec *world.Record) bool {
	if c.cfg.Compute == nil || rec.TaskRef == "" {
		return true
	}
	task, err := c.cfg.Compute.DescribeTask(ctx, rec.TaskRef)
	switch {
	case errors.Is(err, platform.ErrTaskNotFound):
		return false
	case err != nil:
		c.logger.Warn("describe task failed; assuming alive", "task_ref", rec.TaskRef, "error", err)
		return true
	default:
		return task.State != platform.TaskStopped
	}
}

// deferJoin tells the client to keep waiting and retries the join later.
func (c *Coordinator) deferJoin(ctx context.Context, req JoinRequest, attempt int) error {
	if c.cfg.Sender == nil || req.ConnectionID == "" || attempt >= c.cfg.MaxJoinRetries {
		return world.New(world.CodeUnhealthy, "World is not accepting connections")
	}
	c.send(ctx, req.ConnectionID, protocol.NewStatus(string(world.StatusStarting)))
	retryCtx := context.WithoutCancel(ctx)
	ok := c.goBackground(func() {
		t := time.NewTimer(c.cfg.RetryDelay)
		defer t.Stop()
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		c.logger.Info("retrying join", "world", req.GameKey+"/"+req.WorldID, "connection_id", req.ConnectionID, "attempt", attempt+1)
		c.handleJoin(retryCtx, req, attempt+1)
	})
	if !ok {
		return world.New(world.CodeUnhealthy, "World is not accepting connections")
	}
	return ErrJoinDeferred
}

// HandleJoin runs Join and answers the connection with joinResult or err.
func (c *Coordinator) HandleJoin(ctx context.Context, req JoinRequest) {
	c.handleJoin(ctx, req, 0)
}

func (c *Coordinator) handleJoin(ctx context.Context, req JoinRequest, attempt int) {
	start := time.Now()
	res, err := c.join(ctx, req, attempt)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrJoinDeferred):
		outcome = "deferred"
	case err != nil:
		outcome = string(world.CodeOf(err))
		c.logger.Info("join failed", "game", req.GameKey, "world_id", req.WorldID, "connection_id", req.ConnectionID, "error", err)
		c.send(ctx, req.ConnectionID, protocol.ErrFor(err))
	default:
		c.logger.Info("join succeeded", "game", req.GameKey, "world_id", req.WorldID, "connection_id", req.ConnectionID, "endpoint", res.Endpoint.String())
		c.send(ctx, req.ConnectionID, protocol.NewJoinResult(res.WorldID, res.Endpoint, res.Token))
	}
	c.metrics.RecordJoin(ctx, req.GameKey, outcome, time.Since(start))
}

// HandleCreate runs CreateWorld and answers with worldCreated or err.
func (c *Coordinator) HandleCreate(ctx context.Context, connectionID, gameKey string) {
	worldID, err := c.CreateWorld(ctx, gameKey)
	if err != nil {
		msg := protocol.ErrFor(err)
		if strings.TrimSpace(gameKey) == "" {
			msg = protocol.NewErr(protocol.CodeMissingGameKey, "gameKey is required")
		}
		c.send(ctx, connectionID, msg)
		return
	}
	c.send(ctx, connectionID, protocol.NewWorldCreated(worldID))
}

// HandleLeave clears the connection's world and answers with left.
func (c *Coordinator) HandleLeave(ctx context.Context, connectionID string) {
	err := c.registry.SetConnectionWorld(ctx, connectionID, nil)
	if err != nil && !errors.Is(err, persistence.ErrConnectionNotFound) {
		c.logger.Error("leave failed", "connection_id", connectionID, "error", err)
		c.send(ctx, connectionID, protocol.ErrFor(err))
		return
	}
	c.send(ctx, connectionID, protocol.NewLeft())
}

func (c *Coordinator) send(ctx context.Context, connectionID string, msg any) {
	if c.cfg.Sender == nil || connectionID == "" {
		return
	}
	if err := c.cfg.Sender.Send(ctx, connectionID, msg); err != nil {
		c.logger.Warn("send to connection failed", "connection_id", connectionID, "error", err)
	}
}

// goBackground runs fn on a tracked goroutine unless Shutdown has begun.
func (c *Coordinator) goBackground(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.running.Add(1)
	go func() {
		defer c.running.Done()
		fn()
	}()
	return true
}

// Shutdown stops scheduling join retries and waits for in-flight start
// sequences to write their outcome.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}
}
