// Package gateway serves the client-facing lobby: the /ws socket players use
// to create and join worlds, plus health, metrics and a read-only world API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/basket/worldgate/internal/bus"
	"github.com/basket/worldgate/internal/config"
	"github.com/basket/worldgate/internal/coordinator"
	"github.com/basket/worldgate/internal/otel"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/protocol"
	"github.com/basket/worldgate/internal/reaper"
	"github.com/basket/worldgate/internal/shared"
	"github.com/basket/worldgate/internal/world"
)

const (
	maxMessageBytes = 4096
	defaultAPILimit = 100
	maxAPILimit     = 1000
)

// Lobby is the set of operations a client message can trigger.
type Lobby interface {
	HandleCreate(ctx context.Context, connectionID, gameKey string)
	HandleJoin(ctx context.Context, req coordinator.JoinRequest)
	HandleLeave(ctx context.Context, connectionID string)
}

// Store is the registry surface the gateway reads and the connection
// bookkeeping it writes.
type Store interface {
	SaveConnection(ctx context.Context, c persistence.Connection) error
	DeleteConnection(ctx context.Context, id string) error
	ListWorlds(ctx context.Context, limit int) ([]world.Record, error)
	ListWorldEvents(ctx context.Context, key world.Key, limit int) ([]world.Event, error)
	CountByStatus(ctx context.Context) (map[world.Status]int, error)
}

type Config struct {
	Store Store
	Lobby Lobby
	Hub   *Hub
	Bus   *bus.Bus

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means "same-origin only" (no cross-origin WebSockets).
	AllowOrigins []string
	// AdminToken guards /metrics and /api when set.
	AdminToken string
	RateLimit  config.RateLimitConfig

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	Metrics *otel.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	hub     *Hub
	limiter *RateLimiter
	logger  *slog.Logger
	started time.Time

	// inflight tracks joins handed off the read loops.
	inflight sync.WaitGroup

	transitions atomic.Int64
	rejected    atomic.Int64
	lastSweepMu sync.Mutex
	lastSweep   *reaper.Swept
}

func New(cfg Config) *Server {
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
	}
}

// Limiter exposes the per-connection rate limiter (eviction, tests).
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/metrics", s.handleMetrics)
	api.HandleFunc("/api/worlds", s.handleAPIWorlds)
	api.HandleFunc("/api/worlds/", s.handleAPIWorldEvents)

	guarded := NewCORSMiddleware(s.cfg.AllowOrigins)(s.limiter.Wrap(NewAdminAuth(s.cfg.AdminToken).Wrap(api)))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", guarded)
	mux.Handle("/api/", guarded)
	return mux
}

// Run follows registry and sweep events for the stats in /metrics until ctx
// ends.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	sub := s.cfg.Bus.Subscribe(bus.TopicPrefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case world.StateChanged:
				s.transitions.Add(1)
			case reaper.Swept:
				s.lastSweepMu.Lock()
				swept := p
				s.lastSweep = &swept
				s.lastSweepMu.Unlock()
			}
		}
	}
}

// Wait blocks until joins handed off the read loops have finished.
func (s *Server) Wait() {
	s.inflight.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountByStatus(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"connections":        s.hub.Count(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("metrics: count worlds failed", "error", err)
		counts = map[world.Status]int{}
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	worlds := make(map[string]int, 4)
	for _, st := range []world.Status{world.StatusStopped, world.StatusStarting, world.StatusRunning, world.StatusError} {
		worlds[strings.ToLower(string(st))] = counts[st]
	}
	payload := map[string]any{
		"worlds":             worlds,
		"connections":        s.hub.Count(),
		"state_transitions":  s.transitions.Load(),
		"rate_limited":       s.rejected.Load(),
		"rate_limit_buckets": s.limiter.BucketCount(),
		"goroutines":         runtime.NumGoroutine(),
		"alloc_bytes":        mem.Alloc,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Bus != nil {
		payload["bus_subscribers"] = s.cfg.Bus.SubscriberCount()
		payload["bus_dropped"] = s.cfg.Bus.Dropped()
	}
	s.lastSweepMu.Lock()
	if s.lastSweep != nil {
		payload["last_sweep"] = map[string]any{
			"scanned": s.lastSweep.Scanned,
			"stopped": s.lastSweep.Stopped,
			"at":      s.lastSweep.At.UTC(),
		}
	}
	s.lastSweepMu.Unlock()
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &client{id: uuid.NewString(), conn: conn}
	ctx := shared.WithConnectionID(r.Context(), c.id)
	logger := s.logger.With("connection_id", c.id)

	if err := s.cfg.Store.SaveConnection(ctx, persistence.Connection{ID: c.id, Subject: c.id}); err != nil {
		logger.Error("ws: save connection failed", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "unavailable")
		return
	}
	s.hub.add(c)
	logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.hub.remove(c.id)
		s.limiter.Forget(c.id)
		// The request context is done by now.
		if err := s.cfg.Store.DeleteConnection(context.WithoutCancel(ctx), c.id); err != nil {
			logger.Warn("ws: delete connection failed", "error", err)
		}
		logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		s.dispatch(ctx, c, data)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, data []byte) {
	if !s.limiter.Allow(c.id) {
		s.rejected.Add(1)
		s.cfg.Metrics.RecordRateLimitReject(ctx)
		_ = c.write(ctx, protocol.NewErr(protocol.CodeRateLimit, "too many messages"))
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		code := protocol.CodeInvalidMessage
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownMessage
		}
		_ = c.write(ctx, protocol.NewErr(code, err.Error()))
		return
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	switch msg.T {
	case protocol.TypePing:
		_ = c.write(ctx, protocol.NewPong())
	case protocol.TypeCreateWorld:
		s.cfg.Lobby.HandleCreate(ctx, c.id, msg.GameKey)
	case protocol.TypeLeaveWorld:
		s.cfg.Lobby.HandleLeave(ctx, c.id)
	case protocol.TypeJoinWorld:
		// Joins wait on world starts; keep reading pings meanwhile.
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.cfg.Lobby.HandleJoin(ctx, coordinator.JoinRequest{
				ConnectionID: c.id,
				Subject:      c.id,
				GameKey:      msg.GameKey,
				WorldID:      msg.WorldID,
			})
		}()
	}
}

// --- REST API handlers ---

func (s *Server) handleAPIWorlds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	worlds, err := s.cfg.Store.ListWorlds(r.Context(), parseLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if worlds == nil {
		worlds = []world.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"worlds": worlds})
}

// handleAPIWorldEvents serves /api/worlds/{gameKey}/{worldId}/events.
func (s *Server) handleAPIWorldEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/worlds/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 3 || parts[2] != "events" {
		http.NotFound(w, r)
		return
	}
	key := world.Key{GameKey: parts[0], WorldID: parts[1]}
	if err := key.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.cfg.Store.ListWorldEvents(r.Context(), key, parseLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []world.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"world": key, "events": events})
}

func parseLimit(r *http.Request) int {
	limit := defaultAPILimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxAPILimit {
		limit = maxAPILimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
