// Package worldhost is the player-facing side of a world task: it admits
// players holding a capability token for this world, counts them as
// sessions, and hands out the world bootstrap blob.
package worldhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/worldgate/internal/blobstore"
	"github.com/basket/worldgate/internal/capability"
	"github.com/basket/worldgate/internal/shared"
	"github.com/basket/worldgate/internal/world"
)

const (
	DefaultAuthTimeout       = 5 * time.Second
	DefaultMaxBootstrapBytes = 1 << 20
	uploadInterval           = time.Second
	writeTimeout             = 5 * time.Second
)

// Verifier checks a capability token against this task's world.
type Verifier interface {
	Verify(token string, expected world.Key) (capability.Claims, error)
}

type Config struct {
	Key      world.Key
	Verifier Verifier
	Blobs    blobstore.Store
	// AuthTimeout bounds the wait for the first message.
	AuthTimeout       time.Duration
	MaxBootstrapBytes int
	Logger            *slog.Logger
}

type session struct {
	id         string
	subject    string
	conn       *websocket.Conn
	mu         sync.Mutex
	lastUpload time.Time
}

func (s *session) write(ctx context.Context, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, payload)
}

// Host serves /ws and /healthz for one world.
type Host struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

func New(cfg Config) (*Host, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("worldhost: verifier is required")
	}
	if err := cfg.Key.Validate(); err != nil {
		return nil, err
	}
	if cfg.Blobs == nil {
		cfg.Blobs = blobstore.NewMemory()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.MaxBootstrapBytes <= 0 {
		cfg.MaxBootstrapBytes = DefaultMaxBootstrapBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		cfg:      cfg,
		logger:   logger.With("component", "worldhost", "world", cfg.Key.String()),
		started:  time.Now(),
		sessions: make(map[string]*session),
	}, nil
}

// ActiveSessions returns the number of authenticated connections.
func (h *Host) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/healthz", h.handleHealthz)
	return mux
}

// Serve listens on addr until ctx is done. Open sessions see their reads
// fail once ctx is cancelled.
func (h *Host) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("world host listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("world host: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("world host shutdown: %w", err)
	}
	return nil
}

func (h *Host) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":  true,
		"world":    h.cfg.Key.String(),
		"sessions": h.ActiveSessions(),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	// Players connect from the game's own origin; the capability token is
	// the gate.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	conn.SetReadLimit(int64(h.cfg.MaxBootstrapBytes) + 4096)

	s := &session{id: uuid.NewString(), conn: conn}
	ctx := shared.WithConnectionID(r.Context(), s.id)
	logger := h.logger.With("connection_id", s.id)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if !h.authenticate(ctx, s, logger) {
		return
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	logger.Info("player connected", "subject", s.subject, "sessions", n)
	defer func() {
		h.mu.Lock()
		delete(h.sessions, s.id)
		n := len(h.sessions)
		h.mu.Unlock()
		logger.Info("player disconnected", "sessions", n)
	}()

	h.sendBootstrap(ctx, s, logger)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Debug("read error, closing", "error", err)
			}
			return
		}
		h.dispatch(ctx, s, data, logger)
	}
}

// authenticate waits for the auth message and verifies its token.
func (h *Host) authenticate(ctx context.Context, s *session, logger *slog.Logger) bool {
	timer := time.AfterFunc(h.cfg.AuthTimeout, func() {
		logger.Warn("auth timeout")
		_ = s.write(ctx, newErr(CodeAuthTimeout, fmt.Sprintf("authentication required within %s", h.cfg.AuthTimeout)))
		_ = s.conn.Close(websocket.StatusPolicyViolation, "auth timeout")
	})
	_, data, err := s.conn.Read(ctx)
	if !timer.Stop() || err != nil {
		return false
	}

	msg, err := decode(data)
	if err != nil {
		_ = s.write(ctx, newErr(CodeInvalidMessage, err.Error()))
		return false
	}
	if msg.T != TypeAuth {
		_ = s.write(ctx, newErr(CodeNotAuthenticated, "must authenticate first"))
		return false
	}
	claims, err := h.cfg.Verifier.Verify(msg.Token, h.cfg.Key)
	if err != nil {
		logger.Warn("auth failed", "error", err)
		if errors.Is(err, capability.ErrWrongWorld) {
			_ = s.write(ctx, newErr(CodeInvalidToken, "token not valid for this world"))
		} else {
			_ = s.write(ctx, newErr(CodeAuthFailed, "invalid token"))
		}
		return false
	}
	s.subject = claims.Subject
	return true
}

func (h *Host) sendBootstrap(ctx context.Context, s *session, logger *slog.Logger) {
	payload, err := h.cfg.Blobs.Get(ctx, blobstore.BootstrapName(h.cfg.Key))
	switch {
	case err == nil:
		_ = s.write(ctx, bootstrapData{T: TypeBootstrapData, Payload: payload})
	case errors.Is(err, blobstore.ErrNotFound):
		_ = s.write(ctx, kindOnly{T: TypeBootstrapRequired})
	default:
		logger.Error("load bootstrap failed", "error", err)
		_ = s.write(ctx, newErr(CodeInternalError, "bootstrap unavailable"))
	}
}

func (h *Host) dispatch(ctx context.Context, s *session, data []byte, logger *slog.Logger) {
	msg, err := decode(data)
	if err != nil {
		_ = s.write(ctx, newErr(CodeInvalidMessage, err.Error()))
		return
	}
	switch msg.T {
	case TypePing:
		_ = s.write(ctx, kindOnly{T: TypePong})
	case TypeAuth:
		_ = s.write(ctx, newErr(CodeInvalidMessage, "already authenticated"))
	case TypeBootstrapUpload:
		h.handleUpload(ctx, s, msg.Payload, logger)
	}
}

func (h *Host) handleUpload(ctx context.Context, s *session, payload json.RawMessage, logger *slog.Logger) {
	now := time.Now()
	if !s.lastUpload.IsZero() && now.Sub(s.lastUpload) < uploadInterval {
		_ = s.write(ctx, newErr(CodeRateLimit, "too many bootstrap uploads"))
		return
	}
	s.lastUpload = now

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' || !json.Valid(payload) {
		_ = s.write(ctx, newErr(CodeBootstrapInvalid, "payload must be a JSON object"))
		return
	}
	if len(payload) > h.cfg.MaxBootstrapBytes {
		_ = s.write(ctx, newErr(CodeBootstrapInvalid, fmt.Sprintf("payload too large: %d > %d", len(payload), h.cfg.MaxBootstrapBytes)))
		return
	}

	created, err := h.cfg.Blobs.PutOnce(ctx, blobstore.BootstrapName(h.cfg.Key), payload)
	if err != nil {
		logger.Error("store bootstrap failed", "error", err)
		_ = s.write(ctx, newErr(CodeInternalError, "bootstrap not stored"))
		return
	}
	if !created {
		_ = s.write(ctx, newErr(CodeBootstrapExists, "bootstrap already set"))
		return
	}
	logger.Info("bootstrap stored", "bytes", len(payload), "digest", blobstore.Digest(payload))
	_ = s.write(ctx, kindOnly{T: TypeBootstrapAccepted})
	h.broadcast(ctx, s.id, bootstrapData{T: TypeBootstrapData, Payload: payload})
}

// broadcast sends msg to every session except skip.
func (h *Host) broadcast(ctx context.Context, skip string, msg any) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id != skip {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		if err := s.write(ctx, msg); err != nil {
			h.logger.Debug("broadcast write failed", "connection_id", s.id, "error", err)
		}
	}
}
