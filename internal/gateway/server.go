// Package gateway exposes the turn engine over WebSocket. Clients send chat
// requests; turn events fan out to every connected client through the bus.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/session"
	"github.com/tidewater-ai/keel/internal/store"
	"github.com/tidewater-ai/keel/pkg/protocol"
)

// TurnRunner runs one conversation turn. Implemented by agent.Engine.
type TurnRunner interface {
	RunTurn(ctx context.Context, sess *session.State, userMessage string, emit bus.EmitFunc)
}

// Server is the WebSocket gateway.
type Server struct {
	cfg      *config.Config
	engine   TurnRunner
	sessions store.SessionStore
	events   bus.Publisher

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.Mutex
	turnMu  map[string]*sync.Mutex // per-session turn serialization
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *client) send(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(f); err != nil {
		slog.Debug("gateway write failed", "client", c.id, "error", err)
	}
}

func NewServer(cfg *config.Config, engine TurnRunner, sessions store.SessionStore, events bus.Publisher) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		sessions: sessions,
		events:   events,
		turnMu:   make(map[string]*sync.Mutex),
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates browser origins against the configured whitelist.
// No configuration allows all origins; non-browser clients (empty Origin)
// always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway origin rejected", "origin", origin)
	return false
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, func(sessionKey string, ev bus.Event) {
		e := ev
		c.send(protocol.Frame{Type: protocol.FrameEvent, SessionKey: sessionKey, Event: &e})
	})

	defer func() {
		s.events.Unsubscribe(c.id)
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		conn.Close()
	}()

	slog.Info("client connected", "client", c.id, "remote", r.RemoteAddr)
	for {
		var req protocol.Request
		if err := conn.ReadJSON(&req); err != nil {
			slog.Info("client disconnected", "client", c.id)
			return
		}
		s.dispatch(r.Context(), c, req)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, req protocol.Request) {
	switch req.Type {
	case protocol.RequestPing:
		c.send(protocol.Frame{Type: protocol.FramePong})

	case protocol.RequestListSessions:
		infos, err := s.sessions.List(ctx)
		if err != nil {
			c.send(protocol.Frame{Type: protocol.FrameError, Error: "failed to list sessions"})
			return
		}
		c.send(protocol.Frame{Type: protocol.FrameSessions, Sessions: infos})

	case protocol.RequestChat:
		if req.SessionKey == "" {
			c.send(protocol.Frame{Type: protocol.FrameError, Error: "chat requires a session_key"})
			return
		}
		go s.runChat(req)

	default:
		c.send(protocol.Frame{Type: protocol.FrameError, Error: fmt.Sprintf("unknown request type %q", req.Type)})
	}
}

// runChat executes one turn, serialized per session key, broadcasting events
// through the bus and persisting the session afterwards.
func (s *Server) runChat(req protocol.Request) {
	mu := s.sessionLock(req.SessionKey)
	mu.Lock()
	defer mu.Unlock()

	ctx := context.Background()
	sess, err := s.sessions.Load(ctx, req.SessionKey)
	if err != nil {
		slog.Error("session load failed", "session", req.SessionKey, "error", err)
		s.events.Broadcast(req.SessionKey, bus.Event{
			Type: bus.EventError, Content: bus.ErrorContent{Message: "Could not load the session."},
		})
		return
	}
	if sess == nil {
		sess = session.New(req.SessionKey)
	}
	applyIdentity(sess, req)

	emit := func(ev bus.Event) { s.events.Broadcast(req.SessionKey, ev) }
	s.engine.RunTurn(ctx, sess, req.Message, emit)

	if err := s.sessions.Save(ctx, sess); err != nil {
		slog.Error("session save failed", "session", req.SessionKey, "error", err)
	}
}

func (s *Server) sessionLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.turnMu[key]
	if !ok {
		mu = &sync.Mutex{}
		s.turnMu[key] = mu
	}
	return mu
}

// applyIdentity overlays request identity onto the session user.
func applyIdentity(sess *session.State, req protocol.Request) {
	if req.UserID != "" {
		sess.CurrentUser.ID = req.UserID
	}
	if req.UserEmail != "" {
		sess.CurrentUser.Email = req.UserEmail
	}
	if len(req.Permissions) > 0 {
		perms := make(map[string]bool, len(req.Permissions))
		for _, p := range req.Permissions {
			perms[p] = true
		}
		sess.CurrentUser.Permissions = perms
	}
}
