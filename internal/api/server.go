// Package api exposes the agent over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liling/aoi-agent/internal/agent"
	"github.com/liling/aoi-agent/internal/buildinfo"
	"github.com/liling/aoi-agent/internal/history"
	"github.com/liling/aoi-agent/internal/reminder"
	"github.com/liling/aoi-agent/internal/ws"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen    string
	agent     *agent.Agent
	registry  *ws.Registry
	history   *history.Store
	reminders *reminder.Manager
	logger    *slog.Logger
	server    *http.Server

	upgrader websocket.Upgrader

	// baseCtx bounds the turn tasks spawned by chat sockets.
	baseCtx context.Context
}

// NewServer creates the API server listening on listen (host:port).
func NewServer(listen string, ag *agent.Agent, registry *ws.Registry, hist *history.Store, reminders *reminder.Manager, logger *slog.Logger) *Server {
	return &Server{
		listen:    listen,
		agent:     ag,
		registry:  registry,
		history:   hist,
		reminders: reminders,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local companion daemon; browsers on other origins are
			// expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/chats", s.handleChatList)
	mux.HandleFunc("GET /api/chats/{id}", s.handleChatGet)
	mux.HandleFunc("POST /api/voice", s.handleVoice)
	mux.HandleFunc("GET /api/reminders", s.handleReminders)

	mux.HandleFunc("GET /ws/chat/{thread_id}", s.handleChatSocket)
	mux.HandleFunc("GET /ws/notification/{user_id}", s.handleNotificationSocket)

	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.withLogging(mux),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: websockets stay open indefinitely.
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Aoi",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	threads, err := s.history.ListThreads(limit)
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list threads failed", s.logger)
		return
	}
	if threads == nil {
		threads = []*history.Thread{}
	}
	writeJSON(w, threads, s.logger)
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "thread id required", s.logger)
		return
	}

	msgs, err := s.history.Messages(id)
	if err != nil {
		s.logger.Error("load messages failed", "thread", id, "error", err)
		writeError(w, http.StatusInternalServerError, "load messages failed", s.logger)
		return
	}
	if msgs == nil {
		msgs = []history.StoredMessage{}
	}
	writeJSON(w, msgs, s.logger)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", s.logger)
		return
	}
	s.agent.SetVoice(req.Enabled)
	writeJSON(w, map[string]bool{"enabled": s.agent.VoiceEnabled()}, s.logger)
}

func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := s.reminders.List(limit)
	if err != nil {
		s.logger.Error("list reminders failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list reminders failed", s.logger)
		return
	}
	if tasks == nil {
		tasks = []*reminder.Task{}
	}
	writeJSON(w, tasks, s.logger)
}

// chatFrame is one inbound message on a chat socket.
type chatFrame struct {
	Content string `json:"content"`
}

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread id required", s.logger)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("chat socket upgrade failed", "thread", threadID, "error", err)
		return
	}

	s.registry.RegisterChat(threadID, conn)
	s.logger.Info("chat socket connected", "thread", threadID)

	defer func() {
		s.registry.UnregisterChat(threadID, conn)
		conn.Close()
		s.logger.Info("chat socket closed", "thread", threadID)
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		content := string(data)
		var frame chatFrame
		if json.Unmarshal(data, &frame) == nil && frame.Content != "" {
			content = frame.Content
		}
		if content == "" {
			continue
		}

		// One turn task per frame. The agent rejects overlapping
		// turns for the same thread itself.
		go func(input string) {
			if _, err := s.agent.Chat(s.baseCtx, threadID, input); err != nil {
				s.logger.Warn("turn failed", "thread", threadID, "error", err)
			}
		}(content)
	}
}

func (s *Server) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id required", s.logger)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("notification socket upgrade failed", "user", userID, "error", err)
		return
	}

	s.registry.RegisterNotification(userID, conn)
	s.logger.Info("notification socket connected", "user", userID)

	defer func() {
		s.registry.UnregisterNotification(userID, conn)
		conn.Close()
		s.logger.Info("notification socket closed", "user", userID)
	}()

	// Notification sockets are write-only; the read loop only detects
	// disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.listen }
