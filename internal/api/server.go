package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

// TurnLister reads archived turns. It is nil when no database is configured.
type TurnLister interface {
	RecentTurns(ctx context.Context, conversationKey string, limit int) ([]store.Turn, error)
}

// Resetter clears a conversation in step with the turns that write to it.
type Resetter interface {
	ResetConversation(key string) bool
}

type Server struct {
	router   *chi.Mux
	port     int
	model    string
	registry *conversation.Registry
	resetter Resetter
	turns    TurnLister
}

// NewServer serves read-only views of registry. Resets go through resetter
// so they never interleave with a turn in progress.
func NewServer(port int, apiToken, model string, registry *conversation.Registry, resetter Resetter, turns TurnLister) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		model:    model,
		registry: registry,
		resetter: resetter,
		turns:    turns,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/parley/status", s.status)

	router.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/api/v1/conversations", s.listConversations)
		r.Get("/api/v1/conversations/{key}", s.getConversation)
		r.Post("/api/v1/conversations/{key}/reset", s.resetConversation)
		r.Get("/api/v1/turns", s.listTurns)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("API server starting", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":         "parley",
		"model":         s.model,
		"conversations": s.registry.Len(),
		"archive":       s.turns != nil,
	})
}

type conversationSummary struct {
	Key      string `json:"key"`
	Messages int    `json:"messages"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	keys := s.registry.Keys()
	out := make([]conversationSummary, 0, len(keys))
	for _, k := range keys {
		if l, ok := s.registry.Lookup(k); ok {
			out = append(out, conversationSummary{Key: k, Messages: l.Len()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": out,
		"count":         len(out),
	})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	l, ok := s.registry.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      key,
		"max_size": l.MaxSize(),
		"messages": l.Snapshot(),
	})
}

func (s *Server) resetConversation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.resetter.ResetConversation(key) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	slog.Info("conversation reset via API", "conversation", key, "request_id", middleware.GetReqID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTurns(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeError(w, http.StatusServiceUnavailable, "turn archive not configured")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %v", err))
			return
		}
		limit = n
	}

	turns, err := s.turns.RecentTurns(r.Context(), r.URL.Query().Get("conversation"), limit)
	if err != nil {
		slog.Error("failed to list turns", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"turns": turns,
		"count": len(turns),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
