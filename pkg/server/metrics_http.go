package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/store"
	"github.com/NicolasHaas/gotalk/pkg/version"
)

const httpShutdownTimeout = 5 * time.Second

// startHTTP serves /metrics, /metrics.json, /healthz, the read-only admin endpoints and,
// if enabled, the WebSocket relay on Config.HTTPAddr (:12346 by default).
func (s *Server) startHTTP() error {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		return nil // admin endpoint disabled
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen http: %w", err)
	}
	s.httpLn = ln
	s.httpSrv = &http.Server{
		Handler:           s.adminMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin HTTP listening")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin HTTP error")
		}
	}()
	return nil
}

func (s *Server) stopHTTP() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("admin HTTP shutdown failed")
	}
}

func (s *Server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, s.metrics.JSON())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /presence/{user}", s.handlePresence)
	if s.cfg.WebSocket && s.listener != nil {
		mux.Handle("GET /ws", s.listener.WebSocketHandler())
	}
	return mux
}

type sessionView struct {
	Name     string         `json:"name"`
	State    string         `json:"state"`
	Endpoint model.Endpoint `json:"endpoint,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	out := make([]sessionView, len(snap))
	for i, sess := range snap {
		out[i] = sessionView{Name: sess.User.Name, State: sess.State.String(), Endpoint: sess.Endpoint}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	events, err := s.journal.History(r.Context(), user, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("user", user).Msg("presence history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	if len(events) == 0 {
		if _, known := s.registry.Get(user); !known {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user"})
			return
		}
	}
	writeJSON(w, http.StatusOK, struct {
		User   string                `json:"user"`
		Events []store.PresenceEvent `json:"events"`
	}{User: user, Events: events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
