// Package server terminates HTTP and websocket traffic for the session hub
// and execution broker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/mentorhub/codesession/internal/broker"
	"github.com/mentorhub/codesession/internal/endpoint"
	"github.com/mentorhub/codesession/internal/hub"
	"github.com/mentorhub/codesession/internal/session"
	"github.com/mentorhub/codesession/internal/wire"
)

const shutdownGrace = 5 * time.Second

type Server struct {
	store    session.Store
	hub      *hub.Hub
	broker   *broker.Broker
	logger   *log.Logger
	upgrader websocket.Upgrader

	heartbeat time.Duration
}

type Config struct {
	Store             session.Store
	Hub               *hub.Hub
	Broker            *broker.Broker
	Logger            *log.Logger
	HeartbeatInterval time.Duration
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Hub == nil || cfg.Broker == nil {
		return nil, errors.New("store, hub, and broker are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = hub.DefaultHeartbeatInterval
	}
	return &Server{
		store:  cfg.Store,
		hub:    cfg.Hub,
		broker: cfg.Broker,
		logger: cfg.Logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser participants connect from the platform's own origin;
			// cross-origin policy is enforced by the fronting gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		heartbeat: cfg.HeartbeatInterval,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.handleSessionSocket)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/languages", s.handleLanguages)

	return mux
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := session.MintID()
	if _, err := s.store.GetOrCreate(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, wire.KindBrokerUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, wire.CreateSessionResponse{SessionID: id})
}

func (s *Server) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	req := hub.JoinRequest{
		SessionID:     r.PathValue("id"),
		ParticipantID: r.URL.Query().Get("participant_id"),
		Role:          session.Role(r.URL.Query().Get("role")),
		Token:         bearerToken(r),
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	transport := hub.NewWebsocketTransport(sock, 2*s.heartbeat)
	if _, err := s.hub.Attach(r.Context(), transport, req); err != nil {
		s.logger.Info("join rejected", "session_id", req.SessionID, "participant_id", req.ParticipantID, "err", err)
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req wire.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, wire.KindBadMessage, "invalid request body")
		return
	}

	result, err := s.broker.Execute(r.Context(), broker.Request{
		Language:   req.Language,
		SourceCode: req.SourceCode,
		Stdin:      req.Stdin,
	}, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		status, kind := executeErrorStatus(err)
		s.writeError(w, status, kind, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, wire.ExecuteResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitStatus: result.ExitStatus,
		ExitCode:   result.ExitCode,
		DurationMs: result.DurationMs,
		Truncated:  result.Truncated,
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, wire.LanguagesResponse{Languages: s.broker.Languages()})
}

func executeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrUnsupportedLanguage):
		return http.StatusBadRequest, wire.KindUnsupportedLanguage
	case errors.Is(err, broker.ErrEmptySource):
		return http.StatusBadRequest, wire.KindBadMessage
	case errors.Is(err, broker.ErrPoolExhausted):
		return http.StatusTooManyRequests, wire.KindPoolExhausted
	default:
		return http.StatusServiceUnavailable, wire.KindBrokerUnavailable
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, wire.ErrorResponse{Error: wire.Error{Kind: kind, Message: message}})
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// Serve listens on the endpoint until ctx is canceled, then drains with a
// short grace period.
func (s *Server) Serve(ctx context.Context, ep endpoint.Endpoint) error {
	ln, err := listen(ep)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("listening", "scheme", ep.Scheme, "address", ep.Address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func listen(ep endpoint.Endpoint) (net.Listener, error) {
	switch ep.Scheme {
	case "http", "https":
		return net.Listen("tcp", ep.Address)
	case "unix":
		_ = os.Remove(ep.Address)
		return net.Listen("unix", ep.Address)
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", ep.Scheme)
	}
}
