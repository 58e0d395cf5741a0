// Package server exposes the agent over HTTP: the intercepted application
// traffic plus the /_agent control surface.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"offline0/internal/offline0"
	"offline0/internal/push"
)

const maxPushBytes = 4 << 10

// Dispatcher shows notifications built from push payloads.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload []byte) (push.Notification, error)
}

// Interactions routes notification clicks and dismissals.
type Interactions interface {
	Route(ctx context.Context, id, action string) (push.Outcome, error)
	Close(ctx context.Context, id string) error
}

type Server struct {
	Agent      *offline0.Agent
	Windows    http.Handler
	Dispatcher Dispatcher
	Router     Interactions
	Registry   *push.Registry
	// Decrypter is nil when no push keys are configured.
	Decrypter *push.Decrypter
	Log       *slog.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /_agent/ws", s.Windows)
	mux.HandleFunc("POST /_agent/push", s.handlePush)
	mux.HandleFunc("GET /_agent/notifications", s.handleList)
	mux.HandleFunc("POST /_agent/notifications/click", s.handleClick)
	mux.HandleFunc("POST /_agent/notifications/close", s.handleClose)
	mux.HandleFunc("GET /_agent/state", s.handleState)
	mux.Handle("/", s.Agent.Handler())
	return mux
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBytes))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	payload := body
	if push.IsEncrypted(r.Header) {
		payload = nil
		if s.Decrypter == nil {
			s.Log.Warn("encrypted push without configured keys, showing default notification")
		} else if plain, err := s.Decrypter.Decrypt(body, r.Header); err != nil {
			s.Log.Warn("push decryption failed, showing default notification", slog.Any("error", err))
		} else {
			payload = plain
		}
	}

	// The notification must be shown even when the pushing client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	n, err := s.Dispatcher.Dispatch(ctx, payload)
	if err != nil {
		s.Log.Warn("notification partially presented", slog.String("id", n.ID), slog.Any("error", err))
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}

type interaction struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func decodeInteraction(w http.ResponseWriter, r *http.Request) (interaction, bool) {
	var req interaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBytes)).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "expected {\"id\": \"...\"}", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInteraction(w, r)
	if !ok {
		return
	}
	out, err := s.Router.Route(r.Context(), req.ID, req.Action)
	if err != nil {
		s.Log.Warn("notification click not routed", slog.String("id", req.ID), slog.Any("error", err))
		writeJSON(w, http.StatusConflict, map[string]any{"url": out.URL, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInteraction(w, r)
	if !ok {
		return
	}
	if err := s.Router.Close(r.Context(), req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Agent.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
