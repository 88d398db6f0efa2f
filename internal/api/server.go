// Package api exposes the queue over HTTP: synchronous chat, queue
// status, delivery history and dead-letter management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/internal/deadletter"
	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

const (
	apiMaxBodySize = 1 << 20 // 1MB

	// chatWaitTimeout bounds how long a synchronous chat request waits for
	// its response to appear in the outgoing directory.
	chatWaitTimeout  = 120 * time.Second
	chatWaitInterval = time.Second
)

// Server is the HTTP front of the queue.
type Server struct {
	port   int
	apiKey string

	store  *queue.Store
	ledger *ledger.Ledger
	dead   *deadletter.Manager
	logger *slog.Logger
	server *http.Server
}

type ServerConfig struct {
	Port   int
	APIKey string
	Store  *queue.Store
	Ledger *ledger.Ledger
	Dead   *deadletter.Manager
	Logger *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		port:   cfg.Port,
		apiKey: cfg.APIKey,
		store:  cfg.Store,
		ledger: cfg.Ledger,
		dead:   cfg.Dead,
		logger: cfg.Logger,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second, // allow time for synchronous chat
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("api server started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler builds the route table. Exposed separately so tests can drive it
// with httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.auth(s.handleChat))
	mux.HandleFunc("GET /v1/status", s.auth(s.handleStatus))
	mux.HandleFunc("GET /v1/responses", s.auth(s.handleResponses))
	mux.HandleFunc("GET /v1/usage", s.auth(s.handleUsage))
	mux.HandleFunc("GET /v1/deadletters", s.auth(s.handleDeadLetters))
	mux.HandleFunc("POST /v1/deadletters/{id}/retry", s.auth(s.handleDeadLetterRetry))
	mux.HandleFunc("DELETE /v1/deadletters/{id}", s.auth(s.handleDeadLetterDelete))
	mux.HandleFunc("GET /v1/stuck", s.auth(s.handleStuck))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.apiKey {
				writeError(rw, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
		}
		next(rw, r)
	}
}

type chatRequest struct {
	Message string `json:"message"`
	Sender  string `json:"sender,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

type chatResponse struct {
	MessageID string `json:"message_id"`
	Response  string `json:"response"`
}

// handleChat enqueues the message on the http channel and waits for its
// response file to show up in outgoing.
func (s *Server) handleChat(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, apiMaxBodySize)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(rw, http.StatusBadRequest, "message is required")
		return
	}
	sender := req.Sender
	if sender == "" {
		sender = "api"
	}

	msg := domain.IncomingMessage{
		Channel:   domain.ChannelHTTP,
		Sender:    sender,
		SenderID:  sender,
		Message:   req.Message,
		Timestamp: domain.NowMillis(),
		MessageID: domain.NewMessageID(),
		Agent:     req.Agent,
	}
	if err := s.store.Enqueue(msg); err != nil {
		s.logger.Error("cannot enqueue api message", "err", err)
		writeError(rw, http.StatusInternalServerError, "cannot enqueue message")
		return
	}

	out, err := s.waitForResponse(r.Context(), msg.MessageID)
	if err != nil {
		writeError(rw, http.StatusGatewayTimeout, "timed out waiting for response")
		return
	}
	writeJSON(rw, http.StatusOK, chatResponse{MessageID: out.MessageID, Response: out.Message})
}

// waitForResponse polls outgoing until the matching response appears, then
// records and acks it.
func (s *Server) waitForResponse(ctx context.Context, messageID string) (*domain.OutgoingMessage, error) {
	deadline := time.NewTimer(chatWaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(chatWaitInterval)
	defer tick.Stop()

	for {
		entries, err := s.store.PollOutgoing(domain.ChannelHTTP)
		if err == nil {
			for _, entry := range entries {
				if entry.Message.MessageID != messageID {
					continue
				}
				if err := s.ledger.RecordDelivered(ctx, entry.Message); err != nil {
					s.logger.Error("cannot record api delivery", "err", err)
				}
				if err := s.store.AckOutgoing(entry.Path); err != nil && !errors.Is(err, domain.ErrNotFound) {
					s.logger.Error("cannot ack api response", "err", err)
				}
				msg := entry.Message
				return &msg, nil
			}
		} else {
			s.logger.Error("api outbox poll failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("no response for %s within %s", messageID, chatWaitTimeout)
		case <-tick.C:
		}
	}
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts()
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	status, err := s.ledger.QueueStatus(r.Context(), counts)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, status)
}

func (s *Server) handleResponses(rw http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	responses, err := s.ledger.RecentResponses(r.Context(), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"responses": responses})
}

func (s *Server) handleUsage(rw http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	usage, err := s.ledger.RecentUsage(r.Context(), limit)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"usage": usage})
}

func (s *Server) handleDeadLetters(rw http.ResponseWriter, r *http.Request) {
	dead, err := s.dead.List(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"dead_letters": dead})
}

func (s *Server) handleDeadLetterRetry(rw http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(rw, http.StatusBadRequest, "invalid id")
		return
	}
	switch err := s.dead.Retry(r.Context(), id); {
	case errors.Is(err, domain.ErrNotFound):
		writeError(rw, http.StatusNotFound, "dead letter not found")
	case err != nil:
		writeError(rw, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(rw, http.StatusOK, map[string]any{"retried": id})
	}
}

func (s *Server) handleDeadLetterDelete(rw http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(rw, http.StatusBadRequest, "invalid id")
		return
	}
	switch err := s.dead.Delete(r.Context(), id); {
	case errors.Is(err, domain.ErrNotFound):
		writeError(rw, http.StatusNotFound, "dead letter not found")
	case err != nil:
		writeError(rw, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(rw, http.StatusOK, map[string]any{"deleted": id})
	}
}

func (s *Server) handleStuck(rw http.ResponseWriter, r *http.Request) {
	stuck, err := s.store.ListStuck()
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"stuck": stuck})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
