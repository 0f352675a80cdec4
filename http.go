package nodesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxSyncBodySize bounds request bodies. Chunks dominate: a 1000-row page of
// business records stays well under this.
const maxSyncBodySize = 32 * 1024 * 1024

// SyncServerConfig configures the sync HTTP API.
type SyncServerConfig struct {
	// ListenAddr is the host:port to bind. Default: 127.0.0.1:9462
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// ReadTimeout and WriteTimeout for the underlying server.
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultSyncServerConfig returns default server configuration.
func DefaultSyncServerConfig() SyncServerConfig {
	return SyncServerConfig{
		ListenAddr:   "127.0.0.1:9462",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// SyncServer exposes the replication wire API. Every route requires the
// bearer token derived from the shared registration secret.
type SyncServer struct {
	cfg      SyncServerConfig
	orch     *Orchestrator
	receiver *ChunkReceiver
	guard    *CompatGuard
	sessions *SessionStore
	broker   *ProgressBroker
	verifier *TokenVerifier

	srv *http.Server
}

// NewSyncServer wires the API over the given components.
func NewSyncServer(cfg SyncServerConfig, orch *Orchestrator, receiver *ChunkReceiver,
	guard *CompatGuard, sessions *SessionStore, broker *ProgressBroker, verifier *TokenVerifier) *SyncServer {

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9462"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	return &SyncServer{
		cfg:      cfg,
		orch:     orch,
		receiver: receiver,
		guard:    guard,
		sessions: sessions,
		broker:   broker,
		verifier: verifier,
	}
}

// Handler builds the route table. Exposed for tests and embedding.
func (s *SyncServer) Handler() http.Handler {
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authMiddleware(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/request-initial-load", wrap(s.handleRequestInitialLoad))
	mux.HandleFunc("/sync/receive-chunk", wrap(s.handleReceiveChunk))
	mux.HandleFunc("/sync/validate-transfer", wrap(s.handleValidateTransfer))
	mux.HandleFunc("/sync/sessions", wrap(s.handleListSessions))
	mux.HandleFunc("/sync/sessions/", wrap(s.handleSession))
	mux.HandleFunc("/sync/guard/history", wrap(s.handleGuardHistory))
	mux.HandleFunc("/sync/guard/stats", wrap(s.handleGuardStats))
	mux.HandleFunc("/sync/guard/issues", wrap(s.handleGuardIssues))
	mux.HandleFunc("/sync/ws", wrap(s.handleProgressStream))
	mux.HandleFunc("/sync/health", wrap(s.handleHealth))
	return mux
}

// Start binds the listener and serves in the background.
func (s *SyncServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind sync listener: %w", err)
	}

	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	go func() {
		_ = s.srv.Serve(listener)
	}()
	slog.Info("sync API listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (s *SyncServer) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *SyncServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.VerifyRequest(r) && !s.verifier.Verify(r.URL.Query().Get("token")) {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxSyncBodySize)
		next(w, r)
	}
}

func (s *SyncServer) handleRequestInitialLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req InitialLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, InitialLoadResponse{Error: "invalid request body"})
		return
	}

	opts := SessionOptions{
		SelectedTables:     req.SelectedTables,
		CompressionEnabled: &req.CompressionEnabled,
		EncryptionEnabled:  &req.EncryptionEnabled,
	}
	sessionID, err := s.orch.Initiate(r.Context(), req.RequestingNodeID, opts)
	if err != nil {
		writeJSONStatus(w, statusForError(err), InitialLoadResponse{Error: err.Error()})
		return
	}
	writeJSON(w, InitialLoadResponse{SessionID: sessionID})
}

func (s *SyncServer) handleReceiveChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONStatus(w, http.StatusMethodNotAllowed, ChunkResponse{Error: "method not allowed"})
		return
	}
	// Rows must keep their exact numeric literals: a plain Decode turns
	// INTEGER columns into float64 and corrupts values beyond 2^53.
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var chunk TransferChunk
	if err := dec.Decode(&chunk); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, ChunkResponse{Error: "invalid chunk body"})
		return
	}
	if err := s.receiver.ReceiveChunk(r.Context(), chunk); err != nil {
		// The body contract carries the failure; the sender aborts on
		// success=false just as it would on a transport error.
		writeJSON(w, ChunkResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, ChunkResponse{Success: true})
}

func (s *SyncServer) handleValidateTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONStatus(w, http.StatusMethodNotAllowed, ValidateTransferResponse{Error: "method not allowed"})
		return
	}
	var req ValidateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, ValidateTransferResponse{Error: "invalid request body"})
		return
	}
	writeJSON(w, s.receiver.ValidateTransfer(r.Context(), req))
}

func (s *SyncServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List()
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, sessions)
}

// handleSession serves /sync/sessions/{id} and /sync/sessions/{id}/cancel.
func (s *SyncServer) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sync/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "session id required"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.orch.GetSession(id)
		if err != nil {
			writeJSONStatus(w, statusForError(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, sess)
	case action == "cancel" && r.Method == http.MethodPost:
		writeJSON(w, map[string]bool{"cancelled": s.orch.Cancel(id)})
	default:
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *SyncServer) handleGuardHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.guard.History())
}

func (s *SyncServer) handleGuardStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.guard.Stats())
}

func (s *SyncServer) handleGuardIssues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.guard.IssuesSummary())
}

func (s *SyncServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":             "ok",
		"degraded_sessions":  s.sessions.Degraded(),
		"active_sessions":    len(s.orch.ActiveSessions()),
		"stream_subscribers": s.broker.SubscriberCount(),
	})
}

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	var se *SyncError
	if errors.As(err, &se) {
		switch se.Type {
		case SyncErrorTypeValidation:
			if errors.Is(err, ErrSessionConflict) {
				return http.StatusConflict
			}
			return http.StatusBadRequest
		case SyncErrorTypeAuth:
			return http.StatusUnauthorized
		case SyncErrorTypeCompatibility:
			return http.StatusConflict
		}
	}
	if errors.Is(err, ErrSessionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeJSON encodes data as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONStatus writes a JSON response with a specific status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
