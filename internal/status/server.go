// Package status exposes a small local HTTP API for inspecting the
// bridge: connection state, active runs and the conversation transcript.
// It binds to loopback and carries no secrets.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/talkschnell/internal/avatar"
	"github.com/codefionn/talkschnell/internal/gateway"
	"github.com/codefionn/talkschnell/internal/logger"
	"github.com/codefionn/talkschnell/internal/transcript"
)

// AvatarTokens configures the avatar-token endpoint. The browser UI
// fetches its short-lived SDK credential here instead of holding the
// provider API key.
type AvatarTokens struct {
	Client   *avatar.TokenClient
	AvatarID string
	VoiceID  string
}

// Server serves the status API.
type Server struct {
	client *gateway.Client
	store  *transcript.Store
	tokens *AvatarTokens
	log    *logger.Logger
	http   *http.Server
}

// NewServer creates a status server for the given gateway client. store
// and tokens may be nil; their endpoints then return 404.
func NewServer(addr string, client *gateway.Client, store *transcript.Store, tokens *AvatarTokens, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		client: client,
		store:  store,
		tokens: tokens,
		log:    log.WithComponent("status"),
	}

	router := httprouter.New()
	router.GET("/api/v1/state", s.handleState)
	router.GET("/api/v1/runs", s.handleRuns)
	router.GET("/api/v1/history/:conversation", s.handleHistory)
	router.POST("/api/v1/avatar/token", s.handleAvatarToken)
	router.GET("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("status API listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

type stateResponse struct {
	State            string `json:"state"`
	ReconnectAttempt int    `json:"reconnectAttempt"`
	SessionKey       string `json:"sessionKey,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, stateResponse{
		State:            s.client.State().String(),
		ReconnectAttempt: s.client.ReconnectAttempt(),
		SessionKey:       s.client.SessionKey(),
	})
}

type runsResponse struct {
	Active []string `json:"active"`
}

func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	runs := s.client.ActiveRuns()
	if runs == nil {
		runs = []string{}
	}
	writeJSON(w, http.StatusOK, runsResponse{Active: runs})
}

type historyLine struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	RunID     string    `json:"runId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if s.store == nil {
		http.Error(w, "transcript store disabled", http.StatusNotFound)
		return
	}
	history, err := s.store.History(ps.ByName("conversation"), 200)
	if err != nil {
		s.log.Error("history query failed: %v", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}

	lines := make([]historyLine, 0, len(history))
	for _, u := range history {
		lines = append(lines, historyLine{
			Role:      u.Role,
			Text:      u.Text,
			RunID:     u.RunID,
			CreatedAt: u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleAvatarToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.tokens == nil || s.tokens.Client == nil {
		http.Error(w, "avatar provider not configured", http.StatusNotFound)
		return
	}
	token, err := s.tokens.Client.MintToken(r.Context(), s.tokens.AvatarID, s.tokens.VoiceID)
	if err != nil {
		s.log.Error("token minting failed: %v", err)
		http.Error(w, "token minting failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
