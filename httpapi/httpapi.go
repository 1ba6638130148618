// Package httpapi implements the bridge's control surface (component C9):
// out-of-band operator endpoints for health, pairing issuance/verification,
// agent discovery, session enumeration/revocation, and a one-shot git
// status query. Every endpoint rejects a request whose Origin header is not
// in the allow-list; unlike the message channel, a request with no Origin
// header is admitted.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prompt-dock/bridge/agent"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/pairing"
	"github.com/prompt-dock/bridge/session"
	"github.com/prompt-dock/bridge/version"
	"github.com/prompt-dock/bridge/workspace"
)

// Server is the control surface's HTTP handler.
type Server struct {
	mux *http.ServeMux

	allowedOrigins []string

	pairingReg *pairing.Registry
	sessions   *session.Store
	ws         workspace.Adapter

	agentKinds []string

	log logger.Logger

	startedAt time.Time
}

// New builds the control surface. agentKinds is the exhaustive list of
// agent kinds the operator has configured; each is probed with
// agent.Locate on every /api/agents request so the response always
// reflects what is actually on disk right now. The bridge's public key is
// served through pairingReg, which already carries it for every issued code.
func New(allowedOrigins []string, pairingReg *pairing.Registry, sessions *session.Store, ws workspace.Adapter, agentKinds []string, log logger.Logger) (*Server, error) {
	s := &Server{
		allowedOrigins: allowedOrigins,
		pairingReg:     pairingReg,
		sessions:       sessions,
		ws:             ws,
		agentKinds:     agentKinds,
		log:            log,
		startedAt:      time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/pairing/generate", s.handlePairingGenerate)
	mux.HandleFunc("/api/pairing/verify", s.handlePairingVerify)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/git/status", s.handleGitStatus)
	s.mux = mux

	return s, nil
}

// ServeHTTP enforces the origin allow-list ahead of every route, then
// dispatches to the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r.Header.Get("Origin")) {
		writeError(w, http.StatusForbidden, "ORIGIN_NOT_ALLOWED", "origin not allowed")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true // operator CLIs (curl, test-agent) have no browser origin
	}
	for _, o := range s.allowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"activeSessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_MESSAGE_FORMAT", "method not allowed")
		return
	}
	active := 0
	if s.sessions != nil {
		active = s.sessions.Count()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Version:        version.Version,
		Uptime:         time.Since(s.startedAt).String(),
		ActiveSessions: active,
	})
}

type pairingGenerateRequest struct {
	AppName string `json:"appName"`
	AppURL  string `json:"appUrl"`
}

type pairingGenerateResponse struct {
	Code            string    `json:"code"`
	ExpiresAt       time.Time `json:"expiresAt"`
	BridgePublicKey string    `json:"bridgePublicKey"`
}

func (s *Server) handlePairingGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_MESSAGE_FORMAT", "method not allowed")
		return
	}

	var req pairingGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE_FORMAT", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.AppName) == "" || strings.TrimSpace(req.AppURL) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE_FORMAT", "appName and appUrl are required")
		return
	}

	code, err := s.pairingReg.Issue(req.AppName, req.AppURL)
	if err != nil {
		s.log.Error("httpapi: issue pairing code failed", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not issue pairing code")
		return
	}

	writeJSON(w, http.StatusOK, pairingGenerateResponse{
		Code:            code.Value,
		ExpiresAt:       code.ExpiresAt,
		BridgePublicKey: code.BridgePublicKey,
	})
}

type pairingVerifyRequest struct {
	Code            string `json:"code"`
	ClientPublicKey string `json:"clientPublicKey"`
}

type pairingVerifyResponse struct {
	Token           string    `json:"token"`
	SessionID       string    `json:"sessionId"`
	BridgePublicKey string    `json:"bridgePublicKey"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func (s *Server) handlePairingVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_MESSAGE_FORMAT", "method not allowed")
		return
	}

	var req pairingVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE_FORMAT", "malformed JSON body")
		return
	}

	redemption, err := s.pairingReg.Redeem(req.Code, req.ClientPublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE_FORMAT", "invalid or expired pairing code")
		return
	}

	sess, err := s.sessions.Create(redemption)
	if err != nil {
		s.log.Error("httpapi: create session failed", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "could not create session")
		return
	}

	writeJSON(w, http.StatusOK, pairingVerifyResponse{
		Token:           sess.Token,
		SessionID:       sess.ID,
		BridgePublicKey: redemption.BridgePublicKey,
		ExpiresAt:       sess.ExpiresAt,
	})
}

type agentEntry struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path,omitempty"`
	Beta    bool   `json:"beta,omitempty"`
}

// betaAgentKinds marks kinds whose CLI surface is still in flux upstream;
// surfaced to clients so they can gate experimental UI behind it.
var betaAgentKinds = map[string]bool{
	"qwen": true,
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_MESSAGE_FORMAT", "method not allowed")
		return
	}

	entries := make([]agentEntry, 0, len(s.agentKinds))
	for _, kind := range s.agentKinds {
		info, err := agent.Locate(kind, "")
		if err != nil {
			continue
		}
		entries = append(entries, agentEntry{
			Name:    info.Kind,
			Version: info.Version,
			Path:    info.Path,
			Beta:    betaAgentKinds[kind],
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

type sessionEntry struct {
	ID           string    `json:"id"`
	AppName      string    `json:"appName"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_MESSAGE_FORMAT", "method not allowed")
		return
	}

	list := s.sessions.List()
	entries := make([]sessionEntry, 0, len(list))
	for _, sess := range list {
		entries = append(entries, sessionEntry{
			ID:           sess.ID,
			AppName:      sess.AppName,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_MESSAGE_FORMAT", "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" {
		writeError(w, http.StatusNotFound, "SESSION_EXPIRED", "session not found")
		return
	}

	if err := s.sessions.Revoke(id); err != nil {
		writeError(w, http.StatusNotFound, "SESSION_EXPIRED", "session not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type gitStatusResponse struct {
	Branch         string   `json:"branch"`
	Clean          bool     `json:"clean"`
	ChangedFiles   []string `json:"changedFiles"`
	UntrackedFiles []string `json:"untrackedFiles"`
	Ahead          int      `json:"ahead"`
	Behind         int      `json:"behind"`
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "INVALID_MESSAGE_FORMAT", "method not allowed")
		return
	}

	workdir := r.URL.Query().Get("workdir")
	if workdir == "" {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE_FORMAT", "workdir is required")
		return
	}

	status, err := s.ws.Status(r.Context(), workdir)
	if err != nil {
		s.log.Warn("httpapi: git status failed", logger.Err(err), logger.String("workdir", workdir))
		writeError(w, http.StatusInternalServerError, "WORKSPACE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, gitStatusResponse{
		Branch:         status.Branch,
		Clean:          status.Clean,
		ChangedFiles:   status.ChangedFiles,
		UntrackedFiles: status.UntrackedFiles,
		Ahead:          status.Ahead,
		Behind:         status.Behind,
	})
}
