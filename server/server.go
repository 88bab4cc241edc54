// Package server exposes the agent over HTTP: a streaming reply endpoint,
// a buffered ask endpoint, and the callbacks a frontend needs to resolve
// confirmations and external tool calls.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"agentd/agent"
	"agentd/message"
	"agentd/permission"
	"agentd/session"
	"agentd/stream"
)

// Server is the HTTP facade over one agent.
type Server struct {
	agent  *agent.Agent
	secret string
}

// New builds the facade. Requests must carry the secret in the
// X-Secret-Key header.
func New(a *agent.Agent, secret string) *Server {
	return &Server{agent: a, secret: secret}
}

// Handler returns the route table with authentication applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reply", s.handleReply)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("POST /confirm", s.handleConfirm)
	mux.HandleFunc("POST /tool_result", s.handleToolResult)
	return s.authenticate(mux)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Secret-Key") != s.secret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type replyRequest struct {
	Messages          []message.Message `json:"messages"`
	SessionID         string            `json:"session_id"`
	SessionWorkingDir string            `json:"session_working_dir"`
}

func (req *replyRequest) sessionConfig() agent.SessionConfig {
	cfg := agent.SessionConfig{WorkingDir: req.SessionWorkingDir}
	if req.SessionID != "" {
		cfg.ID = session.ByName(req.SessionID)
	}
	return cfg
}

// handleReply streams the agent's events over SSE. Closing the connection
// cancels the loop.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	events, err := s.agent.Reply(r.Context(), req.sessionConfig(), req.Messages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stream.ServeSSE(w, r, events)
}

// handleAsk runs a reply to completion and returns only the final text.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	events, err := s.agent.Reply(r.Context(), req.sessionConfig(), req.Messages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var response string
	var failure error
	for ev := range events {
		switch {
		case ev.Message != nil && ev.Message.Role == message.RoleAssistant:
			if text := ev.Message.Text(); text != "" {
				response = text
			}
		case ev.Err != nil:
			failure = ev.Err
		}
	}
	if failure != nil {
		http.Error(w, failure.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"response": response})
}

type confirmRequest struct {
	ID            string `json:"id"`
	Action        string `json:"action"`
	PrincipalType string `json:"principal_type"`
}

// handleConfirm resolves a pending permission request. Unknown actions
// deny.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	decision := permission.ParseDecision(req.Action)
	if err := s.agent.Confirm(req.ID, decision); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"message": "confirmation received"})
}

type toolResultRequest struct {
	ID     string             `json:"id"`
	Result message.ToolResult `json:"result"`
}

// handleToolResult delivers the outcome of a frontend-executed tool call.
func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var req toolResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if err := s.agent.HandleToolResult(req.ID, req.Result); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"message": "result received"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("could not write response", "error", err)
	}
}
