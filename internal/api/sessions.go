package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/rlmd/internal/broker"
	"github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/sandbox"
)

type executeRequest struct {
	Code     string         `json:"code"`
	Bindings map[string]any `json:"bindings,omitempty"`
	Scope    string         `json:"scope,omitempty"`
	Fresh    bool           `json:"fresh,omitempty"`
}

type executeResponse struct {
	SessionID  string          `json:"session_id"`
	Value      string          `json:"value,omitempty"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Error      string          `json:"error,omitempty"`
	Locals     []sandbox.Local `json:"locals,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

type variableResponse struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

type sessionsResponse struct {
	Stats    broker.Stats         `json:"stats"`
	Sessions []broker.SessionInfo `json:"sessions"`
}

func pathSession(r *http.Request) (string, error) {
	id, ok := validSessionID(chi.URLParam(r, "id"))
	if !ok {
		return "", badRequest("INVALID_SESSION_ID", "session id must be a UUID")
	}
	return id, nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := pathSession(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" && len(req.Bindings) == 0 {
		writeProblem(w, r, badRequest("CODE_REQUIRED", "code or bindings required"))
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()
	ctx = log.ContextWithSessionID(ctx, id)

	res, err := s.sessions.Run(ctx, id, broker.Command{
		Kind:     broker.KindExecute,
		Code:     req.Code,
		Bindings: req.Bindings,
		Scope:    req.Scope,
		Fresh:    req.Fresh,
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		SessionID:  id,
		Value:      res.Value,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Error:      res.Error,
		Locals:     res.Locals,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (s *Server) handleGetVariable(w http.ResponseWriter, r *http.Request) {
	id, err := pathSession(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	cmd := broker.GetVariable(name)
	cmd.Scope = r.URL.Query().Get("scope")
	res, err := s.sessions.Run(log.ContextWithSessionID(ctx, id), id, cmd)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, variableResponse{SessionID: id, Name: name, Value: res.Value})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathSession(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	info, ok, err := s.sessions.Lookup(r.Context(), id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !ok {
		writeProblem(w, r, &requestError{status: http.StatusNotFound, code: "SESSION_NOT_FOUND", detail: "no live session " + id})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathSession(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.sessions.Close(ctx, id); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	list, err := s.sessions.Sessions(r.Context())
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if list == nil {
		list = []broker.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Stats: stats, Sessions: list})
}
