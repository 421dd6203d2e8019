package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/provider"
	"github.com/vinayprograms/llmdispatch/session"
	"github.com/vinayprograms/llmdispatch/telemetry"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// GenerateRequest is the body of POST /v1/generate. Prompt is shorthand for
// a single user message and is appended after Messages.
type GenerateRequest struct {
	Provider  string             `json:"provider"`
	TenantID  string             `json:"tenant_id"`
	System    string             `json:"system,omitempty"`
	Messages  []provider.Message `json:"messages,omitempty"`
	Prompt    string             `json:"prompt,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// GenerateResponse wraps a provider response with timing.
type GenerateResponse struct {
	*provider.Response
	ElapsedMs int64 `json:"elapsed_ms"`
}

func (s *Server) health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"version":   version,
			"providers": s.d.Providers(),
		})
	}
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var body GenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, errors.InvalidInput("invalid request body: "+err.Error(), errors.WithCause(err)), 0)
		return
	}
	if body.Provider == "" || body.TenantID == "" {
		writeError(w, r, errors.InvalidInput("provider and tenant_id are required"), 0)
		return
	}

	req := &provider.Request{
		System:    body.System,
		Messages:  body.Messages,
		MaxTokens: body.MaxTokens,
		Metadata:  body.Metadata,
	}
	if body.Prompt != "" {
		req.Messages = append(req.Messages, provider.Message{Role: "user", Content: body.Prompt})
	}
	if id := GetRequestID(r.Context()); id != "" {
		if req.Metadata == nil {
			req.Metadata = make(map[string]string, 1)
		}
		req.Metadata[provider.MetadataRequestID] = id
	}

	ctx := telemetry.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header))
	start := time.Now()
	resp, err := s.d.Execute(ctx, body.Provider, req, body.TenantID)
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{Response: resp, ElapsedMs: time.Since(start).Milliseconds()})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Stats())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.d.Sessions()
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":   len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) registerSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.d.RegisterSession(id)
	sess, _ := s.d.Session(id)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.d.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, errors.InvalidInput("session not found"), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) removeSession(w http.ResponseWriter, r *http.Request) {
	s.d.RemoveSession(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.d.Heartbeat(id)
	sess, _ := s.d.Session(id)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) cooldown(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("provider")
	if name == "" {
		writeError(w, r, errors.InvalidInput("provider query parameter is required"), 0)
		return
	}
	if !s.d.HasProvider(name) {
		writeError(w, r, errors.UnknownProvider(name), 0)
		return
	}
	st := s.d.CooldownStatus(chi.URLParam(r, "id"), name)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":        name,
		"can_request":     st.CanRequest,
		"wait_ms":         st.Wait.Milliseconds(),
		"next_allowed_at": st.NextAllowedAt,
	})
}
