package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
)

// IntentRequest is the body of intent submission and compilation calls.
type IntentRequest struct {
	Intent     string `json:"intent"`
	Tier       string `json:"tier"`
	TargetPath string `json:"target_path,omitempty"`
	Zone       string `json:"zone,omitempty"`
}

func (req IntentRequest) compile() (*compiler.Packet, error) {
	if strings.TrimSpace(req.Intent) == "" {
		return nil, compiler.ErrEmptyIntent
	}
	tier := core.TierMid
	if req.Tier != "" {
		t, err := core.ParseTier(req.Tier)
		if err != nil {
			return nil, err
		}
		tier = t
	}
	return compiler.Compile(req.Intent, tier, req.TargetPath, core.ParseZone(req.Zone))
}

// IntentResponse pairs the compiled packet with its execution result.
type IntentResponse struct {
	Packet compiler.Summary `json:"packet"`
	Result any              `json:"result"`
}

// submitIntent compiles and routes an intent. Routing failures are reported
// in the result body with 200; only malformed requests get 4xx.
func (s *Server) submitIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.compile()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.deps.Router.Route(r.Context(), p)
	writeJSON(w, http.StatusOK, IntentResponse{Packet: p.Summary(), Result: res})
}

func (s *Server) compilePacket(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.compile()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Summary())
}

type auditRequest struct {
	Content string `json:"content"`
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required").Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Auditor.Audit(req.Content))
}
