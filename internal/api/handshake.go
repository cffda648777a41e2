package api

import (
	"net/http"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/handshake"
	"github.com/ocx/dccp/internal/registry"
)

// HandshakeResponse ranks every candidate node for a packet.
type HandshakeResponse struct {
	Packet compiler.Summary   `json:"packet"`
	Ranked []handshake.Ranked `json:"ranked"`
}

// handshake evaluates an intent against the active nodes, or every node
// when ?all=true, without executing anything.
func (s *Server) handshake(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.compile()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var nodes []registry.Node
	if r.URL.Query().Get("all") == "true" {
		nodes = s.deps.Registry.All()
	} else {
		nodes = s.deps.Registry.Available()
	}
	writeJSON(w, http.StatusOK, HandshakeResponse{
		Packet: p.Summary(),
		Ranked: handshake.VerifyBatch(p, nodes),
	})
}
