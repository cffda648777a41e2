package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/dccp/internal/config"
	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/events"
	"github.com/ocx/dccp/internal/registry"
)

// NodeRequest registers a node. Provider, tier and capabilities accept the
// same spellings as the config file.
type NodeRequest struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	Tier         string   `json:"tier"`
	Type         string   `json:"type,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// NodeConfig validates the request.
func (req NodeRequest) NodeConfig() (registry.NodeConfig, error) {
	return registry.FromConfig(config.NodeConfig{
		ID:           req.ID,
		Provider:     req.Provider,
		Tier:         req.Tier,
		Kind:         req.Type,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		MaxTokens:    req.MaxTokens,
	})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var nodes []registry.Node
	switch {
	case q.Get("provider") != "":
		nodes = s.deps.Registry.ByProvider(core.ParseProvider(q.Get("provider")))
	case q.Get("tier") != "":
		tier, err := core.ParseTier(q.Get("tier"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if q.Get("sovereign") == "true" {
			nodes = s.deps.Registry.Sovereign(tier)
		} else {
			nodes = s.deps.Registry.ByTier(tier)
		}
	case q.Get("status") == string(core.StatusActive):
		nodes = s.deps.Registry.Available()
	default:
		nodes = s.deps.Registry.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(nodes),
		"nodes": nodes,
	})
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req NodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := req.NodeConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	node := s.deps.Registry.Register(cfg)
	s.publishSnapshot(r)
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, ok := s.deps.Registry.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) unregisterNode(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Registry.Unregister(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.publishSnapshot(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Registry.Heartbeat(id) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	node, _ := s.deps.Registry.Get(id)
	writeJSON(w, http.StatusOK, node)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) setNodeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := core.ParseNodeStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if !s.deps.Registry.SetStatus(id, status) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.publishSnapshot(r)
	node, _ := s.deps.Registry.Get(id)
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) nodeStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Stats())
}

func (s *Server) publishSnapshot(r *http.Request) {
	_ = s.deps.Bus.Publish(r.Context(), events.New(events.TypeNodesSnapshot, "api", "", s.deps.Registry.All()))
}
