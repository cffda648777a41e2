package api

import (
	"net/http"

	"github.com/ocx/dccp/internal/config"
)

func (s *Server) routerStats(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Router.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"in_flight":       st.InFlight,
		"routed":          st.Routed,
		"succeeded":       st.Succeeded,
		"failed":          st.Failed,
		"adapters":        st.Adapters,
		"available_nodes": len(s.deps.Registry.Available()),
		"config":          s.deps.Config.Router(),
	})
}

func (s *Server) routerConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.Router())
}

// updateRouterConfig applies a partial update. Listeners registered on the
// config manager push the change into the orchestrator.
func (s *Server) updateRouterConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.RouterPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	rc, err := s.deps.Config.UpdateRouter(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) breakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"health": "HEALTHY", "breakers": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"health":   s.deps.Breakers.Health(),
		"breakers": s.deps.Breakers.Stats(),
	})
}
