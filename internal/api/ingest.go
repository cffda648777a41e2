package api

import (
	"net/http"
	"time"

	"github.com/ocx/dccp/internal/bridge"
)

// ingest materializes one file. Validation failures map to 400; other
// write failures to 500.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var p bridge.Payload
	if !decodeJSON(w, r, &p) {
		return
	}
	res, err := s.deps.Bridge.Ingest(r.Context(), p)
	if err != nil {
		status := http.StatusInternalServerError
		if bridge.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Files []bridge.Payload `json:"files"`
}

type batchResponse struct {
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Results   []bridge.Result `json:"results"`
}

func (s *Server) batchIngest(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "files must not be empty")
		return
	}

	results := s.deps.Bridge.BatchIngest(r.Context(), req.Files)
	resp := batchResponse{Total: len(results), Results: results}
	for _, res := range results {
		if res.Status == bridge.StatusSuccess {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listBackups(w http.ResponseWriter, _ *http.Request) {
	backups, err := s.deps.Bridge.ListBackups()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dir":     s.deps.Bridge.BackupDir(),
		"count":   len(backups),
		"backups": backups,
	})
}

type pruneRequest struct {
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

func (s *Server) pruneBackups(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	removed, err := s.deps.Bridge.PruneBackups(time.Duration(req.MaxAgeHours) * time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
