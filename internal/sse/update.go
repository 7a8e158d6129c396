package sse

import (
	"errors"
	"net/http"

	"github.com/dk5en/mcapp/internal/update"
)

// Deployment endpoints. The heavy lifting happens in the standalone
// update runner; these handlers only check for releases, launch the
// runner and report slot metadata.

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	if s.updates == nil {
		writeError(w, http.StatusServiceUnavailable, "updates not available")
		return
	}
	writeJSON(w, http.StatusOK, s.updates.Check(r.Context()))
}

func (s *Server) handleUpdateStart(w http.ResponseWriter, r *http.Request) {
	if s.updates == nil {
		writeError(w, http.StatusServiceUnavailable, "updates not available")
		return
	}

	var body struct {
		Dev bool `json:"dev"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(w, r, &body); err != nil {
			return
		}
	}

	s.launchRunner(w, r, update.ModeUpdate, body.Dev)
}

func (s *Server) handleUpdateRollback(w http.ResponseWriter, r *http.Request) {
	if s.updates == nil {
		writeError(w, http.StatusServiceUnavailable, "updates not available")
		return
	}
	s.launchRunner(w, r, update.ModeRollback, false)
}

func (s *Server) launchRunner(w http.ResponseWriter, r *http.Request, mode string, dev bool) {
	result, err := s.updates.Launch(r.Context(), mode, dev)
	switch {
	case errors.Is(err, update.ErrInProgress):
		writeError(w, http.StatusConflict, "Update already in progress")
		return
	case err != nil:
		s.log.Error("failed to launch update runner", "mode", mode, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateSlots(w http.ResponseWriter, r *http.Request) {
	if s.updates == nil {
		writeError(w, http.StatusServiceUnavailable, "updates not available")
		return
	}
	writeJSON(w, http.StatusOK, s.updates.SlotInfo())
}
