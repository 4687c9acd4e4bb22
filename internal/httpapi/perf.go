package httpapi

import (
	"net/http"
	"strings"
)

// handlePerfTurns reports rolling turn-stage latency percentiles. Passing
// ?reset=true clears the window afterward, for back-to-back measurement runs.
func (s *Server) handlePerfTurns(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snapshot := s.metrics.TurnStages()
	if strings.EqualFold(r.URL.Query().Get("reset"), "true") {
		s.metrics.ResetTurnStages()
	}
	respondJSON(w, http.StatusOK, snapshot)
}
