package rest

import (
	"net/http"

	"github.com/bakerstreetlabs/awxflow/logger"
	"go.uber.org/zap"
)

// HandleGetActions enumerates the units of work the dispatch target can
// execute. Planners constrain generated plans to this set.
func (s *Server) HandleGetActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.dispatcher.Actions(r.Context())
	if err != nil {
		logger.Error("error loading action catalog", zap.Error(err))
		respondWithError(w, http.StatusBadGateway, "error loading action catalog")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"actions": actions})
}
