package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type submitRequest struct {
	Intent       string         `json:"intent"`
	PlanOverride *model.Plan    `json:"plan_override,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

func (s *Server) HandleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()
	if len(req.Intent) < 10 && req.PlanOverride == nil {
		respondWithError(w, http.StatusBadRequest, "intent must be at least 10 characters")
		return
	}
	wf, err := s.machine.Submit(r.Context(), req.Intent, req.PlanOverride, req.Context)
	if err != nil {
		var perr *model.PlanningError
		if errors.As(err, &perr) && wf != nil {
			respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"workflow_id": wf.Id,
				"status":      "planning_failed",
				"error":       perr.Error(),
			})
			return
		}
		logger.Error("error submitting workflow", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error submitting workflow")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": wf.Id,
		"status":      "accepted",
	})
}

func (s *Server) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wf, err := s.registry.GetWorkflow(id)
	if err != nil {
		// terminal workflows past retention live in the archive
		wf, err = s.archive.Get(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "workflow not found")
			return
		}
		logger.Error("error loading workflow", zap.String("workflow", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error loading workflow")
		return
	}
	respondWithJSON(w, http.StatusOK, wf)
}

func (s *Server) HandleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.machine.Cancel(id)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			respondWithError(w, http.StatusNotFound, "workflow not found")
		case errors.Is(err, model.ErrWorkflowTerminal):
			respondWithError(w, http.StatusConflict, "workflow already terminal")
		default:
			logger.Error("error cancelling workflow", zap.String("workflow", id), zap.Error(err))
			respondWithError(w, http.StatusInternalServerError, "error cancelling workflow")
		}
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"status":      "cancelling",
	})
}
