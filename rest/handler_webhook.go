package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bakerstreetlabs/awxflow/dispatch"
	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/model"
	"go.uber.org/zap"
)

const webhookTokenHeader = "X-Awxflow-Token"

type webhookPayload struct {
	JobId  json.Number    `json:"job_id"`
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// HandleWebhook translates an inbound completion notification into a
// guarded state transition. Safe to call more than once for the same job
// id: duplicates, late arrivals and signals for superseded attempts are
// accepted and ignored.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(webhookTokenHeader)
	if token == "" {
		logger.Warn("webhook without auth token", zap.String("remote", r.RemoteAddr))
		respondWithError(w, http.StatusUnauthorized, "missing auth token")
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookToken)) != 1 {
		logger.Warn("webhook with invalid auth token", zap.String("remote", r.RemoteAddr))
		respondWithError(w, http.StatusForbidden, "invalid auth token")
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	defer r.Body.Close()
	jobId := payload.JobId.String()
	if jobId == "" || payload.Status == "" {
		respondWithError(w, http.StatusBadRequest, "job_id and status are required")
		return
	}

	ref, ok := s.registry.LookupExternalJob(jobId)
	if !ok {
		// unknown or superseded job id; acknowledged so the sender stops
		logger.Info("webhook for unknown job ignored", zap.String("externalJobId", jobId))
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	state, terminal := dispatch.TerminalJobState(payload.Status)
	if !terminal {
		logger.Debug("webhook with non-terminal status ignored",
			zap.String("externalJobId", jobId), zap.String("status", payload.Status))
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	outcome := model.STEP_SUCCEEDED
	detail := ""
	if state == dispatch.JOB_FAILED {
		outcome = model.STEP_FAILED
		detail = payload.Error
		if detail == "" {
			detail = "job reported status " + payload.Status
		}
	}

	err := s.machine.ApplyOutcome(ref, outcome, payload.Result, detail)
	if err != nil {
		if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) {
			// duplicate delivery or a step already retired; logging is the
			// only side effect
			logger.Info("stale webhook ignored",
				zap.String("externalJobId", jobId),
				zap.String("workflow", ref.WorkflowId),
				zap.String("step", ref.StepId),
				zap.String("status", payload.Status))
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		logger.Error("error applying webhook outcome", zap.String("externalJobId", jobId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error applying webhook")
		return
	}
	logger.Info("webhook applied",
		zap.String("externalJobId", jobId),
		zap.String("workflow", ref.WorkflowId),
		zap.String("step", ref.StepId),
		zap.String("status", payload.Status))
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
