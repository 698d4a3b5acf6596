package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bakerstreetlabs/awxflow/dispatch"
	"github.com/bakerstreetlabs/awxflow/flow"
	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/persistence"
	"github.com/bakerstreetlabs/awxflow/registry"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	Port         int
	machine      *flow.Machine
	registry     *registry.Registry
	dispatcher   dispatch.Dispatcher
	archive      persistence.WorkflowArchive
	webhookToken string
}

func NewServer(httpPort int, webhookToken string, machine *flow.Machine, reg *registry.Registry, dispatcher dispatch.Dispatcher, archive persistence.WorkflowArchive) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:         httpPort,
		machine:      machine,
		registry:     reg,
		dispatcher:   dispatcher,
		archive:      archive,
		webhookToken: webhookToken,
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/workflows", s.HandleSubmitWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/v1/workflows/{id}", s.HandleGetWorkflow).Methods(http.MethodGet)
	router.HandleFunc("/v1/workflows/{id}/cancel", s.HandleCancelWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/v1/actions", s.HandleGetActions).Methods(http.MethodGet)
	router.HandleFunc("/v1/webhooks/awx", s.HandleWebhook).Methods(http.MethodPost)
	router.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.Method + " " + r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
