// Package server is the HTTP surface of the orchestrator: job requests from operators and step callbacks from the
// execution backend.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/imagery-orchestrator/internal/common/health"
	"github.com/G-Research/imagery-orchestrator/internal/common/logging"
	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/database"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/lifecycle"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/processor"
)

type SubmitJobRequest struct {
	Name          string            `json:"name"`
	ProcessorId   int               `json:"processor_id"`
	SiteId        int               `json:"site_id"`
	Parameters    json.RawMessage   `json:"parameters"`
	Configuration map[string]string `json:"configuration,omitempty"`
}

type SubmitJobResponse struct {
	JobId int `json:"job_id"`
}

type StepStartedRequest struct {
	Node string `json:"node"`
}

type JobResponse struct {
	Id            int          `json:"id"`
	Name          string       `json:"name"`
	ProcessorId   int          `json:"processor_id"`
	SiteId        int          `json:"site_id"`
	Status        model.Status `json:"status"`
	StartType     string       `json:"start_type"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Submitted     time.Time    `json:"submitted"`
	Updated       time.Time    `json:"updated"`
	Steps         []StepStatus `json:"steps"`
}

type StepStatus struct {
	TaskId int          `json:"task_id"`
	Name   string       `json:"name"`
	Status model.Status `json:"status"`
	Node   string       `json:"node,omitempty"`
}

type Server struct {
	store        database.Repository
	stateMachine *lifecycle.StateMachine
	registry     *processor.Registry
	// notify asks the worker for an immediate rescan of the event queue.
	notify func()
}

func NewServer(store database.Repository, sm *lifecycle.StateMachine, registry *processor.Registry, notify func()) *Server {
	return &Server{store: store, stateMachine: sm, registry: registry, notify: notify}
}

// Router returns the handler serving every route, /health included.
func (s *Server) Router(checker health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	health.RegisterHandler(r, checker)
	r.Post("/events/notify", s.handleNotify)
	r.Post("/jobs", s.handleSubmitJob)
	r.Get("/jobs/{jobId}", s.handleGetJob)
	r.Post("/jobs/{jobId}/{action}", s.handleJobAction)
	r.Post("/tasks/{taskId}/steps/{stepName}/{outcome}", s.handleStepCallback)
	return r
}

func (s *Server) handleNotify(w http.ResponseWriter, _ *http.Request) {
	s.notify()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, &orcherrors.ErrInvalidArgument{Name: "body", Value: "", Message: err.Error()})
		return
	}
	if _, err := s.registry.Get(req.ProcessorId); err != nil {
		writeError(ctx, w, &orcherrors.ErrInvalidArgument{Name: "processor_id", Value: req.ProcessorId, Message: "unknown processor"})
		return
	}
	if req.SiteId <= 0 {
		writeError(ctx, w, &orcherrors.ErrInvalidArgument{Name: "site_id", Value: req.SiteId})
		return
	}
	parameters := "{}"
	if len(req.Parameters) > 0 {
		parameters = string(req.Parameters)
	}
	jobId, err := s.store.CreateJob(ctx, model.NewJob{
		Name:                    req.Name,
		ProcessorId:             req.ProcessorId,
		SiteId:                  req.SiteId,
		StartType:               model.StartTypeRequested,
		ConfigurationParameters: req.Configuration,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := s.store.SubmitJob(ctx, jobId, parameters); err != nil {
		writeError(ctx, w, err)
		return
	}
	ctx.Log.WithField("jobId", jobId).Info("Submitted job")
	s.notify()
	writeJson(ctx, w, http.StatusCreated, SubmitJobResponse{JobId: jobId})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	jobId, err := intParam(r, "jobId")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	job, err := s.store.GetJob(ctx, jobId)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	steps, err := s.store.GetJobSteps(ctx, jobId)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	response := JobResponse{
		Id:            job.Id,
		Name:          job.Name,
		ProcessorId:   job.ProcessorId,
		SiteId:        job.SiteId,
		Status:        job.Status,
		StartType:     job.StartType.String(),
		FailureReason: job.FailureReason,
		Submitted:     job.SubmitTimestamp,
		Updated:       job.StatusTimestamp,
		Steps:         make([]StepStatus, len(steps)),
	}
	for i, step := range steps {
		response.Steps[i] = StepStatus{TaskId: step.TaskId, Name: step.Name, Status: step.Status, Node: step.Node}
	}
	writeJson(ctx, w, http.StatusOK, response)
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	jobId, err := intParam(r, "jobId")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	ctx = orchcontext.WithLogField(ctx, "jobId", jobId)
	switch action := chi.URLParam(r, "action"); action {
	case "cancel":
		err = s.stateMachine.RequestJobCancel(ctx, jobId)
	case "pause":
		err = s.stateMachine.RequestJobPause(ctx, jobId)
	case "resume":
		err = s.stateMachine.RequestJobResume(ctx, jobId)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	s.notify()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStepCallback(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	taskId, err := intParam(r, "taskId")
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	stepName := chi.URLParam(r, "stepName")
	ctx = orchcontext.WithLogFields(ctx, log.Fields{"taskId": taskId, "step": stepName})
	switch outcome := chi.URLParam(r, "outcome"); outcome {
	case "started":
		var req StepStartedRequest
		if err = decodeOptional(r, &req); err == nil {
			err = s.stateMachine.MarkStepStarted(ctx, taskId, stepName, req.Node)
		}
	case "finished":
		var stats model.ExecutionStatistics
		if err = decodeOptional(r, &stats); err == nil {
			err = s.stateMachine.MarkStepFinished(ctx, taskId, stepName, stats)
		}
	case "failed":
		var stats model.ExecutionStatistics
		if err = decodeOptional(r, &stats); err == nil {
			err = s.stateMachine.MarkStepFailed(ctx, taskId, stepName, stats)
		}
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	s.notify()
	w.WriteHeader(http.StatusNoContent)
}

func requestContext(r *http.Request) *orchcontext.Context {
	return orchcontext.New(r.Context(), log.WithField("path", r.URL.Path))
}

func intParam(r *http.Request, name string) (int, error) {
	value := chi.URLParam(r, name)
	id, err := strconv.Atoi(value)
	if err != nil || id <= 0 {
		return 0, &orcherrors.ErrInvalidArgument{Name: name, Value: value, Message: "expected a positive integer"}
	}
	return id, nil
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &orcherrors.ErrInvalidArgument{Name: "body", Value: "", Message: err.Error()}
	}
	return nil
}

func statusCode(err error) int {
	var invalidArgument *orcherrors.ErrInvalidArgument
	switch {
	case orcherrors.IsNotFound(err):
		return http.StatusNotFound
	case orcherrors.IsInvalidTransition(err), orcherrors.IsAlreadyExists(err):
		return http.StatusConflict
	case errors.As(err, &invalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx *orchcontext.Context, w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		logging.WithStacktrace(ctx.Log, err).Error("Request failed")
	} else {
		ctx.Log.WithError(err).Info("Request rejected")
	}
	http.Error(w, err.Error(), code)
}

func writeJson(ctx *orchcontext.Context, w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ctx.Log.WithError(err).Warn("Could not write response")
	}
}
