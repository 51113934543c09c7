package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/repository"
	"github.com/aditya/tow-dispatch/internal/service"
	"github.com/aditya/tow-dispatch/pkg/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type JobHandler struct {
	dispatch service.DispatchService
	validate *validator.Validate
}

func NewJobHandler(dispatch service.DispatchService) *JobHandler {
	return &JobHandler{
		dispatch: dispatch,
		validate: validator.New(),
	}
}

func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Post("/jobs", h.CreateJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Post("/jobs/{id}/assign", h.Assign)
	r.Post("/jobs/{id}/accept", h.Accept)
	r.Post("/jobs/{id}/reject", h.Reject)
	r.Post("/jobs/{id}/withdraw", h.Withdraw)
	r.Post("/jobs/{id}/arrive", h.MarkArrived)
	r.Post("/jobs/{id}/start-tow", h.StartTow)
	r.Post("/jobs/{id}/complete", h.Complete)
	r.Post("/jobs/{id}/cancel", h.Cancel)
}

// POST /v1/jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		utils.BadRequest(w, err.Error())
		return
	}

	job, err := h.dispatch.CreateJob(r.Context(), &req)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Created(w, job.ToResponse())
}

// GET /v1/jobs?status=&driver_id=&limit=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.JobFilter{
		Status:   q.Get("status"),
		DriverID: q.Get("driver_id"),
		Limit:    defaultListLimit,
	}
	if filter.Status != "" && !models.IsValidJobStatus(filter.Status) {
		utils.BadRequest(w, "unknown status "+filter.Status)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			utils.BadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	jobs, err := h.dispatch.ListJobs(r.Context(), filter)
	if err != nil {
		handleError(w, err)
		return
	}

	out := make([]*models.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.ToResponse())
	}
	utils.Success(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"count": len(out),
	})
}

// GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.dispatch.GetJob(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, job.ToResponse())
}

// POST /v1/jobs/{id}/assign
func (h *JobHandler) Assign(w http.ResponseWriter, r *http.Request) {
	h.driverCommand(w, r, h.dispatch.Assign)
}

// POST /v1/jobs/{id}/accept
func (h *JobHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.driverCommand(w, r, h.dispatch.Accept)
}

// POST /v1/jobs/{id}/reject
func (h *JobHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.driverCommand(w, r, h.dispatch.Reject)
}

// POST /v1/jobs/{id}/withdraw
func (h *JobHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.jobCommand(w, r, h.dispatch.Withdraw)
}

// POST /v1/jobs/{id}/arrive
func (h *JobHandler) MarkArrived(w http.ResponseWriter, r *http.Request) {
	h.jobCommand(w, r, h.dispatch.MarkArrived)
}

// POST /v1/jobs/{id}/start-tow
func (h *JobHandler) StartTow(w http.ResponseWriter, r *http.Request) {
	h.jobCommand(w, r, h.dispatch.StartTow)
}

// POST /v1/jobs/{id}/complete
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.jobCommand(w, r, h.dispatch.Complete)
}

// POST /v1/jobs/{id}/cancel
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	// The body is optional.
	var req models.CancelJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		utils.BadRequest(w, err.Error())
		return
	}

	job, err := h.dispatch.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, job.ToResponse())
}

type driverCommandFunc func(ctx context.Context, jobID, driverID string) (*models.Job, error)

type jobCommandFunc func(ctx context.Context, jobID string) (*models.Job, error)

func (h *JobHandler) driverCommand(w http.ResponseWriter, r *http.Request, cmd driverCommandFunc) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	var req models.DriverCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		utils.BadRequest(w, err.Error())
		return
	}

	job, err := cmd(r.Context(), id, req.DriverID)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, job.ToResponse())
}

func (h *JobHandler) jobCommand(w http.ResponseWriter, r *http.Request, cmd jobCommandFunc) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := cmd(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, job.ToResponse())
}

// jobID reads the path id. Ids are UUIDs, so anything else cannot exist.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !utils.IsValidUUID(id) {
		utils.NotFound(w, "job")
		return "", false
	}
	return id, true
}

func handleError(w http.ResponseWriter, err error) {
	apiErr := apperrors.FromError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		slog.Error("request failed", slog.Any("error", err))
	}
	utils.Error(w, apiErr)
}
