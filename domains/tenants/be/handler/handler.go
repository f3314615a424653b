package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-agency/platform/go/logging"
	"github.com/zenGate-Global/palmyra-agency/platform/go/problems"
)

// Handler exposes signup and provisioning job endpoints.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

type signupRequest struct {
	Subdomain     string `json:"subdomain"`
	CompanyName   string `json:"companyName"`
	OwnerEmail    string `json:"ownerEmail"`
	OwnerFullName string `json:"ownerFullName"`
	OwnerPassword string `json:"ownerPassword"`
	Plan          string `json:"plan"`
}

type signupAccepted struct {
	TenantID string `json:"tenantId"`
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
}

type provisioningJob struct {
	JobID              string     `json:"jobId"`
	TenantID           string     `json:"tenantId"`
	Status             string     `json:"status"`
	ProgressPercentage int        `json:"progressPercentage"`
	ErrorMessage       *string    `json:"errorMessage,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// Signup implements POST /api/v1/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problems.Write(w, problems.Validation("request body must be a JSON object", nil))
		return
	}

	res, err := h.svc.Signup(r.Context(), service.SignupInput{
		Subdomain:      body.Subdomain,
		CompanyName:    body.CompanyName,
		OwnerEmail:     body.OwnerEmail,
		OwnerFullName:  body.OwnerFullName,
		OwnerPassword:  body.OwnerPassword,
		Plan:           body.Plan,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/provisioning-jobs/"+res.Job.ID.String())
	writeJSON(w, http.StatusAccepted, signupAccepted{
		TenantID: res.Tenant.ID.String(),
		JobID:    res.Job.ID.String(),
		Status:   string(res.Job.Status),
	})
}

// GetJob implements GET /api/v1/provisioning-jobs/{jobId}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIJob(job))
}

// CancelJob implements POST /api/v1/admin/provisioning-jobs/{jobId}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.CancelJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIJob(job))
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		problems.Write(w, problems.Validation("jobId must be a UUID", map[string][]string{"jobId": {"invalid uuid"}}))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		problems.Write(w, problems.Validation("request validation failed", vErr.Fields))
	case errors.Is(err, service.ErrNotFound):
		problems.Write(w, problems.New(http.StatusNotFound, problems.TypeNotFound, "Not found", "provisioning job not found"))
	case errors.Is(err, service.ErrNotCancellable), errors.Is(err, service.ErrIdempotencyMismatch):
		problems.Write(w, problems.New(http.StatusConflict, problems.TypeConflict, "Conflict", err.Error()))
	default:
		platformlogging.FromRequest(r, h.logger).Error("tenant operation failed", zap.Error(err))
		problems.Write(w, problems.Internal())
	}
}

func toAPIJob(job service.Job) provisioningJob {
	return provisioningJob{
		JobID:              job.ID.String(),
		TenantID:           job.TenantID.String(),
		Status:             string(job.Status),
		ProgressPercentage: job.Progress,
		ErrorMessage:       job.ErrorMessage,
		CreatedAt:          job.CreatedAt,
		CompletedAt:        job.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
