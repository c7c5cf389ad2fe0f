package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/ingest"
	"github.com/kozaktomas/face-finder/internal/source"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
	"go.uber.org/zap"
)

// IngestHandler starts and tracks ingestion jobs.
type IngestHandler struct {
	service    Service
	jobManager *JobManager
	logger     *zap.Logger
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(service Service, jm *JobManager, logger *zap.Logger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{service: service, jobManager: jm, logger: logger}
}

// IngestRequest is the body of POST .../collections/{collection}/ingest.
type IngestRequest struct {
	Source        source.Spec `json:"source"`
	Force         bool        `json:"force"`
	RecordPartial bool        `json:"record_partial"`
}

// Start validates the request, opens the source and runs the ingestion in the background.
func (h *IngestHandler) Start(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantFromContext(r.Context())
	collection := chi.URLParam(r, "collection")
	if _, err := faceindex.NewScope(tenant, collection); err != nil {
		respondServiceError(w, err)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	src, err := h.service.OpenSource(req.Source)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.New().String()
	job, err := h.jobManager.CreateJob(jobID, tenant, collection, req.Source, IngestJobOptions{
		Force:         req.Force,
		RecordPartial: req.RecordPartial,
	})
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.Background())
	job.setCancel(cancel)
	go h.runIngestJob(ctx, cancel, job, src)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     jobID,
		"tenant":     tenant,
		"collection": collection,
		"status":     string(JobStatusPending),
	})
}

// List returns the tenant's jobs.
func (h *IngestHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantFromContext(r.Context())
	jobs := h.jobManager.ListJobs(tenant)
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.Snapshot())
	}
	respondJSON(w, http.StatusOK, views)
}

// Status returns the status of an ingestion job
func (h *IngestHandler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(r, chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// Events streams job events via SSE
func (h *IngestHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.lookup(r, id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*IngestJob).Snapshot()
		},
	)
}

// Cancel cancels an ingestion job
func (h *IngestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job := h.lookup(r, chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *IngestHandler) lookup(r *http.Request, id string) *IngestJob {
	if id == "" {
		return nil
	}
	return h.jobManager.GetTenantJob(middleware.GetTenantFromContext(r.Context()), id)
}

// runIngestJob runs the ingestion in the background
func (h *IngestHandler) runIngestJob(ctx context.Context, cancel context.CancelFunc, job *IngestJob, src source.Source) {
	defer cancel()

	job.mu.Lock()
	job.Status = JobStatusRunning
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "started", Message: "Ingestion started"})

	result, err := h.service.Ingest(ctx, job.Tenant, job.Collection, src, ingest.Options{
		Force:         job.Options.Force,
		RecordPartial: job.Options.RecordPartial,
		Progress: func(ev ingest.Event) {
			job.mu.Lock()
			job.TotalFiles = ev.Total
			job.ProcessedFiles = ev.Done
			if ev.Total > 0 {
				job.Progress = ev.Done * 100 / ev.Total
			}
			job.mu.Unlock()

			data := map[string]any{
				"file_id":         ev.FileID,
				"name":            ev.Name,
				"state":           ev.State,
				"faces":           ev.Faces,
				"processed_files": ev.Done,
				"total_files":     ev.Total,
			}
			if ev.Err != nil {
				data["error"] = ev.Err.Error()
			}
			job.SendEvent(JobEvent{Type: "progress", Data: data})
		},
	})
	if err != nil {
		h.logger.Warn("ingestion job failed",
			zap.String("job_id", job.ID),
			zap.String("tenant", sanitizeForLog(job.Tenant)),
			zap.String("collection", sanitizeForLog(job.Collection)),
			zap.Error(err),
		)
		h.failJob(job, fmt.Sprintf("ingestion failed: %v", err))
		return
	}

	now := time.Now()
	status := JobStatusCompleted
	if result.State == ingest.RunCancelled {
		status = JobStatusCancelled
	}

	job.mu.Lock()
	job.Status = status
	job.CompletedAt = &now
	job.ProcessedFiles = result.Processed + result.Skipped + result.Failed
	job.TotalFiles = result.Total
	job.Progress = 100
	job.Result = result
	job.mu.Unlock()

	if status == JobStatusCancelled {
		job.SendEvent(JobEvent{Type: "cancelled", Message: "Job was cancelled", Data: result})
		return
	}
	job.SendEvent(JobEvent{Type: "completed", Data: result})
}

func (h *IngestHandler) failJob(job *IngestJob, message string) {
	now := time.Now()
	job.mu.Lock()
	job.Status = JobStatusFailed
	job.Error = message
	job.CompletedAt = &now
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "job_error", Message: message})
}
