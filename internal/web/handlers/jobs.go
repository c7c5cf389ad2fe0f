package handlers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-finder/internal/ingest"
	"github.com/kozaktomas/face-finder/internal/source"
)

// eventChannelBuffer is the buffer size of each SSE listener.
const eventChannelBuffer = 100

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IngestJob is an ingestion running in the background.
type IngestJob struct {
	EventBroadcaster

	ID             string
	Tenant         string
	Collection     string
	Source         source.Spec
	Status         JobStatus
	Progress       int
	TotalFiles     int
	ProcessedFiles int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Options        IngestJobOptions
	Result         *ingest.Result
}

// JobView is the JSON form of an IngestJob.
type JobView struct {
	ID             string           `json:"id"`
	Tenant         string           `json:"tenant"`
	Collection     string           `json:"collection"`
	Source         source.Spec      `json:"source"`
	Status         JobStatus        `json:"status"`
	Progress       int              `json:"progress"`
	TotalFiles     int              `json:"total_files"`
	ProcessedFiles int              `json:"processed_files"`
	Error          string           `json:"error,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Options        IngestJobOptions `json:"options"`
	Result         *ingest.Result   `json:"result,omitempty"`
}

// IngestJobOptions are the caller's ingestion switches.
type IngestJobOptions struct {
	Force         bool `json:"force"`
	RecordPartial bool `json:"record_partial"`
}

// GetStatus returns the current job status (implements SSEJob).
func (j *IngestJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// Snapshot returns the job's current state with credentials redacted.
func (j *IngestJob) Snapshot() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JobView{
		ID:             j.ID,
		Tenant:         j.Tenant,
		Collection:     j.Collection,
		Source:         redactSource(j.Source),
		Status:         j.Status,
		Progress:       j.Progress,
		TotalFiles:     j.TotalFiles,
		ProcessedFiles: j.ProcessedFiles,
		Error:          j.Error,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		Options:        j.Options,
		Result:         j.Result,
	}
}

// Cancel cancels the ingestion. Files already being analyzed still finish.
func (j *IngestJob) Cancel() {
	j.EventBroadcaster.Cancel()
}

func redactSource(s source.Spec) source.Spec {
	if s.Token != "" {
		s.Token = "***"
	}
	return s
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, eventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel cancels the job via context.
func (b *EventBroadcaster) Cancel() {
	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (b *EventBroadcaster) setCancel(cancel context.CancelFunc) {
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager manages async jobs.
type JobManager struct {
	jobs map[string]*IngestJob
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*IngestJob),
	}
}

// errJobRunning is returned when a collection already has an unfinished job.
var errJobRunning = errors.New("an ingestion of this collection is already running")

// CreateJob registers a pending ingestion job unless the collection already
// has one that has not finished.
func (m *JobManager) CreateJob(id, tenant, collection string, spec source.Spec, options IngestJobOptions) (*IngestJob, error) {
	job := &IngestJob{
		ID:         id,
		Tenant:     tenant,
		Collection: collection,
		Source:     spec,
		Status:     JobStatusPending,
		StartedAt:  time.Now(),
		Options:    options,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJobLocked(tenant, collection) != nil {
		return nil, errJobRunning
	}
	m.jobs[id] = job
	return job, nil
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *IngestJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// GetTenantJob retrieves a job by ID if it belongs to tenant.
func (m *JobManager) GetTenantJob(tenant, id string) *IngestJob {
	job := m.GetJob(id)
	if job == nil || job.Tenant != tenant {
		return nil
	}
	return job
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// ListJobs returns the tenant's jobs, newest first.
func (m *JobManager) ListJobs(tenant string) []*IngestJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*IngestJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.Tenant == tenant {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs
}

// RunningJobs returns every job that has not finished.
func (m *JobManager) RunningJobs() []*IngestJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*IngestJob
	for _, job := range m.jobs {
		if !isJobTerminal(job.GetStatus()) {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// ActiveJob returns the running or pending job of a collection, if any.
func (m *JobManager) ActiveJob(tenant, collection string) *IngestJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeJobLocked(tenant, collection)
}

func (m *JobManager) activeJobLocked(tenant, collection string) *IngestJob {
	for _, job := range m.jobs {
		if job.Tenant != tenant || job.Collection != collection {
			continue
		}
		if !isJobTerminal(job.GetStatus()) {
			return job
		}
	}
	return nil
}
