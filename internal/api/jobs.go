package api

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/desh0cc/psychopass/internal/result"
	"github.com/desh0cc/psychopass/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job statuses
const (
	JobPending    = "pending"
	JobExtracting = "extracting"
	JobIngesting  = "ingesting"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one background ingest
type Job struct {
	ID        string                 `json:"id"`
	Platform  string                 `json:"platform"`
	Source    string                 `json:"source"`
	Status    string                 `json:"status"`
	Progress  services.Progress      `json:"progress"`
	Report    *services.IngestReport `json:"report,omitempty"`
	Error     *result.Failure        `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// JobTracker keeps the state of ingest jobs for polling
type JobTracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewJobTracker creates an empty job tracker
func NewJobTracker() *JobTracker {
	return &JobTracker{jobs: make(map[string]*Job)}
}

// Start registers a job and runs fn for it in the background
func (t *JobTracker) Start(platform, source string, fn func(job string)) Job {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Platform:  platform,
		Source:    source,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	snapshot := *job
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(job.ID)
	}()
	return snapshot
}

// Update applies fn to the job under the tracker lock
func (t *JobTracker) Update(id string, fn func(*Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = time.Now().UTC()
	}
}

// Get returns a copy of the job
func (t *JobTracker) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns copies of all jobs, newest first
func (t *JobTracker) List() []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until all started jobs have returned
func (t *JobTracker) Wait() {
	t.wg.Wait()
}

// UploadExport stores an uploaded export archive and ingests it in the background
func (h *Handler) UploadExport(c *gin.Context) {
	platform := c.PostForm("platform")
	if !h.knownPlatform(c, platform) {
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_FILE", "No file provided", err)
		return
	}
	if !isValidZipFile(file.Filename) {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_FILE_TYPE", "File must be a ZIP file", nil)
		return
	}

	src, err := file.Open()
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "FILE_OPEN_ERROR", "Failed to open file", err)
		return
	}
	defer src.Close()

	stored, err := h.svc.Archives.Store(file.Filename, src, file.Size)
	if err != nil {
		h.failure(c, err)
		return
	}

	job := h.jobs.Start(platform, stored.Name, func(id string) {
		h.runArchiveJob(id, platform, stored)
	})
	c.JSON(http.StatusAccepted, gin.H{"job": job, "archive": stored})
}

type ingestPathRequest struct {
	Platform string `json:"platform" binding:"required"`
	Path     string `json:"path" binding:"required"`
}

// IngestPath ingests an export already on the server's disk. A .zip path is
// stored and extracted first; a directory is parsed in place.
func (h *Handler) IngestPath(c *gin.Context) {
	var req ingestPathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_BODY", "platform and path are required", err)
		return
	}
	if !h.knownPlatform(c, req.Platform) {
		return
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_PATH", "Export path does not exist", err)
		return
	}

	if !info.IsDir() && isValidZipFile(req.Path) {
		f, err := os.Open(req.Path)
		if err != nil {
			h.errorResponse(c, http.StatusBadRequest, "INVALID_PATH", "Failed to open export", err)
			return
		}
		defer f.Close()

		stored, err := h.svc.Archives.Store(info.Name(), f, info.Size())
		if err != nil {
			h.failure(c, err)
			return
		}
		job := h.jobs.Start(req.Platform, req.Path, func(id string) {
			h.runArchiveJob(id, req.Platform, stored)
		})
		c.JSON(http.StatusAccepted, gin.H{"job": job, "archive": stored})
		return
	}

	job := h.jobs.Start(req.Platform, req.Path, func(id string) {
		h.runIngestJob(id, req.Platform, req.Path)
	})
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// ListJobs lists ingest jobs
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.List()})
}

// GetJob reports one ingest job
func (h *Handler) GetJob(c *gin.Context) {
	job, ok := h.jobs.Get(c.Param("id"))
	if !ok {
		h.errorResponse(c, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *Handler) knownPlatform(c *gin.Context, platform string) bool {
	for _, p := range h.svc.Parsers.Platforms() {
		if p == platform {
			return true
		}
	}
	h.errorResponse(c, http.StatusBadRequest, "UNKNOWN_PLATFORM",
		"platform must be one of: "+strings.Join(h.svc.Parsers.Platforms(), ", "), nil)
	return false
}

func (h *Handler) runArchiveJob(id, platform string, stored *services.StoredArchive) {
	h.jobs.Update(id, func(j *Job) { j.Status = JobExtracting })

	extraction, err := h.svc.Archives.Extract(stored)
	if err != nil {
		h.failJob(id, result.FromError[struct{}]("archive.extract", err).Err)
		return
	}
	h.runIngestJob(id, platform, extraction.Dir)
}

func (h *Handler) runIngestJob(id, platform, dir string) {
	h.jobs.Update(id, func(j *Job) { j.Status = JobIngesting })

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	res := h.svc.Ingest.AnalyzeExport(ctx, platform, dir, func(p services.Progress) {
		h.jobs.Update(id, func(j *Job) { j.Progress = p })
	})
	if !res.IsOk() {
		h.failJob(id, res.Err)
		return
	}

	report := res.Value
	h.jobs.Update(id, func(j *Job) {
		j.Status = JobCompleted
		j.Report = &report
	})
	h.log.Info("Ingest job completed", zap.String("job_id", id), zap.Int("inserted", report.Inserted))
}

func (h *Handler) failJob(id string, f *result.Failure) {
	h.jobs.Update(id, func(j *Job) {
		j.Status = JobFailed
		j.Error = f
	})
	h.log.Error("Ingest job failed", zap.String("job_id", id), zap.Error(f))
}
