package api

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type jobRecord struct {
	job    Job
	cancel context.CancelFunc
}

// JobStore keeps jobs in memory.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*jobRecord),
	}
}

// Create registers a queued job.
func (s *JobStore) Create(req QuantizeRequest, now time.Time) Job {
	job := Job{
		ID:        newJobID(),
		Object:    "quantization.job",
		Status:    StatusQueued,
		CreatedAt: now.Unix(),
		Request:   req,
	}
	s.mu.Lock()
	s.jobs[job.ID] = &jobRecord{job: job}
	s.mu.Unlock()
	return job
}

// Get returns a copy of a job.
func (s *JobStore) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, jobNotFound(id)
	}
	return rec.job, nil
}

// List returns every job, oldest first.
func (s *JobStore) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec.job)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Job) int {
		if a.CreatedAt != b.CreatedAt {
			return int(a.CreatedAt - b.CreatedAt)
		}
		return compareStrings(a.ID, b.ID)
	})
	return out
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Start moves a queued job to running. It returns false when the job was
// cancelled before it started.
func (s *JobStore) Start(id string, cancel context.CancelFunc, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != StatusQueued {
		return false
	}
	started := now.Unix()
	rec.job.Status = StatusRunning
	rec.job.StartedAt = &started
	rec.cancel = cancel
	return true
}

// Finish records the outcome of a job that is not already final.
func (s *JobStore) Finish(id string, res *JobResult, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Done() {
		return
	}
	completed := now.Unix()
	rec.job.CompletedAt = &completed
	rec.cancel = nil
	if err != nil {
		rec.job.Status = StatusFailed
		rec.job.Error = &ErrorBody{Message: err.Error(), Type: "quantization_error"}
		return
	}
	rec.job.Status = StatusSucceeded
	rec.job.Result = res
}

// Cancel stops a queued or running job. A job that already reached a final
// status is returned unchanged with ErrJobFinished.
func (s *JobStore) Cancel(id string, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, jobNotFound(id)
	}
	if rec.job.Done() {
		return rec.job, jobFinished(rec.job)
	}
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
	completed := now.Unix()
	rec.job.Status = StatusCancelled
	rec.job.CompletedAt = &completed
	return rec.job, nil
}

func newJobID() string {
	return "job_" + uuid.NewString()
}
