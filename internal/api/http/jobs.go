package http

import (
	"slices"
	"sync"
	"time"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/migration"
)

// JobKind distinguishes migrations from rollbacks.
type JobKind string

const (
	JobMigration JobKind = "migration"
	JobRollback  JobKind = "rollback"
)

// JobState is the lifecycle of a job.
type JobState string

const (
	JobRunning  JobState = "running"
	JobFinished JobState = "finished"
)

// jobLines caps the output lines kept per rollback.
const jobLines = 200

// Job is one migration or rollback started through the API.
type Job struct {
	ID         string              `json:"id"`
	Kind       JobKind             `json:"kind"`
	State      JobState            `json:"state"`
	SourceID   string              `json:"source_id,omitempty"`
	TargetID   string              `json:"target_id,omitempty"`
	Archive    string              `json:"archive,omitempty"`
	Progress   *migration.Progress `json:"progress,omitempty"`
	Lines      []string            `json:"lines,omitempty"`
	Result     *migration.Result   `json:"result,omitempty"`
	Succeeded  *bool               `json:"succeeded,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// Jobs keeps the most recent jobs in memory. Nothing is persisted; the
// rolling log and the backup directory are the durable record.
type Jobs struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
}

// NewJobs creates a store that keeps up to limit jobs.
func NewJobs(limit int) *Jobs {
	if limit <= 0 {
		limit = 50
	}
	return &Jobs{jobs: make(map[string]*Job), limit: limit}
}

// Add records a new running job.
func (s *Jobs) Add(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.State = JobRunning
	if j.StartedAt.IsZero() {
		j.StartedAt = time.Now()
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	for len(s.order) > s.limit {
		delete(s.jobs, s.order[0])
		s.order = s.order[1:]
	}
}

// Update applies fn to a job under the store lock.
func (s *Jobs) Update(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
	}
}

// Get returns a copy of a job.
func (s *Jobs) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return snapshot(j), true
}

// List returns copies of the jobs of kind, newest first.
func (s *Jobs) List(kind JobKind) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if j := s.jobs[s.order[i]]; j.Kind == kind {
			out = append(out, snapshot(j))
		}
	}
	return out
}

func snapshot(j *Job) Job {
	c := *j
	c.Lines = slices.Clone(j.Lines)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return c
}

func (j *Job) addLine(line string) {
	j.Lines = append(j.Lines, line)
	if len(j.Lines) > jobLines {
		j.Lines = j.Lines[len(j.Lines)-jobLines:]
	}
}

func (j *Job) finish() {
	now := time.Now()
	j.State = JobFinished
	j.FinishedAt = &now
}
