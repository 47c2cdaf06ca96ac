package domain

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a single unit of crawl work
type JobStatus string

const (
	JobReady    JobStatus = "ready"
	JobRunning  JobStatus = "running"
	JobRetry    JobStatus = "retry"
	JobFailed   JobStatus = "failed"
	JobFinished JobStatus = "finished"
)

// Startable reports whether a job in this status may be started
func (s JobStatus) Startable() bool {
	return s == JobReady || s == JobRetry
}

// Valid reports whether s is one of the known job statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobReady, JobRunning, JobRetry, JobFailed, JobFinished:
		return true
	}
	return false
}

// JobKind selects the execution handler of a job
type JobKind string

// Job is one unit of crawl work owned by a BatchJob.
// A job is identified inside its batch by (Kind, RefID, Page).
type Job struct {
	ID          int64     `json:"id"`
	BatchJobID  int64     `json:"batch_job_id"`
	BatchNumber int       `json:"batch_number"`
	BatchType   BatchType `json:"batch_type"`
	Kind        JobKind   `json:"kind"`
	// RefID points at the domain entity the job works on (district, community)
	RefID     int64     `json:"ref_id"`
	Page      int       `json:"page"`
	Status    JobStatus `json:"status"`
	TargetURI string    `json:"target_uri,omitempty"`
	Params    Params    `json:"parameters"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d (%s ref=%d page=%d)", j.ID, j.Kind, j.RefID, j.Page)
}

// JobSpec identifies a job to load or create inside a batch
type JobSpec struct {
	Kind  JobKind
	RefID int64
	Page  int
}

// Params is the resumable state carried by a job between attempts.
// Each job kind uses the member matching its shape and leaves the others nil.
type Params struct {
	// Cursor is set by jobs that paginate internally
	Cursor *PageCursor `json:"cursor,omitempty"`
	// Listing is set by jobs that process exactly one listing page
	Listing *ListingPage `json:"listing,omitempty"`
}

// PageCursor is the pagination state of a paginated job
type PageCursor struct {
	NextPage  int `json:"next_page"`
	TotalPage int `json:"total_page"`
}

// Done reports whether every page has been consumed. The total is
// unknown until page 1 has been read.
func (c PageCursor) Done() bool {
	return c.NextPage > c.TotalPage && (c.TotalPage > 0 || c.NextPage > 1)
}

// ListingPage records what a single search-page job learned
type ListingPage struct {
	TotalPage int `json:"total_page"`
}

// EnsureCursor returns the job cursor, creating one that starts at page 1
func (p *Params) EnsureCursor() *PageCursor {
	if p.Cursor == nil {
		p.Cursor = &PageCursor{}
	}
	if p.Cursor.NextPage <= 0 {
		p.Cursor.NextPage = 1
	}
	return p.Cursor
}
