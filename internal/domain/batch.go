package domain

import (
	"fmt"
	"time"
)

// BatchType identifies the crawled source of a batch
type BatchType string

const (
	BatchFD BatchType = "fangdi"
	BatchLJ BatchType = "lianjia"
)

// BatchStatus is the lifecycle state of a batch generation
type BatchStatus string

const (
	BatchReady    BatchStatus = "ready"
	BatchRunning  BatchStatus = "running"
	BatchFinished BatchStatus = "finished"
	BatchFailed   BatchStatus = "failed"
)

// BatchJob is one full crawl generation for one source type
type BatchJob struct {
	ID          int64       `json:"id"`
	BatchNumber int         `json:"batch_number"`
	Type        BatchType   `json:"type"`
	Status      BatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (b *BatchJob) String() string {
	return fmt.Sprintf("%s#%d", b.Type, b.BatchNumber)
}

// Finished reports whether the batch reached its terminal success state
func (b *BatchJob) Finished() bool {
	return b.Status == BatchFinished
}

// BatchReport summarizes a finalized batch for indexing
type BatchReport struct {
	BatchJobID  int64          `json:"batch_job_id"`
	Type        BatchType      `json:"type"`
	BatchNumber int            `json:"batch_number"`
	Status      BatchStatus    `json:"status"`
	Jobs        map[string]int `json:"jobs"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationMS  int64          `json:"duration_ms"`
}

// ReportID is the document id of the report
func (r BatchReport) ReportID() string {
	return fmt.Sprintf("%s-%d", r.Type, r.BatchNumber)
}
