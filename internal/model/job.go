package model

import "time"

// JobStatus represents the current state of a document job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from s to next keeps the job moving
// forward through queued → running → completed|failed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Job tracks extraction of one document.
type Job struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"document_id"`
	Filename          string    `json:"filename,omitempty"`
	Status            JobStatus `json:"status"`
	TotalPages        *int      `json:"total_pages"`
	ProcessedPages    int       `json:"processed_pages"`
	Message           string    `json:"message"`
	Error             *string   `json:"error"`
	InvoiceIDs        []string  `json:"invoice_ids"`
	HasLowReadability bool      `json:"has_low_readability"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// JobProgress is the set of counters that must be written together.
type JobProgress struct {
	ProcessedPages    int
	InvoiceIDs        []string
	HasLowReadability bool
	Message           string
}
