// Package storage provides the run ledger for transcription runs.
package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one transcription attempt.
type Run struct {
	ID           uuid.UUID    `json:"id"`
	DocumentName string       `json:"document_name"`
	SHA256       string       `json:"sha256"`
	Status       RunStatus    `json:"status"`
	Pages        int          `json:"pages"`
	Chunks       int          `json:"chunks"`
	EmptyPages   int          `json:"empty_pages"`
	OutputChars  int          `json:"output_chars"`
	Cached       bool         `json:"cached"`
	ErrorType    string       `json:"error_type,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   sql.NullTime `json:"-"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if !r.FinishedAt.Valid {
		return 0
	}
	return r.FinishedAt.Time.Sub(r.StartedAt)
}
