package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/pdf-ocr/internal/domain"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDisabled is returned by run queries when no ledger is configured.
	ErrDisabled = errors.New("run ledger is disabled")
)

const runColumns = `id, document_name, sha256, status, pages, chunks, empty_pages,
	output_chars, cached, error_type, error, started_at, finished_at`

// RunRepository handles run ledger operations.
type RunRepository struct {
	db DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create records a new run in the running state.
func (r *RunRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	query := `
		INSERT INTO runs (id, document_name, sha256, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID.String(), run.DocumentName, run.SHA256, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return domain.StorageError("create run", err)
	}
	return nil
}

// Finish stores the outcome of a run.
func (r *RunRepository) Finish(ctx context.Context, run *Run) error {
	if !run.FinishedAt.Valid {
		run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	query := `
		UPDATE runs
		SET status = $1, pages = $2, chunks = $3, empty_pages = $4, output_chars = $5,
			cached = $6, error_type = $7, error = $8, finished_at = $9
		WHERE id = $10
	`
	res, err := r.db.ExecContext(ctx, query,
		string(run.Status), run.Pages, run.Chunks, run.EmptyPages, run.OutputChars,
		run.Cached, run.ErrorType, run.Error, run.FinishedAt, run.ID.String(),
	)
	if err != nil {
		return domain.StorageError("finish run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a run by ID.
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, domain.StorageError("get run", err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, domain.StorageError("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, domain.StorageError("scan run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("list runs", err)
	}
	return runs, nil
}

// RunStarted records the start of a pipeline run.
func (r *RunRepository) RunStarted(ctx context.Context, id, name, sha string) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return domain.ValidationError(fmt.Sprintf("invalid run id %q", id), err)
	}
	return r.Create(ctx, &Run{ID: runID, DocumentName: name, SHA256: sha})
}

// RunFinished records the outcome of a pipeline run.
func (r *RunRepository) RunFinished(ctx context.Context, id string, doc *domain.Document, stats domain.ProcessingStats, runErr error) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return domain.ValidationError(fmt.Sprintf("invalid run id %q", id), err)
	}

	run := &Run{
		ID:          runID,
		Status:      RunStatusSucceeded,
		Pages:       stats.Pages,
		Chunks:      stats.Chunks,
		EmptyPages:  stats.EmptyPages,
		OutputChars: stats.OutputChars,
	}
	if doc != nil {
		run.Cached = doc.Cached
	}
	if runErr != nil {
		run.Status = RunStatusFailed
		run.ErrorType = string(domain.TypeOf(runErr))
		run.Error = runErr.Error()
	}

	return r.Finish(ctx, run)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run    Run
		id     string
		status string
	)
	err := row.Scan(
		&id, &run.DocumentName, &run.SHA256, &status, &run.Pages, &run.Chunks, &run.EmptyPages,
		&run.OutputChars, &run.Cached, &run.ErrorType, &run.Error, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	run.Status = RunStatus(status)
	return &run, nil
}
