//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spherical/pdf-ocr/internal/config"
	"github.com/spherical/pdf-ocr/internal/domain"
)

func TestPostgresRunLedger_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("pdf_ocr_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, config.StorageConfig{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	id := uuid.NewString()
	require.NoError(t, store.Runs.RunStarted(ctx, id, "scan.pdf", "sha"))
	require.NoError(t, store.Runs.RunFinished(ctx, id, &domain.Document{Pages: 3}, domain.ProcessingStats{Pages: 3, Chunks: 1}, nil))

	run, err := store.Runs.GetByID(ctx, uuid.MustParse(id))
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, run.Status)
	assert.Equal(t, 3, run.Pages)
	assert.True(t, run.FinishedAt.Valid)

	list, err := store.Runs.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
