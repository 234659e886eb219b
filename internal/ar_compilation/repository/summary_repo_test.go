package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSummaryRepo(t *testing.T) (*SummaryRepository, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewSummaryRepository(db), mock, db
}

func TestSummaryRepository_Record(t *testing.T) {
	repo, mock, db := setupSummaryRepo(t)
	defer db.Close()

	t.Run("records a ready run", func(t *testing.T) {
		s := &domain.CompilationSummary{
			ProjectID:           "0b6f2b8e-3c1a-4f59-9a53-8f0a3b1d2c4e",
			Outcome:             domain.OutcomeReady,
			Reason:              "api",
			DurationMs:          4200,
			DescriptorSizeBytes: 81920,
			FitMode:             domain.FitCover,
			Targets:             1,
			Metrics:             &domain.CompileMetrics{MarkerEnhanced: true, Targets: 1},
		}
		created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		mock.ExpectQuery(`INSERT INTO ar_compilation_summaries`).
			WithArgs(
				sqlmock.AnyArg(), // id
				s.ProjectID,
				"ready",
				"api",
				sqlmock.AnyArg(), // duration_ms
				sqlmock.AnyArg(), // descriptor_size_bytes
				"cover",
				1,
				sqlmock.AnyArg(), // error_message
				sqlmock.AnyArg(), // metrics JSONB
			).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

		require.NoError(t, repo.Record(context.Background(), s))
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, created, s.CreatedAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps database errors", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO ar_compilation_summaries`).
			WillReturnError(errors.New("connection reset"))

		err := repo.Record(context.Background(), &domain.CompilationSummary{
			ProjectID:    "p",
			Outcome:      domain.OutcomeError,
			ErrorMessage: "descriptor failed",
		})
		assert.ErrorIs(t, err, domain.ErrPersistence)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSummaryRepository_ListByProjects(t *testing.T) {
	repo, mock, db := setupSummaryRepo(t)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "project_id", "outcome", "reason", "duration_ms", "descriptor_size_bytes",
		"fit_mode", "targets", "error_message", "metrics", "created_at",
	}).
		AddRow("s-2", "p-1", "error", "recompile", nil, nil, "contain", 2, "compilation timeout", nil, now).
		AddRow("s-1", "p-1", "ready", "api", 3000, 4096, "cover", 1, nil, []byte(`{"markerEnhanced":true,"targets":1,"descriptorSizeBytes":4096,"descriptorTimeMs":900}`), now.Add(-time.Hour))

	mock.ExpectQuery(`SELECT (.+) FROM ar_compilation_summaries`).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnRows(rows)

	out, err := repo.ListByProjects(context.Background(), []string{"p-1"}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, domain.OutcomeError, out[0].Outcome)
	assert.Equal(t, "compilation timeout", out[0].ErrorMessage)
	assert.Equal(t, int64(0), out[0].DurationMs)
	assert.Nil(t, out[0].Metrics)

	assert.Equal(t, domain.OutcomeReady, out[1].Outcome)
	assert.Equal(t, domain.FitCover, out[1].FitMode)
	assert.Equal(t, int64(3000), out[1].DurationMs)
	require.NotNil(t, out[1].Metrics)
	assert.True(t, out[1].Metrics.MarkerEnhanced)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSummaryRepository_ListByProjects_Empty(t *testing.T) {
	repo, mock, db := setupSummaryRepo(t)
	defer db.Close()

	out, err := repo.ListByProjects(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Nil(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSummaryRepository_DeleteOlderThan(t *testing.T) {
	repo, mock, db := setupSummaryRepo(t)
	defer db.Close()

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM ar_compilation_summaries`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
