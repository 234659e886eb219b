package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SummaryRepository handles PostgreSQL operations for compilation summaries
type SummaryRepository struct {
	db *sql.DB
}

// NewSummaryRepository creates a new SummaryRepository
func NewSummaryRepository(db *sql.DB) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// Record inserts the summary of one finished run
func (r *SummaryRepository) Record(ctx context.Context, s *domain.CompilationSummary) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO ar_compilation_summaries (
			id, project_id, outcome, reason, duration_ms, descriptor_size_bytes,
			fit_mode, targets, error_message, metrics
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	var metricsJSON []byte
	if s.Metrics != nil {
		raw, err := json.Marshal(s.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metricsJSON = raw
	}

	// Handle nullable fields
	var duration, descriptorSize sql.NullInt64
	if s.DurationMs > 0 {
		duration = sql.NullInt64{Int64: s.DurationMs, Valid: true}
	}
	if s.DescriptorSizeBytes > 0 {
		descriptorSize = sql.NullInt64{Int64: s.DescriptorSizeBytes, Valid: true}
	}
	var errMsg sql.NullString
	if s.ErrorMessage != "" {
		errMsg = sql.NullString{String: s.ErrorMessage, Valid: true}
	}

	var createdAt time.Time
	err := r.db.QueryRowContext(ctx, query,
		s.ID,
		s.ProjectID,
		string(s.Outcome),
		s.Reason,
		duration,
		descriptorSize,
		string(s.FitMode),
		s.Targets,
		errMsg,
		metricsJSON,
	).Scan(&createdAt)
	if err != nil {
		return domain.NewError(domain.ErrPersistence, "record_summary", err)
	}
	s.CreatedAt = createdAt
	return nil
}

// ListByProjects returns the most recent summaries of the given projects
func (r *SummaryRepository) ListByProjects(ctx context.Context, projectIDs []string, limit int) ([]domain.CompilationSummary, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, project_id, outcome, reason, duration_ms, descriptor_size_bytes,
		       fit_mode, targets, error_message, metrics, created_at
		FROM ar_compilation_summaries
		WHERE project_id::text = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(projectIDs), limit)
	if err != nil {
		return nil, domain.NewError(domain.ErrPersistence, "list_summaries", err)
	}
	defer rows.Close()

	var out []domain.CompilationSummary
	for rows.Next() {
		var (
			s                        domain.CompilationSummary
			outcome, fitMode         string
			duration, descriptorSize sql.NullInt64
			errMsg                   sql.NullString
			metricsJSON              []byte
		)
		if err := rows.Scan(
			&s.ID, &s.ProjectID, &outcome, &s.Reason, &duration, &descriptorSize,
			&fitMode, &s.Targets, &errMsg, &metricsJSON, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		s.Outcome = domain.Outcome(outcome)
		s.FitMode = domain.FitMode(fitMode)
		s.DurationMs = duration.Int64
		s.DescriptorSizeBytes = descriptorSize.Int64
		s.ErrorMessage = errMsg.String
		if len(metricsJSON) > 0 {
			s.Metrics = &domain.CompileMetrics{}
			if err := json.Unmarshal(metricsJSON, s.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.ErrPersistence, "list_summaries", err)
	}
	return out, nil
}

// DeleteOlderThan prunes summaries created before cutoff
func (r *SummaryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ar_compilation_summaries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, domain.NewError(domain.ErrPersistence, "prune_summaries", err)
	}
	return res.RowsAffected()
}
