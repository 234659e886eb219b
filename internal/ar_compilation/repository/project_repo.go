package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const projectColumns = `
	id::text, owner_id, name, status, phase, photo_url, video_url, mask_url, recipient,
	config, geometry, artifacts, metrics,
	compilation_started_at, compilation_finished_at, compilation_time_ms, error_message,
	is_demo, expires_at, notification_sent, created_at, updated_at`

const itemColumns = `
	id::text, project_id::text, target_index, name, photo_url, video_url, mask_url,
	config, geometry, marker_compiled, marker_url, descriptor_url, video_out_url, mask_out_url,
	created_at, updated_at`

// ProjectRepository stores AR projects and their items in PostgreSQL.
type ProjectRepository struct {
	pool *pgxpool.Pool
}

func NewProjectRepository(pool *pgxpool.Pool) *ProjectRepository {
	return &ProjectRepository{pool: pool}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func persistence(op string, err error) error {
	return domain.NewError(domain.ErrPersistence, op, err)
}

// CreateProject inserts p, assigning an id and timestamps when unset.
func (r *ProjectRepository) CreateProject(ctx context.Context, p *domain.ARProject) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.StatusPending
	}

	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	geom, err := json.Marshal(p.Geometry)
	if err != nil {
		return fmt.Errorf("marshal geometry: %w", err)
	}
	arts, err := json.Marshal(p.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	const q = `
INSERT INTO ar_projects (
	id, owner_id, name, status, phase, photo_url, video_url, mask_url, recipient,
	config, geometry, artifacts, is_demo, expires_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING created_at, updated_at;
`
	err = r.pool.QueryRow(ctx, q,
		p.ID, p.OwnerID, p.Name, string(p.Status), string(p.Phase),
		p.PhotoURL, p.VideoURL, p.MaskURL, p.Recipient,
		cfg, geom, arts, p.IsDemo, p.ExpiresAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return persistence("create_project", err)
	}
	return nil
}

func (r *ProjectRepository) GetProject(ctx context.Context, id string) (*domain.ARProject, error) {
	if !validID(id) {
		return nil, domain.ErrProjectNotFound
	}
	q := `SELECT ` + projectColumns + ` FROM ar_projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrProjectNotFound
	}
	if err != nil {
		return nil, persistence("get_project", err)
	}
	return p, nil
}

// ListProjects returns the owner's projects, newest first.
func (r *ProjectRepository) ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.ARProject, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + projectColumns + ` FROM ar_projects WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, persistence("list_projects", err)
	}
	defer rows.Close()

	out := make([]domain.ARProject, 0, 16)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, persistence("list_projects", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list_projects", err)
	}
	return out, nil
}

// UpdateProject applies a targeted field patch.
func (r *ProjectRepository) UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) error {
	if !validID(id) {
		return domain.ErrProjectNotFound
	}
	q, args, err := buildProjectUpdate(id, patch)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return persistence("update_project", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrProjectNotFound
	}
	return nil
}

func (r *ProjectRepository) DeleteProject(ctx context.Context, id string) error {
	if !validID(id) {
		return domain.ErrProjectNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM ar_projects WHERE id = $1`, id)
	if err != nil {
		return persistence("delete_project", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrProjectNotFound
	}
	return nil
}

// ListExpiredDemos returns ids of demo projects whose expiry is before now.
func (r *ProjectRepository) ListExpiredDemos(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
SELECT id::text FROM ar_projects
WHERE is_demo AND expires_at IS NOT NULL AND expires_at < $1
ORDER BY expires_at
LIMIT 500;
`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, persistence("list_expired_demos", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistence("list_expired_demos", err)
	}
	return ids, nil
}

// AddItem inserts an item with target_index = max(existing) + 1. Concurrent
// inserts that collide on the unique index are retried.
func (r *ProjectRepository) AddItem(ctx context.Context, it *domain.ARProjectItem) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	cfg, err := json.Marshal(it.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	geom, err := json.Marshal(it.Geometry)
	if err != nil {
		return fmt.Errorf("marshal geometry: %w", err)
	}

	const q = `
INSERT INTO ar_project_items (id, project_id, target_index, name, photo_url, video_url, mask_url, config, geometry)
SELECT $1, $2::uuid, COALESCE(MAX(target_index), -1) + 1, $3, $4, $5, $6, $7, $8
FROM ar_project_items WHERE project_id = $2::uuid
RETURNING target_index, created_at, updated_at;
`
	for i := 0; i < 5; i++ {
		err = r.pool.QueryRow(ctx, q,
			it.ID, it.ProjectID, it.Name, it.PhotoURL, it.VideoURL, it.MaskURL, cfg, geom,
		).Scan(&it.TargetIndex, &it.CreatedAt, &it.UpdatedAt)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505": // unique violation on (project_id, target_index)
				continue
			case "23503", "22P02":
				return domain.ErrProjectNotFound
			}
		}
		return persistence("add_item", err)
	}
	return persistence("add_item", errors.New("could not allocate a target index"))
}

func (r *ProjectRepository) GetItem(ctx context.Context, projectID, itemID string) (*domain.ARProjectItem, error) {
	if !validID(projectID) || !validID(itemID) {
		return nil, domain.ErrItemNotFound
	}
	q := `SELECT ` + itemColumns + ` FROM ar_project_items WHERE id = $1 AND project_id = $2`
	it, err := scanItem(r.pool.QueryRow(ctx, q, itemID, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, persistence("get_item", err)
	}
	return it, nil
}

// ListItems returns the project's items ordered by target index.
func (r *ProjectRepository) ListItems(ctx context.Context, projectID string) ([]domain.ARProjectItem, error) {
	if !validID(projectID) {
		return nil, nil
	}
	q := `SELECT ` + itemColumns + ` FROM ar_project_items WHERE project_id = $1 ORDER BY target_index`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, persistence("list_items", err)
	}
	defer rows.Close()

	var out []domain.ARProjectItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, persistence("list_items", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list_items", err)
	}
	return out, nil
}

func (r *ProjectRepository) UpdateItem(ctx context.Context, projectID, itemID string, patch domain.ItemPatch) error {
	if !validID(projectID) || !validID(itemID) {
		return domain.ErrItemNotFound
	}
	q, args, err := buildItemUpdate(projectID, itemID, patch)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return persistence("update_item", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (r *ProjectRepository) DeleteItem(ctx context.Context, projectID, itemID string) error {
	if !validID(projectID) || !validID(itemID) {
		return domain.ErrItemNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM ar_project_items WHERE id = $1 AND project_id = $2`, itemID, projectID)
	if err != nil {
		return persistence("delete_item", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.ARProject, error) {
	var (
		p                       domain.ARProject
		status, phase           string
		cfg, geom, arts, metric []byte
	)
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Name, &status, &phase, &p.PhotoURL, &p.VideoURL, &p.MaskURL, &p.Recipient,
		&cfg, &geom, &arts, &metric,
		&p.CompilationStartedAt, &p.CompilationFinishedAt, &p.CompilationTimeMs, &p.ErrorMessage,
		&p.IsDemo, &p.ExpiresAt, &p.NotificationSent, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.Status(status)
	p.Phase = domain.Phase(phase)

	if err := unmarshalJSON(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := unmarshalJSON(geom, &p.Geometry); err != nil {
		return nil, fmt.Errorf("geometry: %w", err)
	}
	if err := unmarshalJSON(arts, &p.Artifacts); err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	if len(metric) > 0 {
		p.Metrics = &domain.CompileMetrics{}
		if err := json.Unmarshal(metric, p.Metrics); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	p.Config = p.Config.WithDefaults()
	return &p, nil
}

func scanItem(row pgx.Row) (*domain.ARProjectItem, error) {
	var (
		it        domain.ARProjectItem
		cfg, geom []byte
	)
	err := row.Scan(
		&it.ID, &it.ProjectID, &it.TargetIndex, &it.Name, &it.PhotoURL, &it.VideoURL, &it.MaskURL,
		&cfg, &geom, &it.MarkerCompiled, &it.MarkerURL, &it.DescriptorURL, &it.VideoOutURL, &it.MaskOutURL,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cfg, &it.Config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := unmarshalJSON(geom, &it.Geometry); err != nil {
		return nil, fmt.Errorf("geometry: %w", err)
	}
	it.Config = it.Config.WithDefaults()
	return &it, nil
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
