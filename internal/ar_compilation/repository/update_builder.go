package repository

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
)

// updateBuilder collects "column = $n" assignments for a targeted UPDATE.
type updateBuilder struct {
	sets []string
	args []any
}

func (b *updateBuilder) set(column string, value any) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *updateBuilder) setJSON(column string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	b.set(column, raw)
	return nil
}

func (b *updateBuilder) setRaw(expr string) {
	b.sets = append(b.sets, expr)
}

func (b *updateBuilder) build(table string, where map[string]any, order []string) (string, []any) {
	clauses := make([]string, 0, len(order))
	for _, col := range order {
		b.args = append(b.args, where[col])
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(b.args)))
	}
	sets := append(b.sets, "updated_at = now()")
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		table, strings.Join(sets, ", "), strings.Join(clauses, " AND "))
	return q, b.args
}

// buildProjectUpdate turns a patch into a single UPDATE touching only the
// fields the patch sets.
func buildProjectUpdate(id string, p domain.ProjectPatch) (string, []any, error) {
	var b updateBuilder
	if p.Status != nil {
		if !p.Status.Valid() {
			return "", nil, domain.ErrInvalidStatus
		}
		b.set("status", string(*p.Status))
	}
	if p.Phase != nil {
		b.set("phase", string(*p.Phase))
	}
	if p.Config != nil {
		if err := b.setJSON("config", p.Config); err != nil {
			return "", nil, err
		}
	}
	if p.Geometry != nil {
		if err := b.setJSON("geometry", p.Geometry); err != nil {
			return "", nil, err
		}
	}
	if p.Artifacts != nil {
		if err := b.setJSON("artifacts", p.Artifacts); err != nil {
			return "", nil, err
		}
	}
	if p.Metrics != nil {
		if err := b.setJSON("metrics", p.Metrics); err != nil {
			return "", nil, err
		}
	}
	if p.CompilationStartedAt != nil {
		b.set("compilation_started_at", *p.CompilationStartedAt)
	}
	if p.CompilationFinishedAt != nil {
		b.set("compilation_finished_at", *p.CompilationFinishedAt)
	}
	if p.CompilationTimeMs != nil {
		b.set("compilation_time_ms", *p.CompilationTimeMs)
	}
	switch {
	case p.ErrorMessage != nil:
		b.set("error_message", *p.ErrorMessage)
	case p.ClearErrorMessage:
		b.setRaw("error_message = NULL")
	}
	if p.NotificationSent != nil {
		b.set("notification_sent", *p.NotificationSent)
	}

	q, args := b.build("ar_projects", map[string]any{"id": id}, []string{"id"})
	return q, args, nil
}

func buildItemUpdate(projectID, itemID string, p domain.ItemPatch) (string, []any, error) {
	var b updateBuilder
	if p.Name != nil {
		b.set("name", *p.Name)
	}
	if p.Config != nil {
		if err := b.setJSON("config", p.Config); err != nil {
			return "", nil, err
		}
	}
	if p.Geometry != nil {
		if err := b.setJSON("geometry", p.Geometry); err != nil {
			return "", nil, err
		}
	}
	if p.MarkerCompiled != nil {
		b.set("marker_compiled", *p.MarkerCompiled)
	}
	if p.MarkerURL != nil {
		b.set("marker_url", *p.MarkerURL)
	}
	if p.DescriptorURL != nil {
		b.set("descriptor_url", *p.DescriptorURL)
	}
	if p.VideoOutURL != nil {
		b.set("video_out_url", *p.VideoOutURL)
	}
	if p.MaskOutURL != nil {
		b.set("mask_out_url", *p.MaskOutURL)
	}

	q, args := b.build("ar_project_items",
		map[string]any{"id": itemID, "project_id": projectID},
		[]string{"id", "project_id"})
	return q, args, nil
}
