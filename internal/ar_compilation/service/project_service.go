package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arlens/ar-backend/internal/api/http/middleware"
	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/media"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/arlens/ar-backend/internal/ar_compilation/storage"
)

const DefaultDemoTTL = 24 * time.Hour

// ViewerRegenerator rebuilds geometry and the viewer after a config change.
type ViewerRegenerator interface {
	RegenerateViewer(ctx context.Context, projectID string) error
}

// ProjectService is the API-facing side of AR compilation: it validates
// requests, persists projects and items and hands runs to the job queue.
type ProjectService struct {
	store      ProjectStore
	jobs       JobPublisher
	viewers    ViewerRegenerator
	summaries  SummaryLister
	artifacts  ArtifactStore
	events     EventPublisher
	workDir    string
	demoTTL    time.Duration
	localMedia bool
	now        func() time.Time
}

type ProjectServiceDeps struct {
	Store      ProjectStore
	Jobs       JobPublisher
	Viewers    ViewerRegenerator
	Summaries  SummaryLister
	Artifacts  ArtifactStore
	Events     EventPublisher
	WorkDir    string
	DemoTTL    time.Duration
	// LocalMedia accepts relative media paths, resolved by the fetcher
	// against its media root.
	LocalMedia bool
}

func NewProjectService(deps ProjectServiceDeps) *ProjectService {
	if deps.DemoTTL <= 0 {
		deps.DemoTTL = DefaultDemoTTL
	}
	return &ProjectService{
		store:      deps.Store,
		jobs:       deps.Jobs,
		viewers:    deps.Viewers,
		summaries:  deps.Summaries,
		artifacts:  deps.Artifacts,
		events:     deps.Events,
		workDir:    deps.WorkDir,
		demoTTL:    deps.DemoTTL,
		localMedia: deps.LocalMedia,
		now:        time.Now,
	}
}

// ItemInput describes one marker/video pair.
type ItemInput struct {
	Name     string              `json:"name"`
	PhotoURL string              `json:"photoUrl"`
	VideoURL string              `json:"videoUrl"`
	MaskURL  string              `json:"maskUrl,omitempty"`
	Config   *domain.ConfigPatch `json:"config,omitempty"`
}

// CreateProjectInput is the body of a project creation request.
type CreateProjectInput struct {
	OwnerID   string              `json:"-"`
	Name      string              `json:"name"`
	PhotoURL  string              `json:"photoUrl"`
	VideoURL  string              `json:"videoUrl"`
	MaskURL   string              `json:"maskUrl,omitempty"`
	Recipient string              `json:"recipient,omitempty"`
	Config    *domain.ConfigPatch `json:"config,omitempty"`
	IsDemo    bool                `json:"isDemo"`
	Items     []ItemInput         `json:"items,omitempty"`
}

// CompileRequest either names an existing project or describes a new one.
type CompileRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	CreateProjectInput
}

// ItemStatus is the per-target part of a status response.
type ItemStatus struct {
	ID             string `json:"id"`
	TargetIndex    int    `json:"targetIndex"`
	Name           string `json:"name"`
	MarkerCompiled bool   `json:"markerCompiled"`
}

// StatusView is what clients poll while a project compiles.
type StatusView struct {
	ProjectID         string                 `json:"projectId"`
	Status            domain.Status          `json:"status"`
	Phase             domain.Phase           `json:"phase"`
	Progress          int                    `json:"progress"`
	Artifacts         domain.Artifacts       `json:"artifacts"`
	Geometry          domain.Geometry        `json:"geometry"`
	Metrics           *domain.CompileMetrics `json:"metrics,omitempty"`
	ErrorMessage      *string                `json:"errorMessage"`
	CompilationTimeMs *int64                 `json:"compilationTimeMs,omitempty"`
	Items             []ItemStatus           `json:"items,omitempty"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

func resolveConfig(patch *domain.ConfigPatch) (domain.FitConfig, error) {
	base := domain.DefaultFitConfig()
	if patch == nil {
		return base, nil
	}
	return base.Merge(*patch)
}

// validateMediaURL accepts absolute http(s) URLs. Relative paths are only
// accepted when local media is enabled; the fetcher confines them to its
// media root.
func (s *ProjectService) validateMediaURL(field, v string, required bool) error {
	v = strings.TrimSpace(v)
	if v == "" {
		if required {
			return domain.Validationf("%s is required", field)
		}
		return nil
	}
	if media.IsRemoteURL(v) {
		return nil
	}
	if s.localMedia && !strings.Contains(v, "://") && !filepath.IsAbs(v) && !escapesRoot(v) {
		return nil
	}
	return domain.Validationf("%s must be an http(s) URL", field)
}

func escapesRoot(p string) bool {
	clean := filepath.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func (s *ProjectService) validateMedia(photo, video, mask string) error {
	if err := s.validateMediaURL("photoUrl", photo, true); err != nil {
		return err
	}
	if err := s.validateMediaURL("videoUrl", video, true); err != nil {
		return err
	}
	return s.validateMediaURL("maskUrl", mask, false)
}

func (s *ProjectService) validateItem(in ItemInput) (domain.FitConfig, error) {
	if err := s.validateMedia(in.PhotoURL, in.VideoURL, in.MaskURL); err != nil {
		return domain.FitConfig{}, err
	}
	return resolveConfig(in.Config)
}

// CreateProject validates and stores a new pending project with its items.
func (s *ProjectService) CreateProject(ctx context.Context, in CreateProjectInput) (*domain.ARProject, error) {
	if len(in.Items) == 0 {
		if err := s.validateMedia(in.PhotoURL, in.VideoURL, in.MaskURL); err != nil {
			return nil, err
		}
	}
	cfg, err := resolveConfig(in.Config)
	if err != nil {
		return nil, err
	}
	itemCfgs := make([]domain.FitConfig, len(in.Items))
	for i, it := range in.Items {
		if itemCfgs[i], err = s.validateItem(it); err != nil {
			return nil, err
		}
	}

	p := &domain.ARProject{
		OwnerID:   in.OwnerID,
		Name:      strings.TrimSpace(in.Name),
		Status:    domain.StatusPending,
		PhotoURL:  in.PhotoURL,
		VideoURL:  in.VideoURL,
		MaskURL:   in.MaskURL,
		Recipient: in.Recipient,
		Config:    cfg,
		IsDemo:    in.IsDemo,
	}
	if in.IsDemo {
		exp := s.now().Add(s.demoTTL)
		p.ExpiresAt = &exp
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	for i, it := range in.Items {
		item := &domain.ARProjectItem{
			ProjectID: p.ID,
			Name:      it.Name,
			PhotoURL:  it.PhotoURL,
			VideoURL:  it.VideoURL,
			MaskURL:   it.MaskURL,
			Config:    itemCfgs[i],
		}
		if err := s.store.AddItem(ctx, item); err != nil {
			return nil, err
		}
	}
	NewLogger(ctx).WithProject(p.ID).LogInfof("create_project", "created (items=%d, demo=%t)", len(in.Items), p.IsDemo)
	return p, nil
}

// Compile enqueues a run for an existing project, or creates the project
// first when no id is given.
func (s *ProjectService) Compile(ctx context.Context, req CompileRequest) (*domain.ARProject, error) {
	if req.ProjectID != "" {
		return s.Enqueue(ctx, req.ProjectID, "compile")
	}
	p, err := s.CreateProject(ctx, req.CreateProjectInput)
	if err != nil {
		return nil, err
	}
	return s.Enqueue(ctx, p.ID, "compile")
}

// Recompile resets the project to pending and queues a fresh run.
func (s *ProjectService) Recompile(ctx context.Context, projectID string) (*domain.ARProject, error) {
	return s.Enqueue(ctx, projectID, "recompile")
}

// Enqueue resets the project to pending and publishes a compile job.
func (s *ProjectService) Enqueue(ctx context.Context, projectID, reason string) (*domain.ARProject, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := Runnable(p, items); err != nil {
		return nil, err
	}
	if err := s.resetToPending(ctx, p.ID); err != nil {
		return nil, err
	}

	job := &queue.Job{ProjectID: p.ID, Reason: reason, RequestID: middleware.GetRequestID(ctx)}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue compile job: %w", err)
	}
	NewLogger(ctx).WithProject(p.ID).LogInfof("enqueue", "job %s queued (reason=%s)", job.ID, reason)

	p.Status = domain.StatusPending
	p.Phase = domain.PhaseNone
	p.ErrorMessage = nil
	return p, nil
}

func (s *ProjectService) resetToPending(ctx context.Context, projectID string) error {
	pending := domain.StatusPending
	phase := domain.PhaseNone
	if err := s.store.UpdateProject(ctx, projectID, domain.ProjectPatch{
		Status:            &pending,
		Phase:             &phase,
		ClearErrorMessage: true,
	}); err != nil {
		return err
	}
	s.publish(ctx, projectID, queue.EventStatus, domain.StatusPending)
	return nil
}

// requeue resets after an item change and queues a run when the project is
// still compilable.
func (s *ProjectService) requeue(ctx context.Context, projectID, reason string) error {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	items, err := s.store.ListItems(ctx, projectID)
	if err != nil {
		return err
	}
	if Runnable(p, items) != nil {
		return s.resetToPending(ctx, projectID)
	}
	_, err = s.Enqueue(ctx, projectID, reason)
	return err
}

func (s *ProjectService) GetProject(ctx context.Context, projectID string) (*domain.ARProject, error) {
	return s.store.GetProject(ctx, projectID)
}

func (s *ProjectService) ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.ARProject, error) {
	return s.store.ListProjects(ctx, ownerID, limit)
}

// Status returns the latest persisted state of a project.
func (s *ProjectService) Status(ctx context.Context, projectID string) (*StatusView, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, projectID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ProjectID:         p.ID,
		Status:            p.Status,
		Phase:             p.Phase,
		Progress:          domain.Progress(p.Status, p.Phase),
		Artifacts:         p.Artifacts,
		Geometry:          p.Geometry,
		Metrics:           p.Metrics,
		ErrorMessage:      p.ErrorMessage,
		CompilationTimeMs: p.CompilationTimeMs,
		UpdatedAt:         p.UpdatedAt,
	}
	for _, it := range items {
		view.Items = append(view.Items, ItemStatus{
			ID:             it.ID,
			TargetIndex:    it.TargetIndex,
			Name:           it.Name,
			MarkerCompiled: it.MarkerCompiled,
		})
	}
	return view, nil
}

// PatchConfig merges a config change and regenerates geometry and the
// viewer. Markers are not recompiled.
func (s *ProjectService) PatchConfig(ctx context.Context, projectID string, patch domain.ConfigPatch) (*domain.ARProject, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cfg, err := p.Config.Merge(patch)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateProject(ctx, projectID, domain.ProjectPatch{Config: &cfg}); err != nil {
		return nil, err
	}
	if err := s.viewers.RegenerateViewer(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetProject(ctx, projectID)
}

// AddItem appends a target to the project and queues a recompile.
func (s *ProjectService) AddItem(ctx context.Context, projectID string, in ItemInput) (*domain.ARProjectItem, error) {
	cfg, err := s.validateItem(in)
	if err != nil {
		return nil, err
	}
	it := &domain.ARProjectItem{
		ProjectID: projectID,
		Name:      in.Name,
		PhotoURL:  in.PhotoURL,
		VideoURL:  in.VideoURL,
		MaskURL:   in.MaskURL,
		Config:    cfg,
	}
	if err := s.store.AddItem(ctx, it); err != nil {
		return nil, err
	}
	if err := s.requeue(ctx, projectID, "item_added"); err != nil {
		return nil, err
	}
	return it, nil
}

func (s *ProjectService) ListItems(ctx context.Context, projectID string) ([]domain.ARProjectItem, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, projectID)
}

// PatchItemConfig updates one target's placement and regenerates the viewer.
func (s *ProjectService) PatchItemConfig(ctx context.Context, projectID, itemID string, patch domain.ConfigPatch) (*domain.ARProjectItem, error) {
	it, err := s.store.GetItem(ctx, projectID, itemID)
	if err != nil {
		return nil, err
	}
	cfg, err := it.Config.Merge(patch)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateItem(ctx, projectID, itemID, domain.ItemPatch{Config: &cfg}); err != nil {
		return nil, err
	}
	if err := s.viewers.RegenerateViewer(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetItem(ctx, projectID, itemID)
}

// RemoveItem deletes a target. The project goes back to pending.
func (s *ProjectService) RemoveItem(ctx context.Context, projectID, itemID string) error {
	if err := s.store.DeleteItem(ctx, projectID, itemID); err != nil {
		return err
	}
	return s.requeue(ctx, projectID, "item_removed")
}

// DeleteProject removes the record, its published artifacts and its work
// directory.
func (s *ProjectService) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	logger := NewLogger(ctx).WithProject(projectID)
	if s.artifacts != nil {
		if err := s.artifacts.DeletePrefix(ctx, storage.ProjectKey(projectID)); err != nil {
			logger.LogWarnf("delete_project", "artifacts not removed: %v", err)
		}
	}
	if s.workDir != "" {
		if err := os.RemoveAll(filepath.Join(s.workDir, projectID)); err != nil {
			logger.LogWarnf("delete_project", "work dir not removed: %v", err)
		}
	}
	s.publish(ctx, projectID, queue.EventDeleted, "")
	return nil
}

// ExpireDemos deletes demo projects whose expiry has passed and returns how
// many were removed.
func (s *ProjectService) ExpireDemos(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredDemos(ctx, s.now())
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, id := range ids {
		if err := s.DeleteProject(ctx, id); err != nil && !errors.Is(err, domain.ErrProjectNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Summaries lists finished runs for the given projects, newest first.
func (s *ProjectService) Summaries(ctx context.Context, projectIDs []string, limit int) ([]domain.CompilationSummary, error) {
	if s.summaries == nil {
		return nil, nil
	}
	return s.summaries.ListByProjects(ctx, projectIDs, limit)
}

func (s *ProjectService) publish(ctx context.Context, projectID, eventType string, status domain.Status) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, queue.Event{
		ProjectID: projectID,
		Type:      eventType,
		Status:    string(status),
		Progress:  domain.Progress(status, domain.PhaseNone),
	})
	if err != nil {
		NewLogger(ctx).WithProject(projectID).LogWarnf("publish_event", "%v", err)
	}
}
