package service

import (
	"context"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/descriptor"
	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/marker"
	"github.com/arlens/ar-backend/internal/ar_compilation/media"
	"github.com/arlens/ar-backend/internal/ar_compilation/notify"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/arlens/ar-backend/internal/ar_compilation/storage"
	"github.com/arlens/ar-backend/internal/ar_compilation/viewer"
)

// ProjectStore persists projects and their items. Updates are targeted
// field patches.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *domain.ARProject) error
	GetProject(ctx context.Context, id string) (*domain.ARProject, error)
	ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.ARProject, error)
	UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) error
	DeleteProject(ctx context.Context, id string) error
	ListExpiredDemos(ctx context.Context, now time.Time) ([]string, error)

	AddItem(ctx context.Context, it *domain.ARProjectItem) error
	GetItem(ctx context.Context, projectID, itemID string) (*domain.ARProjectItem, error)
	ListItems(ctx context.Context, projectID string) ([]domain.ARProjectItem, error)
	UpdateItem(ctx context.Context, projectID, itemID string, patch domain.ItemPatch) error
	DeleteItem(ctx context.Context, projectID, itemID string) error
}

type MediaFetcher interface {
	Fetch(ctx context.Context, src, dir, name string) (string, error)
}

type MediaProber interface {
	Probe(ctx context.Context, path string) (media.Metadata, error)
}

type VideoProcessor interface {
	CropToAspectRatio(ctx context.Context, inPath, outPath string, targetAR float64) error
	CropByNormalizedRegion(ctx context.Context, inPath, outPath string, region domain.Region) error
}

type MarkerEnhancer interface {
	EnhanceWithTag(photoPath, tag string) marker.Result
	CropBorder(enhancedPath string, thicknessPx int) (string, error)
}

type DescriptorCompiler interface {
	Compile(ctx context.Context, imagePath string) (*descriptor.Result, error)
}

type ViewerGenerator interface {
	Generate(cfg viewer.Config, outPath string) (string, error)
}

type QREncoder interface {
	Encode(url, outPath string) (string, error)
}

type ArtifactStore = storage.ArtifactStore

type Notifier = notify.Notifier

type SummaryRecorder interface {
	Record(ctx context.Context, s *domain.CompilationSummary) error
}

type SummaryLister interface {
	ListByProjects(ctx context.Context, projectIDs []string, limit int) ([]domain.CompilationSummary, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

type JobPublisher interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

type JobSource interface {
	Dequeue(ctx context.Context, wait time.Duration) (*queue.Job, error)
}

type RunLocker interface {
	Acquire(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, projectID, owner string) error
}
