package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/descriptor"
	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/marker"
	"github.com/arlens/ar-backend/internal/ar_compilation/media"
	"github.com/arlens/ar-backend/internal/ar_compilation/notify"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/arlens/ar-backend/internal/ar_compilation/repository"
	"github.com/arlens/ar-backend/internal/ar_compilation/viewer"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeFetcher hands back the source as the local path and records the
// directory each file was fetched into.
type fakeFetcher struct {
	mu   sync.Mutex
	dirs []string
}

func (f *fakeFetcher) Fetch(_ context.Context, src, dir, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, dir)
	return src, nil
}

type fakeProber struct {
	meta map[string]media.Metadata
}

func (f *fakeProber) Probe(_ context.Context, path string) (media.Metadata, error) {
	m, ok := f.meta[path]
	if !ok {
		return media.Metadata{}, domain.NewError(domain.ErrUnreadableMedia, "probe", fmt.Errorf("no dimensions for %s", path))
	}
	return m, nil
}

func dims(w, h int) media.Metadata {
	return media.Metadata{Width: w, Height: h, AspectRatio: float64(w) / float64(h)}
}

type videoCall struct {
	op       string
	in, out  string
	targetAR float64
	region   domain.Region
}

type fakeVideo struct {
	mu    sync.Mutex
	calls []videoCall
	err   error
}

func (f *fakeVideo) CropToAspectRatio(_ context.Context, in, out string, ar float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, videoCall{op: "aspect", in: in, out: out, targetAR: ar})
	return f.err
}

func (f *fakeVideo) CropByNormalizedRegion(_ context.Context, in, out string, r domain.Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, videoCall{op: "region", in: in, out: out, region: r})
	return f.err
}

func (f *fakeVideo) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeEnhancer struct {
	fail bool
}

func (f *fakeEnhancer) EnhanceWithTag(photo, _ string) marker.Result {
	if f.fail {
		return marker.Result{Path: photo}
	}
	return marker.Result{Path: photo + "_enhanced.png", Applied: true, BorderPx: 120, Seed: 42}
}

func (f *fakeEnhancer) CropBorder(enhanced string, _ int) (string, error) {
	return strings.TrimSuffix(enhanced, "_enhanced.png") + "_cropped.png", nil
}

// fakeDescriptor compiles instantly unless told to fail or to hang until
// its context ends.
type fakeDescriptor struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	hang    bool
	stall   time.Duration
	started chan struct{}
}

func (f *fakeDescriptor) Compile(ctx context.Context, imagePath string) (*descriptor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, imagePath)
	started := f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if f.hang {
		<-ctx.Done()
		return nil, domain.NewError(domain.ErrDescriptorCompilation, "descriptor_compile", ctx.Err())
	}
	if f.stall > 0 && !sleep(ctx, f.stall) {
		return nil, domain.NewError(domain.ErrDescriptorCompilation, "descriptor_compile", ctx.Err())
	}
	if f.failOn != "" && strings.Contains(imagePath, f.failOn) {
		return nil, domain.NewError(domain.ErrDescriptorCompilation, "descriptor_compile", fmt.Errorf("compiler returned 500"))
	}
	return &descriptor.Result{Descriptor: []byte("MIND" + imagePath), SizeBytes: 2048, TimeMs: 900}, nil
}

func (f *fakeDescriptor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeViewer struct {
	mu      sync.Mutex
	configs []viewer.Config
	err     error
}

func (f *fakeViewer) Generate(cfg viewer.Config, outPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.configs = append(f.configs, cfg)
	return outPath, nil
}

func (f *fakeViewer) last() viewer.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[len(f.configs)-1]
}

type fakeQR struct {
	urls []string
}

func (f *fakeQR) Encode(url, outPath string) (string, error) {
	f.urls = append(f.urls, url)
	return outPath, nil
}

// fakeArtifacts records published keys and serves them from a fixed CDN.
type fakeArtifacts struct {
	mu        sync.Mutex
	published map[string]string
	deleted   []string
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{published: make(map[string]string)}
}

func (f *fakeArtifacts) Publish(_ context.Context, key, localPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[key] = localPath
	return "https://cdn.test/" + key, nil
}

func (f *fakeArtifacts) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, prefix)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type fakeSummaries struct {
	mu      sync.Mutex
	records []domain.CompilationSummary
}

func (f *fakeSummaries) Record(_ context.Context, s *domain.CompilationSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *s)
	return nil
}

func (f *fakeSummaries) ListByProjects(_ context.Context, ids []string, _ int) ([]domain.CompilationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CompilationSummary
	for _, r := range f.records {
		for _, id := range ids {
			if r.ProjectID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []queue.Event
}

func (f *fakeEvents) Publish(_ context.Context, ev queue.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (f *fakeJobs) Enqueue(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	f.jobs = append(f.jobs, *job)
	return nil
}

// phaseRecordingStore remembers every phase written, in order.
type phaseRecordingStore struct {
	*repository.MemoryStore
	mu     sync.Mutex
	phases []domain.Phase
}

func (s *phaseRecordingStore) UpdateProject(ctx context.Context, id string, patch domain.ProjectPatch) error {
	if patch.Phase != nil {
		s.mu.Lock()
		s.phases = append(s.phases, *patch.Phase)
		s.mu.Unlock()
	}
	return s.MemoryStore.UpdateProject(ctx, id, patch)
}

// harness wires an orchestrator to fakes around an in-memory store.
type harness struct {
	store      *phaseRecordingStore
	fetcher    *fakeFetcher
	prober     *fakeProber
	video      *fakeVideo
	enhancer   *fakeEnhancer
	descriptor *fakeDescriptor
	viewer     *fakeViewer
	qr         *fakeQR
	artifacts  *fakeArtifacts
	notifier   *fakeNotifier
	summaries  *fakeSummaries
	events     *fakeEvents
	metrics    *Metrics
	opts       Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		store:      &phaseRecordingStore{MemoryStore: repository.NewMemoryStore()},
		fetcher:    &fakeFetcher{},
		prober:     &fakeProber{meta: map[string]media.Metadata{}},
		video:      &fakeVideo{},
		enhancer:   &fakeEnhancer{},
		descriptor: &fakeDescriptor{},
		viewer:     &fakeViewer{},
		qr:         &fakeQR{},
		artifacts:  newFakeArtifacts(),
		notifier:   &fakeNotifier{},
		summaries:  &fakeSummaries{},
		events:     &fakeEvents{},
		metrics:    NewMetrics(prometheus.NewRegistry()),
		opts: Options{
			WorkDir:         t.TempDir(),
			PublicBaseURL:   "https://ar.example.com/",
			WatchdogTimeout: 5 * time.Second,
			WatchdogGrace:   time.Second,
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(Deps{
		Store:      h.store,
		Fetcher:    h.fetcher,
		Prober:     h.prober,
		Video:      h.video,
		Enhancer:   h.enhancer,
		Descriptor: h.descriptor,
		Viewer:     h.viewer,
		QR:         h.qr,
		Artifacts:  h.artifacts,
		Notifier:   h.notifier,
		Summaries:  h.summaries,
		Events:     h.events,
		Metrics:    h.metrics,
	}, h.opts)
}

// project stores a pending single-target project with the given media
// dimensions.
func (h *harness) project(t *testing.T, photoW, photoH, videoW, videoH int, cfg domain.FitConfig) *domain.ARProject {
	t.Helper()
	photo := filepath.Join("/media", t.Name(), "photo.jpg")
	video := filepath.Join("/media", t.Name(), "video.mp4")
	h.prober.meta[photo] = dims(photoW, photoH)
	h.prober.meta[video] = dims(videoW, videoH)

	p := &domain.ARProject{
		PhotoURL:  photo,
		VideoURL:  video,
		Config:    cfg,
		Recipient: "device-token-1",
	}
	if err := h.store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (h *harness) item(t *testing.T, projectID, name string, w, h2 int) *domain.ARProjectItem {
	t.Helper()
	photo := "/media/" + name + "/photo.png"
	video := "/media/" + name + "/video.mp4"
	h.prober.meta[photo] = dims(w, h2)
	h.prober.meta[video] = dims(1920, 1080)

	it := &domain.ARProjectItem{
		ProjectID: projectID,
		Name:      name,
		PhotoURL:  photo,
		VideoURL:  video,
		Config:    domain.DefaultFitConfig(),
	}
	if err := h.store.AddItem(context.Background(), it); err != nil {
		t.Fatalf("add item: %v", err)
	}
	return it
}
