package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/geometry"
	"github.com/arlens/ar-backend/internal/ar_compilation/notify"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/arlens/ar-backend/internal/ar_compilation/viewer"
)

const (
	DefaultWatchdogTimeout = 240 * time.Second
	DefaultWatchdogGrace   = 60 * time.Second

	terminalWriteTimeout = 10 * time.Second
)

// Options tunes the orchestrator.
type Options struct {
	WorkDir       string
	PublicBaseURL string
	// WatchdogTimeout is the run ceiling. When it passes the project is
	// marked failed while the run keeps going.
	WatchdogTimeout time.Duration
	// WatchdogGrace bounds how long the run may continue after the
	// watchdog fired before its context is cancelled.
	WatchdogGrace  time.Duration
	MarkerTag      bool
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if o.WatchdogGrace <= 0 {
		o.WatchdogGrace = DefaultWatchdogGrace
	}
	if o.WorkDir == "" {
		o.WorkDir = filepath.Join(os.TempDir(), "ar-work")
	}
	return o
}

// Deps are the collaborators of the orchestrator. Notifier, Summaries and
// Events are optional.
type Deps struct {
	Store      ProjectStore
	Fetcher    MediaFetcher
	Prober     MediaProber
	Video      VideoProcessor
	Enhancer   MarkerEnhancer
	Descriptor DescriptorCompiler
	Viewer     ViewerGenerator
	QR         QREncoder
	Artifacts  ArtifactStore
	Notifier   Notifier
	Summaries  SummaryRecorder
	Events     EventPublisher
	Metrics    *Metrics
}

// Orchestrator drives one project from processing to ready or error.
type Orchestrator struct {
	store       ProjectStore
	pipe        *pipeline
	coordinator *Coordinator
	notifier    Notifier
	summaries   SummaryRecorder
	events      EventPublisher
	metrics     *Metrics
	opts        Options
	now         func() time.Time
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	pipe := &pipeline{
		fetcher:    deps.Fetcher,
		prober:     deps.Prober,
		video:      deps.Video,
		enhancer:   deps.Enhancer,
		descriptor: deps.Descriptor,
		viewer:     deps.Viewer,
		qr:         deps.QR,
		artifacts:  deps.Artifacts,
		metrics:    deps.Metrics,
		opts:       opts,
	}
	return &Orchestrator{
		store:       deps.Store,
		pipe:        pipe,
		coordinator: &Coordinator{pipe: pipe, store: deps.Store},
		notifier:    deps.Notifier,
		summaries:   deps.Summaries,
		events:      deps.Events,
		metrics:     deps.Metrics,
		opts:        opts,
		now:         time.Now,
	}
}

// runResult is what a successful pipeline hands back for persisting.
type runResult struct {
	artifacts      domain.Artifacts
	geometry       *domain.Geometry
	descriptorSize int64
}

// Compile runs the whole pipeline for one project. It returns
// ErrProjectNotFound without writing anything when the project is missing.
func (o *Orchestrator) Compile(ctx context.Context, projectID, reason string) error {
	logger := NewLogger(ctx).WithProject(projectID)

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	items, err := o.store.ListItems(ctx, projectID)
	if err != nil {
		return err
	}

	start := o.now()
	if err := Runnable(p, items); err != nil {
		logger.LogError("compile", err)
		if werr := o.writeFailure(ctx, p.ID, start, err.Error()); werr != nil {
			return werr
		}
		return err
	}

	processing := domain.StatusProcessing
	phase := domain.PhaseNone
	notSent := false
	if err := o.store.UpdateProject(ctx, p.ID, domain.ProjectPatch{
		Status:               &processing,
		Phase:                &phase,
		CompilationStartedAt: &start,
		ClearErrorMessage:    true,
		NotificationSent:     &notSent,
	}); err != nil {
		logger.LogError("mark_processing", err)
		return err
	}
	o.publish(ctx, p.ID, domain.StatusProcessing, domain.PhaseNone, "")
	logger.LogInfof("compile", "started (reason=%s, targets=%d)", reason, max(len(items), 1))

	run := &compilationRun{
		project: p,
		items:   items,
		reason:  reason,
		start:   start,
		dir:     filepath.Join(o.opts.WorkDir, p.ID),
		log:     logger,
	}
	run.phases = newPhaseTracker(o.now, func(ctx context.Context, ph domain.Phase) error {
		if err := o.store.UpdateProject(ctx, p.ID, domain.ProjectPatch{Phase: &ph}); err != nil {
			return err
		}
		run.eventMu.Lock()
		defer run.eventMu.Unlock()
		select {
		case <-run.watchdog.Expired():
			// The project is already in error; subscribers saw it.
		default:
			o.publish(ctx, p.ID, domain.StatusProcessing, ph, "")
		}
		return nil
	})

	o.metrics.inFlight.Inc()
	defer o.metrics.inFlight.Dec()

	runCtx, cancel := context.WithTimeout(ctx, o.opts.WatchdogTimeout+o.opts.WatchdogGrace)
	defer cancel()
	run.watchdog = startWatchdog(o.opts.WatchdogTimeout, func() { o.expire(ctx, run) })

	res, runErr := o.execute(runCtx, run)
	stopped := run.watchdog.Stop()

	if runErr != nil {
		if !stopped {
			// The watchdog already wrote the terminal error.
			logger.LogWarnf("compile", "run failed after watchdog expiry: %v", runErr)
			o.finishRun(ctx, run, domain.OutcomeTimeout, 0, runErr.Error())
			return domain.NewError(domain.ErrCompilationTimeout, "compile", runErr)
		}
		return o.fail(ctx, run, runErr)
	}
	if !stopped {
		logger.LogWarnf("compile", "run finished after watchdog expiry, overwriting timeout")
	}
	return o.succeed(ctx, run, res)
}

func (o *Orchestrator) execute(ctx context.Context, run *compilationRun) (*runResult, error) {
	if err := os.MkdirAll(run.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if len(run.items) > 0 {
		return o.coordinator.CompileProject(ctx, run)
	}
	return o.compileSingle(ctx, run)
}

func (o *Orchestrator) compileSingle(ctx context.Context, run *compilationRun) (*runResult, error) {
	p := run.project
	in := targetInput{
		index:    0,
		photoURL: p.PhotoURL,
		videoURL: p.VideoURL,
		maskURL:  p.MaskURL,
		config:   p.Config.WithDefaults(),
		dir:      run.dir,
	}

	prepared, err := o.pipe.prepareMedia(ctx, run, in)
	if err != nil {
		return nil, err
	}
	run.metrics.TranscodeFallback = prepared.fallback
	if err := run.phases.advance(ctx, domain.PhaseMediaPrepared); err != nil {
		return nil, err
	}

	if err := run.phases.advance(ctx, domain.PhaseMarkerCompiling); err != nil {
		return nil, err
	}
	compiled, err := o.pipe.compileMarker(ctx, run, prepared)
	if err != nil {
		return nil, err
	}
	run.metrics.MarkerEnhanced = compiled.enhanced
	run.metrics.BorderPx = compiled.borderPx
	run.metrics.DescriptorSizeBytes = compiled.sizeBytes
	run.metrics.DescriptorTimeMs = compiled.timeMs
	run.metrics.Targets = 1
	if err := run.phases.advance(ctx, domain.PhaseMarkerCompiled); err != nil {
		return nil, err
	}

	arts, err := o.pipe.publishViewer(ctx, run, []*compiledTarget{compiled})
	if err != nil {
		return nil, err
	}
	geom := prepared.geometry
	return &runResult{artifacts: arts, geometry: &geom, descriptorSize: compiled.sizeBytes}, nil
}

// expire is the watchdog handler. It marks the project failed regardless
// of what the run is doing.
func (o *Orchestrator) expire(ctx context.Context, run *compilationRun) {
	msg := fmt.Sprintf("compilation timeout: exceeded %s", o.opts.WatchdogTimeout)
	run.log.LogWarnf("watchdog", "%s", msg)
	o.metrics.watchdogExpiries.Inc()
	run.eventMu.Lock()
	defer run.eventMu.Unlock()
	if err := o.writeFailure(ctx, run.project.ID, run.start, msg); err != nil {
		run.log.LogError("watchdog", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, run *compilationRun, runErr error) error {
	run.log.LogError("compile", runErr)
	msg := runErr.Error()
	if err := o.writeFailure(ctx, run.project.ID, run.start, msg); err != nil {
		run.log.LogError("mark_error", err)
		return errors.Join(runErr, err)
	}
	o.finishRun(ctx, run, domain.OutcomeError, 0, msg)
	return runErr
}

func (o *Orchestrator) writeFailure(ctx context.Context, projectID string, start time.Time, msg string) error {
	ctx, cancel := terminalContext(ctx)
	defer cancel()

	status := domain.StatusError
	finished := o.now()
	elapsed := finished.Sub(start).Milliseconds()
	if err := o.store.UpdateProject(ctx, projectID, domain.ProjectPatch{
		Status:                &status,
		ErrorMessage:          &msg,
		CompilationFinishedAt: &finished,
		CompilationTimeMs:     &elapsed,
	}); err != nil {
		return err
	}
	o.publish(ctx, projectID, domain.StatusError, "", msg)
	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, run *compilationRun, res *runResult) error {
	if !res.artifacts.Complete() {
		return o.fail(ctx, run, fmt.Errorf("run finished without a complete artifact set"))
	}

	wctx, cancel := terminalContext(ctx)
	defer cancel()

	phase, history := run.phases.snapshot()
	run.metrics.PhaseHistory = history
	metrics := run.metrics
	status := domain.StatusReady
	finished := o.now()
	elapsed := finished.Sub(run.start).Milliseconds()
	if err := o.store.UpdateProject(wctx, run.project.ID, domain.ProjectPatch{
		Status:                &status,
		Phase:                 &phase,
		Artifacts:             &res.artifacts,
		Geometry:              res.geometry,
		Metrics:               &metrics,
		CompilationFinishedAt: &finished,
		CompilationTimeMs:     &elapsed,
		ClearErrorMessage:     true,
	}); err != nil {
		run.log.LogError("mark_ready", err)
		return err
	}
	o.publish(wctx, run.project.ID, domain.StatusReady, phase, "")
	run.log.LogInfof("compile", "ready in %dms", elapsed)

	o.notifyReady(wctx, run, res.artifacts, &metrics)
	o.finishRun(wctx, run, domain.OutcomeReady, res.descriptorSize, "")
	return nil
}

// notifyReady is best-effort; failures are logged and counted only.
func (o *Orchestrator) notifyReady(ctx context.Context, run *compilationRun, arts domain.Artifacts, metrics *domain.CompileMetrics) {
	if o.notifier == nil || run.project.Recipient == "" {
		return
	}
	err := o.notifier.Notify(ctx, notify.Notification{
		Recipient:   run.project.Recipient,
		ProjectID:   run.project.ID,
		ViewURL:     arts.ViewURL,
		QRImageURL:  arts.QRCodeURL,
		QRImagePath: filepath.Join(run.dir, "qr.png"),
		Metrics:     metrics,
	})
	if err != nil {
		o.metrics.notificationFailures.Inc()
		run.log.LogWarnf("notify", "notification failed: %v", err)
		return
	}
	sent := true
	if err := o.store.UpdateProject(ctx, run.project.ID, domain.ProjectPatch{NotificationSent: &sent}); err != nil {
		run.log.LogError("mark_notified", err)
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, run *compilationRun, outcome domain.Outcome, descriptorSize int64, msg string) {
	elapsed := o.now().Sub(run.start)
	o.metrics.runFinished(outcome, elapsed)
	if o.summaries == nil {
		return
	}

	metrics := run.metrics
	s := &domain.CompilationSummary{
		ProjectID:           run.project.ID,
		Outcome:             outcome,
		Reason:              run.reason,
		DurationMs:          elapsed.Milliseconds(),
		DescriptorSizeBytes: descriptorSize,
		FitMode:             run.project.Config.WithDefaults().FitMode,
		Targets:             max(len(run.items), 1),
		ErrorMessage:        msg,
		Metrics:             &metrics,
	}
	wctx, cancel := terminalContext(ctx)
	defer cancel()
	if err := o.summaries.Record(wctx, s); err != nil {
		run.log.LogError("record_summary", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, projectID string, status domain.Status, phase domain.Phase, msg string) {
	if o.events == nil {
		return
	}
	err := o.events.Publish(ctx, queue.Event{
		ProjectID:    projectID,
		Type:         queue.EventStatus,
		Status:       string(status),
		Phase:        string(phase),
		Progress:     domain.Progress(status, phase),
		ErrorMessage: msg,
	})
	if err != nil {
		NewLogger(ctx).WithProject(projectID).LogWarnf("publish_event", "%v", err)
	}
}

// RegenerateViewer recomputes plane geometry from the stored aspect ratios
// and, for ready projects, rewrites the viewer page. Markers and video are
// left untouched.
func (o *Orchestrator) RegenerateViewer(ctx context.Context, projectID string) error {
	logger := NewLogger(ctx).WithProject(projectID)

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	items, err := o.store.ListItems(ctx, projectID)
	if err != nil {
		return err
	}

	var targets []viewer.Target
	if len(items) == 0 {
		geom, changed := refit(p.Geometry, p.Config.WithDefaults())
		if changed {
			if err := o.store.UpdateProject(ctx, p.ID, domain.ProjectPatch{Geometry: &geom}); err != nil {
				return err
			}
		}
		targets = append(targets, viewer.Target{
			Index:     0,
			VideoURL:  p.Artifacts.VideoURL,
			MaskURL:   p.Artifacts.MaskURL,
			Width:     planeOrDefault(geom.ScaleWidth, 1),
			Height:    planeOrDefault(geom.ScaleHeight, 1),
			Config:    p.Config.WithDefaults(),
			MarkerURL: p.Artifacts.MarkerURL,
		})
	} else {
		for _, it := range items {
			geom, changed := refit(it.Geometry, it.Config.WithDefaults())
			if changed {
				if err := o.store.UpdateItem(ctx, p.ID, it.ID, domain.ItemPatch{Geometry: &geom}); err != nil {
					return err
				}
			}
			targets = append(targets, viewer.Target{
				Index:     it.TargetIndex,
				VideoURL:  it.VideoOutURL,
				MaskURL:   it.MaskOutURL,
				Width:     planeOrDefault(geom.ScaleWidth, 1),
				Height:    planeOrDefault(geom.ScaleHeight, 1),
				Config:    it.Config.WithDefaults(),
				MarkerURL: it.MarkerURL,
			})
		}
	}

	if p.Status != domain.StatusReady {
		logger.LogInfof("regenerate_viewer", "project is %s, viewer will be built by the next run", p.Status)
		return nil
	}

	dir := filepath.Join(o.opts.WorkDir, p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	path, err := o.pipe.viewer.Generate(viewer.Config{
		ProjectID:      p.ID,
		Title:          p.Name,
		DescriptorURLs: p.Artifacts.DescriptorURLs,
		Targets:        targets,
		AllowedOrigins: o.opts.AllowedOrigins,
	}, filepath.Join(dir, "index.html"))
	if err != nil {
		return fmt.Errorf("generate viewer: %w", err)
	}
	run := &compilationRun{project: p}
	url, err := o.pipe.publish(ctx, run, targetInput{}, "index.html", path)
	if err != nil {
		return err
	}
	if url != p.Artifacts.ViewerArtifactURL {
		arts := p.Artifacts
		arts.ViewerArtifactURL = url
		if err := o.store.UpdateProject(ctx, p.ID, domain.ProjectPatch{Artifacts: &arts}); err != nil {
			return err
		}
	}
	logger.LogInfof("regenerate_viewer", "viewer rewritten for %d target(s)", len(targets))
	return nil
}

// refit recomputes the plane for cfg. A video that was already cropped is
// displayed at the photo's aspect ratio.
func refit(g domain.Geometry, cfg domain.FitConfig) (domain.Geometry, bool) {
	if g.PhotoAspectRatio <= 0 || g.VideoAspectRatio <= 0 {
		return g, false
	}
	videoAR := g.VideoAspectRatio
	if g.VideoCropped {
		videoAR = g.PhotoAspectRatio
	}
	fit, err := geometry.Resolve(g.PhotoAspectRatio, videoAR, cfg.FitMode)
	if err != nil {
		return g, false
	}
	out := g
	out.ScaleWidth = fit.Plane.Width
	out.ScaleHeight = fit.Plane.Height
	out.EffectiveFitMode = fit.Effective
	return out, out != g
}

func planeOrDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// Runnable reports whether p has enough media to compile.
func Runnable(p *domain.ARProject, items []domain.ARProjectItem) error {
	if len(items) > 0 {
		for _, it := range items {
			if it.PhotoURL == "" || it.VideoURL == "" {
				return domain.Validationf("item %d is missing its photo or video", it.TargetIndex)
			}
		}
		return nil
	}
	if p.PhotoURL == "" || p.VideoURL == "" {
		return domain.Validationf("project needs a photo and a video")
	}
	return nil
}

// terminalContext detaches terminal writes from the run's cancellation so
// the final status always lands.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}
