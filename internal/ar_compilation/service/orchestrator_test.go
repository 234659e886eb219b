package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_SquarePhotoWideVideoEndsReady(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, 1000, 1000, 1920, 1080, domain.DefaultFitConfig())
	ctx := context.Background()

	require.NoError(t, h.orchestrator().Compile(ctx, p.ID, "api"))

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
	assert.Equal(t, domain.PhaseQRGenerated, got.Phase)
	assert.Nil(t, got.ErrorMessage)
	assert.True(t, got.Artifacts.Complete())
	assert.Equal(t, "https://ar.example.com/ar/view/"+p.ID, got.Artifacts.ViewURL)
	assert.NotEmpty(t, got.Artifacts.ViewerArtifactURL)
	assert.NotEmpty(t, got.Artifacts.QRCodeURL)
	require.NotNil(t, got.CompilationTimeMs)
	require.NotNil(t, got.CompilationFinishedAt)

	// contain on a square marker with a 16:9 video escalates to cover.
	assert.Equal(t, domain.FitCover, got.Geometry.EffectiveFitMode)
	assert.InDelta(t, 1.0, got.Geometry.ScaleWidth, 1e-9)
	assert.InDelta(t, 1.0, got.Geometry.ScaleHeight, 1e-9)
	assert.True(t, got.Geometry.VideoCropped)

	require.Len(t, h.video.calls, 1)
	assert.Equal(t, "aspect", h.video.calls[0].op)
	assert.InDelta(t, 1.0, h.video.calls[0].targetAR, 1e-9)

	cfg := h.viewer.last()
	require.Len(t, cfg.Targets, 1)
	assert.InDelta(t, 1.0, cfg.Targets[0].Width, 1e-9)
	assert.InDelta(t, 1.0, cfg.Targets[0].Height, 1e-9)
	assert.Equal(t, []string{"https://cdn.test/ar/" + p.ID + "/targets.mind"}, cfg.DescriptorURLs)
	assert.Equal(t, "https://cdn.test/ar/"+p.ID+"/marker.png", cfg.Targets[0].MarkerURL)
	assert.Equal(t, "https://cdn.test/ar/"+p.ID+"/video.mp4", cfg.Targets[0].VideoURL)
	assert.Equal(t, []string{got.Artifacts.ViewURL}, h.qr.urls)

	// The descriptor is compiled from the bordered composite.
	require.Len(t, h.descriptor.calls, 1)
	assert.Contains(t, h.descriptor.calls[0], "_enhanced.png")

	require.NotNil(t, got.Metrics)
	assert.True(t, got.Metrics.MarkerEnhanced)
	assert.Equal(t, 120, got.Metrics.BorderPx)
	assert.Equal(t, int64(2048), got.Metrics.DescriptorSizeBytes)
	assert.Len(t, got.Metrics.PhaseHistory, 5)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "device-token-1", h.notifier.sent[0].Recipient)
	assert.Equal(t, got.Artifacts.ViewURL, h.notifier.sent[0].ViewURL)
	assert.True(t, got.NotificationSent)

	require.Len(t, h.summaries.records, 1)
	assert.Equal(t, domain.OutcomeReady, h.summaries.records[0].Outcome)
	assert.Equal(t, int64(2048), h.summaries.records[0].DescriptorSizeBytes)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.runs.WithLabelValues("ready")))
}

func TestOrchestrator_MatchingAspectRatiosSkipVideoProcessing(t *testing.T) {
	h := newHarness(t)
	cfg := domain.DefaultFitConfig()
	cfg.FitMode = domain.FitCover
	// photo AR 1.00, video AR 1.04
	p := h.project(t, 1000, 1000, 1040, 1000, cfg)

	require.NoError(t, h.orchestrator().Compile(context.Background(), p.ID, "api"))

	assert.Zero(t, h.video.callCount())
	got, err := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
	assert.False(t, got.Geometry.VideoCropped)
}

func TestOrchestrator_VideoRegionIsFittedToMarker(t *testing.T) {
	h := newHarness(t)
	cfg := domain.DefaultFitConfig()
	cfg.FitMode = domain.FitCover
	cfg.VideoRegion = &domain.Region{X: 0, Y: 0, W: 0.5, H: 1}
	p := h.project(t, 1000, 1000, 1920, 1080, cfg)

	require.NoError(t, h.orchestrator().Compile(context.Background(), p.ID, "api"))

	require.Len(t, h.video.calls, 1)
	call := h.video.calls[0]
	assert.Equal(t, "region", call.op)
	// 960x1080 region narrowed to a 960x960 square.
	assert.InDelta(t, 0.5*1920/(call.region.H*1080), 1.0, 1e-9)
}

func TestOrchestrator_TranscodeTimeoutFallsBackToSourceVideo(t *testing.T) {
	h := newHarness(t)
	h.video.err = domain.NewError(domain.ErrTranscodingTimeout, "crop_aspect", errors.New("ffmpeg exceeded 60s"))
	p := h.project(t, 1000, 1000, 1920, 1080, domain.DefaultFitConfig())

	require.NoError(t, h.orchestrator().Compile(context.Background(), p.ID, "api"))

	got, err := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
	assert.True(t, got.Metrics.TranscodeFallback)
	assert.False(t, got.Geometry.VideoCropped)
	assert.Equal(t, p.VideoURL, h.artifacts.published["ar/"+p.ID+"/video.mp4"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.transcodeFallbacks))
}

func TestOrchestrator_TranscodeFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.video.err = errors.New("crop_aspect: exit status 1")
	p := h.project(t, 1000, 1000, 1920, 1080, domain.DefaultFitConfig())

	err := h.orchestrator().Compile(context.Background(), p.ID, "api")
	require.Error(t, err)

	got, gerr := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusError, got.Status)
}

func TestOrchestrator_DescriptorFailureMarksError(t *testing.T) {
	h := newHarness(t)
	h.descriptor.failOn = "photo"
	p := h.project(t, 800, 600, 800, 600, domain.DefaultFitConfig())

	err := h.orchestrator().Compile(context.Background(), p.ID, "api")
	assert.ErrorIs(t, err, domain.ErrDescriptorCompilation)

	got, gerr := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "descriptor compilation failure")
	assert.False(t, got.Artifacts.Complete())
	assert.Equal(t, domain.PhaseMarkerCompiling, got.Phase)
	assert.Empty(t, h.notifier.sent)

	require.Len(t, h.summaries.records, 1)
	assert.Equal(t, domain.OutcomeError, h.summaries.records[0].Outcome)
	assert.NotEmpty(t, h.summaries.records[0].ErrorMessage)
}

func TestOrchestrator_WatchdogMarksHungRunAsTimedOut(t *testing.T) {
	h := newHarness(t)
	h.opts.WatchdogTimeout = 50 * time.Millisecond
	h.opts.WatchdogGrace = 300 * time.Millisecond
	h.descriptor.hang = true
	h.descriptor.started = make(chan struct{}, 1)
	p := h.project(t, 1000, 1000, 1000, 1000, domain.DefaultFitConfig())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.orchestrator().Compile(ctx, p.ID, "api") }()

	<-h.descriptor.started
	// The watchdog writes the error while the descriptor call is still in
	// flight.
	assert.Eventually(t, func() bool {
		got, err := h.store.GetProject(ctx, p.ID)
		return err == nil && got.Status == domain.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("compile did not return after the grace period")
	}
	assert.ErrorIs(t, err, domain.ErrCompilationTimeout)

	got, gerr := h.store.GetProject(ctx, p.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "timeout")
	assert.False(t, got.Artifacts.Complete())
	assert.Empty(t, h.viewer.configs)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.watchdogExpiries))

	require.Len(t, h.summaries.records, 1)
	assert.Equal(t, domain.OutcomeTimeout, h.summaries.records[0].Outcome)
}

func TestOrchestrator_NoProcessingEventsAfterWatchdogExpiry(t *testing.T) {
	h := newHarness(t)
	h.opts.WatchdogTimeout = 50 * time.Millisecond
	h.opts.WatchdogGrace = 2 * time.Second
	// the run outlives the watchdog but still finishes inside the grace
	h.descriptor.stall = 200 * time.Millisecond
	p := h.project(t, 1000, 1000, 1000, 1000, domain.DefaultFitConfig())

	require.NoError(t, h.orchestrator().Compile(context.Background(), p.ID, "api"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.watchdogExpiries))

	h.events.mu.Lock()
	events := append([]queue.Event(nil), h.events.events...)
	h.events.mu.Unlock()

	expiredAt := -1
	for i, ev := range events {
		if ev.Status == string(domain.StatusError) {
			expiredAt = i
			break
		}
	}
	require.NotEqual(t, -1, expiredAt, "watchdog error event missing")
	for _, ev := range events[expiredAt+1:] {
		assert.NotEqual(t, string(domain.StatusProcessing), ev.Status, "phase %s published after expiry", ev.Phase)
	}
}

func TestOrchestrator_PhaseNeverRegresses(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, 1000, 1000, 1920, 1080, domain.DefaultFitConfig())

	require.NoError(t, h.orchestrator().Compile(context.Background(), p.ID, "api"))

	require.NotEmpty(t, h.store.phases)
	// The first write resets the phase for the new run.
	assert.Equal(t, domain.PhaseNone, h.store.phases[0])
	for i := 1; i < len(h.store.phases); i++ {
		assert.False(t, h.store.phases[i].Before(h.store.phases[i-1]),
			"phase went from %q back to %q", h.store.phases[i-1], h.store.phases[i])
	}
	assert.Equal(t, []domain.Phase{
		domain.PhaseNone,
		domain.PhaseMediaPrepared,
		domain.PhaseMarkerCompiling,
		domain.PhaseMarkerCompiled,
		domain.PhaseViewerGenerated,
		domain.PhaseQRGenerated,
		domain.PhaseQRGenerated,
	}, h.store.phases)

	var progress []int
	for _, ev := range h.events.events {
		progress = append(progress, ev.Progress)
	}
	assert.IsNonDecreasing(t, progress)
}

func TestOrchestrator_MissingProjectWritesNothing(t *testing.T) {
	h := newHarness(t)

	err := h.orchestrator().Compile(context.Background(), "does-not-exist", "api")
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)
	assert.Empty(t, h.store.phases)
	assert.Empty(t, h.events.events)
	assert.Empty(t, h.summaries.records)
}

func TestOrchestrator_ProjectWithoutMediaFailsValidation(t *testing.T) {
	h := newHarness(t)
	p := &domain.ARProject{PhotoURL: "/media/photo.jpg"}
	require.NoError(t, h.store.CreateProject(context.Background(), p))

	err := h.orchestrator().Compile(context.Background(), p.ID, "api")
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, gerr := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Zero(t, h.descriptor.callCount())
}

func TestOrchestrator_NotificationFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = domain.NewError(domain.ErrNotification, "fcm_send", errors.New("unregistered token"))
	p := h.project(t, 1000, 1000, 1000, 1000, domain.DefaultFitConfig())

	require.NoError(t, h.orchestrator().Compile(context.Background(), p.ID, "api"))

	got, err := h.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
	assert.False(t, got.NotificationSent)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.notificationFailures))
}

func TestOrchestrator_RecompileClearsPreviousError(t *testing.T) {
	h := newHarness(t)
	h.descriptor.failOn = "photo"
	p := h.project(t, 1000, 1000, 1000, 1000, domain.DefaultFitConfig())
	o := h.orchestrator()
	ctx := context.Background()

	require.Error(t, o.Compile(ctx, p.ID, "api"))
	h.descriptor.failOn = ""
	require.NoError(t, o.Compile(ctx, p.ID, "recompile"))

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
	assert.Nil(t, got.ErrorMessage)
}

func TestOrchestrator_RegenerateViewer(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, 1000, 1000, 1920, 1080, domain.DefaultFitConfig())
	o := h.orchestrator()
	ctx := context.Background()
	require.NoError(t, o.Compile(ctx, p.ID, "api"))
	descriptorCalls := h.descriptor.callCount()

	zoom := 1.5
	exact := domain.FitExact
	before, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	cfg, err := before.Config.Merge(domain.ConfigPatch{FitMode: &exact, Zoom: &zoom})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateProject(ctx, p.ID, domain.ProjectPatch{Config: &cfg}))

	require.NoError(t, o.RegenerateViewer(ctx, p.ID))

	assert.Equal(t, descriptorCalls, h.descriptor.callCount(), "markers are not recompiled")
	require.Len(t, h.viewer.configs, 2)
	last := h.viewer.last()
	require.Len(t, last.Targets, 1)
	assert.Equal(t, 1.5, last.Targets[0].Config.Zoom)
	assert.Equal(t, before.Artifacts.DescriptorURLs, last.DescriptorURLs)
	assert.Equal(t, before.Artifacts.VideoURL, last.Targets[0].VideoURL)

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	// The served video is already square, so exact sizes the plane from it.
	assert.Equal(t, domain.FitExact, got.Geometry.EffectiveFitMode)
	assert.InDelta(t, 1.0, got.Geometry.ScaleHeight, 1e-9)
	assert.Equal(t, domain.StatusReady, got.Status)
}

func TestOrchestrator_RegenerateViewerSkipsUnreadyProjects(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, 1000, 1000, 1920, 1080, domain.DefaultFitConfig())

	require.NoError(t, h.orchestrator().RegenerateViewer(context.Background(), p.ID))
	assert.Empty(t, h.viewer.configs)
}

func TestPhaseTracker_IgnoresEarlierPhases(t *testing.T) {
	var written []domain.Phase
	tr := newPhaseTracker(time.Now, func(_ context.Context, p domain.Phase) error {
		written = append(written, p)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, tr.advance(ctx, domain.PhaseMarkerCompiling))
	require.NoError(t, tr.advance(ctx, domain.PhaseMediaPrepared))
	require.NoError(t, tr.advance(ctx, domain.PhaseMarkerCompiling))
	require.NoError(t, tr.advance(ctx, domain.PhaseViewerGenerated))

	assert.Equal(t, []domain.Phase{domain.PhaseMarkerCompiling, domain.PhaseViewerGenerated}, written)
	current, history := tr.snapshot()
	assert.Equal(t, domain.PhaseViewerGenerated, current)
	assert.Len(t, history, 2)
}

func TestPhaseTracker_PersistFailureKeepsPhase(t *testing.T) {
	tr := newPhaseTracker(time.Now, func(context.Context, domain.Phase) error {
		return domain.NewError(domain.ErrPersistence, "update_project", errors.New("conn refused"))
	})
	err := tr.advance(context.Background(), domain.PhaseMediaPrepared)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	current, _ := tr.snapshot()
	assert.Equal(t, domain.PhaseNone, current)
}

func TestWatchdog(t *testing.T) {
	t.Run("stopped before expiry", func(t *testing.T) {
		fired := false
		w := startWatchdog(time.Hour, func() { fired = true })
		assert.True(t, w.Stop())
		assert.False(t, fired)
	})

	t.Run("expired waits for the handler", func(t *testing.T) {
		release := make(chan struct{})
		finished := make(chan struct{})
		w := startWatchdog(time.Millisecond, func() {
			<-release
			close(finished)
		})
		<-w.Expired()

		stopped := make(chan bool, 1)
		go func() { stopped <- w.Stop() }()
		select {
		case <-stopped:
			t.Fatal("Stop returned before the handler finished")
		case <-time.After(20 * time.Millisecond):
		}
		close(release)
		assert.False(t, <-stopped)
		<-finished
	})
}
