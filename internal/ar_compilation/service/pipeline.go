package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/geometry"
	"github.com/arlens/ar-backend/internal/ar_compilation/storage"
	"github.com/arlens/ar-backend/internal/ar_compilation/viewer"
)

// targetInput is one marker/video pair to prepare and compile. Single
// projects have exactly one, at index 0.
type targetInput struct {
	index    int
	photoURL string
	videoURL string
	maskURL  string
	config   domain.FitConfig
	dir      string
	keyParts []string
}

type preparedTarget struct {
	in        targetInput
	photoPath string
	videoPath string
	maskPath  string
	geometry  domain.Geometry
	fit       geometry.Fit
	fallback  bool
}

type compiledTarget struct {
	prepared      *preparedTarget
	descriptorURL string
	markerURL     string
	videoURL      string
	maskURL       string
	sizeBytes     int64
	timeMs        int64
	enhanced      bool
	borderPx      int
}

func (c *compiledTarget) viewerTarget() viewer.Target {
	return viewer.Target{
		Index:     c.prepared.in.index,
		VideoURL:  c.videoURL,
		MaskURL:   c.maskURL,
		Width:     c.prepared.fit.Plane.Width,
		Height:    c.prepared.fit.Plane.Height,
		Config:    c.prepared.in.config,
		MarkerURL: c.markerURL,
	}
}

// pipeline holds the collaborators every compilation step talks to.
type pipeline struct {
	fetcher    MediaFetcher
	prober     MediaProber
	video      VideoProcessor
	enhancer   MarkerEnhancer
	descriptor DescriptorCompiler
	viewer     ViewerGenerator
	qr         QREncoder
	artifacts  ArtifactStore
	metrics    *Metrics
	opts       Options
}

func (p *pipeline) key(run *compilationRun, in targetInput, name string) string {
	return storage.ProjectKey(run.project.ID, append(append([]string{}, in.keyParts...), name)...)
}

// prepareMedia fetches and probes both files, resolves the fit and crops the
// video when the fit needs it. A crop that times out falls back to the
// source video.
func (p *pipeline) prepareMedia(ctx context.Context, run *compilationRun, in targetInput) (*preparedTarget, error) {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	out := &preparedTarget{in: in}
	var err error
	if out.photoPath, err = p.fetcher.Fetch(ctx, in.photoURL, in.dir, "photo"); err != nil {
		return nil, err
	}
	if out.videoPath, err = p.fetcher.Fetch(ctx, in.videoURL, in.dir, "video"); err != nil {
		return nil, err
	}
	if in.maskURL != "" {
		if out.maskPath, err = p.fetcher.Fetch(ctx, in.maskURL, in.dir, "mask"); err != nil {
			return nil, err
		}
	}

	photo, err := p.prober.Probe(ctx, out.photoPath)
	if err != nil {
		return nil, err
	}
	video, err := p.prober.Probe(ctx, out.videoPath)
	if err != nil {
		return nil, err
	}

	videoAR := video.AspectRatio
	region := in.config.VideoRegion
	if region != nil {
		if videoAR, err = geometry.RegionAspectRatio(*region, video.Width, video.Height); err != nil {
			return nil, domain.NewError(domain.ErrValidation, "video_region", err)
		}
	}
	fit, err := geometry.Resolve(photo.AspectRatio, videoAR, in.config.FitMode)
	if err != nil {
		return nil, err
	}
	out.fit = fit
	out.geometry = domain.Geometry{
		PhotoWidth:       photo.Width,
		PhotoHeight:      photo.Height,
		VideoWidth:       video.Width,
		VideoHeight:      video.Height,
		PhotoAspectRatio: photo.AspectRatio,
		VideoAspectRatio: video.AspectRatio,
		ScaleWidth:       fit.Plane.Width,
		ScaleHeight:      fit.Plane.Height,
		EffectiveFitMode: fit.Effective,
	}
	if fit.Effective != fit.Requested {
		run.log.LogInfof("prepare_media", "target %d: fit escalated from %s to %s (photo %.2f, video %.2f)",
			in.index, fit.Requested, fit.Effective, photo.AspectRatio, videoAR)
	}

	var (
		processed string
		cropErr   error
	)
	switch {
	case region != nil:
		r := *region
		if fit.CropVideo {
			r = geometry.FitRegion(r, video.Width, video.Height, photo.AspectRatio)
		}
		processed = filepath.Join(in.dir, "video_region.mp4")
		cropErr = p.video.CropByNormalizedRegion(ctx, out.videoPath, processed, r)
	case fit.CropVideo:
		processed = filepath.Join(in.dir, "video_cropped.mp4")
		cropErr = p.video.CropToAspectRatio(ctx, out.videoPath, processed, photo.AspectRatio)
	default:
		run.log.LogInfof("prepare_media", "target %d: no video processing needed", in.index)
		return out, nil
	}

	switch {
	case cropErr == nil:
		out.videoPath = processed
		out.geometry.VideoCropped = true
	case domain.IsRecoverable(cropErr):
		run.log.LogWarnf("prepare_media", "target %d: %v, using source video", in.index, cropErr)
		out.fallback = true
		p.metrics.transcodeFallbacks.Inc()
	default:
		return nil, cropErr
	}
	return out, nil
}

// compileMarker enhances the photo, compiles its descriptor and publishes
// the runtime files for one target.
func (p *pipeline) compileMarker(ctx context.Context, run *compilationRun, t *preparedTarget) (*compiledTarget, error) {
	tag := ""
	if p.opts.MarkerTag {
		tag = markerTag(run.project.ID, t.in.index, len(run.items) > 0)
	}
	enh := p.enhancer.EnhanceWithTag(t.photoPath, tag)

	res, err := p.descriptor.Compile(ctx, enh.Path)
	if err != nil {
		return nil, err
	}
	p.metrics.descriptorCompiled(res.TimeMs)

	descPath := filepath.Join(t.in.dir, "targets.mind")
	if err := os.WriteFile(descPath, res.Descriptor, 0o644); err != nil {
		return nil, fmt.Errorf("write descriptor: %w", err)
	}

	markerPath := t.photoPath
	if enh.Applied {
		cropped, err := p.enhancer.CropBorder(enh.Path, enh.BorderPx)
		if err != nil {
			run.log.LogWarnf("compile_marker", "target %d: crop border: %v, publishing source photo", t.in.index, err)
		} else {
			markerPath = cropped
		}
	}

	out := &compiledTarget{
		prepared:  t,
		sizeBytes: res.SizeBytes,
		timeMs:    res.TimeMs,
		enhanced:  enh.Applied,
		borderPx:  enh.BorderPx,
	}
	if out.descriptorURL, err = p.publish(ctx, run, t.in, "targets.mind", descPath); err != nil {
		return nil, err
	}
	if out.markerURL, err = p.publish(ctx, run, t.in, "marker"+filepath.Ext(markerPath), markerPath); err != nil {
		return nil, err
	}
	if out.videoURL, err = p.publish(ctx, run, t.in, "video"+filepath.Ext(t.videoPath), t.videoPath); err != nil {
		return nil, err
	}
	if t.maskPath != "" {
		if out.maskURL, err = p.publish(ctx, run, t.in, "mask"+filepath.Ext(t.maskPath), t.maskPath); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *pipeline) publish(ctx context.Context, run *compilationRun, in targetInput, name, localPath string) (string, error) {
	url, err := p.artifacts.Publish(ctx, p.key(run, in, name), localPath)
	if err != nil {
		return "", domain.NewError(domain.ErrPersistence, "publish_"+name, err)
	}
	return url, nil
}

// publishViewer writes the viewer page and its QR code, advancing the phase
// after each.
func (p *pipeline) publishViewer(ctx context.Context, run *compilationRun, targets []*compiledTarget) (domain.Artifacts, error) {
	var arts domain.Artifacts
	cfg := viewer.Config{
		ProjectID:      run.project.ID,
		Title:          run.project.Name,
		AllowedOrigins: p.opts.AllowedOrigins,
	}
	for _, t := range targets {
		cfg.Targets = append(cfg.Targets, t.viewerTarget())
		cfg.DescriptorURLs = append(cfg.DescriptorURLs, t.descriptorURL)
	}
	arts.DescriptorURLs = cfg.DescriptorURLs
	if len(run.items) == 0 && len(targets) == 1 {
		arts.MarkerURL = targets[0].markerURL
		arts.VideoURL = targets[0].videoURL
		arts.MaskURL = targets[0].maskURL
	}

	root := targetInput{}
	viewerPath, err := p.viewer.Generate(cfg, filepath.Join(run.dir, "index.html"))
	if err != nil {
		return arts, fmt.Errorf("generate viewer: %w", err)
	}
	if arts.ViewerArtifactURL, err = p.publish(ctx, run, root, "index.html", viewerPath); err != nil {
		return arts, err
	}
	if err := run.phases.advance(ctx, domain.PhaseViewerGenerated); err != nil {
		return arts, err
	}

	arts.ViewURL = ViewURL(p.opts.PublicBaseURL, run.project.ID)
	qrPath, err := p.qr.Encode(arts.ViewURL, filepath.Join(run.dir, "qr.png"))
	if err != nil {
		return arts, fmt.Errorf("generate qr: %w", err)
	}
	if arts.QRCodeURL, err = p.publish(ctx, run, root, "qr.png", qrPath); err != nil {
		return arts, err
	}
	if err := run.phases.advance(ctx, domain.PhaseQRGenerated); err != nil {
		return arts, err
	}
	return arts, nil
}

// ViewURL is the stable public link printed into the QR code.
func ViewURL(publicBaseURL, projectID string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/ar/view/" + projectID
}

func markerTag(projectID string, index int, multi bool) string {
	id := strings.ReplaceAll(projectID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	tag := "AR-" + strings.ToUpper(id)
	if multi {
		tag += "-" + strconv.Itoa(index)
	}
	return tag
}
