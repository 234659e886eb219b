package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
)

// Coordinator compiles a multi-target project: every item gets its own
// marker and descriptor, then all of them share one viewer and one QR code.
type Coordinator struct {
	pipe  *pipeline
	store ProjectStore
}

// CompileProject processes the run's items in targetIndex order, one at a
// time. The first failing item aborts the whole project.
func (c *Coordinator) CompileProject(ctx context.Context, run *compilationRun) (*runResult, error) {
	items := make([]domain.ARProjectItem, len(run.items))
	copy(items, run.items)
	sort.Slice(items, func(i, j int) bool { return items[i].TargetIndex < items[j].TargetIndex })

	notCompiled := false
	for _, it := range items {
		if !it.MarkerCompiled {
			continue
		}
		if err := c.store.UpdateItem(ctx, run.project.ID, it.ID, domain.ItemPatch{MarkerCompiled: &notCompiled}); err != nil {
			return nil, err
		}
	}

	compiled := make([]*compiledTarget, 0, len(items))
	enhancedAll := true
	for _, it := range items {
		t, err := c.compileItem(ctx, run, it)
		if err != nil {
			return nil, fmt.Errorf("target %d (%s): %w", it.TargetIndex, it.Name, err)
		}
		compiled = append(compiled, t)
		enhancedAll = enhancedAll && t.enhanced
		run.metrics.DescriptorSizeBytes += t.sizeBytes
		run.metrics.DescriptorTimeMs += t.timeMs
		run.metrics.TranscodeFallback = run.metrics.TranscodeFallback || t.prepared.fallback
	}
	run.metrics.MarkerEnhanced = enhancedAll
	run.metrics.Targets = len(compiled)

	if err := run.phases.advance(ctx, domain.PhaseMarkerCompiled); err != nil {
		return nil, err
	}

	arts, err := c.pipe.publishViewer(ctx, run, compiled)
	if err != nil {
		return nil, err
	}
	if len(compiled) > 1 {
		run.log.LogWarnf("coordinator", "viewer tracks descriptor of target %d; %d more listed in its config",
			compiled[0].prepared.in.index, len(compiled)-1)
	}
	return &runResult{artifacts: arts, descriptorSize: run.metrics.DescriptorSizeBytes}, nil
}

func (c *Coordinator) compileItem(ctx context.Context, run *compilationRun, it domain.ARProjectItem) (*compiledTarget, error) {
	idx := strconv.Itoa(it.TargetIndex)
	in := targetInput{
		index:    it.TargetIndex,
		photoURL: it.PhotoURL,
		videoURL: it.VideoURL,
		maskURL:  it.MaskURL,
		config:   it.Config.WithDefaults(),
		dir:      filepath.Join(run.dir, "items", idx),
		keyParts: []string{"items", idx},
	}

	prepared, err := c.pipe.prepareMedia(ctx, run, in)
	if err != nil {
		return nil, err
	}
	if err := run.phases.advance(ctx, domain.PhaseMediaPrepared); err != nil {
		return nil, err
	}
	if err := run.phases.advance(ctx, domain.PhaseMarkerCompiling); err != nil {
		return nil, err
	}

	t, err := c.pipe.compileMarker(ctx, run, prepared)
	if err != nil {
		return nil, err
	}

	compiled := true
	geom := prepared.geometry
	patch := domain.ItemPatch{
		Geometry:       &geom,
		MarkerCompiled: &compiled,
		MarkerURL:      &t.markerURL,
		DescriptorURL:  &t.descriptorURL,
		VideoOutURL:    &t.videoURL,
		MaskOutURL:     &t.maskURL,
	}
	if err := c.store.UpdateItem(ctx, run.project.ID, it.ID, patch); err != nil {
		return nil, err
	}
	run.log.LogInfof("coordinator", "target %d compiled (%d bytes)", it.TargetIndex, t.sizeBytes)
	return t, nil
}
