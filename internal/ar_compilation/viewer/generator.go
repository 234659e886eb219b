// Package viewer renders the self-contained AR viewer page for a project.
package viewer

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
)

const (
	DefaultAFrameSrc   = "https://aframe.io/releases/1.5.0/aframe.min.js"
	DefaultMindARSrc   = "https://cdn.jsdelivr.net/npm/mind-ar@1.2.5/dist/mindar-image-aframe.prod.js"
	DefaultSettleDelay = 150 * time.Millisecond

	defaultPositionAlpha = 0.35
	defaultRotationAlpha = 0.25
)

//go:embed viewer.html.tmpl
var viewerHTML string

var viewerTemplate = template.Must(template.New("viewer").Parse(viewerHTML))

// Target is one tracked marker and the video placed on it.
type Target struct {
	Index     int
	VideoURL  string
	MaskURL   string
	Width     float64
	Height    float64
	Config    domain.FitConfig
	MarkerURL string
}

// Config describes a viewer page. DescriptorURLs are in target order; the
// first one is handed to the tracking runtime.
type Config struct {
	ProjectID      string
	Title          string
	DescriptorURLs []string
	Targets        []Target
	AllowedOrigins []string
}

// Generator writes viewer pages.
type Generator struct {
	AFrameSrc   string
	MindARSrc   string
	SettleDelay time.Duration
}

func NewGenerator() *Generator {
	return &Generator{
		AFrameSrc:   DefaultAFrameSrc,
		MindARSrc:   DefaultMindARSrc,
		SettleDelay: DefaultSettleDelay,
	}
}

type targetView struct {
	Index    int
	VideoURL string
	MaskURL  string
	Width    string
	Height   string
	Position string
	Rotation string
	Scale    string
}

type runtimeTarget struct {
	Index     int    `json:"index"`
	VideoURL  string `json:"videoUrl"`
	MarkerURL string `json:"markerUrl,omitempty"`
}

type runtimeConfig struct {
	ProjectID      string          `json:"projectId"`
	SettleDelayMs  int64           `json:"settleDelayMs"`
	Smoothing      smoothing       `json:"smoothing"`
	Descriptors    []string        `json:"descriptors"`
	Targets        []runtimeTarget `json:"targets"`
	AllowedOrigins []string        `json:"allowedOrigins"`
}

type smoothing struct {
	Position float64 `json:"position"`
	Rotation float64 `json:"rotation"`
}

type pageData struct {
	Title         string
	AFrameSrc     string
	MindARSrc     string
	DescriptorURL string
	MaxTrack      int
	Targets       []targetView
	Config        runtimeConfig
}

// Generate renders the page to outPath and returns outPath.
func (g *Generator) Generate(cfg Config, outPath string) (string, error) {
	if len(cfg.Targets) == 0 {
		return "", errors.New("viewer needs at least one target")
	}
	if len(cfg.DescriptorURLs) == 0 || cfg.DescriptorURLs[0] == "" {
		return "", errors.New("viewer needs a descriptor url")
	}

	targets := append([]Target(nil), cfg.Targets...)
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Index < targets[j].Index })

	data := pageData{
		Title:         cfg.Title,
		AFrameSrc:     g.AFrameSrc,
		MindARSrc:     g.MindARSrc,
		DescriptorURL: cfg.DescriptorURLs[0],
		MaxTrack:      len(targets),
		Config: runtimeConfig{
			ProjectID:      cfg.ProjectID,
			SettleDelayMs:  g.SettleDelay.Milliseconds(),
			Smoothing:      smoothing{Position: defaultPositionAlpha, Rotation: defaultRotationAlpha},
			Descriptors:    cfg.DescriptorURLs,
			AllowedOrigins: cfg.AllowedOrigins,
		},
	}
	if data.Title == "" {
		data.Title = "AR Viewer"
	}
	if data.Config.AllowedOrigins == nil {
		data.Config.AllowedOrigins = []string{}
	}

	for _, t := range targets {
		if t.VideoURL == "" {
			return "", fmt.Errorf("target %d has no video", t.Index)
		}
		if !(t.Width > 0) || !(t.Height > 0) {
			return "", fmt.Errorf("target %d has an invalid plane %vx%v", t.Index, t.Width, t.Height)
		}
		data.Targets = append(data.Targets, newTargetView(t))
		data.Config.Targets = append(data.Config.Targets, runtimeTarget{
			Index:     t.Index,
			VideoURL:  t.VideoURL,
			MarkerURL: t.MarkerURL,
		})
	}

	var buf bytes.Buffer
	if err := viewerTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render viewer: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("create viewer dir: %w", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write viewer: %w", err)
	}
	return outPath, nil
}

func newTargetView(t Target) targetView {
	c := t.Config.WithDefaults()

	pos := domain.Vec3{X: c.OffsetX, Y: c.OffsetY, Z: 0}
	if c.Position != nil {
		pos = *c.Position
	}
	rot := domain.Vec3{}
	if c.Rotation != nil {
		rot = *c.Rotation
	}
	scale := domain.Vec3{X: c.Zoom, Y: c.Zoom, Z: 1}
	if c.Scale != nil {
		scale = *c.Scale
	}

	return targetView{
		Index:    t.Index,
		VideoURL: t.VideoURL,
		MaskURL:  t.MaskURL,
		Width:    num(t.Width),
		Height:   num(t.Height),
		Position: vec(pos),
		Rotation: vec(rot),
		Scale:    vec(scale),
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func vec(v domain.Vec3) string {
	return num(v.X) + " " + num(v.Y) + " " + num(v.Z)
}
