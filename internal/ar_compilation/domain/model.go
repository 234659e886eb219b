package domain

import "time"

// Status is the lifecycle state of an AR project.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusError:
		return true
	}
	return false
}

// ARProject is one AR experience: a marker photo (or several, via items)
// with a video composited on top of it.
type ARProject struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId,omitempty"`
	Name      string `json:"name,omitempty"`
	Status    Status `json:"status"`
	Phase     Phase  `json:"phase,omitempty"`
	PhotoURL  string `json:"photoUrl"`
	VideoURL  string `json:"videoUrl"`
	MaskURL   string `json:"maskUrl,omitempty"`
	Recipient string `json:"recipient,omitempty"`

	Config    FitConfig       `json:"config"`
	Geometry  Geometry        `json:"geometry"`
	Artifacts Artifacts       `json:"artifacts"`
	Metrics   *CompileMetrics `json:"metrics,omitempty"`

	CompilationStartedAt  *time.Time `json:"compilationStartedAt,omitempty"`
	CompilationFinishedAt *time.Time `json:"compilationFinishedAt,omitempty"`
	CompilationTimeMs     *int64     `json:"compilationTimeMs,omitempty"`
	ErrorMessage          *string    `json:"errorMessage"`

	IsDemo           bool       `json:"isDemo"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	NotificationSent bool       `json:"notificationSent"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ARProjectItem is one marker/video pair inside a multi-target project.
type ARProjectItem struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	TargetIndex    int       `json:"targetIndex"`
	Name           string    `json:"name"`
	PhotoURL       string    `json:"photoUrl"`
	VideoURL       string    `json:"videoUrl"`
	MaskURL        string    `json:"maskUrl,omitempty"`
	Config         FitConfig `json:"config"`
	Geometry       Geometry  `json:"geometry"`
	MarkerCompiled bool      `json:"markerCompiled"`
	MarkerURL      string    `json:"markerUrl,omitempty"`
	DescriptorURL  string    `json:"descriptorUrl,omitempty"`
	VideoOutURL    string    `json:"processedVideoUrl,omitempty"`
	MaskOutURL     string    `json:"processedMaskUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Geometry is derived from probing the media and resolving the fit policy.
type Geometry struct {
	PhotoWidth       int     `json:"photoWidth,omitempty"`
	PhotoHeight      int     `json:"photoHeight,omitempty"`
	VideoWidth       int     `json:"videoWidth,omitempty"`
	VideoHeight      int     `json:"videoHeight,omitempty"`
	PhotoAspectRatio float64 `json:"photoAspectRatio,omitempty"`
	VideoAspectRatio float64 `json:"videoAspectRatio,omitempty"`
	ScaleWidth       float64 `json:"scaleWidth,omitempty"`
	ScaleHeight      float64 `json:"scaleHeight,omitempty"`
	EffectiveFitMode FitMode `json:"effectiveFitMode,omitempty"`
	VideoCropped     bool    `json:"videoCropped,omitempty"`
}

// Artifacts are the published outputs of a successful compilation.
type Artifacts struct {
	ViewURL           string   `json:"viewUrl,omitempty"`
	ViewerArtifactURL string   `json:"viewerArtifactUrl,omitempty"`
	QRCodeURL         string   `json:"qrCodeUrl,omitempty"`
	DescriptorURLs    []string `json:"descriptorUrls,omitempty"`
	MarkerURL         string   `json:"markerUrl,omitempty"`
	VideoURL          string   `json:"videoUrl,omitempty"`
	MaskURL           string   `json:"maskUrl,omitempty"`
}

// Complete reports whether every artifact a ready project must expose is set.
func (a Artifacts) Complete() bool {
	return a.ViewURL != "" && a.ViewerArtifactURL != "" && a.QRCodeURL != "" && len(a.DescriptorURLs) > 0
}

// CompileMetrics summarizes one finished run.
type CompileMetrics struct {
	DescriptorSizeBytes int64       `json:"descriptorSizeBytes"`
	DescriptorTimeMs    int64       `json:"descriptorTimeMs"`
	MarkerEnhanced      bool        `json:"markerEnhanced"`
	BorderPx            int         `json:"borderPx,omitempty"`
	TranscodeFallback   bool        `json:"transcodeFallback,omitempty"`
	Targets             int         `json:"targets"`
	PhaseHistory        []PhaseMark `json:"phaseHistory,omitempty"`
}

// PhaseMark records when a phase was reached.
type PhaseMark struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// ProjectPatch is a targeted field update. Nil fields are left untouched.
type ProjectPatch struct {
	Status                *Status
	Phase                 *Phase
	Config                *FitConfig
	Geometry              *Geometry
	Artifacts             *Artifacts
	Metrics               *CompileMetrics
	CompilationStartedAt  *time.Time
	CompilationFinishedAt *time.Time
	CompilationTimeMs     *int64
	ErrorMessage          *string
	ClearErrorMessage     bool
	NotificationSent      *bool
}

// ItemPatch is a targeted field update for an item.
type ItemPatch struct {
	Name           *string
	Config         *FitConfig
	Geometry       *Geometry
	MarkerCompiled *bool
	MarkerURL      *string
	DescriptorURL  *string
	VideoOutURL    *string
	MaskOutURL     *string
}

// Apply writes the non-nil fields of the patch onto p.
func (patch ProjectPatch) Apply(p *ARProject) {
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Phase != nil {
		p.Phase = *patch.Phase
	}
	if patch.Config != nil {
		p.Config = *patch.Config
	}
	if patch.Geometry != nil {
		p.Geometry = *patch.Geometry
	}
	if patch.Artifacts != nil {
		p.Artifacts = *patch.Artifacts
	}
	if patch.Metrics != nil {
		m := *patch.Metrics
		p.Metrics = &m
	}
	if patch.CompilationStartedAt != nil {
		t := *patch.CompilationStartedAt
		p.CompilationStartedAt = &t
	}
	if patch.CompilationFinishedAt != nil {
		t := *patch.CompilationFinishedAt
		p.CompilationFinishedAt = &t
	}
	if patch.CompilationTimeMs != nil {
		ms := *patch.CompilationTimeMs
		p.CompilationTimeMs = &ms
	}
	if patch.ClearErrorMessage {
		p.ErrorMessage = nil
	}
	if patch.ErrorMessage != nil {
		msg := *patch.ErrorMessage
		p.ErrorMessage = &msg
	}
	if patch.NotificationSent != nil {
		p.NotificationSent = *patch.NotificationSent
	}
}

// Apply writes the non-nil fields of the patch onto it.
func (patch ItemPatch) Apply(it *ARProjectItem) {
	if patch.Name != nil {
		it.Name = *patch.Name
	}
	if patch.Config != nil {
		it.Config = *patch.Config
	}
	if patch.Geometry != nil {
		it.Geometry = *patch.Geometry
	}
	if patch.MarkerCompiled != nil {
		it.MarkerCompiled = *patch.MarkerCompiled
	}
	if patch.MarkerURL != nil {
		it.MarkerURL = *patch.MarkerURL
	}
	if patch.DescriptorURL != nil {
		it.DescriptorURL = *patch.DescriptorURL
	}
	if patch.VideoOutURL != nil {
		it.VideoOutURL = *patch.VideoOutURL
	}
	if patch.MaskOutURL != nil {
		it.MaskOutURL = *patch.MaskOutURL
	}
}
