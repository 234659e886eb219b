package domain

import "time"

// Outcome is the terminal result of one compilation run.
type Outcome string

const (
	OutcomeReady   Outcome = "ready"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// CompilationSummary is the persisted record of one finished run. Summaries
// outlive their project.
type CompilationSummary struct {
	ID                  string          `json:"id"`
	ProjectID           string          `json:"projectId"`
	Outcome             Outcome         `json:"outcome"`
	Reason              string          `json:"reason,omitempty"`
	DurationMs          int64           `json:"durationMs"`
	DescriptorSizeBytes int64           `json:"descriptorSizeBytes"`
	FitMode             FitMode         `json:"fitMode,omitempty"`
	Targets             int             `json:"targets"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	Metrics             *CompileMetrics `json:"metrics,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}
