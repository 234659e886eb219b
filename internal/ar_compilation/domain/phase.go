package domain

// Phase is the progress label of a compilation run. Within one run the
// persisted phase only moves forward in pipeline order.
type Phase string

const (
	PhaseNone            Phase = ""
	PhaseMediaPrepared   Phase = "media-prepared"
	PhaseMarkerCompiling Phase = "marker-compiling"
	PhaseMarkerCompiled  Phase = "marker-compiled"
	PhaseViewerGenerated Phase = "viewer-generated"
	PhaseQRGenerated     Phase = "qr-generated"
)

var phaseOrder = map[Phase]int{
	PhaseNone:            0,
	PhaseMediaPrepared:   1,
	PhaseMarkerCompiling: 2,
	PhaseMarkerCompiled:  3,
	PhaseViewerGenerated: 4,
	PhaseQRGenerated:     5,
}

// Rank returns the position of p in pipeline order, or -1 for unknown labels.
func (p Phase) Rank() int {
	r, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return r
}

// Before reports whether p comes strictly before other in pipeline order.
func (p Phase) Before(other Phase) bool {
	return p.Rank() < other.Rank()
}

// Progress maps a status and phase to a rough completion percentage.
func Progress(status Status, phase Phase) int {
	switch status {
	case StatusReady:
		return 100
	case StatusPending:
		return 0
	}
	switch phase {
	case PhaseMediaPrepared:
		return 20
	case PhaseMarkerCompiling:
		return 40
	case PhaseMarkerCompiled:
		return 60
	case PhaseViewerGenerated:
		return 80
	case PhaseQRGenerated:
		return 95
	}
	if status == StatusProcessing {
		return 5
	}
	return 0
}
