package service

import (
	"context"
	"sync"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
)

// compilationRun is one in-flight compilation. It lives only as long as the
// Compile call that created it.
type compilationRun struct {
	project  *domain.ARProject
	items    []domain.ARProjectItem
	reason   string
	start    time.Time
	dir      string
	watchdog *watchdog
	phases   *phaseTracker
	log      *Logger

	// orders phase events against the watchdog's error event
	eventMu sync.Mutex

	metrics domain.CompileMetrics
}

// phaseTracker persists phase labels and refuses to move backwards.
type phaseTracker struct {
	mu      sync.Mutex
	current domain.Phase
	history []domain.PhaseMark
	now     func() time.Time
	persist func(ctx context.Context, phase domain.Phase) error
}

func newPhaseTracker(now func() time.Time, persist func(context.Context, domain.Phase) error) *phaseTracker {
	return &phaseTracker{current: domain.PhaseNone, now: now, persist: persist}
}

// advance records phase when it comes after the current one. Earlier or
// equal phases are ignored.
func (t *phaseTracker) advance(ctx context.Context, phase domain.Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.current.Before(phase) {
		return nil
	}
	if err := t.persist(ctx, phase); err != nil {
		return err
	}
	t.current = phase
	t.history = append(t.history, domain.PhaseMark{Phase: phase, At: t.now()})
	return nil
}

func (t *phaseTracker) snapshot() (domain.Phase, []domain.PhaseMark) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.PhaseMark, len(t.history))
	copy(out, t.history)
	return t.current, out
}
