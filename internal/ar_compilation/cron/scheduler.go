package cronjob

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DemoExpirer deletes demo projects whose expiry has passed
type DemoExpirer interface {
	ExpireDemos(ctx context.Context) (int, error)
}

// SummaryPruner drops compilation summaries older than a cutoff
type SummaryPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExpiryScheduler runs the periodic cleanup jobs of the AR backend
type ExpiryScheduler struct {
	cron       *cron.Cron
	expirer    DemoExpirer
	pruner     SummaryPruner
	retention  time.Duration
	schedule   string
	pruneSpec  string
	jobTimeout time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

type Options struct {
	// ExpirySchedule is a six-field cron spec (seconds first)
	ExpirySchedule string
	// SummaryRetention is how long run summaries are kept. Zero disables
	// pruning.
	SummaryRetention time.Duration
}

func NewExpiryScheduler(expirer DemoExpirer, pruner SummaryPruner, opts Options, logger zerolog.Logger) *ExpiryScheduler {
	if opts.ExpirySchedule == "" {
		opts.ExpirySchedule = "0 */15 * * * *"
	}
	return &ExpiryScheduler{
		cron:       cron.New(cron.WithSeconds()),
		expirer:    expirer,
		pruner:     pruner,
		retention:  opts.SummaryRetention,
		schedule:   opts.ExpirySchedule,
		pruneSpec:  "0 30 3 * * *", // nightly at 03:30
		jobTimeout: 2 * time.Minute,
		logger:     logger,
		now:        time.Now,
	}
}

// Start registers the jobs and starts the cron runner
func (s *ExpiryScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.expireDemos); err != nil {
		return err
	}
	if s.pruner != nil && s.retention > 0 {
		if _, err := s.cron.AddFunc(s.pruneSpec, s.pruneSummaries); err != nil {
			return err
		}
	}
	s.logger.Info().Str("schedule", s.schedule).Msg("expiry scheduler started")
	s.cron.Start()
	return nil
}

// Stop stops the runner and waits for running jobs to finish
func (s *ExpiryScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("expiry scheduler stopped")
}

func (s *ExpiryScheduler) expireDemos() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	n, err := s.expirer.ExpireDemos(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("removed", n).Msg("demo expiry finished with errors")
		return
	}
	if n > 0 {
		s.logger.Info().Int("removed", n).Msg("expired demo projects removed")
	}
}

func (s *ExpiryScheduler) pruneSummaries() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	n, err := s.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("summary pruning failed")
		return
	}
	s.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("old compilation summaries pruned")
}
