// Package maintenance runs the periodic presence sweep: store rows and redis
// keys are brought back in line with the connections the registry holds.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
)

const defaultSweepSpec = "@every 1m"

// LiveSource reports the users holding at least one connection right now.
type LiveSource interface {
	CurrentOnlineUsers() []domain.UserID
}

// Reconciler flags offline every stored user missing from live.
type Reconciler interface {
	ReconcileOffline(ctx context.Context, live []domain.UserID, at time.Time) (int64, error)
}

// Refresher re-arms expiring presence entries of live users.
type Refresher interface {
	Refresh(ctx context.Context, live []domain.UserID, at time.Time) error
}

// Pruner forgets idle rate limiter history.
type Pruner interface {
	Prune() int
}

type Sweeper struct {
	live       LiveSource
	reconciler Reconciler
	refresher  Refresher
	pruner     Pruner
	cron       *cron.Cron
	now        func() time.Time
	schedule   string
}

type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

func WithRefresher(r Refresher) Option {
	return func(s *Sweeper) { s.refresher = r }
}

func WithPruner(p Pruner) Option {
	return func(s *Sweeper) { s.pruner = p }
}

// NewSweeper builds a sweeper; a nil reconciler skips the database step.
func NewSweeper(live LiveSource, reconciler Reconciler, opts ...Option) *Sweeper {
	s := &Sweeper{
		live:       live,
		reconciler: reconciler,
		now:        time.Now,
		schedule:   defaultSweepSpec,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			log.Warn().Err(err).Str("module", "maintenance").Msg("presence sweep failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("module", "maintenance").Str("schedule", s.schedule).Msg("presence sweep scheduled")
	return nil
}

// Stop halts the scheduler; the returned context is done once running jobs finish.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce executes every step; a failing step does not skip the rest.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	live := s.live.CurrentOnlineUsers()
	at := s.now()

	var errs error
	if s.reconciler != nil {
		n, err := s.reconciler.ReconcileOffline(ctx, live, at)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if n > 0 {
			metrics.ReconciledOffline.Add(float64(n))
			log.Info().Str("module", "maintenance").Int64("users", n).Msg("stale online flags cleared")
		}
	}
	if s.refresher != nil {
		errs = multierr.Append(errs, s.refresher.Refresh(ctx, live, at))
	}
	if s.pruner != nil {
		if n := s.pruner.Prune(); n > 0 {
			log.Debug().Str("module", "maintenance").Int("users", n).Msg("invite history pruned")
		}
	}
	return errs
}
