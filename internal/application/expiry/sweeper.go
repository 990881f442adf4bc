package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	negotiationsvc "github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
)

const (
	DefaultInterval = time.Minute
	DefaultBatch    = 100
)

// Rejecter is the state machine entry point used for forced transitions.
type Rejecter interface {
	ForceReject(ctx context.Context, negotiationID uuid.UUID, reason negotiation.Reason) (*negotiation.Negotiation, error)
}

// Purger drops expired coordination entries.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	Window   time.Duration
	Interval time.Duration
	Batch    int
}

// Result summarizes one sweep.
type Result struct {
	Expired int
	Skipped int
	Purged  int
}

// Sweeper expires negotiations idle past the inactivity window.
type Sweeper struct {
	repo     negotiation.Repository
	rejecter Rejecter
	purger   Purger
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper. purger may be nil.
func NewSweeper(repo negotiation.Repository, rejecter Rejecter, purger Purger, cfg Config, logger zerolog.Logger) *Sweeper {
	if cfg.Window <= 0 {
		cfg.Window = negotiationsvc.DefaultInactivityWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Sweeper{
		repo:     repo,
		rejecter: rejecter,
		purger:   purger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("service", "expiry").Logger(),
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

// SweepOnce force-rejects overdue negotiations in batches until none are left,
// then purges expired locks and visibility grants.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error
	for {
		cutoff := s.now().Add(-s.cfg.Window)
		batch, err := s.repo.ListStale(ctx, cutoff, s.cfg.Batch)
		if err != nil {
			return res, fmt.Errorf("list stale negotiations: %w", err)
		}
		progressed := false
		for _, n := range batch {
			_, err := s.rejecter.ForceReject(ctx, n.NegotiationID, negotiation.ReasonExpired)
			switch {
			case err == nil:
				res.Expired++
				progressed = true
			case errors.Is(err, negotiation.ErrStale), errors.Is(err, negotiationsvc.ErrNotOverdue):
				// closed or touched since it was listed
				res.Skipped++
				progressed = true
			default:
				errs = append(errs, fmt.Errorf("negotiation %s: %w", n.NegotiationID, err))
			}
		}
		if len(batch) < s.cfg.Batch || !progressed {
			break
		}
	}

	if s.purger != nil {
		purged, err := s.purger.PurgeExpired(ctx, s.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("purge coordination entries: %w", err))
		}
		res.Purged = purged
	}

	if res.Expired > 0 || res.Purged > 0 {
		s.logger.Info().
			Int("expired", res.Expired).
			Int("skipped", res.Skipped).
			Int("purged", res.Purged).
			Msg("expiry sweep finished")
	}
	return res, errors.Join(errs...)
}
