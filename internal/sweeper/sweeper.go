// Package sweeper ends challenges whose window has closed. The on-ledger rule
// is that only the creator or verifier may end a challenge; the sweeper acts
// as the service's configured verifier identity, the same way the original
// backend's cron job held the verifier key. It never decides winners —
// distribution stays a deliberate verifier API call.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/doomscroll/stakepool/internal/engine"
	"github.com/doomscroll/stakepool/internal/metrics"
	"github.com/doomscroll/stakepool/internal/retry"
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Engine   *engine.Engine
	Verifier solana.PublicKey
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Verifier.IsZero() {
		return errors.New("verifier is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Sweeper struct {
	log      *slog.Logger
	clock    clockwork.Clock
	engine   *engine.Engine
	verifier solana.PublicKey
	interval time.Duration
}

func New(cfg Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		engine:   cfg.Engine,
		verifier: cfg.Verifier,
		interval: cfg.Interval,
	}, nil
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper: starting", "interval", s.interval.String())

	s.sweep(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper: stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

// sweep ends every Active challenge of the configured verifier whose
// end_time has passed. Transient
// database errors are retried with backoff; engine rejections are not, since
// they mean another party already moved the challenge forward.
func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now().UTC()

	var expired []engine.Challenge
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		expired, err = s.engine.ExpiredChallenges(ctx, now, s.verifier)
		return err
	})
	if err != nil {
		metrics.SweeperErrorsTotal.Inc()
		s.log.Error("sweeper: failed to list expired challenges", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}
	s.log.Debug("sweeper: found expired challenges", "count", len(expired))

	for _, c := range expired {
		err := s.engine.End(ctx, c.ID, s.verifier)
		switch {
		case err == nil:
			metrics.SweeperEndedTotal.Inc()
			s.log.Info("sweeper: ended challenge", "challenge_id", c.ID, "end_time", c.EndTime)
		case errors.Is(err, engine.ErrChallengeNotActive):
			// Ended or distributed concurrently; nothing to do.
		default:
			metrics.SweeperErrorsTotal.Inc()
			s.log.Error("sweeper: failed to end challenge", "challenge_id", c.ID, "error", err)
		}
	}
}
