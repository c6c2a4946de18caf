/**
 * @description
 * Background sweeper for contributions the gateway never answered. An STK push
 * the member ignores produces no callback at all, so pending and processing
 * contributions older than the configured timeout are failed here, freeing the
 * (user, chama, cycle) slot for a fresh attempt.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron-style scheduling.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chamapay/chama-service/internal/store"
)

// Sweeper periodically expires unanswered contributions.
type Sweeper struct {
	repo     store.Repository
	timeout  time.Duration
	schedule string
	cron     *cron.Cron
}

// NewSweeper creates a sweeper that fails contributions older than timeout,
// running on the given cron schedule.
func NewSweeper(repo store.Repository, timeout time.Duration, schedule string) *Sweeper {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if schedule == "" {
		schedule = "* * * * *"
	}
	return &Sweeper{
		repo:     repo,
		timeout:  timeout,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			log.Printf("level=error component=sweeper msg=\"sweep run failed\" error=%q", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"started\" schedule=%q timeout=%s", s.schedule, s.timeout)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("level=info component=sweeper msg=\"stopped\"")
}

// SweepOnce expires every pending or processing contribution older than the
// timeout and returns how many were expired. A late gateway callback for an
// expired contribution loses the guarded transition and is discarded.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.timeout)
	reason := fmt.Sprintf("expired after %s without a gateway result", s.timeout)

	ids, err := s.repo.ExpireStaleContributions(ctx, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale contributions: %w", err)
	}
	if len(ids) > 0 {
		log.Printf("level=info component=sweeper op=sweep expired=%d cutoff=%s", len(ids), cutoff.UTC().Format(time.RFC3339))
	}
	return len(ids), nil
}
