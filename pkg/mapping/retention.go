// Copyright 2024-2026 Aiku AI

package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// ErrPruneRunning is returned by RunImmediate while a prune is in progress.
var ErrPruneRunning = errors.New("prune already running")

// Pruner deletes messages first seen before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes messages older than a maximum age on a cron schedule.
type Retention struct {
	store  Pruner
	cron   string
	maxAge time.Duration
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// NewRetention validates the cron expression. A zero maxAge disables
// pruning.
func NewRetention(store Pruner, cron string, maxAge time.Duration, log zerolog.Logger) (*Retention, error) {
	if maxAge < 0 {
		return nil, fmt.Errorf("retention max age must not be negative, got %s", maxAge)
	}
	if maxAge > 0 && !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron expression %q", cron)
	}
	return &Retention{
		store:  store,
		cron:   cron,
		maxAge: maxAge,
		log:    log.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}, nil
}

// Enabled reports whether a maximum age is configured.
func (r *Retention) Enabled() bool {
	return r.maxAge > 0
}

// Start runs the schedule in the background until ctx is done.
func (r *Retention) Start(ctx context.Context) {
	if !r.Enabled() {
		r.log.Info().Msg("Retention disabled")
		return
	}
	r.log.Info().Str("cron", r.cron).Stringer("max_age", r.maxAge).Msg("Retention enabled")
	go r.scheduleLoop(ctx)
}

func (r *Retention) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.cron, r.now(), false)
		if err != nil {
			r.log.Err(err).Str("cron", r.cron).Msg("Failed to compute next retention run")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := r.RunImmediate(ctx); err != nil && !errors.Is(err, ErrPruneRunning) {
				r.log.Err(err).Msg("Retention run failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunImmediate prunes now and returns how many messages were removed.
// Overlapping runs are refused with ErrPruneRunning.
func (r *Retention) RunImmediate(ctx context.Context) (int64, error) {
	if !r.Enabled() {
		return 0, nil
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0, ErrPruneRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	r.log.Info().Int64("pruned", n).Time("cutoff", cutoff).Msg("Retention run done")
	return n, nil
}
