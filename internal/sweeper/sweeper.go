package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

// SweepFunc runs one lifecycle pass and reports what it changed.
type SweepFunc func(ctx context.Context) thread.SweepStats

// Sweeper runs the thread lifecycle sweep on a cron schedule.
type Sweeper struct {
	expr  string
	sweep SweepFunc
}

// New validates the cron expression and builds a sweeper.
func New(expr string, sweep SweepFunc) (*Sweeper, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep schedule %q", expr)
	}
	return &Sweeper{expr: expr, sweep: sweep}, nil
}

// Run sleeps until each cron tick and sweeps, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper: started", "schedule", s.expr)
	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now(), false)
		if err != nil {
			// Validated at construction; a failure here means the clock or
			// expression changed underneath us. Back off and retry.
			slog.Error("sweeper: next tick computation failed", "schedule", s.expr, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Minute):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		s.sweep(ctx)
	}
}
