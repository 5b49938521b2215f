package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSweepSchedule evicts expired claims once a minute.
const DefaultSweepSchedule = "* * * * *"

// RunSweeper evicts expired claims on a cron schedule until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return fmt.Errorf("invalid sweep schedule %q", schedule)
	}

	for {
		next, err := gronx.NextTickAfter(schedule, time.Now(), false)
		if err != nil {
			return fmt.Errorf("sweep schedule %q: %w", schedule, err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case now := <-timer.C:
			if n := e.claims.Sweep(now); n > 0 {
				slog.Debug("coordinator.claims_swept", "engine", e.name, "evicted", n)
			}
		}
	}
}
