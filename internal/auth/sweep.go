package auth

import (
	"context"
	"time"
)

// SweepResult counts rows removed by one sweep.
type SweepResult struct {
	Sessions    int64
	Assignments int64
	ResetTokens int64
}

// Sweep deletes expired sessions, expired role assignments and spent or
// expired reset tokens. Correctness never depends on it; expired rows are
// already ignored by every read path.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock()
	var res SweepResult
	var err error
	if res.Sessions, err = s.store.Sessions(ctx).DeleteExpired(ctx, now); err != nil {
		return res, storageErr("sweep sessions", err)
	}
	if res.Assignments, err = s.store.Assignments(ctx).DeleteExpired(ctx, now); err != nil {
		return res, storageErr("sweep assignments", err)
	}
	if res.ResetTokens, err = s.store.ResetTokens(ctx).DeleteStale(ctx, now); err != nil {
		return res, storageErr("sweep reset tokens", err)
	}
	return res, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "event", "sweep", "error", err.Error())
				continue
			}
			s.logger.InfoContext(ctx, "sweep complete",
				"event", "sweep",
				"sessions", res.Sessions,
				"assignments", res.Assignments,
				"reset_tokens", res.ResetTokens,
			)
		}
	}
}
