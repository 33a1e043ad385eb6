package order

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const expireBatch = 100

// RunTimeoutMonitor cancels orders left in pending longer than maxAge.
// It blocks until ctx is done.
func (s *Service) RunTimeoutMonitor(ctx context.Context, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpirePending(ctx, maxAge)
			if err != nil {
				slog.Warn("order: expire pending", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("order: expired pending orders", "count", n)
			}
		}
	}
}

// ExpirePending runs one sweep and returns how many orders it cancelled.
func (s *Service) ExpirePending(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.store.ListPendingBefore(ctx, s.now().Add(-maxAge), expireBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		_, err := s.Transition(ctx, TransitionCommand{
			OrderID:  id,
			Target:   StatusCancelled,
			Actor:    SystemActor,
			IfStatus: StatusPending,
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrConflict):
			// moved on since the listing
		default:
			return expired, err
		}
	}
	return expired, nil
}
