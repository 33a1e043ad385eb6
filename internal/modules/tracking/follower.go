// README: Follower tracks one order; push first, polling while push is down.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"trackline/internal/types"
)

// Pusher is the push half of a follower; *PushSource implements it.
type Pusher interface {
	Run(ctx context.Context, rec *Reconciler, onChange func(Snapshot)) error
}

const (
	DefaultPollEvery      = 5 * time.Second
	DefaultRetryPushAfter = 30 * time.Second
)

type FollowerConfig struct {
	// PollEvery is the fallback polling interval (5-10s in production).
	PollEvery time.Duration
	// RetryPushAfter is how long to stay on polling before dialing again.
	RetryPushAfter time.Duration
}

type Follower struct {
	rec      *Reconciler
	push     Pusher
	poller   *Poller
	retry    time.Duration
	onChange func(Snapshot)
}

func NewFollower(orderID types.ID, push Pusher, poll SnapshotSource, cfg FollowerConfig, onChange func(Snapshot)) *Follower {
	if cfg.RetryPushAfter <= 0 {
		cfg.RetryPushAfter = DefaultRetryPushAfter
	}
	rec := NewReconciler(orderID)
	return &Follower{
		rec:      rec,
		push:     push,
		poller:   NewPoller(poll, rec, cfg.PollEvery, onChange),
		retry:    cfg.RetryPushAfter,
		onChange: onChange,
	}
}

// State returns the merged view.
func (f *Follower) State() Snapshot {
	s, _ := f.rec.State()
	return s
}

// Run follows the order until it reaches a terminal status, ctx is done, or
// the server refuses access.
func (f *Follower) Run(ctx context.Context) error {
	for {
		err := f.push.Run(ctx, f.rec, f.onChange)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil && terminal(f.rec):
			return nil
		case IsTerminalError(err):
			return err
		}
		slog.Warn("tracking: push unavailable, polling", "order_id", orderIDOf(f.rec), "error", err)

		pollCtx, cancel := context.WithTimeout(ctx, f.retry)
		err = f.poller.Run(pollCtx)
		cancel()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			// retry push
		default:
			return err
		}
	}
}

// orderIDOf returns the order the reconciler tracks.
func orderIDOf(rec *Reconciler) types.ID {
	s, _ := rec.State()
	return s.OrderID
}
