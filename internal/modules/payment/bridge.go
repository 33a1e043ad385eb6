// README: Payment webhook bridge; verifies, dedupes and turns provider events into transitions.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trackline/internal/lock"
	"trackline/internal/metrics"
	"trackline/internal/modules/order"
	"trackline/internal/types"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformed        = errors.New("malformed webhook event")
)

type EventType string

const (
	EventCaptured   EventType = "payment.captured"
	EventFailed     EventType = "payment.failed"
	EventAuthorized EventType = "payment.authorized"
)

// Event is the provider payload. Only these fields are read.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	OrderID types.ID  `json:"order_id"`
}

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeRejected     Outcome = "rejected"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDuplicate    Outcome = "duplicate"
)

type Result struct {
	EventID string
	OrderID types.ID
	Outcome Outcome
}

// Transitioner is the slice of the order service the bridge drives.
type Transitioner interface {
	Transition(ctx context.Context, cmd order.TransitionCommand) (*order.Order, error)
	UpdatePayment(ctx context.Context, cmd order.PaymentCommand) (*order.Order, error)
}

type Bridge struct {
	secret []byte
	orders Transitioner
	dedup  DedupStore
	locks  *lock.Keyed
	now    func() time.Time
}

func NewBridge(secret string, orders Transitioner, dedup DedupStore) *Bridge {
	return &Bridge{
		secret: []byte(secret),
		orders: orders,
		dedup:  dedup,
		locks:  lock.NewKeyed(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one raw webhook delivery. Every non-error result should be
// acknowledged to the provider; errors other than ErrInvalidSignature and
// ErrMalformed are transient and the provider should retry.
func (b *Bridge) Handle(ctx context.Context, body []byte, signature string) (Result, error) {
	if !Verify(b.secret, body, signature) {
		metrics.WebhookEventsTotal.WithLabelValues("invalid_signature").Inc()
		slog.Warn("payment: rejected webhook with invalid signature", "body_bytes", len(body))
		return Result{}, ErrInvalidSignature
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("malformed").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.ID == "" || ev.OrderID == "" || ev.Type == "" {
		metrics.WebhookEventsTotal.WithLabelValues("malformed").Inc()
		return Result{}, fmt.Errorf("%w: id, type and order_id are required", ErrMalformed)
	}

	unlock := b.locks.Lock(ev.ID)
	defer unlock()

	res := Result{EventID: ev.ID, OrderID: ev.OrderID}
	seen, err := b.dedup.Processed(ctx, ev.ID)
	if err != nil {
		return Result{}, err
	}
	if seen {
		res.Outcome = OutcomeDuplicate
		metrics.WebhookEventsTotal.WithLabelValues(string(res.Outcome)).Inc()
		slog.Info("payment: duplicate webhook event", "event_id", ev.ID, "order_id", ev.OrderID)
		return res, nil
	}

	res.Outcome, err = b.apply(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	inserted, err := b.dedup.MarkProcessed(ctx, Record{
		EventID:     ev.ID,
		Type:        ev.Type,
		OrderID:     ev.OrderID,
		Outcome:     res.Outcome,
		Signature:   signature,
		ProcessedAt: b.now(),
	})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		// recorded concurrently by another process
		res.Outcome = OutcomeDuplicate
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(res.Outcome)).Inc()
	slog.Info("payment: webhook processed", "event_id", ev.ID, "order_id", ev.OrderID, "type", ev.Type, "outcome", res.Outcome)
	return res, nil
}

func (b *Bridge) apply(ctx context.Context, ev Event) (Outcome, error) {
	var cmd order.TransitionCommand
	switch ev.Type {
	case EventCaptured:
		captured := order.PaymentCaptured
		cmd = order.TransitionCommand{Target: order.StatusPlaced, Payment: &captured}
	case EventFailed:
		failed := order.PaymentFailed
		cmd = order.TransitionCommand{Target: order.StatusFailed, Payment: &failed}
	case EventAuthorized:
		return b.authorize(ctx, ev)
	default:
		return OutcomeIgnored, nil
	}
	cmd.OrderID = ev.OrderID
	cmd.Actor = order.SystemActor

	_, err := b.orders.Transition(ctx, cmd)
	return b.outcome(ev, err)
}

// authorize records an authorization only on an unpaid order; a capture or
// failure that already arrived wins.
func (b *Bridge) authorize(ctx context.Context, ev Event) (Outcome, error) {
	o, err := b.orders.UpdatePayment(ctx, order.PaymentCommand{
		OrderID:   ev.OrderID,
		Payment:   order.PaymentAuthorized,
		Actor:     order.SystemActor,
		IfPayment: order.PaymentUnpaid,
	})
	if err == nil && o.PaymentStatus != order.PaymentAuthorized {
		return OutcomeAcknowledged, nil
	}
	return b.outcome(ev, err)
}

func (b *Bridge) outcome(ev Event, err error) (Outcome, error) {
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, order.ErrIllegalTransition), errors.Is(err, order.ErrNotFound):
		// terminal for this event: recorded and acknowledged
		slog.Warn("payment: webhook event not applicable", "event_id", ev.ID, "order_id", ev.OrderID, "error", err)
		return OutcomeRejected, nil
	default:
		return "", err
	}
}
