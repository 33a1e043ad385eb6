// README: Order service implements the state machine, driver assignment and persistence.
package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trackline/internal/lock"
	"trackline/internal/metrics"
	"trackline/internal/modules/notify"
	"trackline/internal/types"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order state conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrForbidden         = errors.New("actor may not set this status")
	ErrNotAssigned       = errors.New("driver is not assigned to this order")
	ErrAlreadyAssigned   = errors.New("order already has an active delivery")
)

// DeliveryListener is told when a delivery starts and when it reaches a
// terminal state.
type DeliveryListener interface {
	DeliveryStarted(orderID, driverID types.ID)
	DeliveryEnded(orderID types.ID)
}

type Service struct {
	store    Store
	pub      notify.Publisher
	locks    *lock.Keyed
	listener DeliveryListener
	now      func() time.Time
}

func NewService(store Store, pub notify.Publisher) *Service {
	return &Service{
		store: store,
		pub:   pub,
		locks: lock.NewKeyed(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetDeliveryListener must be called before the service handles requests.
func (s *Service) SetDeliveryListener(l DeliveryListener) {
	s.listener = l
}

type CreateCommand struct {
	CustomerID  types.ID
	StoreID     types.ID
	TotalAmount int64
}

type TransitionCommand struct {
	OrderID types.ID
	Target  Status
	Actor   Actor
	// Payment, when set, is written together with the status.
	Payment *PaymentStatus
	// IfStatus, when set, makes the transition fail with ErrConflict unless
	// the order is still in that status.
	IfStatus Status
}

type PaymentCommand struct {
	OrderID   types.ID
	Payment   PaymentStatus
	Actor     Actor
	IfPayment PaymentStatus
}

type AcceptCommand struct {
	OrderID  types.ID
	DriverID types.ID
}

type CancelCommand struct {
	OrderID types.ID
	Actor   Actor
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.CustomerID == "" || cmd.StoreID == "" || cmd.TotalAmount < 0 {
		return nil, ErrBadRequest
	}
	now := s.now()
	o := &Order{
		ID:            newID(),
		CustomerID:    cmd.CustomerID,
		StoreID:       cmd.StoreID,
		Status:        StatusPending,
		TotalAmount:   cmd.TotalAmount,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ActiveDelivery(ctx context.Context, orderID types.ID) (*Delivery, error) {
	return s.store.ActiveDelivery(ctx, orderID)
}

func (s *Service) LatestDelivery(ctx context.Context, orderID types.ID) (*Delivery, error) {
	return s.store.LatestDelivery(ctx, orderID)
}

// ActiveDeliveries lists every delivery a driver is still working.
func (s *Service) ActiveDeliveries(ctx context.Context) ([]Delivery, error) {
	return s.store.ActiveDeliveries(ctx)
}

func (s *Service) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	return s.store.Events(ctx, orderID)
}

// Transition moves an order to cmd.Target. Asking for the current status is
// a successful no-op unless cmd.Payment changes the payment status. The new status is published only after it is stored;
// a failed publish is logged and never undoes the transition.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	if cmd.OrderID == "" || !cmd.Target.Valid() || !cmd.Actor.Role.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.Payment != nil && !cmd.Payment.Valid() {
		return nil, ErrBadRequest
	}
	unlock := s.locks.Lock(string(cmd.OrderID))
	defer unlock()

	o, err := s.transitionLocked(ctx, cmd)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(cmd.Target), outcome(err)).Inc()
		return nil, err
	}
	return o, nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	return s.Transition(ctx, TransitionCommand{OrderID: cmd.OrderID, Target: StatusCancelled, Actor: cmd.Actor})
}

func (s *Service) transitionLocked(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if cmd.IfStatus != "" && o.Status != cmd.IfStatus {
		return nil, ErrConflict
	}
	if cmd.Actor.Role == RoleCustomer && cmd.Actor.ID != o.CustomerID {
		return nil, ErrForbidden
	}
	if o.Status == cmd.Target {
		return s.paymentLocked(ctx, o, cmd.Payment, cmd.Actor)
	}
	if !CanTransition(o.Status, cmd.Target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, cmd.Target)
	}
	if !CanSet(cmd.Actor.Role, cmd.Target) {
		return nil, fmt.Errorf("%w: %s cannot set %s", ErrForbidden, cmd.Actor.Role, cmd.Target)
	}

	active, err := s.store.ActiveDelivery(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if requiresDelivery(cmd.Target) && active == nil {
		return nil, ErrNotAssigned
	}
	if cmd.Actor.Role == RoleDriver && (active == nil || active.DriverID != cmd.Actor.ID) {
		return nil, ErrNotAssigned
	}

	rec := TransitionRecord{
		OrderID:     o.ID,
		From:        o.Status,
		To:          cmd.Target,
		FromVersion: o.StatusVersion,
		Payment:     cmd.Payment,
		Actor:       cmd.Actor,
		At:          s.now(),
	}
	rec.Delivery = deliveryChange(cmd.Target, active)

	ok, err := s.store.ApplyTransition(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	metrics.TransitionsTotal.WithLabelValues(string(cmd.Target), "ok").Inc()

	o.Status = rec.To
	o.StatusVersion++
	o.UpdatedAt = rec.At
	if rec.Payment != nil {
		o.PaymentStatus = *rec.Payment
	}

	ended := rec.Delivery != nil && !rec.Delivery.Active()
	if ended && s.listener != nil {
		s.listener.DeliveryEnded(o.ID)
	}
	var driver *notify.DriverInfo
	if active != nil {
		ds := active.Status
		if rec.Delivery != nil {
			ds = *rec.Delivery
		}
		driver = &notify.DriverInfo{ID: string(active.DriverID), DeliveryStatus: string(ds)}
	}
	s.publish(ctx, notify.NewStatusChanged(o.ID, string(o.Status), string(o.PaymentStatus), driver, o.UpdatedAt))
	if cmd.Target == StatusCancelled && active != nil {
		s.publish(ctx, notify.NewDeliveryAborted(o.ID, active.DriverID, rec.At))
	}
	slog.Info("order: transition", "order_id", o.ID, "from", rec.From, "to", rec.To, "actor_role", cmd.Actor.Role)
	return o, nil
}

// UpdatePayment records a payment status without moving the order. With
// IfPayment set, an order whose payment has already moved on is returned
// unchanged.
func (s *Service) UpdatePayment(ctx context.Context, cmd PaymentCommand) (*Order, error) {
	if cmd.OrderID == "" || !cmd.Payment.Valid() || !cmd.Actor.Role.Valid() {
		return nil, ErrBadRequest
	}
	unlock := s.locks.Lock(string(cmd.OrderID))
	defer unlock()

	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if cmd.IfPayment != "" && o.PaymentStatus != cmd.IfPayment {
		return o, nil
	}
	p := cmd.Payment
	return s.paymentLocked(ctx, o, &p, cmd.Actor)
}

// paymentLocked handles a request whose target is the current status: a
// no-op unless it carries a different payment status, which is then stored
// on its own and published.
func (s *Service) paymentLocked(ctx context.Context, o *Order, p *PaymentStatus, actor Actor) (*Order, error) {
	if p == nil || *p == o.PaymentStatus {
		metrics.TransitionsTotal.WithLabelValues(string(o.Status), "noop").Inc()
		return o, nil
	}
	if !CanSetPayment(actor.Role) {
		return nil, fmt.Errorf("%w: %s cannot set payment status", ErrForbidden, actor.Role)
	}
	active, err := s.store.ActiveDelivery(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	rec := TransitionRecord{
		OrderID:     o.ID,
		From:        o.Status,
		To:          o.Status,
		FromVersion: o.StatusVersion,
		Payment:     p,
		Actor:       actor,
		At:          s.now(),
	}
	ok, err := s.store.ApplyTransition(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	metrics.TransitionsTotal.WithLabelValues(string(o.Status), "payment").Inc()

	prev := o.PaymentStatus
	o.StatusVersion++
	o.UpdatedAt = rec.At
	o.PaymentStatus = *p

	var driver *notify.DriverInfo
	if active != nil {
		driver = &notify.DriverInfo{ID: string(active.DriverID), DeliveryStatus: string(active.Status)}
	}
	s.publish(ctx, notify.NewStatusChanged(o.ID, string(o.Status), string(o.PaymentStatus), driver, o.UpdatedAt))
	slog.Info("order: payment updated", "order_id", o.ID, "status", o.Status, "from", prev, "to", o.PaymentStatus, "actor_role", actor.Role)
	return o, nil
}

func deliveryChange(target Status, active *Delivery) *DeliveryStatus {
	if active == nil {
		return nil
	}
	var ds DeliveryStatus
	switch target {
	case StatusPickedUp:
		ds = DeliveryPickedUp
	case StatusDelivered:
		ds = DeliveryDelivered
	case StatusCancelled:
		ds = DeliveryAborted
	default:
		return nil
	}
	return &ds
}

// Accept assigns driverID to the order. Accepting again with the same driver
// returns the existing delivery.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Delivery, error) {
	if cmd.OrderID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	unlock := s.locks.Lock(string(cmd.OrderID))
	defer unlock()

	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusPlaced, StatusPreparing, StatusReadyForPickup:
	default:
		return nil, fmt.Errorf("%w: cannot accept order in %s", ErrIllegalTransition, o.Status)
	}

	active, err := s.store.ActiveDelivery(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.DriverID == cmd.DriverID {
			return active, nil
		}
		return nil, ErrAlreadyAssigned
	}

	d := &Delivery{
		OrderID:    o.ID,
		DriverID:   cmd.DriverID,
		Status:     DeliveryAssigned,
		AssignedAt: s.now(),
	}
	if err := s.store.CreateDelivery(ctx, d); err != nil {
		return nil, err
	}
	if s.listener != nil {
		s.listener.DeliveryStarted(o.ID, cmd.DriverID)
	}
	// The status is unchanged; subscribers learn the assignment from the driver field.
	s.publish(ctx, notify.NewStatusChanged(o.ID, string(o.Status), string(o.PaymentStatus),
		&notify.DriverInfo{ID: string(d.DriverID), DeliveryStatus: string(d.Status)}, o.UpdatedAt))
	slog.Info("order: driver accepted", "order_id", o.ID, "driver_id", cmd.DriverID)
	return d, nil
}

func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev.OrderID, ev); err != nil {
		metrics.HubPublishFailuresTotal.Inc()
		slog.Warn("order: publish after commit failed", "order_id", ev.OrderID, "type", ev.Type, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotAssigned):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBadRequest):
		return "rejected"
	default:
		return "error"
	}
}

func newID() types.ID {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return types.ID("ord_" + hex.EncodeToString(b[:]))
}
