// README: Order store contract and its PostgreSQL implementation.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"trackline/internal/types"
)

// Store is the single writer of record for orders and deliveries.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	// ApplyTransition compares (status, status_version) and, when they still
	// match, writes the new status, the delivery change and the state event
	// in one unit. It reports false when another writer got there first.
	ApplyTransition(ctx context.Context, rec TransitionRecord) (bool, error)
	// ActiveDelivery returns nil, nil when the order has no active delivery.
	ActiveDelivery(ctx context.Context, orderID types.ID) (*Delivery, error)
	LatestDelivery(ctx context.Context, orderID types.ID) (*Delivery, error)
	// CreateDelivery fails with ErrAlreadyAssigned when one is already active.
	CreateDelivery(ctx context.Context, d *Delivery) error
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]types.ID, error)
	ActiveDeliveries(ctx context.Context) ([]Delivery, error)
	Events(ctx context.Context, orderID types.ID) ([]Event, error)
}

const pgUniqueViolation = "23505"

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, o *Order) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, store_id, status, status_version,
			total_amount, payment_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(o.ID),
		string(o.CustomerID),
		string(o.StoreID),
		string(o.Status),
		o.StatusVersion,
		o.TotalAmount,
		string(o.PaymentStatus),
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	customer := o.CustomerID
	if err := appendEvent(ctx, tx, &Event{
		OrderID:    o.ID,
		FromStatus: StatusNone,
		ToStatus:   o.Status,
		ActorRole:  RoleCustomer,
		ActorID:    &customer,
		CreatedAt:  o.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, customer_id, store_id, status, status_version,
		       total_amount, payment_status, created_at, updated_at
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.StoreID, &o.Status, &o.StatusVersion,
		&o.TotalAmount, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PGStore) ApplyTransition(ctx context.Context, rec TransitionRecord) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var payment *string
	if rec.Payment != nil {
		p := string(*rec.Payment)
		payment = &p
	}
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    payment_status = COALESCE($2, payment_status),
		    updated_at = $3
		WHERE id = $4 AND status = $5 AND status_version = $6`,
		string(rec.To),
		payment,
		rec.At,
		string(rec.OrderID),
		string(rec.From),
		rec.FromVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if rec.Delivery != nil {
		_, err := tx.Exec(ctx, `
			UPDATE deliveries
			SET status = $1,
			    delivered_at = CASE WHEN $1 = 'delivered' THEN $2 ELSE delivered_at END
			WHERE order_id = $3 AND status IN ('assigned', 'picked_up')`,
			string(*rec.Delivery),
			rec.At,
			string(rec.OrderID),
		)
		if err != nil {
			return false, fmt.Errorf("update delivery: %w", err)
		}
	}

	var actorID *types.ID
	if rec.Actor.ID != "" {
		id := rec.Actor.ID
		actorID = &id
	}
	if err := appendEvent(ctx, tx, &Event{
		OrderID:    rec.OrderID,
		FromStatus: rec.From,
		ToStatus:   rec.To,
		ActorRole:  rec.Actor.Role,
		ActorID:    actorID,
		CreatedAt:  rec.At,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) ActiveDelivery(ctx context.Context, orderID types.ID) (*Delivery, error) {
	return s.scanDelivery(s.db.QueryRow(ctx, `
		SELECT order_id, driver_id, status, assigned_at, delivered_at
		FROM deliveries
		WHERE order_id = $1 AND status IN ('assigned', 'picked_up')`, string(orderID),
	))
}

func (s *PGStore) LatestDelivery(ctx context.Context, orderID types.ID) (*Delivery, error) {
	return s.scanDelivery(s.db.QueryRow(ctx, `
		SELECT order_id, driver_id, status, assigned_at, delivered_at
		FROM deliveries
		WHERE order_id = $1
		ORDER BY assigned_at DESC, id DESC
		LIMIT 1`, string(orderID),
	))
}

func (s *PGStore) scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	err := row.Scan(&d.OrderID, &d.DriverID, &d.Status, &d.AssignedAt, &d.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PGStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO deliveries (order_id, driver_id, status, assigned_at)
		VALUES ($1, $2, $3, $4)`,
		string(d.OrderID),
		string(d.DriverID),
		string(d.Status),
		d.AssignedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyAssigned
	}
	return err
}

func (s *PGStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ID, error) {
		var id types.ID
		err := row.Scan(&id)
		return id, err
	})
}

func (s *PGStore) ActiveDeliveries(ctx context.Context) ([]Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT order_id, driver_id, status, assigned_at, delivered_at
		FROM deliveries
		WHERE status IN ('assigned', 'picked_up')
		ORDER BY assigned_at`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Delivery, error) {
		var d Delivery
		err := row.Scan(&d.OrderID, &d.DriverID, &d.Status, &d.AssignedAt, &d.DeliveredAt)
		return d, err
	})
}

func (s *PGStore) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_role, actor_id, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(orderID),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		err := row.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.ActorRole, &e.ActorID, &e.CreatedAt)
		return e, err
	})
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	var actorID *string
	if e.ActorID != nil {
		v := string(*e.ActorID)
		actorID = &v
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_role, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorRole),
		actorID,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append state event: %w", err)
	}
	return nil
}
