// README: Read path shared by GET /api/orders/{id} and the order.joined frame.
package handlers

import (
	"context"

	"trackline/internal/modules/location"
	"trackline/internal/modules/order"
	"trackline/internal/modules/tracking"
	"trackline/internal/types"
)

type snapshotReader struct {
	orders *order.Service
	relay  *location.Relay
}

// read returns the snapshot if actor may watch the order.
func (r snapshotReader) read(ctx context.Context, actor order.Actor, id types.ID) (tracking.Snapshot, error) {
	o, err := r.orders.Get(ctx, id)
	if err != nil {
		return tracking.Snapshot{}, err
	}
	d, err := r.orders.LatestDelivery(ctx, id)
	if err != nil {
		return tracking.Snapshot{}, err
	}
	if !canView(actor, o, d) {
		return tracking.Snapshot{}, order.ErrForbidden
	}
	last, stale, err := r.relay.Last(ctx, id)
	if err != nil {
		return tracking.Snapshot{}, err
	}
	return tracking.NewSnapshot(o, d, last, stale), nil
}

// canView: the customer who placed the order, its driver, and staff.
func canView(actor order.Actor, o *order.Order, d *order.Delivery) bool {
	switch actor.Role {
	case order.RoleAdmin, order.RoleSystem:
		return true
	case order.RoleCustomer:
		return actor.ID != "" && actor.ID == o.CustomerID
	case order.RoleDriver:
		return d != nil && actor.ID != "" && actor.ID == d.DriverID
	}
	return false
}
