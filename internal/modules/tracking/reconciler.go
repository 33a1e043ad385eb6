// README: Reconciler merges polled snapshots and pushed events into one client view.
package tracking

import (
	"sync"

	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/types"
)

// Reconciler applies one merge rule to both paths: status fields only move
// forward in updated_at, the location only moves forward in captured_at.
// Applying the same input twice, or inputs out of order, converges on the
// same state.
type Reconciler struct {
	mu    sync.Mutex
	state Snapshot
	seen  bool
}

func NewReconciler(orderID types.ID) *Reconciler {
	return &Reconciler{state: Snapshot{OrderID: orderID}}
}

// State returns a copy of the current view and whether anything was applied.
func (r *Reconciler) State() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSnapshot(r.state), r.seen
}

// ApplySnapshot merges a polled snapshot and reports whether the view changed.
func (r *Reconciler) ApplySnapshot(s Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := cloneSnapshot(r.state)
	cur := &r.state

	if !r.seen || s.UpdatedAt.After(cur.UpdatedAt) {
		cur.Status = s.Status
		cur.PaymentStatus = s.PaymentStatus
		cur.TotalAmount = s.TotalAmount
		cur.UpdatedAt = s.UpdatedAt
		if s.Driver != nil {
			d := *s.Driver
			cur.Driver = &d
		}
	} else if s.UpdatedAt.Equal(cur.UpdatedAt) {
		// Same status version; the driver may have been assigned since.
		if s.Driver != nil {
			d := *s.Driver
			cur.Driver = &d
		}
		if cur.TotalAmount == 0 {
			cur.TotalAmount = s.TotalAmount
		}
	}

	switch {
	case s.LastLocation == nil:
		if cur.LastLocation == nil {
			cur.LocationStale = s.LocationStale
		}
	case cur.LastLocation == nil || s.LastLocation.CapturedAt.After(cur.LastLocation.CapturedAt):
		loc := *s.LastLocation
		cur.LastLocation = &loc
		cur.LocationStale = s.LocationStale
	case s.LastLocation.CapturedAt.Equal(cur.LastLocation.CapturedAt):
		cur.LocationStale = s.LocationStale
	}

	r.seen = true
	r.clearIfTerminalLocked()
	return !sameSnapshot(before, r.state)
}

// ApplyEvent merges one pushed event and reports whether the view changed.
func (r *Reconciler) ApplyEvent(env Envelope) (bool, error) {
	payload, err := env.Decode()
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	before := cloneSnapshot(r.state)
	cur := &r.state

	switch p := payload.(type) {
	case notify.StatusChanged:
		if !r.seen || p.UpdatedAt.After(cur.UpdatedAt) {
			cur.Status = p.Status
			if p.PaymentStatus != "" {
				cur.PaymentStatus = p.PaymentStatus
			}
			cur.UpdatedAt = p.UpdatedAt
		}
		if p.Driver != nil && !p.UpdatedAt.Before(cur.UpdatedAt) {
			cur.Driver = &DriverView{ID: p.Driver.ID, DeliveryStatus: p.Driver.DeliveryStatus}
		}
		r.seen = true
	case notify.LocationUpdate:
		if r.terminalLocked() {
			break
		}
		if cur.LastLocation == nil || p.CapturedAt.After(cur.LastLocation.CapturedAt) {
			cur.LastLocation = &LocationView{Lat: p.Lat, Lng: p.Lng, Bearing: p.Bearing, CapturedAt: p.CapturedAt}
			cur.LocationStale = false
		}
	case notify.DeliveryAborted:
		if cur.Driver != nil && (p.DriverID == "" || cur.Driver.ID == p.DriverID) {
			cur.Driver.DeliveryStatus = string(order.DeliveryAborted)
		}
		cur.LastLocation = nil
		cur.LocationStale = false
	case notify.DriverStale:
		if r.terminalLocked() {
			break
		}
		// A sample newer than the one the server timed out on wins.
		if p.LastCapturedAt == nil || cur.LastLocation == nil || !cur.LastLocation.CapturedAt.After(*p.LastCapturedAt) {
			cur.LocationStale = true
		}
	}

	r.clearIfTerminalLocked()
	return !sameSnapshot(before, r.state), nil
}

func (r *Reconciler) terminalLocked() bool {
	return order.Status(r.state.Status).Terminal()
}

func (r *Reconciler) clearIfTerminalLocked() {
	if r.terminalLocked() {
		r.state.LastLocation = nil
		r.state.LocationStale = false
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	if s.Driver != nil {
		d := *s.Driver
		s.Driver = &d
	}
	if s.LastLocation != nil {
		l := *s.LastLocation
		s.LastLocation = &l
	}
	return s
}

func sameSnapshot(a, b Snapshot) bool {
	if a.OrderID != b.OrderID || a.Status != b.Status || a.PaymentStatus != b.PaymentStatus ||
		a.TotalAmount != b.TotalAmount || !a.UpdatedAt.Equal(b.UpdatedAt) || a.LocationStale != b.LocationStale {
		return false
	}
	if (a.Driver == nil) != (b.Driver == nil) || (a.Driver != nil && *a.Driver != *b.Driver) {
		return false
	}
	if (a.LastLocation == nil) != (b.LastLocation == nil) {
		return false
	}
	if a.LastLocation != nil {
		x, y := a.LastLocation, b.LastLocation
		return x.Lat == y.Lat && x.Lng == y.Lng && x.Bearing == y.Bearing && x.CapturedAt.Equal(y.CapturedAt)
	}
	return true
}

