// README: Location relay accepts driver samples, keeps them monotonic, and signals silence.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trackline/internal/lock"
	"trackline/internal/metrics"
	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/types"
)

var (
	ErrBadRequest  = errors.New("bad location sample")
	ErrNotAssigned = order.ErrNotAssigned
)

// Assignments resolves the active delivery of an order.
type Assignments interface {
	ActiveDelivery(ctx context.Context, orderID types.ID) (*order.Delivery, error)
}

type Config struct {
	StaleAfter time.Duration
	// MirrorTimeout bounds one mirror write.
	MirrorTimeout time.Duration
}

type Option func(*Relay)

// WithMirror copies every accepted sample to m on a best-effort basis. Writes
// happen in the background; when samples arrive faster than m keeps up only
// the newest per order is written.
func WithMirror(m Mirror) Option {
	return func(r *Relay) { r.mirror = m }
}

// watch tracks silence for one active delivery.
type watch struct {
	driverID types.ID
	timer    *time.Timer
	gen      uint64
	stale    bool
	last     *time.Time
}

type Relay struct {
	store       Store
	assignments Assignments
	pub         notify.Publisher
	mirror      Mirror
	mirrors     *mirrorQueue
	staleAfter  time.Duration
	locks       *lock.Keyed

	mu      sync.Mutex
	watches map[types.ID]*watch
	closed  bool
}

func NewRelay(store Store, assignments Assignments, pub notify.Publisher, cfg Config, opts ...Option) *Relay {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 5 * time.Second
	}
	r := &Relay{
		store:       store,
		assignments: assignments,
		pub:         pub,
		staleAfter:  cfg.StaleAfter,
		locks:       lock.NewKeyed(),
		watches:     make(map[types.ID]*watch),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mirror != nil {
		r.mirrors = newMirrorQueue(r.mirror, cfg.MirrorTimeout)
	}
	return r
}

// Submit relays a sample from driverID. It returns false with a nil error
// when the sample is not newer than the last accepted one for the order.
func (r *Relay) Submit(ctx context.Context, driverID types.ID, s Sample) (bool, error) {
	s.DriverID = driverID
	s.CapturedAt = s.CapturedAt.UTC().Truncate(time.Microsecond)
	if err := s.Validate(); err != nil {
		metrics.LocationSamplesTotal.WithLabelValues("rejected").Inc()
		return false, err
	}

	unlock := r.locks.Lock(string(s.OrderID))
	defer unlock()

	d, err := r.assignments.ActiveDelivery(ctx, s.OrderID)
	if err != nil {
		return false, err
	}
	if d == nil || d.DriverID != driverID {
		metrics.LocationSamplesTotal.WithLabelValues("rejected").Inc()
		return false, ErrNotAssigned
	}

	stored, err := r.store.SaveIfNewer(ctx, s)
	if err != nil {
		return false, err
	}
	if !stored {
		metrics.LocationSamplesTotal.WithLabelValues("stale").Inc()
		slog.Debug("location: dropped out-of-order sample", "order_id", s.OrderID, "captured_at", s.CapturedAt)
		return false, nil
	}
	metrics.LocationSamplesTotal.WithLabelValues("accepted").Inc()

	r.touch(s.OrderID, driverID, s.CapturedAt)
	ev := notify.NewLocationUpdate(s.OrderID, s.Position, s.Bearing, s.CapturedAt)
	if err := r.pub.Publish(ctx, s.OrderID, ev); err != nil {
		metrics.HubPublishFailuresTotal.Inc()
		slog.Warn("location: publish update", "order_id", s.OrderID, "error", err)
	}
	if r.mirrors != nil {
		r.mirrors.set(s)
	}
	return true, nil
}

// Last returns the last accepted sample and whether the driver has gone
// silent. Both push and poll read the same state through here.
func (r *Relay) Last(ctx context.Context, orderID types.ID) (*Sample, bool, error) {
	s, err := r.store.Last(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return s, r.IsStale(orderID), nil
}

func (r *Relay) IsStale(orderID types.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[orderID]
	return ok && w.stale
}

// DeliveryStarted arms the silence timer for a freshly assigned delivery.
func (r *Relay) DeliveryStarted(orderID, driverID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if w, ok := r.watches[orderID]; ok {
		w.timer.Stop()
	}
	w := &watch{driverID: driverID}
	r.watches[orderID] = w
	r.armLocked(orderID, w)
}

// DeliveryEnded stops the timer and forgets the order's samples.
func (r *Relay) DeliveryEnded(orderID types.ID) {
	// Wait out an in-flight Submit so it cannot re-arm the timer afterwards.
	unlock := r.locks.Lock(string(orderID))
	defer unlock()

	r.mu.Lock()
	if w, ok := r.watches[orderID]; ok {
		w.timer.Stop()
		delete(r.watches, orderID)
	}
	r.mu.Unlock()

	if err := r.store.Clear(context.Background(), orderID); err != nil {
		slog.Warn("location: clear samples", "order_id", orderID, "error", err)
	}
	if r.mirrors != nil {
		r.mirrors.clear(orderID)
	}
}

// Resume arms silence timers for deliveries that were already active when
// the process started. The timer is shortened by however long ago the last
// stored sample was captured, so a driver that went quiet during a restart
// is reported without waiting a full period. It returns how many deliveries
// were armed.
func (r *Relay) Resume(ctx context.Context, deliveries []order.Delivery) (int, error) {
	armed := 0
	for _, d := range deliveries {
		if !d.Status.Active() {
			continue
		}
		last, err := r.store.Last(ctx, d.OrderID)
		if err != nil {
			return armed, err
		}
		if r.resumeOne(d, last) {
			armed++
		}
	}
	return armed, nil
}

func (r *Relay) resumeOne(d order.Delivery, last *Sample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, ok := r.watches[d.OrderID]; ok {
		return false
	}
	w := &watch{driverID: d.DriverID}
	since := d.AssignedAt
	if last != nil {
		at := last.CapturedAt
		w.last = &at
		since = at
	}
	r.watches[d.OrderID] = w
	r.armAfterLocked(d.OrderID, w, r.staleAfter-time.Since(since))
	return true
}

func (r *Relay) touch(orderID, driverID types.ID, capturedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	w, ok := r.watches[orderID]
	if !ok {
		// Delivery started before this process did.
		w = &watch{driverID: driverID}
		r.watches[orderID] = w
	} else {
		w.timer.Stop()
	}
	at := capturedAt
	w.last = &at
	w.stale = false
	r.armLocked(orderID, w)
}

func (r *Relay) armLocked(orderID types.ID, w *watch) {
	r.armAfterLocked(orderID, w, r.staleAfter)
}

func (r *Relay) armAfterLocked(orderID types.ID, w *watch, d time.Duration) {
	if d < 0 {
		d = 0
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(d, func() { r.fire(orderID, gen) })
}

func (r *Relay) fire(orderID types.ID, gen uint64) {
	r.mu.Lock()
	w, ok := r.watches[orderID]
	if !ok || w.gen != gen || w.stale || r.closed {
		r.mu.Unlock()
		return
	}
	w.stale = true
	last, driverID := w.last, w.driverID
	r.mu.Unlock()

	metrics.DriverStaleTotal.Inc()
	slog.Info("location: driver went silent", "order_id", orderID, "driver_id", driverID)
	ev := notify.NewDriverStale(orderID, last, time.Now().UTC())
	if err := r.pub.Publish(context.Background(), orderID, ev); err != nil {
		metrics.HubPublishFailuresTotal.Inc()
		slog.Warn("location: publish driver_stale", "order_id", orderID, "error", err)
	}
}

// Watching returns the number of deliveries with an armed silence timer.
func (r *Relay) Watching() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

// Close stops every timer and waits for queued mirror writes.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	for id, w := range r.watches {
		w.timer.Stop()
		delete(r.watches, id)
	}
	r.mu.Unlock()
	if r.mirrors != nil {
		r.mirrors.close()
	}
}
