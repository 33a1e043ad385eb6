package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"trackline/internal/types"
)

// MemoryStore keeps orders in process memory. It honours the same
// compare-and-swap contract as PGStore and backs tests and demo runs.
type MemoryStore struct {
	mu         sync.Mutex
	orders     map[types.ID]Order
	deliveries map[types.ID][]Delivery
	events     map[types.ID][]Event
	nextEvent  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[types.ID]Order),
		deliveries: make(map[types.ID][]Delivery),
		events:     make(map[types.ID][]Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrConflict
	}
	s.orders[o.ID] = *o
	customer := o.CustomerID
	s.appendLocked(Event{
		OrderID:    o.ID,
		FromStatus: StatusNone,
		ToStatus:   o.Status,
		ActorRole:  RoleCustomer,
		ActorID:    &customer,
		CreatedAt:  o.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, rec TransitionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[rec.OrderID]
	if !ok || o.Status != rec.From || o.StatusVersion != rec.FromVersion {
		return false, nil
	}
	o.Status = rec.To
	o.StatusVersion++
	o.UpdatedAt = rec.At
	if rec.Payment != nil {
		o.PaymentStatus = *rec.Payment
	}
	s.orders[rec.OrderID] = o

	if rec.Delivery != nil {
		ds := s.deliveries[rec.OrderID]
		for i := range ds {
			if !ds[i].Status.Active() {
				continue
			}
			ds[i].Status = *rec.Delivery
			if *rec.Delivery == DeliveryDelivered {
				at := rec.At
				ds[i].DeliveredAt = &at
			}
		}
	}

	var actorID *types.ID
	if rec.Actor.ID != "" {
		id := rec.Actor.ID
		actorID = &id
	}
	s.appendLocked(Event{
		OrderID:    rec.OrderID,
		FromStatus: rec.From,
		ToStatus:   rec.To,
		ActorRole:  rec.Actor.Role,
		ActorID:    actorID,
		CreatedAt:  rec.At,
	})
	return true, nil
}

func (s *MemoryStore) ActiveDelivery(_ context.Context, orderID types.ID) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries[orderID] {
		if d.Status.Active() {
			return &d, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) LatestDelivery(_ context.Context, orderID types.ID) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.deliveries[orderID]
	if len(ds) == 0 {
		return nil, nil
	}
	d := ds[len(ds)-1]
	return &d, nil
}

func (s *MemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[d.OrderID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.deliveries[d.OrderID] {
		if existing.Status.Active() {
			return ErrAlreadyAssigned
		}
	}
	s.deliveries[d.OrderID] = append(s.deliveries[d.OrderID], *d)
	return nil
}

func (s *MemoryStore) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stuck []Order
	for _, o := range s.orders {
		if o.Status == StatusPending && o.CreatedAt.Before(before) {
			stuck = append(stuck, o)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].CreatedAt.Before(stuck[j].CreatedAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	ids := make([]types.ID, 0, len(stuck))
	for _, o := range stuck {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ActiveDeliveries(_ context.Context) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for _, ds := range s.deliveries {
		for _, d := range ds {
			if d.Status.Active() {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (s *MemoryStore) Events(_ context.Context, orderID types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[orderID]...), nil
}

func (s *MemoryStore) appendLocked(e Event) {
	s.nextEvent++
	e.ID = s.nextEvent
	s.events[e.OrderID] = append(s.events[e.OrderID], e)
}
