package order

import (
	"context"
	"errors"
	"testing"

	"trackline/internal/modules/notify"
	"trackline/internal/types"
)

// pathTo lists the transitions that bring a fresh order to each status.
var pathTo = map[Status][]Status{
	StatusPending:        nil,
	StatusPlaced:         {StatusPlaced},
	StatusPreparing:      {StatusPlaced, StatusPreparing},
	StatusReadyForPickup: {StatusPlaced, StatusPreparing, StatusReadyForPickup},
	StatusPickedUp:       {StatusPlaced, StatusPreparing, StatusReadyForPickup, StatusPickedUp},
	StatusOutForDelivery: {StatusPlaced, StatusPreparing, StatusReadyForPickup, StatusPickedUp, StatusOutForDelivery},
	StatusDelivered:      {StatusPlaced, StatusPreparing, StatusReadyForPickup, StatusPickedUp, StatusOutForDelivery, StatusDelivered},
	StatusCancelled:      {StatusCancelled},
	StatusFailed:         {StatusFailed},
}

// driveTo creates an order and walks it to status as the system. A driver is
// assigned as soon as the order can take one, so targets that need a
// delivery are reachable.
func driveTo(t *testing.T, svc *Service, customerID types.ID, status Status) *Order {
	t.Helper()
	o := mustCreateOrder(t, svc, customerID)
	for _, next := range pathTo[status] {
		o = mustTransition(t, svc, TransitionCommand{OrderID: o.ID, Target: next, Actor: SystemActor})
		if next == StatusPlaced {
			if _, err := svc.Accept(context.Background(), AcceptCommand{OrderID: o.ID, DriverID: "d1"}); err != nil {
				t.Fatalf("accept: %v", err)
			}
		}
	}
	got, err := svc.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != status {
		t.Fatalf("setup reached %s, want %s", got.Status, status)
	}
	return got
}

func TestTransitionLegalityAllPairs(t *testing.T) {
	ctx := context.Background()
	for _, from := range Statuses {
		for _, to := range Statuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				svc := NewService(NewMemoryStore(), nil)
				before := driveTo(t, svc, "c_pairs", from)

				got, err := svc.Transition(ctx, TransitionCommand{OrderID: before.ID, Target: to, Actor: SystemActor})
				switch {
				case from == to:
					if err != nil {
						t.Fatalf("same status: got %v, want no-op", err)
					}
					if got.StatusVersion != before.StatusVersion {
						t.Fatalf("no-op bumped version %d -> %d", before.StatusVersion, got.StatusVersion)
					}
				case CanTransition(from, to):
					if err != nil {
						t.Fatalf("legal edge: %v", err)
					}
					if got.Status != to || got.StatusVersion != before.StatusVersion+1 {
						t.Fatalf("after = %s v%d, want %s v%d", got.Status, got.StatusVersion, to, before.StatusVersion+1)
					}
				default:
					if !errors.Is(err, ErrIllegalTransition) {
						t.Fatalf("got %v, want ErrIllegalTransition", err)
					}
					after, gerr := svc.Get(ctx, before.ID)
					if gerr != nil {
						t.Fatalf("get: %v", gerr)
					}
					if after.Status != from || after.StatusVersion != before.StatusVersion {
						t.Fatalf("rejected transition changed order to %s v%d", after.Status, after.StatusVersion)
					}
				}
			})
		}
	}
}

func TestPendingTarget(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		from    Status
		actor   Actor
		wantErr error
	}{
		{"system keeps pending", StatusPending, SystemActor, nil},
		{"admin keeps pending", StatusPending, Actor{Role: RoleAdmin, ID: "ops"}, nil},
		{"owner keeps pending", StatusPending, Actor{Role: RoleCustomer, ID: "c_pend"}, nil},
		{"stranger is still refused", StatusPending, Actor{Role: RoleCustomer, ID: "c_other"}, ErrForbidden},
		{"admin cannot reopen placed", StatusPlaced, Actor{Role: RoleAdmin, ID: "ops"}, ErrIllegalTransition},
		{"system cannot reopen cancelled", StatusCancelled, SystemActor, ErrIllegalTransition},
		{"owner cannot reopen delivered", StatusDelivered, Actor{Role: RoleCustomer, ID: "c_pend"}, ErrIllegalTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(NewMemoryStore(), nil)
			o := driveTo(t, svc, "c_pend", tc.from)
			_, err := svc.Transition(ctx, TransitionCommand{OrderID: o.ID, Target: StatusPending, Actor: tc.actor})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			assertStatus(t, svc, o.ID, tc.from)
		})
	}
}

func TestSameStatusPayment(t *testing.T) {
	ctx := context.Background()
	failed := PaymentFailed
	unpaid := PaymentUnpaid
	bogus := PaymentStatus("refunded")
	cases := []struct {
		name        string
		from        Status
		actor       Actor
		payment     *PaymentStatus
		wantErr     error
		wantPayment PaymentStatus
		wantBump    bool
	}{
		{"admin overrides payment", StatusPlaced, Actor{Role: RoleAdmin, ID: "ops"}, &failed, nil, PaymentFailed, true},
		{"system overrides payment on pending", StatusPending, SystemActor, &failed, nil, PaymentFailed, true},
		{"unchanged payment is a no-op", StatusPending, Actor{Role: RoleAdmin, ID: "ops"}, &unpaid, nil, PaymentUnpaid, false},
		{"no payment is a no-op", StatusPlaced, Actor{Role: RoleAdmin, ID: "ops"}, nil, nil, PaymentUnpaid, false},
		{"owner cannot set payment", StatusPending, Actor{Role: RoleCustomer, ID: "c_pay"}, &failed, ErrForbidden, PaymentUnpaid, false},
		{"driver cannot set payment", StatusPickedUp, Actor{Role: RoleDriver, ID: "d1"}, &failed, ErrForbidden, PaymentUnpaid, false},
		{"unknown payment value", StatusPlaced, Actor{Role: RoleAdmin, ID: "ops"}, &bogus, ErrBadRequest, PaymentUnpaid, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			svc := NewService(NewMemoryStore(), pub)
			before := driveTo(t, svc, "c_pay", tc.from)
			published := len(pub.statuses(before.ID))

			_, err := svc.Transition(ctx, TransitionCommand{OrderID: before.ID, Target: tc.from, Actor: tc.actor, Payment: tc.payment})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			after, err := svc.Get(ctx, before.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if after.Status != tc.from || after.PaymentStatus != tc.wantPayment {
				t.Fatalf("stored %s/%s, want %s/%s", after.Status, after.PaymentStatus, tc.from, tc.wantPayment)
			}

			wantVersion, wantPublished := before.StatusVersion, published
			if tc.wantBump {
				wantVersion++
				wantPublished++
			}
			if after.StatusVersion != wantVersion {
				t.Fatalf("status_version = %d, want %d", after.StatusVersion, wantVersion)
			}
			if n := len(pub.statuses(before.ID)); n != wantPublished {
				t.Fatalf("published %d status events, want %d", n, wantPublished)
			}
			if tc.wantBump {
				last := pub.events[len(pub.events)-1].ev.Payload.(notify.StatusChanged)
				if last.Status != string(tc.from) || last.PaymentStatus != string(tc.wantPayment) {
					t.Fatalf("published %+v", last)
				}
				events, err := svc.Events(ctx, before.ID)
				if err != nil {
					t.Fatalf("events: %v", err)
				}
				ev := events[len(events)-1]
				if ev.FromStatus != tc.from || ev.ToStatus != tc.from || ev.ActorRole != tc.actor.Role {
					t.Fatalf("last event = %+v", ev)
				}
			}
		})
	}
}

func TestUpdatePayment(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		setup func(t *testing.T, svc *Service, id types.ID)
		want  PaymentStatus
	}{
		{"unpaid becomes authorized", func(*testing.T, *Service, types.ID) {}, PaymentAuthorized},
		{"capture already recorded", func(t *testing.T, svc *Service, id types.ID) {
			captured := PaymentCaptured
			mustTransition(t, svc, TransitionCommand{OrderID: id, Target: StatusPlaced, Actor: SystemActor, Payment: &captured})
		}, PaymentCaptured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(NewMemoryStore(), nil)
			o := mustCreateOrder(t, svc, "c_auth")
			tc.setup(t, svc, o.ID)

			got, err := svc.UpdatePayment(ctx, PaymentCommand{
				OrderID:   o.ID,
				Payment:   PaymentAuthorized,
				Actor:     SystemActor,
				IfPayment: PaymentUnpaid,
			})
			if err != nil {
				t.Fatalf("update payment: %v", err)
			}
			stored, err := svc.Get(ctx, o.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.PaymentStatus != tc.want || stored.PaymentStatus != tc.want {
				t.Fatalf("payment = %s (stored %s), want %s", got.PaymentStatus, stored.PaymentStatus, tc.want)
			}
		})
	}

	if _, err := NewService(NewMemoryStore(), nil).UpdatePayment(ctx, PaymentCommand{OrderID: "missing", Payment: PaymentAuthorized, Actor: SystemActor}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order: got %v, want ErrNotFound", err)
	}
}
