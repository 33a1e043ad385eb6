// README: Order aggregate, delivery, and status definitions.
package order

import (
	"time"

	"trackline/internal/types"
)

type Status string

const (
	StatusNone           Status = "none"
	StatusPending        Status = "pending"
	StatusPlaced         Status = "placed"
	StatusPreparing      Status = "preparing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusPickedUp       Status = "picked_up"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
)

// Statuses lists every status in happy-path order followed by the side exits.
var Statuses = []Status{
	StatusPending,
	StatusPlaced,
	StatusPreparing,
	StatusReadyForPickup,
	StatusPickedUp,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
	StatusFailed,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusPlaced, StatusCancelled, StatusFailed},
	StatusPlaced:         {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusReadyForPickup, StatusCancelled},
	StatusReadyForPickup: {StatusPickedUp, StatusCancelled},
	StatusPickedUp:       {StatusOutForDelivery},
	StatusOutForDelivery: {StatusDelivered},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentFailed     PaymentStatus = "failed"
)

func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentUnpaid, PaymentAuthorized, PaymentCaptured, PaymentFailed:
		return true
	}
	return false
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleDriver, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is whoever requests a transition. ID is empty for the system.
type Actor struct {
	Role Role
	ID   types.ID
}

var SystemActor = Actor{Role: RoleSystem}

// targetRoles is the role table for transition targets.
var targetRoles = map[Status][]Role{
	StatusPlaced:         {RoleSystem, RoleAdmin},
	StatusFailed:         {RoleSystem, RoleAdmin},
	StatusPreparing:      {RoleAdmin, RoleSystem},
	StatusReadyForPickup: {RoleAdmin, RoleSystem},
	StatusPickedUp:       {RoleDriver, RoleSystem},
	StatusOutForDelivery: {RoleDriver, RoleSystem},
	StatusDelivered:      {RoleDriver, RoleSystem},
	StatusCancelled:      {RoleCustomer, RoleAdmin, RoleSystem},
}

func CanSet(role Role, to Status) bool {
	for _, r := range targetRoles[to] {
		if r == role {
			return true
		}
	}
	return false
}

// CanSetPayment reports roles that may record a payment status without a
// status change.
func CanSetPayment(role Role) bool {
	return role == RoleSystem || role == RoleAdmin
}

// requiresDelivery reports targets that only make sense with a driver on the order.
func requiresDelivery(to Status) bool {
	return to == StatusPickedUp || to == StatusOutForDelivery || to == StatusDelivered
}

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	StoreID       types.ID
	Status        Status
	StatusVersion int
	TotalAmount   int64
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DeliveryStatus string

const (
	DeliveryAssigned  DeliveryStatus = "assigned"
	DeliveryPickedUp  DeliveryStatus = "picked_up"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryAborted   DeliveryStatus = "aborted"
)

// Active reports whether a delivery still has a driver working it.
func (s DeliveryStatus) Active() bool {
	return s == DeliveryAssigned || s == DeliveryPickedUp
}

type Delivery struct {
	OrderID     types.ID
	DriverID    types.ID
	Status      DeliveryStatus
	AssignedAt  time.Time
	DeliveredAt *time.Time
}

// Event is one row of the order state log.
type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorRole  Role
	ActorID    *types.ID
	CreatedAt  time.Time
}

// TransitionRecord is everything a store writes atomically for one transition.
type TransitionRecord struct {
	OrderID     types.ID
	From        Status
	To          Status
	FromVersion int
	Payment     *PaymentStatus
	// Delivery, when set, moves the active delivery to this status.
	Delivery *DeliveryStatus
	Actor    Actor
	At       time.Time
}
