// README: Typed room events; the complete set a subscriber can receive.
package notify

import (
	"time"

	"trackline/internal/types"
)

type EventType string

const (
	EventStatusChanged   EventType = "status_changed"
	EventLocationUpdate  EventType = "location_update"
	EventDeliveryAborted EventType = "delivery_aborted"
	EventDriverStale     EventType = "driver_stale"
)

// EventTypes lists every event the hub routes.
var EventTypes = []EventType{
	EventStatusChanged,
	EventLocationUpdate,
	EventDeliveryAborted,
	EventDriverStale,
}

func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Event is routed by OrderID only; the hub never looks inside Payload.
type Event struct {
	Type    EventType `json:"type"`
	OrderID types.ID  `json:"order_id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type StatusChanged struct {
	Status        string      `json:"status"`
	PaymentStatus string      `json:"payment_status,omitempty"`
	Driver        *DriverInfo `json:"driver,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// DriverInfo is the delivery as of the status change.
type DriverInfo struct {
	ID             string `json:"id"`
	DeliveryStatus string `json:"delivery_status"`
}

type LocationUpdate struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Bearing    int       `json:"bearing"`
	CapturedAt time.Time `json:"captured_at"`
}

type DeliveryAborted struct {
	DriverID string `json:"driver_id,omitempty"`
}

type DriverStale struct {
	LastCapturedAt *time.Time `json:"last_captured_at,omitempty"`
}

// NewStatusChanged builds a status_changed event. driver may be nil.
func NewStatusChanged(orderID types.ID, status, paymentStatus string, driver *DriverInfo, updatedAt time.Time) Event {
	return Event{
		Type:    EventStatusChanged,
		OrderID: orderID,
		At:      updatedAt,
		Payload: StatusChanged{Status: status, PaymentStatus: paymentStatus, Driver: driver, UpdatedAt: updatedAt},
	}
}

func NewLocationUpdate(orderID types.ID, pos types.Point, bearing int, capturedAt time.Time) Event {
	return Event{
		Type:    EventLocationUpdate,
		OrderID: orderID,
		At:      capturedAt,
		Payload: LocationUpdate{Lat: pos.Lat, Lng: pos.Lng, Bearing: bearing, CapturedAt: capturedAt},
	}
}

func NewDeliveryAborted(orderID, driverID types.ID, at time.Time) Event {
	return Event{
		Type:    EventDeliveryAborted,
		OrderID: orderID,
		At:      at,
		Payload: DeliveryAborted{DriverID: string(driverID)},
	}
}

func NewDriverStale(orderID types.ID, lastCapturedAt *time.Time, at time.Time) Event {
	return Event{
		Type:    EventDriverStale,
		OrderID: orderID,
		At:      at,
		Payload: DriverStale{LastCapturedAt: lastCapturedAt},
	}
}
