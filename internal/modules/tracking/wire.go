// README: Wire types shared by the REST read path, the room socket and tracking clients.
package tracking

import (
	"encoding/json"
	"fmt"
	"time"

	"trackline/internal/modules/location"
	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/types"
)

// Snapshot is the body of GET /api/orders/{id} and of the order.joined frame.
type Snapshot struct {
	OrderID       types.ID      `json:"order_id"`
	Status        string        `json:"status"`
	PaymentStatus string        `json:"payment_status"`
	TotalAmount   int64         `json:"total_amount"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Driver        *DriverView   `json:"driver,omitempty"`
	LastLocation  *LocationView `json:"last_location,omitempty"`
	LocationStale bool          `json:"location_stale"`
}

type DriverView struct {
	ID             string `json:"id"`
	DeliveryStatus string `json:"delivery_status"`
}

type LocationView struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Bearing    int       `json:"bearing"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewSnapshot assembles the read model. d is the order's latest delivery and
// last its last accepted sample; either may be nil.
func NewSnapshot(o *order.Order, d *order.Delivery, last *location.Sample, stale bool) Snapshot {
	s := Snapshot{
		OrderID:       o.ID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		TotalAmount:   o.TotalAmount,
		UpdatedAt:     o.UpdatedAt,
	}
	if d != nil {
		s.Driver = &DriverView{ID: string(d.DriverID), DeliveryStatus: string(d.Status)}
	}
	if last != nil && !o.Status.Terminal() {
		s.LastLocation = &LocationView{
			Lat:        last.Position.Lat,
			Lng:        last.Position.Lng,
			Bearing:    last.Bearing,
			CapturedAt: last.CapturedAt,
		}
	}
	s.LocationStale = stale && !o.Status.Terminal()
	return s
}

// Frame types on the room socket.
const (
	FrameJoin         = "order.join"
	FrameLeave        = "order.leave"
	FrameEmitLocation = "location.emit"

	FrameJoined      = "order.joined"
	FrameLeft        = "order.left"
	FrameLocationAck = "location.ack"
	FrameError       = "error"
)

// Frame is one JSON message on the room socket. Room events use the event
// type as the frame type and the event as the payload.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	OrderID types.ID `json:"order_id"`
}

type EmitPayload struct {
	OrderID    types.ID  `json:"order_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Bearing    int       `json:"bearing"`
	CapturedAt time.Time `json:"captured_at"`
}

type AckPayload struct {
	OrderID  types.ID `json:"order_id"`
	Accepted bool     `json:"accepted"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Envelope is a room event as received by a client; Payload is decoded by
// type with Decode.
type Envelope struct {
	Type    notify.EventType `json:"type"`
	OrderID types.ID         `json:"order_id"`
	At      time.Time        `json:"at"`
	Payload json.RawMessage  `json:"payload"`
}

// EventFrame wraps a hub event for the socket.
func EventFrame(ev notify.Event) (Frame, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: string(ev.Type), Payload: b}, nil
}

// IsEvent reports whether a frame carries a room event.
func IsEvent(f Frame) bool {
	return notify.EventType(f.Type).Valid()
}

// Decode returns the typed payload of the envelope.
func (e Envelope) Decode() (any, error) {
	var dst any
	switch e.Type {
	case notify.EventStatusChanged:
		var p notify.StatusChanged
		dst = &p
	case notify.EventLocationUpdate:
		var p notify.LocationUpdate
		dst = &p
	case notify.EventDeliveryAborted:
		var p notify.DeliveryAborted
		dst = &p
	case notify.EventDriverStale:
		var p notify.DriverStale
		dst = &p
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, dst); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
	}
	switch p := dst.(type) {
	case *notify.StatusChanged:
		return *p, nil
	case *notify.LocationUpdate:
		return *p, nil
	case *notify.DeliveryAborted:
		return *p, nil
	default:
		return *dst.(*notify.DriverStale), nil
	}
}

// ParseEnvelope decodes an event frame.
func ParseEnvelope(f Frame) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event frame: %w", err)
	}
	return env, nil
}
