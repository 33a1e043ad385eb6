// README: Driver location samples accepted by the relay.
package location

import (
	"fmt"
	"time"

	"trackline/internal/types"
)

// Sample is one driver position for an order's active delivery.
type Sample struct {
	OrderID    types.ID
	DriverID   types.ID
	Position   types.Point
	Bearing    int
	CapturedAt time.Time
}

func (s Sample) Validate() error {
	if s.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrBadRequest)
	}
	if !s.Position.Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrBadRequest)
	}
	if s.Bearing < 0 || s.Bearing > 359 {
		return fmt.Errorf("%w: bearing must be 0-359", ErrBadRequest)
	}
	if s.CapturedAt.IsZero() {
		return fmt.Errorf("%w: missing captured_at", ErrBadRequest)
	}
	return nil
}
