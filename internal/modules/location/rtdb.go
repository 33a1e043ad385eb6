// README: Firebase Realtime Database mirror of the last accepted sample per order.
package location

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"

	"trackline/internal/types"
)

// Mirror receives every accepted sample and is cleared when the delivery ends.
type Mirror interface {
	Mirror(ctx context.Context, s Sample) error
	Clear(ctx context.Context, orderID types.ID) error
}

// rtdbEntry is the document kept under /order_locations/{orderID} so mobile
// clients can listen to a single node instead of holding a socket open.
type rtdbEntry struct {
	DriverID   string  `json:"driver_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Bearing    int     `json:"bearing"`
	CapturedAt int64   `json:"captured_at_ms"`
}

// RTDBMirror writes the last accepted sample to Firebase Realtime Database.
type RTDBMirror struct {
	client *db.Client
	root   string
}

func NewRTDBMirror(client *db.Client) *RTDBMirror {
	return &RTDBMirror{client: client, root: "order_locations"}
}

func (m *RTDBMirror) Mirror(ctx context.Context, s Sample) error {
	ref := m.client.NewRef(m.root + "/" + string(s.OrderID))
	entry := rtdbEntry{
		DriverID:   string(s.DriverID),
		Lat:        s.Position.Lat,
		Lng:        s.Position.Lng,
		Bearing:    s.Bearing,
		CapturedAt: s.CapturedAt.UnixMilli(),
	}
	if err := ref.Set(ctx, entry); err != nil {
		return fmt.Errorf("rtdb set %s: %w", s.OrderID, err)
	}
	return nil
}

func (m *RTDBMirror) Clear(ctx context.Context, orderID types.ID) error {
	if err := m.client.NewRef(m.root + "/" + string(orderID)).Delete(ctx); err != nil {
		return fmt.Errorf("rtdb delete %s: %w", orderID, err)
	}
	return nil
}
