// README: Order handlers for create/get/cancel and the admin status edit.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trackline/internal/http/middleware"
	"trackline/internal/modules/location"
	"trackline/internal/modules/order"
	"trackline/internal/modules/tracking"
	"trackline/internal/types"
)

type OrderHandler struct {
	order  *order.Service
	reader snapshotReader
}

func NewOrderHandler(svc *order.Service, relay *location.Relay) *OrderHandler {
	return &OrderHandler{order: svc, reader: snapshotReader{orders: svc, relay: relay}}
}

type createOrderReq struct {
	CustomerID  string `json:"customer_id"`
	StoreID     string `json:"store_id"`
	TotalAmount int64  `json:"total_amount"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.StoreID == "" || req.TotalAmount < 0 {
		writeError(c, http.StatusBadRequest, "missing fields")
		return
	}
	// Customers order for themselves; staff may order on someone's behalf.
	actor := middleware.Actor(c)
	switch actor.Role {
	case order.RoleCustomer:
		if req.CustomerID != "" && types.ID(req.CustomerID) != actor.ID {
			writeError(c, http.StatusForbidden, "forbidden: customer_id does not match authenticated user")
			return
		}
		req.CustomerID = string(actor.ID)
	case order.RoleAdmin:
		if req.CustomerID == "" {
			writeError(c, http.StatusBadRequest, "missing customer_id")
			return
		}
	default:
		writeError(c, http.StatusForbidden, "forbidden: customer role required")
		return
	}
	o, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		CustomerID:  types.ID(req.CustomerID),
		StoreID:     types.ID(req.StoreID),
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, tracking.NewSnapshot(o, nil, nil, false))
}

// Get is the polling read path.
func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	snap, err := h.reader.read(c.Request.Context(), middleware.Actor(c), types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID: types.ID(id),
		Actor:   middleware.Actor(c),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, statusResponse(o))
}

type setStatusReq struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
}

// SetStatus is the admin console edit; any target the role table allows.
func (h *OrderHandler) SetStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req setStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := order.TransitionCommand{
		OrderID: types.ID(id),
		Target:  order.Status(req.Status),
		Actor:   middleware.Actor(c),
	}
	if req.PaymentStatus != "" {
		p := order.PaymentStatus(req.PaymentStatus)
		cmd.Payment = &p
	}
	o, err := h.order.Transition(c.Request.Context(), cmd)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, statusResponse(o))
}

type eventResp struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	ActorRole string    `json:"actor_role"`
	ActorID   string    `json:"actor_id,omitempty"`
	At        time.Time `json:"at"`
}

// Events returns the order's state event log.
func (h *OrderHandler) Events(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	if _, err := h.order.Get(c.Request.Context(), types.ID(id)); err != nil {
		writeOrderError(c, err)
		return
	}
	events, err := h.order.Events(c.Request.Context(), types.ID(id))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	out := make([]eventResp, 0, len(events))
	for _, e := range events {
		r := eventResp{From: string(e.FromStatus), To: string(e.ToStatus), ActorRole: string(e.ActorRole), At: e.CreatedAt}
		if e.ActorID != nil {
			r.ActorID = string(*e.ActorID)
		}
		out = append(out, r)
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "events": out})
}

func statusResponse(o *order.Order) gin.H {
	return gin.H{
		"order_id":       o.ID,
		"status":         o.Status,
		"payment_status": o.PaymentStatus,
		"updated_at":     o.UpdatedAt,
	}
}
