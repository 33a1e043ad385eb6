// README: Driver handlers for accept, status updates and location submission.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trackline/internal/http/middleware"
	"trackline/internal/modules/location"
	"trackline/internal/modules/order"
	"trackline/internal/types"
)

type DriverHandler struct {
	order *order.Service
	relay *location.Relay
}

func NewDriverHandler(orderSvc *order.Service, relay *location.Relay) *DriverHandler {
	return &DriverHandler{order: orderSvc, relay: relay}
}

func (h *DriverHandler) Accept(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	d, err := h.order.Accept(c.Request.Context(), order.AcceptCommand{
		OrderID:  types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"order_id":        d.OrderID,
		"driver_id":       d.DriverID,
		"delivery_status": d.Status,
	})
}

type driverStatusReq struct {
	Status string `json:"status"`
}

// Status drives picked_up, out_for_delivery and delivered.
func (h *DriverHandler) Status(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req driverStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	o, err := h.order.Transition(c.Request.Context(), order.TransitionCommand{
		OrderID: types.ID(id),
		Target:  order.Status(req.Status),
		Actor:   middleware.Actor(c),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, statusResponse(o))
}

type locationReq struct {
	Lat        *float64  `json:"lat"`
	Lng        *float64  `json:"lng"`
	Bearing    int       `json:"bearing"`
	CapturedAt time.Time `json:"captured_at"`
}

// Location accepts one sample. Out-of-order samples are answered with
// 202 and accepted=false.
func (h *DriverHandler) Location(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	accepted, err := h.relay.Submit(c.Request.Context(), types.ID(middleware.CallerUID(c)), location.Sample{
		OrderID:    types.ID(id),
		Position:   types.Point{Lat: *req.Lat, Lng: *req.Lng},
		Bearing:    req.Bearing,
		CapturedAt: req.CapturedAt,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"order_id": id, "accepted": accepted})
}
