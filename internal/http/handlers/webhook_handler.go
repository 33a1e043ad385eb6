// README: Payment provider webhook endpoint.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"trackline/internal/modules/payment"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	bridge *payment.Bridge
}

func NewWebhookHandler(bridge *payment.Bridge) *WebhookHandler {
	return &WebhookHandler{bridge: bridge}
}

// Payments reads the raw body first; the signature covers the exact bytes.
func (h *WebhookHandler) Payments(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(c, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := h.bridge.Handle(c.Request.Context(), body, c.GetHeader(payment.SignatureHeader))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"event_id": res.EventID, "order_id": res.OrderID, "outcome": res.Outcome})
}
