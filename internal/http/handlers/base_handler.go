// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"trackline/internal/modules/location"
	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/modules/payment"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// isValidID accepts the ids this service hands out (ord_<hex>) and the
// opaque uids of the identity provider.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// apiError is how a domain error is reported over REST and the socket.
type apiError struct {
	status    int
	code      string
	retryable bool
}

func classify(err error) apiError {
	switch {
	case errors.Is(err, order.ErrIllegalTransition):
		return apiError{http.StatusConflict, "illegal_transition", false}
	case errors.Is(err, order.ErrConflict):
		return apiError{http.StatusConflict, "conflict", false}
	case errors.Is(err, order.ErrAlreadyAssigned):
		return apiError{http.StatusConflict, "already_assigned", false}
	case errors.Is(err, order.ErrNotAssigned):
		return apiError{http.StatusForbidden, "not_assigned", false}
	case errors.Is(err, order.ErrForbidden):
		return apiError{http.StatusForbidden, "forbidden", false}
	case errors.Is(err, order.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found", false}
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, location.ErrBadRequest), errors.Is(err, payment.ErrMalformed):
		return apiError{http.StatusBadRequest, "invalid_argument", false}
	case errors.Is(err, payment.ErrInvalidSignature):
		return apiError{http.StatusUnauthorized, "invalid_signature", false}
	case errors.Is(err, notify.ErrHubUnavailable):
		return apiError{http.StatusServiceUnavailable, "hub_unavailable", true}
	default:
		return apiError{http.StatusServiceUnavailable, "unavailable", true}
	}
}

func writeOrderError(c *gin.Context, err error) {
	e := classify(err)
	if e.status >= 500 {
		// store or backbone trouble; the detail stays in the log
		slog.Error("http: request failed", "path", c.FullPath(), "error", err)
		_ = c.Error(err)
		writeJSON(c, e.status, errorResponse{Error: "service unavailable", Retryable: true})
		return
	}
	writeJSON(c, e.status, errorResponse{Error: err.Error(), Retryable: e.retryable})
}

// orderID reads and validates the :id path parameter.
func orderID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return id, true
}
