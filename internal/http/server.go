// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackline/internal/http/handlers"
	"trackline/internal/http/middleware"
	"trackline/internal/infra"
	"trackline/internal/modules/location"
	"trackline/internal/modules/notify"
	"trackline/internal/modules/order"
	"trackline/internal/modules/payment"
)

type ServerDeps struct {
	Order    *order.Service
	Relay    *location.Relay
	Hub      *notify.Hub
	Bridge   *payment.Bridge
	Verifier infra.TokenVerifier
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging(), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Signed by the provider, not by a user token.
	webhookHandler := handlers.NewWebhookHandler(deps.Bridge)
	r.POST("/webhooks/payments", webhookHandler.Payments)

	authed := r.Group("/", middleware.Auth(deps.Verifier))

	wsHandler := handlers.NewWSHandler(deps.Hub, deps.Order, deps.Relay)
	authed.GET("/ws", wsHandler.Serve)

	orderHandler := handlers.NewOrderHandler(deps.Order, deps.Relay)
	authed.POST("/api/orders", orderHandler.Create)
	authed.GET("/api/orders/:id", orderHandler.Get)
	authed.POST("/api/orders/:id/cancel", orderHandler.Cancel)

	driverHandler := handlers.NewDriverHandler(deps.Order, deps.Relay)
	drivers := authed.Group("/api/drivers/orders/:id", middleware.RequireRole(order.RoleDriver))
	drivers.POST("/accept", driverHandler.Accept)
	drivers.POST("/status", driverHandler.Status)
	drivers.POST("/location", driverHandler.Location)

	admin := authed.Group("/api/admin/orders/:id", middleware.RequireRole(order.RoleAdmin))
	admin.POST("/status", orderHandler.SetStatus)
	admin.GET("/events", orderHandler.Events)

	return r
}
