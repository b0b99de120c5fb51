package main

import (
	"ringlink/internal/auth"
	"ringlink/internal/httpapi"
	"ringlink/internal/metrics"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authManager *auth.Manager, h httpapi.Handlers) {
	r.Use(metrics.Middleware())

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())

	// Registration is anonymous and unauthenticated: a device walks up,
	// receives an opaque id, and everything after that is bearer-token only.
	r.POST("/v1/devices/register", h.RegisterDevice)
	r.POST("/v1/devices/refresh", h.RefreshToken)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireDeviceToken(authManager))
	{
		calls := v1.Group("/calls")
		{
			calls.POST("/start", h.StartCall)
			calls.POST("/end", h.EndCall)
			calls.POST("/cancel", h.CancelCall)
			calls.GET("/active", h.ActiveCalls)
			calls.GET("/status", h.CallStatus)
			calls.GET("/cancellation", h.CheckCancellation)
		}

		v1.GET("/usage/summary", h.UsageSummary)
	}
}
