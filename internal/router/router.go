// Package router registers the HTTP routes of the document API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-documents/internal/handler"
	"github.com/iliyamo/ticket-documents/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication: the
// liveness check and the rendering pool's occupancy.
func RegisterRoutes(e *echo.Echo, pool handler.PoolStatser) {
	e.GET("/healthz", handler.Health)
	e.GET("/healthz/pool", handler.PoolHealth(pool))
}

// RegisterDocuments registers the ticket document endpoints under /v1.
// Every route requires a valid access token; limit runs after
// authentication so per-client rate keys see the client id.
func RegisterDocuments(e *echo.Echo, d *handler.DocumentHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret), limit)

	readers := middleware.RequireRole(middleware.RoleReader, middleware.RoleAdmin)
	g.GET("/tickets/:id/document", d.GetDocument, readers)
	g.GET("/tickets/:id/document/status", d.GetStatus, readers)

	verifiers := middleware.RequireRole(middleware.RoleVerifier, middleware.RoleAdmin)
	g.POST("/tickets/verify", d.Verify, verifiers)
}
