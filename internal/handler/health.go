package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-documents/internal/engine"
)

// Health is a simple health-check endpoint used by load balancers and
// monitoring systems to verify that the service is running.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// PoolStatser reports rendering pool occupancy.
type PoolStatser interface {
	Stats() engine.Stats
}

// PoolHealth returns the rendering pool's occupancy as JSON.
func PoolHealth(p PoolStatser) echo.HandlerFunc {
	return func(c echo.Context) error {
		s := p.Stats()
		if s.Closed {
			return c.JSON(http.StatusServiceUnavailable, s)
		}
		return c.JSON(http.StatusOK, s)
	}
}
