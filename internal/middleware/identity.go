package middleware

// identity.go defines helpers shared across middleware files.

import "github.com/labstack/echo/v4"

// clientID returns the authenticated client's id, or "anon" when the
// request carries no valid token.
func clientID(c echo.Context) string {
	if s, ok := c.Get(ctxClientID).(string); ok && s != "" {
		return s
	}
	return "anon"
}
