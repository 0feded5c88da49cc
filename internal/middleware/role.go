package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Roles carried in the "role" claim of API tokens.
const (
	RoleReader   = "READER"   // may fetch documents and their status
	RoleVerifier = "VERIFIER" // may verify scanned payloads
	RoleAdmin    = "ADMIN"    // may do everything
)

// RequireRole returns a middleware function that enforces that the
// authenticated client has one of the specified roles.  It assumes JWTAuth
// has already stored the role in the context; a missing or unknown role
// gets a 403 Forbidden response.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get(ctxRole).(string)
			if !ok || !allowed[role] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
