package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per request.  Server errors log at error
// level, client errors at warn.
func RequestLogger(l zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			ev := l.Info()
			switch {
			case status >= 500:
				ev = l.Error().Err(err)
			case status >= 400:
				ev = l.Warn()
			}
			ev.Str("method", c.Request().Method).
				Str("path", c.Path()).
				Str("uri", c.Request().RequestURI).
				Int("status", status).
				Str("client", clientID(c)).
				Str("ip", c.RealIP()).
				Int64("bytes", c.Response().Size).
				Dur("took", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}
