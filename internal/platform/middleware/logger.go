package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			withIdentity(evt, c).
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

// withIdentity adds the caller identity recorded on c by the identity
// middleware. The echo values outlive the request scope, which is already
// cleared when these log lines are written.
func withIdentity(evt *zerolog.Event, c echo.Context) *zerolog.Event {
	if id, ok := c.Get("insurant_id").(string); ok && id != "" {
		evt = evt.Str("insurant_id", id)
	}
	if actor, ok := c.Get("actor_id").(string); ok && actor != "" {
		evt = evt.Str("actor_id", actor)
	}
	return evt
}
