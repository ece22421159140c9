package identity

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Echo context keys mirrored for access logging.
const (
	InsurantIDKey = "insurant_id"
	ActorIDKey    = "actor_id"
)

// ExtractConfig names where the inbound request may carry caller identity.
type ExtractConfig struct {
	// InsurantKeys are checked as header names, then as path parameter
	// names, then as query parameter names. First non-empty value wins.
	InsurantKeys []string
	// ActorHeader carries the telematik id directly.
	ActorHeader string
	// ActorClaim is the bearer token claim holding the telematik id.
	ActorClaim string
}

func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{
		InsurantKeys: []string{"x-insurantid", "insurantId", "insurant_id", "kvnr"},
		ActorHeader:  "x-telematik-id",
		ActorClaim:   "idNummer",
	}
}

// Middleware opens a Scope for every request, fills it from the request,
// and clears it when the handler chain returns, whatever the outcome.
func Middleware(cfg ExtractConfig, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, scope, release := Begin(c.Request().Context())
			defer release()

			if id := ExtractInsurant(c, cfg.InsurantKeys); id != "" {
				scope.SetInsurant(id)
				c.Set(InsurantIDKey, string(id))
			}
			if actor := ExtractActor(c, cfg); actor != "" {
				scope.SetActor(actor)
				c.Set(ActorIDKey, string(actor))
			}

			logger.Debug().
				Str("path", c.Path()).
				Bool("insurant", c.Get(InsurantIDKey) != nil).
				Bool("actor", c.Get(ActorIDKey) != nil).
				Msg("identity scope opened")

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// ExtractInsurant searches headers, then path parameters, then query
// parameters for any of keys.
func ExtractInsurant(c echo.Context, keys []string) InsurantID {
	req := c.Request()

	for _, k := range keys {
		if v := strings.TrimSpace(req.Header.Get(k)); v != "" {
			return InsurantID(v)
		}
	}

	for _, k := range keys {
		if v := strings.TrimSpace(c.Param(k)); v != "" {
			return InsurantID(v)
		}
	}

	query := req.URL.Query()
	for _, k := range keys {
		if v := strings.TrimSpace(query.Get(k)); v != "" {
			return InsurantID(v)
		}
	}

	return ""
}

// ExtractActor reads the actor header, falling back to the configured claim
// of a bearer token. The token signature is not checked here.
func ExtractActor(c echo.Context, cfg ExtractConfig) ActorID {
	req := c.Request()
	if cfg.ActorHeader != "" {
		if v := strings.TrimSpace(req.Header.Get(cfg.ActorHeader)); v != "" {
			return ActorID(v)
		}
	}

	if cfg.ActorClaim == "" {
		return ""
	}
	authz := req.Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(authz, "Bearer "), claims); err != nil {
		return ""
	}
	if v, ok := claims[cfg.ActorClaim].(string); ok {
		return ActorID(strings.TrimSpace(v))
	}
	return ""
}
