package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "auth"))
}

// HeaderAPIKey carries the admin API key.
const HeaderAPIKey = "X-API-Key"

// APIKeyAuthMiddleware admits requests whose X-API-Key names a configured key
// holding role. A missing key is 401, a key without the role 403.
func APIKeyAuthMiddleware(keys map[string]config.APIKey, role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqLogger := requestLogger(c)
			presented := c.Request().Header.Get(HeaderAPIKey)
			if presented == "" {
				reqLogger.Warn("Request without API key", zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "API key required")
			}

			apiKey, ok := lookup(keys, presented)
			if !ok {
				reqLogger.Warn("Unknown API key", zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}
			if !hasRole(apiKey, role) {
				reqLogger.Warn("API key lacks role", zap.String("path", c.Path()), zap.String("role", role))
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
			}
			return next(c)
		}
	}
}

func lookup(keys map[string]config.APIKey, presented string) (config.APIKey, bool) {
	for key, apiKey := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return apiKey, true
		}
	}
	return config.APIKey{}, false
}

func hasRole(apiKey config.APIKey, role string) bool {
	for _, r := range apiKey.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func requestLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l
	}
	return logger
}
