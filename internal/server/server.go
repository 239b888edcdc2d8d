package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/blockadesystems/acmekeeper/internal/auth"
	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/management"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"github.com/blockadesystems/acmekeeper/internal/trigger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AdminRole is the API key role required for the housekeeping API.
const AdminRole = "admin"

// maxTriggerBody bounds the size of an issuing backend callback. Larger
// bodies are rejected with 413.
const maxTriggerBody = "1M"

// ApplyCommonMiddleware applies essential middleware to an Echo instance.
// It injects dependencies into the context.
func ApplyCommonMiddleware(e *echo.Echo, store storage.Storage, cfg *config.Config, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("cfg", cfg)
			c.Set("store", store)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines all routes of the daemon.
func SetupRouter(e *echo.Echo, store storage.Storage, cfg *config.Config) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	factory := trigger.Lookup(cfg)
	e.POST("/trigger", func(c echo.Context) error {
		return HandleTrigger(c, store, factory)
	}, middleware.BodyLimit(maxTriggerBody))

	hk := e.Group("/api/v1/housekeeping")
	hk.Use(auth.APIKeyAuthMiddleware(cfg.Server.APIKeys, AdminRole))
	hk.GET("/reports/accounts", management.HandleAccountReport)
	hk.GET("/reports/certificates", management.HandleCertificateReport)
	hk.POST("/cleanup/certificates", management.HandleCertificatesCleanup)
	hk.POST("/invalidate/authorizations", management.HandleAuthorizationsInvalidate)
	hk.POST("/invalidate/orders", management.HandleOrdersInvalidate)
	hk.POST("/certificates/dates", management.HandleCertificateDatesUpdate)
	hk.GET("/dbversion", management.HandleDBVersion)
}

// HandleTrigger feeds an issuing backend callback to the trigger. The reply
// status mirrors the response code.
func HandleTrigger(c echo.Context, store storage.Storage, factory trigger.BackendFactory) error {
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleTrigger"))
	cfg := c.Get("cfg").(*config.Config)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			reqLogger.Warn("Trigger body rejected", zap.Error(err))
			return httpErr
		}
		reqLogger.Warn("Failed to read trigger body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read request body")
	}

	t := trigger.New(store, factory, trigger.WithConfig(cfg), trigger.WithLogger(reqLogger))
	resp := t.Parse(c.Request().Context(), body)
	reqLogger.Info("Trigger processed", zap.Int("code", resp.Code), zap.String("message", resp.Data.Message))
	return c.JSON(resp.Code, resp)
}
