package management

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/housekeeping"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Package-level logger, used when the request carries none.
var logger *zap.Logger

func init() {
	logger = zap.L().Named("management")
}

// reportParams are the query parameters shared by report and invalidation
// endpoints.
type reportParams struct {
	format string
	name   string
	uts    *int64
}

func engine(c echo.Context, handler string) (*housekeeping.Engine, *zap.Logger) {
	store := c.Get("store").(storage.Storage)
	reqLogger, ok := c.Get("logger").(*zap.Logger)
	if !ok {
		reqLogger = logger
	}
	reqLogger = reqLogger.With(zap.String("handler", handler))
	return housekeeping.New(store, housekeeping.WithLogger(reqLogger)), reqLogger
}

// parseReportParams reads format, name and uts. The format defaults to
// json. name is a plain file name; paths are rejected.
func parseReportParams(c echo.Context) (reportParams, error) {
	p := reportParams{
		format: strings.ToLower(c.QueryParam("format")),
		name:   c.QueryParam("name"),
	}
	if p.format == "" {
		p.format = housekeeping.FormatJSON
	}
	if strings.ContainsAny(p.name, `/\`) || strings.Contains(p.name, "..") {
		return p, echo.NewHTTPError(http.StatusBadRequest, "Report name must be a plain file name")
	}
	if raw := c.QueryParam("uts"); raw != "" {
		uts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return p, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid uts parameter: %v", err))
		}
		p.uts = &uts
	}
	return p, nil
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid %s parameter: %v", name, err))
	}
	return v, nil
}

// HandleAccountReport handles GET /reports/accounts.
func HandleAccountReport(c echo.Context) error {
	e, _ := engine(c, "HandleAccountReport")
	p, err := parseReportParams(c)
	if err != nil {
		return err
	}
	nested, err := boolParam(c, "nested")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e.AccountReport(c.Request().Context(), p.format, p.name, nested))
}

// HandleCertificateReport handles GET /reports/certificates.
func HandleCertificateReport(c echo.Context) error {
	e, _ := engine(c, "HandleCertificateReport")
	p, err := parseReportParams(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e.CertReport(c.Request().Context(), p.format, p.name))
}

// HandleCertificatesCleanup handles POST /cleanup/certificates.
func HandleCertificatesCleanup(c echo.Context) error {
	e, reqLogger := engine(c, "HandleCertificatesCleanup")
	p, err := parseReportParams(c)
	if err != nil {
		return err
	}
	purge, err := boolParam(c, "purge")
	if err != nil {
		return err
	}
	rows := e.CertificatesCleanup(c.Request().Context(), p.uts, purge, p.format, p.name)
	reqLogger.Info("Certificates cleaned up", zap.Int("count", len(rows)), zap.Bool("purge", purge))
	return c.JSON(http.StatusOK, rows)
}

// HandleAuthorizationsInvalidate handles POST /invalidate/authorizations.
func HandleAuthorizationsInvalidate(c echo.Context) error {
	e, reqLogger := engine(c, "HandleAuthorizationsInvalidate")
	p, err := parseReportParams(c)
	if err != nil {
		return err
	}
	rows := e.AuthorizationsInvalidate(c.Request().Context(), p.uts, p.format, p.name)
	reqLogger.Info("Authorizations invalidated", zap.Int("count", len(rows)))
	return c.JSON(http.StatusOK, rows)
}

// HandleOrdersInvalidate handles POST /invalidate/orders.
func HandleOrdersInvalidate(c echo.Context) error {
	e, reqLogger := engine(c, "HandleOrdersInvalidate")
	p, err := parseReportParams(c)
	if err != nil {
		return err
	}
	rows := e.OrdersInvalidate(c.Request().Context(), p.uts, p.format, p.name)
	reqLogger.Info("Orders invalidated", zap.Int("count", len(rows)))
	return c.JSON(http.StatusOK, rows)
}

// HandleCertificateDatesUpdate handles POST /certificates/dates.
func HandleCertificateDatesUpdate(c echo.Context) error {
	e, _ := engine(c, "HandleCertificateDatesUpdate")
	updated := e.CertificateDatesUpdate(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"updated": updated})
}

// versionResponse is the reply of GET /dbversion.
type versionResponse struct {
	Version  any    `json:"version"`
	Expected any    `json:"expected"`
	Script   string `json:"script,omitempty"`
	Match    bool   `json:"match"`
}

// HandleDBVersion handles GET /dbversion.
func HandleDBVersion(c echo.Context) error {
	e, reqLogger := engine(c, "HandleDBVersion")
	store := c.Get("store").(storage.Storage)
	cfg, _ := c.Get("cfg").(*config.Config)
	ctx := c.Request().Context()

	expected := housekeeping.ExpectedVersion(cfg)
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		reqLogger.Error("Failed to read schema version", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read database version")
	}
	resp := versionResponse{Expected: expected, Match: e.CheckVersion(ctx, expected)}
	if version != nil {
		resp.Version = version.Value
		resp.Script = version.Script
	}
	return c.JSON(http.StatusOK, resp)
}
