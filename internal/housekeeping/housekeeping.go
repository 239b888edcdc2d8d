// Package housekeeping reports on stored ACME entities and expires or removes
// the ones that are out of date.
package housekeeping

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blockadesystems/acmekeeper/internal/certutil"
	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/metrics"
	"github.com/blockadesystems/acmekeeper/internal/model"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "housekeeping"))
}

// Gateway is the part of the storage gateway used by the engine.
type Gateway interface {
	AccountsJoined(ctx context.Context) ([]string, []model.Row, error)
	CertificatesJoined(ctx context.Context) ([]string, []model.Row, error)
	CleanupCertificates(ctx context.Context, cutoff int64, purge bool) ([]string, []model.Row, error)
	InvalidateAuthorizations(ctx context.Context, cutoff int64) ([]string, []model.Row, error)
	InvalidateOrders(ctx context.Context, cutoff int64) ([]string, []model.Row, error)
	CertificatesWithoutDates(ctx context.Context) ([]*model.Certificate, error)
	UpdateCertificateDates(ctx context.Context, name string, issueUTS, expireUTS int64) error
	SchemaVersion(ctx context.Context) (*model.SchemaVersion, error)
}

// Engine runs reports and bulk invalidation against a Gateway. Its
// operations never return errors; failures are logged and yield empty
// results.
type Engine struct {
	store    Gateway
	logger   *zap.Logger
	clock    func() int64
	location *time.Location
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the source of the current unix time.
func WithClock(clock func() int64) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLocation sets the time zone dates are rendered in. The default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.location = loc }
}

// New returns an Engine working on store.
func New(store Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		logger:   logger,
		clock:    func() int64 { return time.Now().Unix() },
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// critical logs at error level tagged with severity=critical.
func (e *Engine) critical(msg string, fields ...zap.Field) {
	e.logger.Error(msg, append(fields, zap.String("severity", "critical"))...)
}

// AccountReport returns all accounts with their orders, authorizations and
// challenges. With the JSON format and nested set, the result is a tree.
// A report file is written when reportName is set.
func (e *Engine) AccountReport(ctx context.Context, format, reportName string, nested bool) []model.Row {
	fields, rows, err := e.store.AccountsJoined(ctx)
	if err != nil {
		e.critical("database error", zap.String("operation", "AccountReport"), zap.Error(err))
		return []model.Row{}
	}
	fields, rows = Normalize(fields, rows, "account")
	rows = e.Convert(rows)
	if format == FormatJSON && nested {
		rows = buildTree(rows, accountLevels)
	}
	e.dump("AccountReport", format, reportName,
		func() [][]any { return ToRows(fields, rows) },
		func() any { return rows })
	return rows
}

// CertReport returns all certificates with their order and account. The
// JSON format always produces a tree.
func (e *Engine) CertReport(ctx context.Context, format, reportName string) []model.Row {
	fields, rows, err := e.store.CertificatesJoined(ctx)
	if err != nil {
		e.critical("database error", zap.String("operation", "CertReport"), zap.Error(err))
		return []model.Row{}
	}
	fields, rows = Normalize(fields, rows, "certificate")
	fields = withCertificateFields(fields)
	rows = e.Convert(rows)
	if format == FormatJSON {
		rows = buildTree(rows, certificateLevels)
	}
	e.dump("CertReport", format, reportName,
		func() [][]any { return ToRows(fields, rows) },
		func() any { return rows })
	return rows
}

// CertificatesCleanup removes certificates expired before uts, or before
// now when uts is nil. See Storage.CleanupCertificates for purge.
func (e *Engine) CertificatesCleanup(ctx context.Context, uts *int64, purge bool, format, reportName string) []model.Row {
	cutoff := e.cutoff(uts)
	fields, rows, err := e.store.CleanupCertificates(ctx, cutoff, purge)
	if err != nil {
		e.critical("database error", zap.String("operation", "CertificatesCleanup"), zap.Error(err))
		return []model.Row{}
	}
	fields = withCertificateFields(NormalizedHeader(fields, "certificate"))
	return e.invalidated("CertificatesCleanup", "certificate", certificateLevels, format, reportName, fields, rows)
}

// AuthorizationsInvalidate expires authorizations that ran out before uts,
// or before now when uts is nil.
func (e *Engine) AuthorizationsInvalidate(ctx context.Context, uts *int64, format, reportName string) []model.Row {
	cutoff := e.cutoff(uts)
	fields, rows, err := e.store.InvalidateAuthorizations(ctx, cutoff)
	if err != nil {
		e.critical("database error", zap.String("operation", "AuthorizationsInvalidate"), zap.Error(err))
		return []model.Row{}
	}
	return e.invalidated("AuthorizationsInvalidate", "authorization", authorizationLevels, format, reportName,
		NormalizedHeader(fields, "authorization"), rows)
}

// OrdersInvalidate invalidates orders that ran out before uts, or before
// now when uts is nil.
func (e *Engine) OrdersInvalidate(ctx context.Context, uts *int64, format, reportName string) []model.Row {
	cutoff := e.cutoff(uts)
	fields, rows, err := e.store.InvalidateOrders(ctx, cutoff)
	if err != nil {
		e.critical("database error", zap.String("operation", "OrdersInvalidate"), zap.Error(err))
		return []model.Row{}
	}
	return e.invalidated("OrdersInvalidate", "order", orderLevels, format, reportName,
		NormalizedHeader(fields, "order"), rows)
}

// invalidated normalizes and converts affected rows and writes the report.
// No report is written for an empty result.
func (e *Engine) invalidated(operation, prefix string, levels []level, format, reportName string, header []string, rows []model.Row) []model.Row {
	metrics.ObserveHousekeeping(operation, len(rows))
	e.logger.Info("Housekeeping run finished", zap.String("operation", operation), zap.Int("rows", len(rows)))
	if len(rows) == 0 {
		return []model.Row{}
	}
	_, rows = Normalize(nil, rows, prefix)
	rows = e.Convert(rows)
	e.dump(operation, format, reportName,
		func() [][]any { return ToRows(header, rows) },
		func() any { return buildTree(rows, levels) })
	return rows
}

// NormalizedHeader returns the display header for fieldPaths.
func NormalizedHeader(fieldPaths []string, prefix string) []string {
	header, _ := Normalize(fieldPaths, nil, prefix)
	return header
}

func withCertificateFields(fields []string) []string {
	out := append([]string{}, fields...)
	for _, f := range []string{certIssueDate, certExpireDate, certSerial} {
		found := false
		for _, existing := range out {
			if existing == f {
				found = true
				break
			}
		}
		if !found {
			out = append(out, f)
		}
	}
	return out
}

func (e *Engine) cutoff(uts *int64) int64 {
	if uts != nil {
		return *uts
	}
	return e.clock()
}

// CertificateDatesUpdate fills in missing issue and expiry dates from the
// stored certificates. It returns the number of certificates updated.
func (e *Engine) CertificateDatesUpdate(ctx context.Context) int {
	certs, err := e.store.CertificatesWithoutDates(ctx)
	if err != nil {
		e.critical("database error", zap.String("operation", "CertificateDatesUpdate"), zap.Error(err))
		return 0
	}
	updated := 0
	for _, cert := range certs {
		issue, expire, err := certutil.Dates(cert.CertRaw)
		if err != nil {
			e.logger.Warn("Certificate dates could not be parsed", zap.String("certificate", cert.Name), zap.Error(err))
			continue
		}
		if err := e.store.UpdateCertificateDates(ctx, cert.Name, issue, expire); err != nil {
			e.critical("database error", zap.String("operation", "CertificateDatesUpdate"), zap.String("certificate", cert.Name), zap.Error(err))
			continue
		}
		updated++
	}
	metrics.ObserveHousekeeping("CertificateDatesUpdate", updated)
	e.logger.Info("Certificate dates updated", zap.Int("count", updated), zap.Int("candidates", len(certs)))
	return updated
}

// CheckVersion compares the stored schema version with expected. Values
// compare literally: an integer only matches an integer, a float a float
// and a string a string. It reports whether the versions match.
func (e *Engine) CheckVersion(ctx context.Context, expected any) bool {
	if expected == nil {
		e.critical("database version could not be verified")
		return false
	}
	version, err := e.store.SchemaVersion(ctx)
	if err != nil {
		e.critical("database error", zap.String("operation", "CheckVersion"), zap.Error(err))
		return false
	}

	want := normalizeVersion(expected)
	var actual any
	script := ""
	if version != nil {
		actual = version.Value
		script = version.Script
	}
	if actual != nil && normalizeVersion(actual) == want {
		e.logger.Debug(fmt.Sprintf("database version: %s is upto date", formatVersion(want)))
		return true
	}
	e.critical(fmt.Sprintf("database version mismatch in: version is %s but should be %s. Please run the \"%s\" script",
		formatVersion(actual), formatVersion(want), script))
	return false
}

func normalizeVersion(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return float64(n)
	case float64:
		return n
	case string:
		return n
	default:
		return fmt.Sprint(v)
	}
}

func formatVersion(v any) string {
	switch n := v.(type) {
	case nil:
		return "none"
	case float64:
		s := strconv.FormatFloat(n, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	default:
		return fmt.Sprint(n)
	}
}

// ExpectedVersion returns the schema version the code expects: the
// configured dbversion when set, the storage schema version otherwise.
// Configured values are typed as int64, float64 or string in that order.
func ExpectedVersion(cfg *config.Config) any {
	if cfg == nil || cfg.Housekeeping.DBVersion == "" {
		return storage.CurrentSchemaVersion
	}
	return ParseVersion(cfg.Housekeeping.DBVersion)
}

// ParseVersion types a textual version as int64, float64 or string.
func ParseVersion(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
