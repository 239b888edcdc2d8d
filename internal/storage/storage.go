package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/model"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// Schema version written to fresh databases and the command that upgrades
// an older one.
const (
	CurrentSchemaVersion = int64(1)
	UpgradeScript        = "acmekeeper migrate"
)

var (
	// ErrNotFound is returned by updates addressing a missing record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate is returned when a unique name is already taken.
	ErrDuplicate = errors.New("storage: record already exists")
)

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage helpers to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage is the gateway to accounts, orders, authorizations, challenges and
// certificates.
type Storage interface {
	// Entity writes and lookups used by the order management layer.
	SaveAccount(ctx context.Context, acc *model.Account) error
	SaveOrder(ctx context.Context, order *model.Order) error
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	SaveCertificate(ctx context.Context, cert *model.Certificate) error
	GetOrder(ctx context.Context, name string) (*model.Order, error)
	GetCertificate(ctx context.Context, name string) (*model.Certificate, error)

	// Key material
	LoadKey(ctx context.Context, accountName string) (json.RawMessage, error)

	// Finalization
	SearchCertificates(ctx context.Context, key string, value any, fields []string) ([]model.Row, error)
	AddCertificate(ctx context.Context, cert *model.Certificate) error
	UpdateOrder(ctx context.Context, update model.OrderUpdate) error

	// Reporting and housekeeping. Joined rows are keyed by join path.
	AccountsJoined(ctx context.Context) ([]string, []model.Row, error)
	CertificatesJoined(ctx context.Context) ([]string, []model.Row, error)
	CleanupCertificates(ctx context.Context, cutoff int64, purge bool) ([]string, []model.Row, error)
	InvalidateAuthorizations(ctx context.Context, cutoff int64) ([]string, []model.Row, error)
	InvalidateOrders(ctx context.Context, cutoff int64) ([]string, []model.Row, error)
	CertificatesWithoutDates(ctx context.Context) ([]*model.Certificate, error)
	UpdateCertificateDates(ctx context.Context, name string, issueUTS, expireUTS int64) error

	// Schema version
	SchemaVersion(ctx context.Context) (*model.SchemaVersion, error)
	SetSchemaVersion(ctx context.Context, version model.SchemaVersion) error
	Migrate(ctx context.Context) error

	Close() error // Close the underlying connection pool
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// SQLStorage implements Storage on database/sql for PostgreSQL and SQLite.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
}

// Ensure SQLStorage implements Storage (compile-time check).
var _ Storage = (*SQLStorage)(nil)

// NewStorage is the factory function.
func NewStorage(cfg *config.DBConfig) (Storage, error) {
	switch strings.ToLower(cfg.StorageType) {
	case "postgres":
		return NewPostgreSQLStorage(cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode, cfg.Cert, cfg.Key, cfg.RootCert)
	case "sqlite":
		return NewSQLiteStorage(cfg.SQLitePath)
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", cfg.StorageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", cfg.StorageType)
	}
}

// Close shuts down the database connection pool.
func (s *SQLStorage) Close() error {
	logger.Info("Closing database connection pool", zap.Stringer("dialect", s.dialect))
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying pool.
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

func (s *SQLStorage) q() Querier {
	return rebinder{q: s.db, dialect: s.dialect}
}

// withinTransaction runs fn inside a single database transaction. It backs
// gateway calls that read and modify rows as one unit.
func (s *SQLStorage) withinTransaction(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	if err := fn(rebinder{q: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// rebinder rewrites '?' placeholders to '$n' for PostgreSQL.
type rebinder struct {
	q       Querier
	dialect dialect
}

func (r rebinder) rebind(query string) string {
	if r.dialect != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r rebinder) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.rebind(query), args...)
}

func (r rebinder) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.rebind(query), args...)
}

func (r rebinder) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return r.q.QueryRowContext(ctx, r.rebind(query), args...)
}

// isUniqueViolation reports whether err is a unique constraint violation on
// either backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// schemaStatements creates tables and indexes if they don't exist. The DDL
// is shared by both dialects.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, jwk TEXT NOT NULL, alg TEXT NOT NULL DEFAULT '', contact TEXT NOT NULL DEFAULT '[]', eab_kid TEXT NOT NULL DEFAULT '', status TEXT NOT NULL DEFAULT 'valid', created_at TEXT NOT NULL );`,
	`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, account_id TEXT NOT NULL REFERENCES acme_accounts(id) ON DELETE CASCADE, status TEXT NOT NULL, expires BIGINT NOT NULL DEFAULT 0, identifiers TEXT NOT NULL DEFAULT '[]', created_at TEXT NOT NULL );`,
	`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
	`CREATE INDEX IF NOT EXISTS idx_acme_orders_status ON acme_orders (status);`,
	`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, order_id TEXT NOT NULL REFERENCES acme_orders(id) ON DELETE CASCADE, type TEXT NOT NULL DEFAULT 'dns', value TEXT NOT NULL DEFAULT '', status TEXT NOT NULL, expires BIGINT NOT NULL DEFAULT 0, token TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL );`,
	`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
	`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, authorization_id TEXT NOT NULL REFERENCES acme_authorizations(id) ON DELETE CASCADE, type TEXT NOT NULL, token TEXT NOT NULL DEFAULT '', status TEXT NOT NULL, expires BIGINT NOT NULL DEFAULT 0, validated BIGINT NOT NULL DEFAULT 0, created_at TEXT NOT NULL );`,
	`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
	`CREATE TABLE IF NOT EXISTS acme_certificates ( id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, order_id TEXT NOT NULL REFERENCES acme_orders(id) ON DELETE CASCADE, csr TEXT NOT NULL DEFAULT '', cert TEXT, cert_raw TEXT, poll_identifier TEXT, issue_uts BIGINT NOT NULL DEFAULT 0, expire_uts BIGINT NOT NULL DEFAULT 0, created_at TEXT NOT NULL );`,
	`CREATE INDEX IF NOT EXISTS idx_acme_certificates_order_id ON acme_certificates (order_id);`,
	`CREATE INDEX IF NOT EXISTS idx_acme_certificates_expire_uts ON acme_certificates (expire_uts);`,
	`CREATE TABLE IF NOT EXISTS acme_housekeeping ( name TEXT PRIMARY KEY, value TEXT NOT NULL, kind TEXT NOT NULL, script TEXT NOT NULL DEFAULT '' );`,
}

// ensureSchema creates the schema and records the schema version on a fresh
// database. An existing version row is left untouched so that an outdated
// database is reported by the version check.
func ensureSchema(ctx context.Context, db *sql.DB, d dialect) error {
	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...", zap.Stringer("dialect", d))
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}
	value, kind := encodeVersion(CurrentSchemaVersion)
	q := rebinder{q: db, dialect: d}
	_, err := q.ExecContext(ctx, `INSERT INTO acme_housekeeping (name, value, kind, script) VALUES (?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		"dbversion", value, kind, UpgradeScript)
	if err != nil {
		return fmt.Errorf("storage: failed to record schema version: %w", err)
	}
	logger.Info("Database schema initialization check complete.")
	return nil
}
