package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/blockadesystems/acmekeeper/internal/model"
	"go.uber.org/zap"
)

const (
	certificatesFrom = ` FROM acme_certificates c JOIN acme_orders o ON o.id = c.order_id JOIN acme_accounts a ON a.id = o.account_id`
	authorizationsFrom = ` FROM acme_authorizations z JOIN acme_orders o ON o.id = z.order_id JOIN acme_accounts a ON a.id = o.account_id`
	ordersFrom = ` FROM acme_orders o JOIN acme_accounts a ON a.id = o.account_id`
)

// Removal marker written over the cert column by a non-purging cleanup.
const removedMarker = "removed by certificates.cleanup() on "

// SearchCertificates returns the requested fields of all certificates whose
// key column equals value. key and fields are join paths relative to the
// certificate (e.g. "order__status").
func (s *SQLStorage) SearchCertificates(ctx context.Context, key string, value any, fields []string) ([]model.Row, error) {
	where, err := lookupColumns(certificateColumns, []string{key})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = paths(certificateColumns)
	}
	cols, err := lookupColumns(certificateColumns, fields)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + selectList(cols) + certificatesFrom + ` WHERE ` + where[0].expr + ` = ? ORDER BY c.name`
	rows, err := queryRows(ctx, s.q(), query, value)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to search certificates by %s: %w", key, err)
	}
	return rows, nil
}

// AccountsJoined returns accounts with their orders, authorizations and
// challenges, one row per leaf.
func (s *SQLStorage) AccountsJoined(ctx context.Context) ([]string, []model.Row, error) {
	query := `SELECT ` + selectList(accountColumns) + `
        FROM acme_accounts a
        LEFT JOIN acme_orders o ON o.account_id = a.id
        LEFT JOIN acme_authorizations z ON z.order_id = o.id
        LEFT JOIN acme_challenges ch ON ch.authorization_id = z.id
        ORDER BY a.name, o.name, z.name, ch.name`
	rows, err := queryRows(ctx, s.q(), query)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to list accounts: %w", err)
	}
	return paths(accountColumns), rows, nil
}

// CertificatesJoined returns certificates with their order and account.
func (s *SQLStorage) CertificatesJoined(ctx context.Context) ([]string, []model.Row, error) {
	query := `SELECT ` + selectList(certificateColumns) + certificatesFrom + ` ORDER BY a.name, o.name, c.name`
	rows, err := queryRows(ctx, s.q(), query)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: failed to list certificates: %w", err)
	}
	return paths(certificateColumns), rows, nil
}

// CleanupCertificates removes certificates that expired before cutoff. With
// purge the records are deleted, otherwise only the cert column is replaced
// by a removal marker. The returned rows show the state before the change.
func (s *SQLStorage) CleanupCertificates(ctx context.Context, cutoff int64, purge bool) ([]string, []model.Row, error) {
	var rows []model.Row
	err := s.withinTransaction(ctx, func(q Querier) error {
		query := `SELECT ` + selectList(certificateColumns) + certificatesFrom +
			` WHERE c.expire_uts > 0 AND c.expire_uts < ?`
		if !purge {
			query += ` AND (c.cert IS NULL OR c.cert NOT LIKE 'removed by%')`
		}
		query += ` ORDER BY c.name`
		var err error
		rows, err = queryRows(ctx, q, query, cutoff)
		if err != nil {
			return fmt.Errorf("storage: failed to select expired certificates: %w", err)
		}
		marker := removedMarker + now()
		for _, row := range rows {
			name, _ := row["name"].(string)
			if purge {
				_, err = q.ExecContext(ctx, `DELETE FROM acme_certificates WHERE name = ?`, name)
			} else {
				_, err = q.ExecContext(ctx, `UPDATE acme_certificates SET cert = ? WHERE name = ?`, marker, name)
			}
			if err != nil {
				return fmt.Errorf("storage: failed to clean up certificate '%s': %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Certificates cleaned up", zap.Int("count", len(rows)), zap.Bool("purge", purge), zap.Int64("cutoff", cutoff))
	return paths(certificateColumns), rows, nil
}

// InvalidateAuthorizations marks authorizations that expired before cutoff
// as expired.
func (s *SQLStorage) InvalidateAuthorizations(ctx context.Context, cutoff int64) ([]string, []model.Row, error) {
	var rows []model.Row
	err := s.withinTransaction(ctx, func(q Querier) error {
		query := `SELECT ` + selectList(authorizationColumns) + authorizationsFrom +
			` WHERE z.expires > 0 AND z.expires < ? AND z.status <> ? ORDER BY z.name`
		var err error
		rows, err = queryRows(ctx, q, query, cutoff, model.StatusExpired)
		if err != nil {
			return fmt.Errorf("storage: failed to select expired authorizations: %w", err)
		}
		return setStatus(ctx, q, "acme_authorizations", rows, model.StatusExpired)
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Authorizations invalidated", zap.Int("count", len(rows)), zap.Int64("cutoff", cutoff))
	return paths(authorizationColumns), rows, nil
}

// InvalidateOrders marks orders that expired before cutoff and are neither
// valid nor invalid as invalid.
func (s *SQLStorage) InvalidateOrders(ctx context.Context, cutoff int64) ([]string, []model.Row, error) {
	var rows []model.Row
	err := s.withinTransaction(ctx, func(q Querier) error {
		query := `SELECT ` + selectList(orderColumns) + ordersFrom +
			` WHERE o.expires > 0 AND o.expires < ? AND o.status NOT IN (?, ?) ORDER BY o.name`
		var err error
		rows, err = queryRows(ctx, q, query, cutoff, model.StatusValid, model.StatusInvalid)
		if err != nil {
			return fmt.Errorf("storage: failed to select expired orders: %w", err)
		}
		return setStatus(ctx, q, "acme_orders", rows, model.StatusInvalid)
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Orders invalidated", zap.Int("count", len(rows)), zap.Int64("cutoff", cutoff))
	return paths(orderColumns), rows, nil
}

func setStatus(ctx context.Context, q Querier, table string, rows []model.Row, status string) error {
	for _, row := range rows {
		name, _ := row["name"].(string)
		if _, err := q.ExecContext(ctx, `UPDATE `+table+` SET status = ? WHERE name = ?`, status, name); err != nil {
			return fmt.Errorf("storage: failed to set status of '%s' in %s: %w", name, table, err)
		}
	}
	return nil
}

// CertificatesWithoutDates returns issued certificates with a missing issue
// or expiry date.
func (s *SQLStorage) CertificatesWithoutDates(ctx context.Context) ([]*model.Certificate, error) {
	query := `
        SELECT c.name, o.name, c.cert_raw, c.issue_uts, c.expire_uts
        FROM acme_certificates c JOIN acme_orders o ON o.id = c.order_id
        WHERE c.cert_raw IS NOT NULL AND c.cert_raw <> '' AND (c.issue_uts = 0 OR c.expire_uts = 0)
        ORDER BY c.name`
	rows, err := s.q().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list certificates without dates: %w", err)
	}
	defer rows.Close()

	certs := []*model.Certificate{}
	for rows.Next() {
		var cert model.Certificate
		if err := rows.Scan(&cert.Name, &cert.OrderName, &cert.CertRaw, &cert.IssueUTS, &cert.ExpireUTS); err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate row: %w", err)
		}
		certs = append(certs, &cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating certificate rows: %w", err)
	}
	return certs, nil
}

func (s *SQLStorage) UpdateCertificateDates(ctx context.Context, name string, issueUTS, expireUTS int64) error {
	result, err := s.q().ExecContext(ctx, `UPDATE acme_certificates SET issue_uts = ?, expire_uts = ? WHERE name = ?`, issueUTS, expireUTS, name)
	if err != nil {
		return fmt.Errorf("storage: failed to update dates of certificate '%s': %w", name, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("certificate '%s': %w", name, ErrNotFound)
	}
	return nil
}

// SchemaVersion returns the recorded schema version, or nil if none is
// recorded.
func (s *SQLStorage) SchemaVersion(ctx context.Context) (*model.SchemaVersion, error) {
	var value, kind, script string
	err := s.q().QueryRowContext(ctx, `SELECT value, kind, script FROM acme_housekeeping WHERE name = ?`, "dbversion").Scan(&value, &kind, &script)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to read schema version: %w", err)
	}
	return &model.SchemaVersion{Value: decodeVersion(value, kind), Script: script}, nil
}

func (s *SQLStorage) SetSchemaVersion(ctx context.Context, version model.SchemaVersion) error {
	value, kind := encodeVersion(version.Value)
	query := `
        INSERT INTO acme_housekeeping (name, value, kind, script) VALUES (?, ?, ?, ?)
        ON CONFLICT (name) DO UPDATE SET value = excluded.value, kind = excluded.kind, script = excluded.script`
	if _, err := s.q().ExecContext(ctx, query, "dbversion", value, kind, version.Script); err != nil {
		return fmt.Errorf("storage: failed to set schema version: %w", err)
	}
	logger.Info("Schema version recorded", zap.String("value", value), zap.String("kind", kind))
	return nil
}

// Migrate brings the schema up to date and records the current version.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	if err := ensureSchema(ctx, s.db, s.dialect); err != nil {
		return err
	}
	return s.SetSchemaVersion(ctx, model.SchemaVersion{Value: CurrentSchemaVersion, Script: UpgradeScript})
}

// encodeVersion stores a version value as text along with its kind so that
// the literal type survives a round trip.
func encodeVersion(v any) (string, string) {
	switch t := v.(type) {
	case int:
		return strconv.FormatInt(int64(t), 10), "int"
	case int32:
		return strconv.FormatInt(int64(t), 10), "int"
	case int64:
		return strconv.FormatInt(t, 10), "int"
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 64), "float"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), "float"
	case string:
		return t, "string"
	default:
		return fmt.Sprint(v), "string"
	}
}

func decodeVersion(value, kind string) any {
	switch kind {
	case "int":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case "float":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return value
}
