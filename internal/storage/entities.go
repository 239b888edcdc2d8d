package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockadesystems/acmekeeper/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const timestampLayout = "2006-01-02 15:04:05"

func now() string {
	return time.Now().UTC().Format(timestampLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// =============================================
// SQLStorage Method Implementations
// =============================================

// --- Entities ---

// SaveAccount inserts a new account. A taken name returns ErrDuplicate.
func (s *SQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.q(), acc)
}

// SaveOrder inserts a new order for an existing account.
func (s *SQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.q(), order)
}

// SaveAuthorization inserts a new authorization for an existing order.
func (s *SQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.q(), authz)
}

// SaveChallenge inserts a new challenge for an existing authorization.
func (s *SQLStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.q(), chal)
}

// SaveCertificate inserts a new certificate record for an existing order.
func (s *SQLStorage) SaveCertificate(ctx context.Context, cert *model.Certificate) error {
	return saveCertificate(ctx, s.q(), cert)
}

// GetOrder returns the named order, or nil if it does not exist.
func (s *SQLStorage) GetOrder(ctx context.Context, name string) (*model.Order, error) {
	return getOrder(ctx, s.q(), name)
}

// GetCertificate returns the named certificate, or nil if it does not exist.
func (s *SQLStorage) GetCertificate(ctx context.Context, name string) (*model.Certificate, error) {
	return getCertificate(ctx, s.q(), name)
}

// --- Key material ---

// LoadKey returns the stored JWK of an account, or nil if the account does
// not exist.
func (s *SQLStorage) LoadKey(ctx context.Context, accountName string) (json.RawMessage, error) {
	return loadKey(ctx, s.q(), accountName)
}

// --- Finalization ---

// AddCertificate stores an issued certificate on an existing certificate
// record. A missing record returns ErrNotFound.
func (s *SQLStorage) AddCertificate(ctx context.Context, cert *model.Certificate) error {
	return addCertificate(ctx, s.q(), cert)
}

// UpdateOrder sets the status of an order. A missing order returns
// ErrNotFound.
func (s *SQLStorage) UpdateOrder(ctx context.Context, update model.OrderUpdate) error {
	return updateOrder(ctx, s.q(), update)
}

// =============================================
// Unexported Helper Implementations
// =============================================

// lookupID resolves a name to its internal id. It returns "" when the name
// does not exist.
func lookupID(ctx context.Context, q Querier, table string, name string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE name = ?`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("storage: failed to look up '%s' in %s: %w", name, table, err)
	}
	return id, nil
}

func saveAccount(ctx context.Context, q Querier, acc *model.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if acc.Status == "" {
		acc.Status = model.StatusValid
	}
	acc.CreatedAt = now()
	contact, err := json.Marshal(acc.Contact)
	if err != nil {
		return fmt.Errorf("storage: failed to encode contacts for account '%s': %w", acc.Name, err)
	}
	if acc.Contact == nil {
		contact = []byte("[]")
	}
	query := `INSERT INTO acme_accounts (id, name, jwk, alg, contact, eab_kid, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query, acc.ID, acc.Name, string(acc.JWK), acc.Alg, string(contact), acc.EABKid, acc.Status, acc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account '%s': %w", acc.Name, ErrDuplicate)
		}
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.Name, err)
	}
	logger.Debug("Account saved", zap.String("account", acc.Name))
	return nil
}

func saveOrder(ctx context.Context, q Querier, order *model.Order) error {
	accountID, err := lookupID(ctx, q, "acme_accounts", order.AccountName)
	if err != nil {
		return err
	}
	if accountID == "" {
		return fmt.Errorf("storage: cannot save order '%s': account '%s': %w", order.Name, order.AccountName, ErrNotFound)
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = model.StatusPending
	}
	if order.Identifiers == "" {
		order.Identifiers = "[]"
	}
	order.CreatedAt = now()
	query := `INSERT INTO acme_orders (id, name, account_id, status, expires, identifiers, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query, order.ID, order.Name, accountID, order.Status, order.Expires, order.Identifiers, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order '%s': %w", order.Name, ErrDuplicate)
		}
		return fmt.Errorf("storage: failed to save order '%s': %w", order.Name, err)
	}
	logger.Debug("Order saved", zap.String("order", order.Name), zap.String("status", order.Status))
	return nil
}

func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	orderID, err := lookupID(ctx, q, "acme_orders", authz.OrderName)
	if err != nil {
		return err
	}
	if orderID == "" {
		return fmt.Errorf("storage: cannot save authorization '%s': order '%s': %w", authz.Name, authz.OrderName, ErrNotFound)
	}
	if authz.ID == "" {
		authz.ID = uuid.NewString()
	}
	if authz.Status == "" {
		authz.Status = model.StatusPending
	}
	if authz.Type == "" {
		authz.Type = "dns"
	}
	authz.CreatedAt = now()
	query := `INSERT INTO acme_authorizations (id, name, order_id, type, value, status, expires, token, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query, authz.ID, authz.Name, orderID, authz.Type, authz.Value, authz.Status, authz.Expires, authz.Token, authz.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("authorization '%s': %w", authz.Name, ErrDuplicate)
		}
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.Name, err)
	}
	logger.Debug("Authorization saved", zap.String("authorization", authz.Name))
	return nil
}

func saveChallenge(ctx context.Context, q Querier, chal *model.Challenge) error {
	authzID, err := lookupID(ctx, q, "acme_authorizations", chal.AuthorizationName)
	if err != nil {
		return err
	}
	if authzID == "" {
		return fmt.Errorf("storage: cannot save challenge '%s': authorization '%s': %w", chal.Name, chal.AuthorizationName, ErrNotFound)
	}
	if chal.ID == "" {
		chal.ID = uuid.NewString()
	}
	if chal.Status == "" {
		chal.Status = model.StatusPending
	}
	chal.CreatedAt = now()
	query := `INSERT INTO acme_challenges (id, name, authorization_id, type, token, status, expires, validated, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query, chal.ID, chal.Name, authzID, chal.Type, chal.Token, chal.Status, chal.Expires, chal.Validated, chal.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("challenge '%s': %w", chal.Name, ErrDuplicate)
		}
		return fmt.Errorf("storage: failed to save challenge '%s': %w", chal.Name, err)
	}
	logger.Debug("Challenge saved", zap.String("challenge", chal.Name))
	return nil
}

func saveCertificate(ctx context.Context, q Querier, cert *model.Certificate) error {
	orderID, err := lookupID(ctx, q, "acme_orders", cert.OrderName)
	if err != nil {
		return err
	}
	if orderID == "" {
		return fmt.Errorf("storage: cannot save certificate '%s': order '%s': %w", cert.Name, cert.OrderName, ErrNotFound)
	}
	if cert.ID == "" {
		cert.ID = uuid.NewString()
	}
	cert.CreatedAt = now()
	query := `
        INSERT INTO acme_certificates (id, name, order_id, csr, cert, cert_raw, poll_identifier, issue_uts, expire_uts, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.ExecContext(ctx, query, cert.ID, cert.Name, orderID, cert.CSR, nullString(cert.Cert), nullString(cert.CertRaw),
		nullString(cert.PollIdentifier), cert.IssueUTS, cert.ExpireUTS, cert.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("certificate '%s': %w", cert.Name, ErrDuplicate)
		}
		return fmt.Errorf("storage: failed to save certificate '%s': %w", cert.Name, err)
	}
	logger.Debug("Certificate saved", zap.String("certificate", cert.Name), zap.String("order", cert.OrderName))
	return nil
}

func getOrder(ctx context.Context, q Querier, name string) (*model.Order, error) {
	query := `
        SELECT o.id, o.name, a.name, o.status, o.expires, o.identifiers, o.created_at
        FROM acme_orders o JOIN acme_accounts a ON a.id = o.account_id
        WHERE o.name = ?`
	var order model.Order
	err := q.QueryRowContext(ctx, query, name).Scan(&order.ID, &order.Name, &order.AccountName, &order.Status, &order.Expires, &order.Identifiers, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get order '%s': %w", name, err)
	}
	return &order, nil
}

func getCertificate(ctx context.Context, q Querier, name string) (*model.Certificate, error) {
	query := `
        SELECT c.id, c.name, o.name, c.csr, c.cert, c.cert_raw, c.poll_identifier, c.issue_uts, c.expire_uts, c.created_at
        FROM acme_certificates c JOIN acme_orders o ON o.id = c.order_id
        WHERE c.name = ?`
	var cert model.Certificate
	var sqlCert, sqlCertRaw, sqlPoll sql.NullString
	err := q.QueryRowContext(ctx, query, name).Scan(&cert.ID, &cert.Name, &cert.OrderName, &cert.CSR, &sqlCert, &sqlCertRaw, &sqlPoll,
		&cert.IssueUTS, &cert.ExpireUTS, &cert.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate '%s': %w", name, err)
	}
	cert.Cert = sqlCert.String
	cert.CertRaw = sqlCertRaw.String
	cert.PollIdentifier = sqlPoll.String
	return &cert, nil
}

func loadKey(ctx context.Context, q Querier, accountName string) (json.RawMessage, error) {
	var jwk string
	err := q.QueryRowContext(ctx, `SELECT jwk FROM acme_accounts WHERE name = ?`, accountName).Scan(&jwk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to load key for account '%s': %w", accountName, err)
	}
	if jwk == "" {
		return nil, nil
	}
	return json.RawMessage(jwk), nil
}

// addCertificate stores an issued certificate on an existing certificate
// record. Dates are only written when set.
func addCertificate(ctx context.Context, q Querier, cert *model.Certificate) error {
	query := `
        UPDATE acme_certificates SET cert = ?, cert_raw = ?,
            issue_uts = CASE WHEN CAST(? AS BIGINT) > 0 THEN CAST(? AS BIGINT) ELSE issue_uts END,
            expire_uts = CASE WHEN CAST(? AS BIGINT) > 0 THEN CAST(? AS BIGINT) ELSE expire_uts END
        WHERE name = ?`
	result, err := q.ExecContext(ctx, query, nullString(cert.Cert), nullString(cert.CertRaw),
		cert.IssueUTS, cert.IssueUTS, cert.ExpireUTS, cert.ExpireUTS, cert.Name)
	if err != nil {
		return fmt.Errorf("storage: failed to add certificate '%s': %w", cert.Name, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("certificate '%s': %w", cert.Name, ErrNotFound)
	}
	logger.Debug("Certificate stored", zap.String("certificate", cert.Name))
	return nil
}

func updateOrder(ctx context.Context, q Querier, update model.OrderUpdate) error {
	result, err := q.ExecContext(ctx, `UPDATE acme_orders SET status = ? WHERE name = ?`, update.Status, update.Name)
	if err != nil {
		return fmt.Errorf("storage: failed to update order '%s': %w", update.Name, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("order '%s': %w", update.Name, ErrNotFound)
	}
	logger.Debug("Order updated", zap.String("order", update.Name), zap.String("status", update.Status))
	return nil
}
