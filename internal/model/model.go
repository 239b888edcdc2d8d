package model

import (
	"encoding/json"
)

// Order, authorization and challenge status values.
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// ACME error types (RFC 8555 Section 6.7).
const (
	ErrAccountDoesNotExist = "urn:ietf:params:acme:error:accountDoesNotExist"
	ErrMalformed           = "urn:ietf:params:acme:error:malformed"
	ErrUnauthorized        = "urn:ietf:params:acme:error:unauthorized"
)

// Row is a flat record keyed by join path ("order__account__name") as returned
// by the storage layer, or by display name ("account.name") once normalized.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Account represents an ACME account.
type Account struct {
	ID        string          `json:"id" db:"id"`                       // Internal identifier (UUID)
	Name      string          `json:"name" db:"name"`                   // Account name used in kid URLs
	JWK       json.RawMessage `json:"-" db:"jwk"`                       // Public key in JWK format
	Alg       string          `json:"alg" db:"alg"`                     // Signature algorithm announced at registration
	Contact   []string        `json:"contact,omitempty" db:"contact"`   // Contact URLs (e.g., "mailto:...")
	EABKid    string          `json:"eab_kid,omitempty" db:"eab_kid"`   // External account binding key id
	Status    string          `json:"status" db:"status"`               // e.g., "valid", "deactivated"
	CreatedAt string          `json:"created_at,omitempty" db:"created_at"` // Creation time, set by storage
}

// Order represents a certificate order.
type Order struct {
	ID          string `json:"id" db:"id"`                           // Internal identifier (UUID)
	Name        string `json:"name" db:"name"`                       // Order name
	AccountName string `json:"account" db:"-"`                       // Owning account (resolved to account_id)
	Status      string `json:"status" db:"status"`                   // e.g., "pending", "processing", "valid"
	Expires     int64  `json:"expires" db:"expires"`                 // Expiry as unix seconds, 0 if unknown
	Identifiers string `json:"identifiers" db:"identifiers"`         // Identifiers as JSON text
	CreatedAt   string `json:"created_at,omitempty" db:"created_at"` // Creation time, set by storage
}

// Authorization represents the state of an identifier authorization.
type Authorization struct {
	ID        string `json:"id" db:"id"`                           // Internal identifier (UUID)
	Name      string `json:"name" db:"name"`                       // Authorization name
	OrderName string `json:"order" db:"-"`                         // Owning order (resolved to order_id)
	Type      string `json:"type" db:"type"`                       // Identifier type, e.g. "dns"
	Value     string `json:"value" db:"value"`                     // Identifier value, e.g. "example.com"
	Status    string `json:"status" db:"status"`                   // e.g., "pending", "valid", "expired"
	Expires   int64  `json:"expires" db:"expires"`                 // Expiry as unix seconds, 0 if unknown
	Token     string `json:"token" db:"token"`                     // Token shared by the challenges
	CreatedAt string `json:"created_at,omitempty" db:"created_at"` // Creation time, set by storage
}

// Challenge represents one proof method within an authorization.
type Challenge struct {
	ID                string `json:"id" db:"id"`                           // Internal identifier (UUID)
	Name              string `json:"name" db:"name"`                       // Challenge name
	AuthorizationName string `json:"authorization" db:"-"`                 // Owning authorization (resolved to authorization_id)
	Type              string `json:"type" db:"type"`                       // e.g., "http-01", "dns-01"
	Token             string `json:"token" db:"token"`                     // Challenge token value
	Status            string `json:"status" db:"status"`                   // e.g., "pending", "valid"
	Expires           int64  `json:"expires" db:"expires"`                 // Expiry as unix seconds, 0 if unknown
	Validated         int64  `json:"validated" db:"validated"`             // Validation time as unix seconds
	CreatedAt         string `json:"created_at,omitempty" db:"created_at"` // Creation time, set by storage
}

// Certificate holds a CSR and, once issued, the resulting certificate.
type Certificate struct {
	ID             string `json:"id" db:"id"`                           // Internal identifier (UUID)
	Name           string `json:"name" db:"name"`                       // Certificate name
	OrderName      string `json:"order" db:"-"`                         // Owning order (resolved to order_id)
	CSR            string `json:"csr" db:"csr"`                         // CSR (base64 DER or PEM)
	Cert           string `json:"cert,omitempty" db:"cert"`             // Issued certificate bundle (PEM)
	CertRaw        string `json:"cert_raw,omitempty" db:"cert_raw"`     // Leaf certificate as base64 DER
	PollIdentifier string `json:"poll_identifier,omitempty" db:"poll_identifier"` // Backend reference for polling
	IssueUTS       int64  `json:"issue_uts" db:"issue_uts"`             // NotBefore as unix seconds
	ExpireUTS      int64  `json:"expire_uts" db:"expire_uts"`           // NotAfter as unix seconds
	CreatedAt      string `json:"created_at,omitempty" db:"created_at"` // Creation time, set by storage
}

// OrderUpdate is a partial update of an order, addressed by name.
type OrderUpdate struct {
	Name   string
	Status string
}

// SchemaVersion is the database version recorded by the storage layer.
// Value keeps its literal type: int64, float64 or string.
type SchemaVersion struct {
	Value  any
	Script string // Upgrade script to run on mismatch
}

// TriggerResponse is the reply sent to the issuing backend callback.
type TriggerResponse struct {
	Header map[string]string `json:"header"`
	Code   int               `json:"code"`
	Data   TriggerData       `json:"data"`
}

// TriggerData is the body part of a TriggerResponse.
type TriggerData struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
