// Package signature authenticates inbound ACME messages against an account
// key, a key embedded in the protected header, or an external account
// binding MAC key.
package signature

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/blockadesystems/acmekeeper/internal/model"
	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "signature"))
}

// Signature algorithms accepted for account keys and for EAB MAC keys.
var (
	accountAlgorithms = []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512,
		jose.PS256, jose.PS384, jose.PS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.EdDSA,
	}
	macAlgorithms = []jose.SignatureAlgorithm{jose.HS256, jose.HS384, jose.HS512}
)

// KeyLoader returns the stored JWK of an account, or nil if the account does
// not exist.
type KeyLoader interface {
	LoadKey(ctx context.Context, accountName string) (json.RawMessage, error)
}

// Checker is the signature-check primitive. key is either a *jose.JSONWebKey
// or a []byte MAC secret.
type Checker interface {
	Check(content []byte, key any) (bool, string)
}

// Verifier implements request authentication.
type Verifier struct {
	store   KeyLoader
	checker Checker
	logger  *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithChecker replaces the signature-check primitive.
func WithChecker(c Checker) Option {
	return func(v *Verifier) { v.checker = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// New returns a Verifier reading account keys from store.
func New(store KeyLoader, opts ...Option) *Verifier {
	v := &Verifier{store: store, checker: JOSEChecker{}, logger: logger}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check authenticates content. With an account name the stored account key
// is used; without one the key embedded in the protected header is used when
// useEmbeddedKey is set. The third return value is reserved and always empty.
func (v *Verifier) Check(ctx context.Context, accountName string, content []byte, useEmbeddedKey bool, protected map[string]any) (bool, string, string) {
	var key any
	switch {
	case accountName != "":
		if len(content) == 0 {
			return false, model.ErrMalformed, ""
		}
		raw, err := v.store.LoadKey(ctx, accountName)
		if err != nil {
			v.logger.Error("database error while loading account key",
				zap.String("severity", "critical"), zap.String("account", accountName), zap.Error(err))
			raw = nil
		}
		if len(raw) == 0 {
			return false, model.ErrAccountDoesNotExist, ""
		}
		jwk, err := parseJWK(raw)
		if err != nil {
			v.logger.Warn("Stored account key could not be parsed", zap.String("account", accountName), zap.Error(err))
			return false, model.ErrAccountDoesNotExist, ""
		}
		key = jwk
	case useEmbeddedKey:
		if protected == nil || protected["url"] == nil || protected["jwk"] == nil {
			return false, model.ErrAccountDoesNotExist, ""
		}
		raw, err := json.Marshal(protected["jwk"])
		if err != nil {
			return false, model.ErrAccountDoesNotExist, ""
		}
		jwk, err := parseJWK(raw)
		if err != nil {
			v.logger.Debug("Embedded key could not be parsed", zap.Error(err))
			return false, model.ErrAccountDoesNotExist, ""
		}
		key = jwk
	default:
		return false, model.ErrAccountDoesNotExist, ""
	}

	valid, problem := v.checker.Check(content, key)
	return valid, problem, ""
}

// EABCheck authenticates an external account binding message against the
// base64url encoded MAC key. Empty input returns (false, "") without a
// check.
func (v *Verifier) EABCheck(content []byte, macKey string) (bool, string) {
	if len(content) == 0 || macKey == "" {
		return false, ""
	}
	secret, err := base64.RawURLEncoding.DecodeString(macKey)
	if err != nil {
		// Some clients pad the key.
		secret, err = base64.URLEncoding.DecodeString(macKey)
		if err != nil {
			return false, err.Error()
		}
	}
	return v.checker.Check(content, secret)
}

func parseJWK(raw []byte) (*jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return &jwk, nil
}

// JOSEChecker verifies compact or flattened JSON JWS messages with go-jose.
type JOSEChecker struct{}

// Check implements Checker.
func (JOSEChecker) Check(content []byte, key any) (bool, string) {
	algorithms := accountAlgorithms
	if _, ok := key.([]byte); ok {
		algorithms = macAlgorithms
	}
	jws, err := jose.ParseSigned(string(content), algorithms)
	if err != nil {
		return false, err.Error()
	}
	if _, err := jws.Verify(key); err != nil {
		return false, err.Error()
	}
	return true, ""
}
