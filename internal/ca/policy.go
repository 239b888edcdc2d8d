package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/blockadesystems/acmekeeper/internal/config"
)

// Policy restricts what the local CA signs.
type Policy struct {
	MinRSASize   int
	ECDSACurves  []string
	AllowEd25519 bool
	Lifetime     time.Duration
}

// PolicyFromConfig returns the policy for cfg. Non-positive validity falls
// back to 90 days.
func PolicyFromConfig(cfg *config.CAHandlerConfig) Policy {
	days := cfg.CertValidityDays
	if days <= 0 {
		days = 90
	}
	return Policy{
		MinRSASize:   2048,
		ECDSACurves:  []string{"P-256", "P-384"},
		AllowEd25519: true,
		Lifetime:     time.Duration(days) * 24 * time.Hour,
	}
}

// ValidatePublicKey checks key type and strength.
func (p Policy) ValidatePublicKey(pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if size := k.N.BitLen(); size < p.MinRSASize {
			return fmt.Errorf("ca: RSA key size (%d bits) is less than the minimum allowed (%d bits)", size, p.MinRSASize)
		}
	case *ecdsa.PublicKey:
		curve := k.Curve.Params().Name
		for _, allowed := range p.ECDSACurves {
			if allowed == curve {
				return nil
			}
		}
		return fmt.Errorf("ca: ECDSA curve '%s' is not allowed", curve)
	case ed25519.PublicKey:
		if !p.AllowEd25519 {
			return errors.New("ca: key type Ed25519 is not allowed")
		}
	default:
		return errors.New("ca: unsupported public key type")
	}
	return nil
}

// ValidateValidityPeriod checks that the requested period does not exceed
// maxLifetime and ends after it starts.
func ValidateValidityPeriod(requestedNotAfter, requestedNotBefore time.Time, maxLifetime time.Duration) error {
	if !requestedNotAfter.After(requestedNotBefore) {
		return errors.New("ca: requested validity period is empty")
	}
	if requestedNotAfter.After(requestedNotBefore.Add(maxLifetime)) {
		return errors.New("ca: requested validity period exceeds the allowed maximum")
	}
	return nil
}
