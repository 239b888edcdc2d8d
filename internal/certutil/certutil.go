// Package certutil converts certificates and CSRs between the encodings stored
// by acmekeeper (PEM, base64 DER) and extracts the values the housekeeping and
// finalization code compares on.
package certutil

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
)

var errEmpty = errors.New("certutil: empty input")

// DecodeBase64 decodes standard or URL-safe base64, padded or not.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errEmpty
	}
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	encodings := []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("certutil: invalid base64: %w", lastErr)
}

func isPEM(s string) bool {
	return strings.Contains(s, "-----BEGIN")
}

// RawToPEM converts a base64 DER certificate into a PEM block.
func RawToPEM(raw string) (string, error) {
	der, err := DecodeBase64(raw)
	if err != nil {
		return "", err
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return "", fmt.Errorf("certutil: failed to parse certificate: %w", err)
	}
	return string(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der))), nil
}

// ParseCertificate parses the first certificate of a PEM bundle or a base64
// DER certificate.
func ParseCertificate(input string) (*x509.Certificate, error) {
	if isPEM(input) {
		certs, err := certcrypto.ParsePEMBundle([]byte(input))
		if err != nil {
			return nil, fmt.Errorf("certutil: failed to parse PEM bundle: %w", err)
		}
		return certs[0], nil
	}
	der, err := DecodeBase64(input)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ParseCSR parses a PEM or base64 DER certificate signing request.
func ParseCSR(input string) (*x509.CertificateRequest, error) {
	if isPEM(input) {
		csr, err := certcrypto.PemDecodeTox509CSR([]byte(input))
		if err != nil {
			return nil, fmt.Errorf("certutil: failed to parse PEM CSR: %w", err)
		}
		return csr, nil
	}
	der, err := DecodeBase64(input)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to parse CSR: %w", err)
	}
	return csr, nil
}

// CertificatePublicKey returns the PKIX DER encoding of the certificate's
// public key.
func CertificatePublicKey(input string) ([]byte, error) {
	cert, err := ParseCertificate(input)
	if err != nil {
		return nil, err
	}
	return marshalKey(cert.PublicKey)
}

// CSRPublicKey returns the PKIX DER encoding of the CSR's public key.
func CSRPublicKey(input string) ([]byte, error) {
	csr, err := ParseCSR(input)
	if err != nil {
		return nil, err
	}
	return marshalKey(csr.PublicKey)
}

func marshalKey(pub any) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to marshal public key: %w", err)
	}
	return der, nil
}

// SameKey reports whether two PKIX DER public keys are identical.
func SameKey(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}

// Dates returns NotBefore and NotAfter as unix seconds.
func Dates(input string) (issue int64, expire int64, err error) {
	cert, err := ParseCertificate(input)
	if err != nil {
		return 0, 0, err
	}
	return cert.NotBefore.Unix(), cert.NotAfter.Unix(), nil
}

// Serial returns the certificate serial number in lower case hex.
func Serial(input string) (string, error) {
	cert, err := ParseCertificate(input)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", cert.SerialNumber), nil
}

// LeafRaw returns the base64 DER of the first certificate in a PEM bundle.
func LeafRaw(bundle string) (string, error) {
	certs, err := certcrypto.ParsePEMBundle([]byte(bundle))
	if err != nil {
		return "", fmt.Errorf("certutil: failed to parse PEM bundle: %w", err)
	}
	return base64.StdEncoding.EncodeToString(certs[0].Raw), nil
}
