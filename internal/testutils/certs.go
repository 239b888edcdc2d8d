package testutils

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/require"
)

// TestCert is a self-signed certificate together with a CSR for the same key.
type TestCert struct {
	Key       crypto.Signer
	PEM       string // certificate as PEM
	Raw       string // certificate as base64 DER
	CSR       string // CSR as base64url DER, the encoding used in ACME finalize requests
	CSRPEM    string
	Serial    *big.Int
	NotBefore time.Time
	NotAfter  time.Time
}

// GenerateTestCert creates an EC P-256 key, a self-signed certificate valid
// between notBefore and notAfter and a CSR for the same key.
func GenerateTestCert(t *testing.T, commonName string, notBefore, notAfter time.Time) *TestCert {
	t.Helper()
	privateKey, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	require.NoError(t, err)
	signer := privateKey.(crypto.Signer)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, signer.Public(), signer)
	require.NoError(t, err)

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: []string{commonName},
	}, signer)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)

	return &TestCert{
		Key:       signer,
		PEM:       string(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der))),
		Raw:       base64.StdEncoding.EncodeToString(der),
		CSR:       base64.RawURLEncoding.EncodeToString(csrDER),
		CSRPEM:    string(certcrypto.PEMEncode(csr)),
		Serial:    serial,
		NotBefore: notBefore.Truncate(time.Second),
		NotAfter:  notAfter.Truncate(time.Second),
	}
}
