// Package ca is a small file-backed certificate authority used by the local
// issuing backend.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmekeeper/internal/config"
)

const (
	defaultSerialBits = 128 // Bit size for serial number randomness
	caValidityYears   = 10
	backdate          = 2 * time.Minute
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "ca"))
}

// ErrCANotInitialized indicates the CA keypair could not be loaded or generated.
var ErrCANotInitialized = errors.New("ca: CA certificate or private key is not initialized")

// Service signs CSRs with a CA key kept in PEM files.
type Service struct {
	policy Policy
	caCert *x509.Certificate
	caPEM  []byte
	caKey  crypto.Signer
	logger *zap.Logger
}

// New loads the CA key and certificate named in cfg, generating and saving
// both when neither file exists.
func New(cfg *config.CAHandlerConfig, l *zap.Logger) (*Service, error) {
	if l == nil {
		l = logger
	}
	s := &Service{policy: PolicyFromConfig(cfg), logger: l}

	keyPEM, keyErr := os.ReadFile(cfg.CAKeyFile)
	certPEM, certErr := os.ReadFile(cfg.CACertFile)
	switch {
	case errors.Is(keyErr, os.ErrNotExist) && errors.Is(certErr, os.ErrNotExist):
		l.Info("CA key and certificate not found, generating new ones", zap.String("cert_file", cfg.CACertFile))
		key, cert, err := generateCAKeyAndCert(cfg.CommonName)
		if err != nil {
			return nil, err
		}
		certPEM = certcrypto.PEMEncode(certcrypto.DERCertificateBytes(cert.Raw))
		if err := writeFile(cfg.CAKeyFile, certcrypto.PEMEncode(key), 0o600); err != nil {
			return nil, err
		}
		if err := writeFile(cfg.CACertFile, certPEM, 0o644); err != nil {
			return nil, err
		}
		s.caKey, s.caCert = key, cert
	case keyErr != nil:
		return nil, fmt.Errorf("ca: failed to read CA private key: %w", keyErr)
	case certErr != nil:
		return nil, fmt.Errorf("ca: failed to read CA certificate: %w", certErr)
	default:
		key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse CA private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("ca: CA private key cannot sign")
		}
		cert, err := certcrypto.ParsePEMCertificate(certPEM)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse CA certificate: %w", err)
		}
		s.caKey, s.caCert = signer, cert
		l.Info("CA key and certificate loaded", zap.String("subject", cert.Subject.CommonName))
	}
	s.caPEM = certPEM
	return s, nil
}

// CACertificate returns the CA certificate.
func (s *Service) CACertificate() *x509.Certificate {
	return s.caCert
}

// CACertificatePEM returns the CA certificate as PEM.
func (s *Service) CACertificatePEM() []byte {
	return s.caPEM
}

// SignCSR validates csr against the policy and signs it. The certificate
// never outlives the CA.
func (s *Service) SignCSR(ctx context.Context, csr *x509.CertificateRequest) (*x509.Certificate, error) {
	if s.caKey == nil || s.caCert == nil {
		return nil, ErrCANotInitialized
	}
	l := s.logger.With(zap.Strings("dns_names", csr.DNSNames))

	if err := csr.CheckSignature(); err != nil {
		l.Warn("CSR signature validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}
	if err := s.policy.ValidatePublicKey(csr.PublicKey); err != nil {
		l.Warn("CSR public key rejected", zap.Error(err))
		return nil, err
	}
	if len(csr.DNSNames) == 0 && len(csr.IPAddresses) == 0 {
		return nil, errors.New("CSR must contain at least one DNSName or IPAddress SAN")
	}

	notBefore := time.Now().Add(-backdate)
	notAfter := notBefore.Add(s.policy.Lifetime)
	if notAfter.After(s.caCert.NotAfter) {
		l.Warn("Lifetime exceeds CA certificate validity, adjusting", zap.Time("ca_notAfter", s.caCert.NotAfter))
		notAfter = s.caCert.NotAfter
	}
	if err := ValidateValidityPeriod(notAfter, notBefore, s.policy.Lifetime); err != nil {
		return nil, err
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := computeSubjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute subject key identifier: %w", err)
	}

	subject := pkix.Name{}
	if len(csr.DNSNames) > 0 {
		subject.CommonName = csr.DNSNames[0]
	}
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
		AuthorityKeyId:        s.caCert.SubjectKeyId,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		l.Error("Failed to create certificate", zap.Error(err))
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created certificate: %w", err)
	}
	l.Info("Certificate signed", zap.String("serial", cert.SerialNumber.Text(16)), zap.Time("expiry", cert.NotAfter))
	return cert, nil
}

// computeSubjectKeyID calculates the SKI per RFC 5280 section 4.2.1.2
// method (1).
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(derBytes, &spki); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}
	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}

func generateSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	if serial.Sign() != 1 {
		return nil, errors.New("generated non-positive serial number")
	}
	return serial, nil
}

// generateCAKeyAndCert creates a P-256 key and a self-signed CA certificate.
func generateCAKeyAndCert(commonName string) (crypto.Signer, *x509.Certificate, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}
	signer := key.(crypto.Signer)

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}
	ski, err := computeSubjectKeyID(signer.Public())
	if err != nil {
		return nil, nil, err
	}
	notBefore := time.Now().Add(-5 * time.Minute)
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(caValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          ski,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, signer.Public(), signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create self-signed CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return signer, cert, nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("ca: failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("ca: failed to write %s: %w", path, err)
	}
	return nil
}
