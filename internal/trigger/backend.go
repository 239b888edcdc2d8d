package trigger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blockadesystems/acmekeeper/internal/ca"
	"github.com/blockadesystems/acmekeeper/internal/certutil"
	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"
)

// DefaultBackend is the name of the reference backend used when the
// configured one is unknown.
const DefaultBackend = "default"

// IssuingBackend produces a certificate for a trigger payload.
type IssuingBackend interface {
	// Trigger returns the certificate bundle (PEM) and the leaf certificate
	// as base64 DER.
	Trigger(ctx context.Context, payload string) (certBundle string, certRaw string, err error)
	Close() error
}

// BackendFactory creates a backend for one trigger call.
type BackendFactory func(cfg *config.Config, logger *zap.Logger) (IssuingBackend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]BackendFactory{}
)

func init() {
	Register(DefaultBackend, newDefaultBackend)
	Register("push", newPushBackend)
	Register("local", newLocalBackend)
}

// Register makes a backend factory available under name.
func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves the backend configured in cfg.CAHandler.HandlerFile. An
// unknown name falls back to the default backend.
func Lookup(cfg *config.Config) BackendFactory {
	name := strings.ToLower(strings.TrimSpace(cfg.CAHandler.HandlerFile))
	registryMu.RLock()
	factory, ok := registry[name]
	fallback := registry[DefaultBackend]
	registryMu.RUnlock()
	if !ok {
		logger.Warn("Issuing backend could not be loaded, using default", zap.String("handler_file", cfg.CAHandler.HandlerFile))
		return fallback
	}
	logger.Info("Issuing backend selected", zap.String("handler_file", name))
	return factory
}

// defaultBackend is the reference backend. It never issues.
type defaultBackend struct{}

func newDefaultBackend(_ *config.Config, _ *zap.Logger) (IssuingBackend, error) {
	return defaultBackend{}, nil
}

func (defaultBackend) Trigger(context.Context, string) (string, string, error) {
	return "", "", errors.New("Method not implemented.")
}

func (defaultBackend) Close() error { return nil }

// pushBackend accepts certificates pushed by an offline CA. The payload is
// a base64 encoded PEM bundle with the leaf certificate first.
type pushBackend struct {
	logger *zap.Logger
}

func newPushBackend(_ *config.Config, l *zap.Logger) (IssuingBackend, error) {
	return &pushBackend{logger: l}, nil
}

func (b *pushBackend) Trigger(_ context.Context, payload string) (string, string, error) {
	decoded, err := certutil.DecodeBase64(payload)
	if err != nil {
		return "", "", fmt.Errorf("payload decoding failed: %w", err)
	}
	bundle := string(decoded)
	raw, err := certutil.LeafRaw(bundle)
	if err != nil {
		return "", "", err
	}
	b.logger.Debug("Certificate bundle received", zap.Int("bytes", len(bundle)))
	return bundle, raw, nil
}

func (b *pushBackend) Close() error { return nil }

// localBackend signs the CSR carried in the payload with the file-backed CA
// configured in [CAhandler]. The bundle holds the leaf and the CA
// certificate.
type localBackend struct {
	signer *ca.Service
	logger *zap.Logger
}

var (
	localCAsMu sync.Mutex
	localCAs   = map[string]*ca.Service{}
)

// localCA returns the CA for the configured files, loading or generating it
// on first use. Concurrent callbacks share one CA.
func localCA(cfg *config.CAHandlerConfig, l *zap.Logger) (*ca.Service, error) {
	key := cfg.CAKeyFile + "\x00" + cfg.CACertFile
	localCAsMu.Lock()
	defer localCAsMu.Unlock()
	if signer, ok := localCAs[key]; ok {
		return signer, nil
	}
	signer, err := ca.New(cfg, l)
	if err != nil {
		return nil, err
	}
	localCAs[key] = signer
	return signer, nil
}

func newLocalBackend(cfg *config.Config, l *zap.Logger) (IssuingBackend, error) {
	signer, err := localCA(&cfg.CAHandler, l)
	if err != nil {
		return nil, err
	}
	return &localBackend{signer: signer, logger: l}, nil
}

func (b *localBackend) Trigger(ctx context.Context, payload string) (string, string, error) {
	csr, err := certutil.ParseCSR(payload)
	if err != nil {
		return "", "", fmt.Errorf("payload decoding failed: %w", err)
	}
	cert, err := b.signer.SignCSR(ctx, csr)
	if err != nil {
		return "", "", err
	}
	leaf := certcrypto.PEMEncode(certcrypto.DERCertificateBytes(cert.Raw))
	bundle := string(leaf) + string(b.signer.CACertificatePEM())
	return bundle, base64.StdEncoding.EncodeToString(cert.Raw), nil
}

func (b *localBackend) Close() error { return nil }
