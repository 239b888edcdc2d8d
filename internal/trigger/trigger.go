// Package trigger reconciles certificates delivered by an issuing backend
// with the orders waiting for them.
package trigger

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/blockadesystems/acmekeeper/internal/certutil"
	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/metrics"
	"github.com/blockadesystems/acmekeeper/internal/model"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "trigger"))
}

// Store is the part of the storage gateway the trigger writes through.
type Store interface {
	SearchCertificates(ctx context.Context, key string, value any, fields []string) ([]model.Row, error)
	AddCertificate(ctx context.Context, cert *model.Certificate) error
	UpdateOrder(ctx context.Context, update model.OrderUpdate) error
}

// Trigger handles issuing backend callbacks.
type Trigger struct {
	store   Store
	factory BackendFactory
	cfg     *config.Config
	logger  *zap.Logger
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// WithConfig sets the configuration handed to the backend factory.
func WithConfig(cfg *config.Config) Option {
	return func(t *Trigger) { t.cfg = cfg }
}

// New returns a Trigger. factory is usually the result of Lookup.
func New(store Store, factory BackendFactory, opts ...Option) *Trigger {
	t := &Trigger{store: store, factory: factory, cfg: &config.Config{}, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Parse decodes a callback body and processes its payload. It never fails;
// problems are reported in the response.
func (t *Trigger) Parse(ctx context.Context, raw []byte) model.TriggerResponse {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		t.logger.Debug("Trigger content could not be decoded", zap.Error(err))
		body = map[string]json.RawMessage{}
	}

	var resp model.TriggerResponse
	payload, ok := body["payload"]
	switch {
	case !ok:
		resp = response(http.StatusBadRequest, "malformed", "payload missing")
	case isEmptyJSON(payload):
		resp = response(http.StatusBadRequest, "malformed", "payload empty")
	default:
		code, message, detail := t.Process(ctx, payloadText(payload))
		resp = response(code, message, detail)
	}
	metrics.ObserveTrigger(resp.Code)
	return resp
}

// Process obtains a certificate for payload from the issuing backend and
// stores it on every processing order whose CSR carries the same public key.
func (t *Trigger) Process(ctx context.Context, payload string) (int, string, string) {
	if payload == "" {
		return http.StatusBadRequest, "payload malformed", ""
	}

	backend, err := t.factory(t.cfg, t.logger)
	if err != nil {
		t.logger.Error("Issuing backend could not be created", zap.Error(err))
		return http.StatusBadRequest, err.Error(), ""
	}
	defer func() {
		if err := backend.Close(); err != nil {
			t.logger.Warn("Issuing backend close failed", zap.Error(err))
		}
	}()

	bundle, raw, err := backend.Trigger(ctx, payload)
	if err != nil || bundle == "" || raw == "" {
		message := ""
		if err != nil {
			message = err.Error()
		}
		t.logger.Info("Issuing backend returned no certificate", zap.String("error", message))
		return http.StatusBadRequest, message, ""
	}

	matches := t.matchingCertificates(ctx, raw)
	if len(matches) == 0 {
		return http.StatusBadRequest, "certificate_name lookup failed", ""
	}

	for _, m := range matches {
		if err := t.store.AddCertificate(ctx, &model.Certificate{Name: m.certName, Cert: bundle, CertRaw: raw}); err != nil {
			t.logger.Error("database error while storing certificate",
				zap.String("severity", "critical"), zap.String("certificate", m.certName), zap.Error(err))
		}
		if m.orderName == "" {
			continue
		}
		if err := t.store.UpdateOrder(ctx, model.OrderUpdate{Name: m.orderName, Status: model.StatusValid}); err != nil {
			t.logger.Error("database error while updating order",
				zap.String("severity", "critical"), zap.String("order", m.orderName), zap.Error(err))
		}
	}
	t.logger.Info("Certificate delivered", zap.Int("matches", len(matches)))
	return http.StatusOK, "OK", ""
}

type match struct {
	certName  string
	orderName string
}

// matchingCertificates returns the processing certificates whose CSR public
// key equals the key of the delivered certificate. Orders sharing a key are
// all matched.
func (t *Trigger) matchingCertificates(ctx context.Context, raw string) []match {
	certPEM, err := certutil.RawToPEM(raw)
	if err != nil {
		t.logger.Warn("Delivered certificate could not be decoded", zap.Error(err))
		return nil
	}
	certKey, err := certutil.CertificatePublicKey(certPEM)
	if err != nil {
		t.logger.Warn("Public key extraction failed", zap.Error(err))
		return nil
	}

	candidates, err := t.store.SearchCertificates(ctx, "order__status", model.StatusProcessing, []string{"name", "csr", "order__name"})
	if err != nil {
		t.logger.Error("database error while searching certificates",
			zap.String("severity", "critical"), zap.Error(err))
		return nil
	}

	var matches []match
	for _, c := range candidates {
		csr, _ := c["csr"].(string)
		csrKey, err := certutil.CSRPublicKey(csr)
		if err != nil {
			t.logger.Debug("Candidate CSR could not be parsed", zap.Any("certificate", c["name"]), zap.Error(err))
			continue
		}
		if !certutil.SameKey(certKey, csrKey) {
			continue
		}
		name, _ := c["name"].(string)
		orderName, _ := c["order__name"].(string)
		matches = append(matches, match{certName: name, orderName: orderName})
	}
	return matches
}

func response(code int, message, detail string) model.TriggerResponse {
	return model.TriggerResponse{
		Header: map[string]string{},
		Code:   code,
		Data:   model.TriggerData{Status: code, Message: message, Detail: detail},
	}
}

func isEmptyJSON(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// payloadText returns a JSON string unquoted and any other value as JSON.
func payloadText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
