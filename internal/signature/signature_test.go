package signature

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/blockadesystems/acmekeeper/internal/model"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeLoader struct {
	keys map[string]json.RawMessage
	err  error
}

func (f *fakeLoader) LoadKey(_ context.Context, name string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.keys[name], nil
}

type countingChecker struct {
	calls int
	key   any
}

func (c *countingChecker) Check(_ []byte, key any) (bool, string) {
	c.calls++
	c.key = key
	return true, ""
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, json.RawMessage) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: string(jose.ES256)}
	raw, err := pub.MarshalJSON()
	require.NoError(t, err)
	return priv, raw
}

func sign(t *testing.T, alg jose.SignatureAlgorithm, key any, embed bool, payload string) []byte {
	t.Helper()
	opts := (&jose.SignerOptions{EmbedJWK: embed}).WithHeader("url", "https://acme.example.com/acme/new-account")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	require.NoError(t, err)
	obj, err := signer.Sign([]byte(payload))
	require.NoError(t, err)
	return []byte(obj.FullSerialize())
}

func TestCheck_NoAccountNoEmbeddedKey(t *testing.T) {
	checker := &countingChecker{}
	v := New(&fakeLoader{}, WithChecker(checker), WithLogger(zaptest.NewLogger(t)))

	for _, content := range [][]byte{nil, []byte("anything")} {
		valid, problem, reserved := v.Check(context.Background(), "", content, false, nil)
		assert.False(t, valid)
		assert.Equal(t, model.ErrAccountDoesNotExist, problem)
		assert.Empty(t, reserved)
	}
	assert.Zero(t, checker.calls)
}

func TestCheck_AccountKey(t *testing.T) {
	priv, jwk := newKey(t)
	_, otherJWK := newKey(t)
	store := &fakeLoader{keys: map[string]json.RawMessage{"acct": jwk, "other": otherJWK}}
	v := New(store, WithLogger(zaptest.NewLogger(t)))
	content := sign(t, jose.ES256, priv, false, `{"status":"deactivated"}`)

	valid, problem, reserved := v.Check(context.Background(), "acct", content, false, nil)
	assert.True(t, valid)
	assert.Empty(t, problem)
	assert.Empty(t, reserved)

	valid, problem, _ = v.Check(context.Background(), "other", content, false, nil)
	assert.False(t, valid)
	assert.NotEmpty(t, problem, "primitive error is passed through")

	valid, problem, _ = v.Check(context.Background(), "ghost", content, false, nil)
	assert.False(t, valid)
	assert.Equal(t, model.ErrAccountDoesNotExist, problem)

	valid, problem, _ = v.Check(context.Background(), "acct", nil, false, nil)
	assert.False(t, valid)
	assert.Equal(t, model.ErrMalformed, problem)
}

func TestCheck_DatabaseErrorLoggedCritical(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	checker := &countingChecker{}
	v := New(&fakeLoader{err: errors.New("connection refused")}, WithChecker(checker), WithLogger(zap.New(core)))

	valid, problem, _ := v.Check(context.Background(), "acct", []byte("content"), false, nil)
	assert.False(t, valid)
	assert.Equal(t, model.ErrAccountDoesNotExist, problem)
	assert.Zero(t, checker.calls)

	entries := logs.FilterMessage("database error while loading account key").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "critical", entries[0].ContextMap()["severity"])
}

func TestCheck_EmbeddedKey(t *testing.T) {
	priv, jwk := newKey(t)
	var jwkMap map[string]any
	require.NoError(t, json.Unmarshal(jwk, &jwkMap))
	v := New(&fakeLoader{}, WithLogger(zaptest.NewLogger(t)))
	content := sign(t, jose.ES256, priv, true, `{"termsOfServiceAgreed":true}`)

	valid, problem, _ := v.Check(context.Background(), "", content, true, map[string]any{"url": "https://acme.example.com/acme/new-account", "jwk": jwkMap})
	assert.True(t, valid)
	assert.Empty(t, problem)

	for _, protected := range []map[string]any{nil, {"jwk": jwkMap}, {"url": "https://acme.example.com"}} {
		valid, problem, _ = v.Check(context.Background(), "", content, true, protected)
		assert.False(t, valid)
		assert.Equal(t, model.ErrAccountDoesNotExist, problem)
	}
}

func TestEABCheck(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	macKey := base64.RawURLEncoding.EncodeToString(secret)
	v := New(&fakeLoader{}, WithLogger(zaptest.NewLogger(t)))
	content := sign(t, jose.HS256, secret, false, `{"kty":"EC"}`)

	valid, problem := v.EABCheck(content, macKey)
	assert.True(t, valid)
	assert.Empty(t, problem)

	wrongKey := base64.RawURLEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))
	valid, problem = v.EABCheck(content, wrongKey)
	assert.False(t, valid)
	assert.NotEmpty(t, problem)
}

func TestEABCheck_EmptyInputSkipsCheck(t *testing.T) {
	checker := &countingChecker{}
	v := New(&fakeLoader{}, WithChecker(checker))

	for _, tc := range []struct {
		content []byte
		macKey  string
	}{{nil, "a2V5"}, {[]byte("content"), ""}, {nil, ""}} {
		valid, problem := v.EABCheck(tc.content, tc.macKey)
		assert.False(t, valid)
		assert.Empty(t, problem)
	}
	assert.Zero(t, checker.calls)

	valid, _ := v.EABCheck([]byte("content"), "a2V5")
	assert.True(t, valid)
	assert.Equal(t, []byte("key"), checker.key)
}
