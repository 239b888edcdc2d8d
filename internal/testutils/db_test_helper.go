package testutils

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockadesystems/acmekeeper/internal/model"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestStore opens a fresh SQLite backed store in a temporary directory.
// The store is closed when the test ends.
func SetupTestStore(t *testing.T) *storage.SQLStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "acmekeeper.db"))
	require.NoError(t, err, "Failed to open SQLite test store")
	t.Cleanup(func() { store.Close() })
	return store
}

// containerProviderError reports why no container provider can be used.
// testcontainers panics when it finds no Docker host, so the panic is
// turned into an error.
func containerProviderError(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("container provider: %v", r)
		}
	}()
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return err
	}
	defer provider.Close()
	return provider.Health(ctx)
}

// SetupTestDB starts a new PostgreSQL container for testing.
// It returns the connection string (DSN) for the test database
// and a cleanup function that should be deferred by the caller to terminate the container.
// The test is skipped when no container provider is available.
func SetupTestDB(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()
	if err := containerProviderError(ctx); err != nil {
		t.Skipf("Docker is not available: %s", err)
	}

	dbPort := "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(1*time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(1*time.Minute),
	).WithDeadline(2 * time.Minute)

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("acmekeeper"),
		postgres.WithUsername("acmekeeper"),
		postgres.WithPassword("acmekeeper"),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	cleanup := func() {
		terminateCtx, terminateCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer terminateCancel()
		if err := postgresContainer.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		}
	}

	connStrCtx, connStrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connStrCancel()
	connStr, err := postgresContainer.ConnectionString(connStrCtx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get connection string: %s", err)
	}
	return connStr, cleanup
}

// Fixture describes the entities created by SeedFixture.
type Fixture struct {
	Account       *model.Account
	Order         *model.Order
	Authorization *model.Authorization
	Challenge     *model.Challenge
	Certificate   *model.Certificate
}

// SeedFixture stores one account with an order, an authorization, a challenge
// and a certificate. Names are derived from suffix.
func SeedFixture(t *testing.T, store storage.Storage, suffix string, jwk []byte) *Fixture {
	t.Helper()
	ctx := context.Background()
	if jwk == nil {
		jwk = []byte(`{"kty":"oct","k":"c2VjcmV0"}`)
	}
	f := &Fixture{
		Account:       &model.Account{Name: "account" + suffix, JWK: jwk, Alg: "ES256", Contact: []string{"mailto:admin@example.com"}},
		Order:         &model.Order{Name: "order" + suffix, AccountName: "account" + suffix, Status: model.StatusPending, Identifiers: `[{"type":"dns","value":"example.com"}]`},
		Authorization: &model.Authorization{Name: "authz" + suffix, OrderName: "order" + suffix, Value: "example.com"},
		Challenge:     &model.Challenge{Name: "chall" + suffix, AuthorizationName: "authz" + suffix, Type: "http-01", Token: "token" + suffix},
		Certificate:   &model.Certificate{Name: "cert" + suffix, OrderName: "order" + suffix, CSR: "csr" + suffix},
	}
	require.NoError(t, store.SaveAccount(ctx, f.Account))
	require.NoError(t, store.SaveOrder(ctx, f.Order))
	require.NoError(t, store.SaveAuthorization(ctx, f.Authorization))
	require.NoError(t, store.SaveChallenge(ctx, f.Challenge))
	require.NoError(t, store.SaveCertificate(ctx, f.Certificate))
	return f
}
