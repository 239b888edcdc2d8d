package testutils

import (
	"testing"

	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/server"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"
)

// Admin API key configured by SetupTestServer.
const (
	TestAdminKey  = "test-admin-key"
	TestReaderKey = "test-reader-key"
)

// SetupTestServer initializes all components needed to run the Echo app for
// testing on a fresh SQLite store. cfg may be nil; its API keys are replaced
// by TestAdminKey and TestReaderKey.
func SetupTestServer(t *testing.T, cfg *config.Config) (*echo.Echo, storage.Storage) {
	t.Helper()

	if cfg == nil {
		loaded, err := config.LoadConfigFile("")
		if err != nil {
			t.Fatalf("Failed to load base config for test: %v", err)
		}
		cfg = loaded
	}
	cfg.Server.APIKeys = map[string]config.APIKey{
		TestAdminKey:  {Roles: []string{server.AdminRole}},
		TestReaderKey: {Roles: []string{"reader"}},
	}

	store := SetupTestStore(t)
	e := echo.New()
	server.ApplyCommonMiddleware(e, store, cfg, zaptest.NewLogger(t))
	server.SetupRouter(e, store, cfg)
	return e, store
}
