package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blockadesystems/acmekeeper/internal/model"
	"github.com/blockadesystems/acmekeeper/internal/storage"
	"github.com/blockadesystems/acmekeeper/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "acmekeeper", cmd.Use)

	for _, path := range [][]string{
		{"report", "accounts"},
		{"report", "certificates"},
		{"cleanup", "certificates"},
		{"invalidate", "authorizations"},
		{"invalidate", "orders"},
		{"dbversion"},
		{"dates-update"},
		{"migrate"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

// setupCLI writes a configuration pointing at a fresh SQLite database seeded
// with one fixture and an expiring order. extra is appended to the file.
func setupCLI(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "acmekeeper.db")

	store, err := storage.NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	testutils.SeedFixture(t, store, "1", nil)
	require.NoError(t, store.SaveOrder(context.Background(), &model.Order{Name: "expiring", AccountName: "account1", Status: model.StatusPending, Expires: 100}))
	require.NoError(t, store.Close())

	cfgPath := filepath.Join(dir, "acmekeeper.toml")
	content := "[DBhandler]\nstorage_type = 'sqlite'\nsqlite_path = '" + dbPath + "'\n" + extra
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	return cfgPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReportAccounts(t *testing.T) {
	cfgPath := setupCLI(t, "")

	out, err := run(t, "--config", cfgPath, "report", "accounts", "--format", "json", "--nested")
	require.NoError(t, err)

	var tree []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tree))
	require.Len(t, tree, 2, "the order without authorizations is listed as an error")
	assert.Equal(t, "account1", tree[0]["account.name"])
	assert.Len(t, tree[0]["orders"], 1)
	assert.Contains(t, tree[1], "error_list")
}

func TestReportCertificates_WritesConfiguredReport(t *testing.T) {
	reportName := filepath.Join(t.TempDir(), "certs")
	cfgPath := setupCLI(t, "[Housekeeping]\nreport_format = 'csv'\nreport_name = '"+reportName+"'\n")

	_, err := run(t, "--config", cfgPath, "report", "certificates")
	require.NoError(t, err)

	data, err := os.ReadFile(reportName + ".csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "certificate.name,"))
	assert.Contains(t, string(data), "cert1")
}

func TestInvalidateOrders(t *testing.T) {
	cfgPath := setupCLI(t, "")

	out, err := run(t, "--config", cfgPath, "invalidate", "orders", "--uts", "1000")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "expiring", rows[0]["order.name"])

	out, err = run(t, "--config", cfgPath, "invalidate", "orders", "--uts", "1000")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestInvalidateAuthorizationsAndCleanup(t *testing.T) {
	cfgPath := setupCLI(t, "")

	out, err := run(t, "--config", cfgPath, "invalidate", "authorizations", "--uts", "1000")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out, "fixture authorizations never expire")

	out, err = run(t, "--config", cfgPath, "cleanup", "certificates", "--uts", "1000", "--purge")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestDBVersion(t *testing.T) {
	out, err := run(t, "--config", setupCLI(t, ""), "dbversion")
	require.NoError(t, err)
	assert.Contains(t, out, "is up to date")

	_, err = run(t, "--config", setupCLI(t, "[Housekeeping]\ndbversion = '9.1'\n"), "dbversion")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestMigrateAndDatesUpdate(t *testing.T) {
	cfgPath := setupCLI(t, "[Housekeeping]\ndbversion = '9.1'\n")

	out, err := run(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1 recorded")

	out, err = run(t, "--config", cfgPath, "dates-update")
	require.NoError(t, err)
	assert.Equal(t, "0 certificate(s) updated\n", out)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "dbversion")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
