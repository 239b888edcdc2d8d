package housekeeping_test

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blockadesystems/acmekeeper/internal/housekeeping"
	"github.com/blockadesystems/acmekeeper/internal/model"
	"github.com/blockadesystems/acmekeeper/internal/testutils"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var cet = time.FixedZone("CET", 3600)

// fakeGateway returns canned results and records the cutoffs it was given.
type fakeGateway struct {
	fields  []string
	rows    []model.Row
	err     error
	version *model.SchemaVersion
	cutoffs []int64
	purged  []bool
}

func (f *fakeGateway) result() ([]string, []model.Row, error) {
	return f.fields, f.rows, f.err
}

func (f *fakeGateway) AccountsJoined(ctx context.Context) ([]string, []model.Row, error) {
	return f.result()
}

func (f *fakeGateway) CertificatesJoined(ctx context.Context) ([]string, []model.Row, error) {
	return f.result()
}

func (f *fakeGateway) CleanupCertificates(ctx context.Context, cutoff int64, purge bool) ([]string, []model.Row, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	f.purged = append(f.purged, purge)
	return f.result()
}

func (f *fakeGateway) InvalidateAuthorizations(ctx context.Context, cutoff int64) ([]string, []model.Row, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.result()
}

func (f *fakeGateway) InvalidateOrders(ctx context.Context, cutoff int64) ([]string, []model.Row, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.result()
}

func (f *fakeGateway) CertificatesWithoutDates(ctx context.Context) ([]*model.Certificate, error) {
	return nil, f.err
}

func (f *fakeGateway) UpdateCertificateDates(ctx context.Context, name string, issueUTS, expireUTS int64) error {
	return f.err
}

func (f *fakeGateway) SchemaVersion(ctx context.Context) (*model.SchemaVersion, error) {
	return f.version, f.err
}

func newObservedEngine(store housekeeping.Gateway, opts ...housekeeping.Option) (*housekeeping.Engine, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	opts = append([]housekeeping.Option{housekeeping.WithLogger(zap.New(core)), housekeeping.WithLocation(cet)}, opts...)
	return housekeeping.New(store, opts...), logs
}

func criticalMessages(logs *observer.ObservedLogs) []string {
	var msgs []string
	for _, entry := range logs.All() {
		if entry.ContextMap()["severity"] == "critical" {
			msgs = append(msgs, entry.Message)
		}
	}
	return msgs
}

func accountRows() *fakeGateway {
	return &fakeGateway{
		fields: []string{"name", "status", "order__name", "order__expires", "order__authorization__name", "order__authorization__challenge__name"},
		rows: []model.Row{
			{"name": "acct1", "status": "valid", "order__name": "ord1", "order__expires": int64(0), "order__authorization__name": "authz1", "order__authorization__challenge__name": "ch1"},
			{"name": "acct1", "status": "valid", "order__name": "ord1", "order__expires": int64(0), "order__authorization__name": "authz1", "order__authorization__challenge__name": "ch2"},
			{"name": "acct2", "status": "valid"},
		},
	}
}

func TestAccountReport_NestedJSONGolden(t *testing.T) {
	e, _ := newObservedEngine(accountRows())
	name := filepath.Join(t.TempDir(), "accounts")

	tree := e.AccountReport(context.Background(), housekeeping.FormatJSON, name, true)

	require.Len(t, tree, 2)
	assert.Contains(t, tree[1], "error_list")

	data, err := os.ReadFile(name + ".json")
	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, "account_report_nested", data)
}

func TestAccountReport_FlatCSV(t *testing.T) {
	e, _ := newObservedEngine(accountRows())
	name := filepath.Join(t.TempDir(), "accounts")

	rows := e.AccountReport(context.Background(), housekeeping.FormatCSV, name, true)

	require.Len(t, rows, 3, "nesting only applies to json")
	assert.Equal(t, "acct1", rows[0]["account.name"])
	assert.Equal(t, "ch1", rows[0]["challenge.name"])
	assert.Equal(t, "", rows[0]["order.expires"])

	f, err := os.Open(name + ".csv")
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"account.name", "account.status", "order.name", "order.expires", "authorization.name", "challenge.name"}, records[0])
	assert.Equal(t, []string{"acct2", "valid", "", "", "", ""}, records[3])
}

func TestAccountReport_UnknownFormatWritesNothing(t *testing.T) {
	e, logs := newObservedEngine(accountRows())
	dir := t.TempDir()

	rows := e.AccountReport(context.Background(), "xml", filepath.Join(dir, "accounts"), false)

	assert.Len(t, rows, 3)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 1, logs.FilterMessage("No dump just return report").Len())
}

func TestAccountReport_DatabaseError(t *testing.T) {
	e, logs := newObservedEngine(&fakeGateway{err: errors.New("connection refused")})

	rows := e.AccountReport(context.Background(), housekeeping.FormatJSON, "", true)

	assert.Equal(t, []model.Row{}, rows)
	assert.Equal(t, []string{"database error"}, criticalMessages(logs))
}

func TestReport_UnwritableFileIsCritical(t *testing.T) {
	e, logs := newObservedEngine(accountRows())
	name := filepath.Join(t.TempDir(), "missing", "accounts")

	rows := e.AccountReport(context.Background(), housekeeping.FormatJSON, name, false)

	assert.Len(t, rows, 3)
	assert.Equal(t, []string{"report could not be written"}, criticalMessages(logs))
}

func TestCertReport(t *testing.T) {
	ctx := context.Background()
	store := testutils.SetupTestStore(t)
	testutils.SeedFixture(t, store, "1", nil)
	issued := testutils.GenerateTestCert(t, "example.com", time.Unix(1577836800, 0), time.Unix(1609459200, 0))
	require.NoError(t, store.SaveCertificate(ctx, &model.Certificate{Name: "issued", OrderName: "order1", CSR: issued.CSR, Cert: issued.PEM, CertRaw: issued.Raw}))
	e, _ := newObservedEngine(store)

	rows := e.CertReport(ctx, housekeeping.FormatCSV, "")
	require.Len(t, rows, 2)
	byName := map[string]model.Row{}
	for _, r := range rows {
		byName[r["certificate.name"].(string)] = r
	}
	assert.Equal(t, "account1", byName["issued"]["account.name"])
	assert.Equal(t, "order1", byName["issued"]["order.name"])
	assert.Equal(t, "2020-01-01 01:00:00", byName["issued"]["certificate.issue_date"])
	assert.Equal(t, "2021-01-01 01:00:00", byName["issued"]["certificate.expire_date"])
	assert.Equal(t, issued.Serial.Text(16), byName["issued"]["certificate.serial"])
	assert.Equal(t, "", byName["cert1"]["certificate.expire_date"])

	tree := e.CertReport(ctx, housekeeping.FormatJSON, "")
	require.Len(t, tree, 1)
	orders := tree[0]["orders"].([]model.Row)
	require.Len(t, orders, 1)
	assert.Len(t, orders[0]["certificates"], 2)
}

func TestCertificatesCleanup(t *testing.T) {
	ctx := context.Background()
	store := testutils.SetupTestStore(t)
	testutils.SeedFixture(t, store, "1", nil)
	require.NoError(t, store.SaveCertificate(ctx, &model.Certificate{Name: "old", OrderName: "order1", Cert: "pem-old", ExpireUTS: 100}))
	require.NoError(t, store.SaveCertificate(ctx, &model.Certificate{Name: "fresh", OrderName: "order1", Cert: "pem-fresh", ExpireUTS: 10000}))

	calls := 0
	e, _ := newObservedEngine(store, housekeeping.WithClock(func() int64 { calls++; return 1000 }))
	name := filepath.Join(t.TempDir(), "cleanup")

	rows := e.CertificatesCleanup(ctx, nil, false, housekeeping.FormatCSV, name)

	assert.Equal(t, 1, calls, "the clock is read exactly once")
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0]["certificate.name"])
	assert.Equal(t, "1970-01-01 01:01:40", rows[0]["certificate.expire_date"])

	data, err := os.ReadFile(name + ".csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "certificate.name,"))
	assert.True(t, strings.HasSuffix(lines[0], ",certificate.issue_date,certificate.expire_date,certificate.serial"))

	cert, err := store.GetCertificate(ctx, "old")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cert.Cert, "removed by certificates.cleanup() on "))

	uts := int64(1000)
	assert.Empty(t, e.CertificatesCleanup(ctx, &uts, false, housekeeping.FormatCSV, ""))
	assert.Equal(t, 1, calls, "an explicit timestamp skips the clock")

	rows = e.CertificatesCleanup(ctx, &uts, true, housekeeping.FormatCSV, "")
	require.Len(t, rows, 1)
	cert, err = store.GetCertificate(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, cert)
}

func TestCertificatesCleanup_EmptyWritesNothing(t *testing.T) {
	fake := &fakeGateway{fields: []string{"name"}}
	e, _ := newObservedEngine(fake)
	dir := t.TempDir()
	uts := int64(42)

	rows := e.CertificatesCleanup(context.Background(), &uts, true, housekeeping.FormatJSON, filepath.Join(dir, "cleanup"))

	assert.Empty(t, rows)
	assert.Equal(t, []int64{42}, fake.cutoffs)
	assert.Equal(t, []bool{true}, fake.purged)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuthorizationsAndOrdersInvalidate(t *testing.T) {
	ctx := context.Background()
	store := testutils.SetupTestStore(t)
	testutils.SeedFixture(t, store, "1", nil)
	require.NoError(t, store.SaveOrder(ctx, &model.Order{Name: "expiring", AccountName: "account1", Status: model.StatusReady, Expires: 100}))
	require.NoError(t, store.SaveAuthorization(ctx, &model.Authorization{Name: "old-authz", OrderName: "expiring", Status: model.StatusValid, Expires: 100}))
	e, _ := newObservedEngine(store)
	uts := int64(1000)
	dir := t.TempDir()

	authzs := e.AuthorizationsInvalidate(ctx, &uts, housekeeping.FormatJSON, filepath.Join(dir, "authz"))
	require.Len(t, authzs, 1)
	assert.Equal(t, "old-authz", authzs[0]["authorization.name"])
	assert.Equal(t, "expiring", authzs[0]["order.name"])
	assert.Equal(t, "account1", authzs[0]["account.name"])
	assert.Equal(t, "1970-01-01 01:01:40", authzs[0]["authorization.expires"])
	assert.FileExists(t, filepath.Join(dir, "authz.json"))
	assert.Empty(t, e.AuthorizationsInvalidate(ctx, &uts, housekeeping.FormatJSON, ""))

	orders := e.OrdersInvalidate(ctx, &uts, housekeeping.FormatCSV, filepath.Join(dir, "orders"))
	require.Len(t, orders, 1)
	assert.Equal(t, "expiring", orders[0]["order.name"])
	assert.Equal(t, model.StatusReady, orders[0]["order.status"], "rows show the state before the change")
	assert.FileExists(t, filepath.Join(dir, "orders.csv"))

	order, err := store.GetOrder(ctx, "expiring")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, order.Status)
}

func TestInvalidate_DatabaseError(t *testing.T) {
	e, logs := newObservedEngine(&fakeGateway{err: errors.New("boom")}, housekeeping.WithClock(func() int64 { return 5 }))
	ctx := context.Background()

	assert.Equal(t, []model.Row{}, e.AuthorizationsInvalidate(ctx, nil, housekeeping.FormatCSV, ""))
	assert.Equal(t, []model.Row{}, e.OrdersInvalidate(ctx, nil, housekeeping.FormatCSV, ""))
	assert.Equal(t, []model.Row{}, e.CertificatesCleanup(ctx, nil, false, housekeeping.FormatCSV, ""))
	assert.Len(t, criticalMessages(logs), 3)
}

func TestCertificateDatesUpdate(t *testing.T) {
	ctx := context.Background()
	store := testutils.SetupTestStore(t)
	testutils.SeedFixture(t, store, "1", nil)
	issued := testutils.GenerateTestCert(t, "example.com", time.Unix(1577836800, 0), time.Unix(1609459200, 0))
	require.NoError(t, store.SaveCertificate(ctx, &model.Certificate{Name: "issued", OrderName: "order1", Cert: issued.PEM, CertRaw: issued.Raw}))
	require.NoError(t, store.SaveCertificate(ctx, &model.Certificate{Name: "broken", OrderName: "order1", Cert: "pem", CertRaw: "garbage"}))
	e := housekeeping.New(store, housekeeping.WithLogger(zaptest.NewLogger(t)))

	assert.Equal(t, 1, e.CertificateDatesUpdate(ctx))

	cert, err := store.GetCertificate(ctx, "issued")
	require.NoError(t, err)
	assert.Equal(t, int64(1577836800), cert.IssueUTS)
	assert.Equal(t, int64(1609459200), cert.ExpireUTS)
}

func TestCheckVersion(t *testing.T) {
	cases := []struct {
		name     string
		stored   *model.SchemaVersion
		expected any
		want     bool
		message  string
	}{
		{"float match", &model.SchemaVersion{Value: 1.0, Script: "db_update"}, 1.0, true, "database version: 1.0 is upto date"},
		{"int match", &model.SchemaVersion{Value: int64(3)}, 3, true, "database version: 3 is upto date"},
		{"string match", &model.SchemaVersion{Value: "1.0.3"}, "1.0.3", true, "database version: 1.0.3 is upto date"},
		{"mismatch", &model.SchemaVersion{Value: 0.5, Script: "db_update"}, 1.0, false,
			`database version mismatch in: version is 0.5 but should be 1.0. Please run the "db_update" script`},
		{"int is not float", &model.SchemaVersion{Value: int64(1), Script: "db_update"}, 1.0, false,
			`database version mismatch in: version is 1 but should be 1.0. Please run the "db_update" script`},
		{"no stored version", nil, "1.0.3", false,
			`database version mismatch in: version is none but should be 1.0.3. Please run the "" script`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, logs := newObservedEngine(&fakeGateway{version: tc.stored})
			assert.Equal(t, tc.want, e.CheckVersion(context.Background(), tc.expected))
			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tc.message, entry.Message)
			if tc.want {
				assert.Equal(t, zapcore.DebugLevel, entry.Level)
			} else {
				assert.Equal(t, "critical", entry.ContextMap()["severity"])
			}
		})
	}
}

func TestCheckVersion_Unverifiable(t *testing.T) {
	fake := &fakeGateway{err: errors.New("must not be queried")}
	e, logs := newObservedEngine(fake)
	assert.False(t, e.CheckVersion(context.Background(), nil))
	assert.Equal(t, []string{"database version could not be verified"}, criticalMessages(logs))

	e, logs = newObservedEngine(fake)
	assert.False(t, e.CheckVersion(context.Background(), 1.0))
	assert.Equal(t, []string{"database error"}, criticalMessages(logs))
}

func TestCheckVersion_AgainstMigratedStore(t *testing.T) {
	ctx := context.Background()
	store := testutils.SetupTestStore(t)
	require.NoError(t, store.SetSchemaVersion(ctx, model.SchemaVersion{Value: "2.1", Script: "upgrade.sql"}))
	e := housekeeping.New(store, housekeeping.WithLogger(zaptest.NewLogger(t)))

	assert.True(t, e.CheckVersion(ctx, "2.1"))
	assert.False(t, e.CheckVersion(ctx, 2.1))
}
