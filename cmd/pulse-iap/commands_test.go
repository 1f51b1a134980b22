package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

const historyExport = `{
  "platform": "play_store",
  "products": [
    {"id": "pulse_themes", "title": "Themes", "price": "2.99", "currency_code": "USD"},
    {"id": "pulse_pro_bundle", "title": "Pro", "price": "9.99", "currency_code": "USD"}
  ],
  "transactions": [
    {"transaction_id": "GPA.1", "product_id": "pulse_themes", "purchase_date": "2026-03-01T10:00:00Z", "receipt_data": "token-1"},
    {"transaction_id": "GPA.2", "product_id": "pulse_pro_bundle", "purchase_date": "2026-03-02T10:00:00Z", "receipt_data": "token-2"},
    {"transaction_id": "", "product_id": "pulse_pro_bundle", "purchase_date": "2026-03-03T10:00:00Z", "receipt_data": "token-3"}
  ]
}`

// setupCLI points the CLI at a fresh data dir and metrics registry and writes
// the history export.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PULSE_IAP_DATA_DIR", dir)
	t.Setenv("PULSE_IAP_LOG_LEVEL", "error")
	t.Setenv("PULSE_IAP_LOG_FORMAT", "json")

	reg := prometheus.NewRegistry()
	oldReg, oldGather := registerer, gatherer
	registerer, gatherer = reg, reg
	t.Cleanup(func() { registerer, gatherer = oldReg, oldGather })

	path := filepath.Join(dir, "history.json")
	require.NoError(t, os.WriteFile(path, []byte(historyExport), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pulse-iap 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime, GitCommit = "unknown", "unknown"
	out, _, err = run(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestRestoreCmd(t *testing.T) {
	history := setupCLI(t)

	out, _, err := run(t, "restore", "--history", history)
	require.NoError(t, err)
	var first purchases.RestoreResult
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, 2, first.RestoredCount)
	assert.Equal(t, 2, first.NewCount)
	assert.Equal(t, 1, first.InvalidCount)
	assert.Equal(t, 3, first.PlatformCount)

	out, _, err = run(t, "restore", "--history", history)
	require.NoError(t, err)
	var second purchases.RestoreResult
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.Equal(t, 0, second.NewCount)
	assert.Equal(t, 2, second.UpdatedCount)

	out, _, err = run(t, "purchases")
	require.NoError(t, err)
	var rows []purchases.Purchase
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "GPA.1", rows[0].TransactionID)
	assert.Equal(t, "USD", rows[0].CurrencyCode)
	assert.True(t, rows[0].IsSynced)

	out, _, err = run(t, "purchases", "--verified")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestRestoreCmd_MissingHistory(t *testing.T) {
	setupCLI(t)
	_, _, err := run(t, "restore")
	assert.Error(t, err)

	_, _, err = run(t, "restore", "--history", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestAccessCmd(t *testing.T) {
	history := setupCLI(t)

	check := func(args ...string) accessReport {
		t.Helper()
		out, _, err := run(t, append([]string{"access"}, args...)...)
		require.NoError(t, err)
		var report accessReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		return report
	}

	assert.True(t, check("dashboard").Granted)
	assert.False(t, check("custom_themes").Granted)
	assert.False(t, check("ai_insights").Granted)
	assert.False(t, check("no_such_feature").Granted)

	_, _, err := run(t, "restore", "--history", history)
	require.NoError(t, err)

	themes := check("custom_themes")
	assert.True(t, themes.Granted)
	assert.Equal(t, "pulse_themes", themes.Product)
	assert.True(t, check("report_export").Granted)
	assert.False(t, check("ai_insights").Granted)
	assert.True(t, check("ai_insights", "--tier", "premium").Granted)
}

func TestFeaturesCmd(t *testing.T) {
	setupCLI(t)

	out, _, err := run(t, "features", "--product", "pulse_pro_bundle")
	require.NoError(t, err)
	var defs []purchases.FeatureDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"advanced_charts", "report_export", "multi_cluster"}, ids)

	out, _, err = run(t, "features", "--product", "pulse_unknown")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestFeaturesCmd_CustomCatalog(t *testing.T) {
	setupCLI(t)
	catalog := filepath.Join(t.TempDir(), "features.json")
	require.NoError(t, os.WriteFile(catalog, []byte(`[{"id":"graphs","level":"premium","required_product_id":"graphs_pack"}]`), 0o600))
	t.Setenv("PULSE_IAP_CATALOG_PATH", catalog)

	out, _, err := run(t, "features")
	require.NoError(t, err)
	assert.Contains(t, out, `"graphs"`)
	assert.NotContains(t, out, "custom_themes")
}

func TestEraseCmd(t *testing.T) {
	history := setupCLI(t)
	_, _, err := run(t, "restore", "--history", history)
	require.NoError(t, err)

	_, _, err = run(t, "erase")
	assert.Error(t, err)
	_, _, err = run(t, "erase", "--all", "--transaction", "GPA.1")
	assert.Error(t, err)

	out, _, err := run(t, "erase", "--transaction", "GPA.1")
	require.NoError(t, err)
	assert.Contains(t, out, "erased 1 purchase(s)")

	out, _, err = run(t, "erase", "--transaction", "GPA.1")
	require.NoError(t, err)
	assert.Contains(t, out, "erased 0 purchase(s)")

	out, _, err = run(t, "erase", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "erased 1 purchase(s)")

	out, _, err = run(t, "purchases")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestVerifyCmd_Failures(t *testing.T) {
	setupCLI(t)

	_, _, err := run(t, "verify", "--platform", "windows", "--receipt", "x")
	assert.Error(t, err)

	_, stderr, err := run(t, "verify", "--platform", "play_store", "--receipt", "{}", "--signature", "c2ln")
	require.Error(t, err)
	var desc struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(stderr), &desc))
	assert.NotEmpty(t, desc.Code)
}

func TestWatchCmd_RunsPasses(t *testing.T) {
	history := setupCLI(t)

	out, _, err := run(t, "watch", "--history", history, "--interval", "10ms", "--passes", "2")
	require.NoError(t, err)
	dec := json.NewDecoder(strings.NewReader(out))
	var results []purchases.RestoreResult
	for dec.More() {
		var r purchases.RestoreResult
		require.NoError(t, dec.Decode(&r))
		results = append(results, r)
	}
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].NewCount)
	assert.Equal(t, 2, results[1].UpdatedCount)

	_, _, err = run(t, "watch", "--history", history, "--interval", "0s")
	assert.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	history := setupCLI(t)
	_, _, err := run(t, "restore", "--history", history)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	metricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pulse_iap_")
}

func TestReadArg(t *testing.T) {
	v, err := readArg("literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", v)

	path := filepath.Join(t.TempDir(), "sig.txt")
	require.NoError(t, os.WriteFile(path, []byte("c2ln\n"), 0o600))
	v, err = readArg("@" + path)
	require.NoError(t, err)
	assert.Equal(t, "c2ln", v)
}
