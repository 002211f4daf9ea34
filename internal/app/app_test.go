package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ordergate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testRules = `
rules:
  - id: 1
    directory: alice
    state: ACTIVE
    schema:
      name: symbol_restriction
      parameters:
        symbols: [BAD.NSDQ]
`

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(testRules), 0o644))
	body := `
app:
  env: test
  log_level: error
database:
  driver: sqlite
  path: ` + filepath.Join(dir, "orders.db") + `
uid:
  backend: sqlite
  block_size: 10
  sqlite_path: ` + filepath.Join(dir, "uid.db") + `
matcher:
  enabled: false
compliance:
  rules_path: ` + rules + `
accounts:
  users:
    - name: alice
      token: alice-token
    - name: ops
      token: ops-token
      admin: true
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := NewApp(loadTestConfig(t, ""))
	require.NoError(t, err)
	require.NoError(t, a.Servlet().Open(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func lastStatus(t *testing.T, h http.Handler, id string) string {
	t.Helper()
	w := call(t, h, http.MethodGet, "/api/v1/orders/"+id, "alice-token", nil)
	if w.Code != http.StatusOK {
		return ""
	}
	statuses := gjson.GetBytes(w.Body.Bytes(), "value.execution_reports.#.status").Array()
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1].String()
}

func TestApp_SubmitFillsAgainstSimulatedVenue(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	w := call(t, h, http.MethodPost, "/api/v1/admin/bbo", "ops-token", map[string]any{
		"security": "TST.NSDQ",
		"bid":      "9.9",
		"bid_size": 500,
		"ask":      "10.1",
		"ask_size": 500,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, h, http.MethodPost, "/api/v1/orders", "alice-token", map[string]any{
		"security": "TST.NSDQ",
		"type":     "LIMIT",
		"side":     "BID",
		"quantity": 100,
		"price":    "10.5",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := gjson.GetBytes(w.Body.Bytes(), "value.order_id").String()
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return lastStatus(t, h, id) == "FILLED"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_RestrictedSymbolIsRejectedAndRecorded(t *testing.T) {
	a := newTestApp(t)
	h := a.Handler()

	w := call(t, h, http.MethodPost, "/api/v1/orders", "alice-token", map[string]any{
		"security": "BAD.NSDQ",
		"type":     "LIMIT",
		"side":     "BID",
		"quantity": 10,
		"price":    "1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := gjson.GetBytes(w.Body.Bytes(), "value.order_id").String()

	require.Eventually(t, func() bool {
		return lastStatus(t, h, id) == "REJECTED"
	}, 2*time.Second, 10*time.Millisecond)

	w = call(t, h, http.MethodGet, "/api/v1/admin/violations?account=alice", "ops-token", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	violations := gjson.GetBytes(w.Body.Bytes(), "violations").Array()
	require.Len(t, violations, 1)
	assert.Equal(t, "alice", violations[0].Get("account").String())
	assert.Equal(t, uint64(1), violations[0].Get("entry_id").Uint())
}

func TestApp_Summary(t *testing.T) {
	a := newTestApp(t)
	require.NotNil(t, a.Summary)
	assert.Equal(t, []string{"alice", "ops"}, a.Summary.Accounts)
	assert.Equal(t, 1, a.Summary.Rules)
	assert.Contains(t, a.Summary.Database, "orders.db")
}

func TestNewApp_Errors(t *testing.T) {
	_, err := NewApp(nil)
	assert.Error(t, err)

	_, err = NewApp(loadTestConfig(t, "venue:\n  simulated: false\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue")
}
