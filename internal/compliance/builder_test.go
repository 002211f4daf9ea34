package compliance

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ordergate/internal/marketdata"
	"ordergate/internal/order"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(Dependencies{Markets: markets, Quotes: marketdata.NewBboCache()})
	require.NoError(t, err)
	return b
}

func TestBuilder_Validate(t *testing.T) {
	b := newTestBuilder(t)
	tests := []struct {
		name   string
		schema Schema
		ok     bool
	}{
		{"symbol restriction", Schema{Name: SchemaSymbolRestriction, Parameters: map[string]any{"symbols": []any{"TST1.TSX"}}}, true},
		{"unknown rule", Schema{Name: "no_such_rule"}, false},
		{"missing symbols", Schema{Name: SchemaSymbolRestriction}, false},
		{"empty symbols", Schema{Name: SchemaSymbolRestriction, Parameters: map[string]any{"symbols": []any{}}}, false},
		{"unknown parameter", Schema{Name: SchemaSymbolRestriction, Parameters: map[string]any{"symbols": []any{"A.NSDQ"}, "extra": 1}}, false},
		{"buying power", Schema{Name: SchemaBuyingPower, Parameters: map[string]any{"currency": "USD", "buying_power": "1000.50"}}, true},
		{"buying power number", Schema{Name: SchemaBuyingPower, Parameters: map[string]any{"currency": "USD", "buying_power": 1000}}, true},
		{"buying power negative", Schema{Name: SchemaBuyingPower, Parameters: map[string]any{"currency": "USD", "buying_power": "-5"}}, false},
		{"opposing order", Schema{Name: SchemaOpposingOrder, Parameters: map[string]any{"timeout": 30, "start_period": "09:30"}}, true},
		{"opposing bad period", Schema{Name: SchemaOpposingOrder, Parameters: map[string]any{"timeout": 30, "start_period": "9h"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Validate(tt.schema)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestBuilder_BuildsNestedFilters(t *testing.T) {
	b := newTestBuilder(t)
	rule, err := b.BuildSchema(Schema{
		Name: SchemaSecurityFilter,
		Parameters: map[string]any{
			"symbols": []any{"*.TSX"},
			"rule": map[string]any{
				"name":       SchemaSymbolRestriction,
				"parameters": map[string]any{"symbols": []any{"TST1.TSX"}},
			},
		},
	})
	require.NoError(t, err)
	assert.NotNil(t, rule.Submit(limitOrder(1, "alice", tst1, order.SideBid, 1, "1")))
	assert.Nil(t, rule.Submit(limitOrder(2, "alice", tst2, order.SideBid, 1, "1")))

	_, err = b.BuildSchema(Schema{
		Name: SchemaTimeFilter,
		Parameters: map[string]any{
			"start": "09:30", "end": "16:00",
			"rule": map[string]any{"name": SchemaSymbolRestriction},
		},
	})
	assert.Error(t, err, "nested rule is validated too")
}

func TestBuilder_UnknownSymbolMarket(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.BuildSchema(Schema{
		Name:       SchemaSymbolRestriction,
		Parameters: map[string]any{"symbols": []any{"TST1.NOWHERE"}},
	})
	assert.Error(t, err)
}

func TestDecodeParams(t *testing.T) {
	var p struct {
		Timeout time.Duration   `mapstructure:"timeout"`
		Limit   decimal.Decimal `mapstructure:"limit"`
	}
	require.NoError(t, decodeParams(map[string]any{"timeout": 30, "limit": "12.5"}, &p))
	assert.Equal(t, 30*time.Second, p.Timeout)
	assert.True(t, p.Limit.Equal(decimal.RequireFromString("12.5")))

	require.NoError(t, decodeParams(map[string]any{"timeout": "1m30s", "limit": 7}, &p))
	assert.Equal(t, 90*time.Second, p.Timeout)
	assert.True(t, p.Limit.Equal(decimal.NewFromInt(7)))
}

func TestParseTimeOfDay(t *testing.T) {
	d, err := parseTimeOfDay("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)

	d, err = parseTimeOfDay("23:59:59")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour-time.Second, d)

	d, err = parseTimeOfDay("")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = parseTimeOfDay("25:00")
	assert.Error(t, err)
}

const rulesYAML = `
rules:
  - id: 2
    directory: desk
    state: passive
    schema:
      name: buying_power
      parameters:
        currency: USD
        buying_power: "100000"
  - id: 1
    directory: alice
    schema:
      name: symbol_restriction
      parameters:
        symbols: [TST1.TSX]
`

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRegistry_LoadAndReload(t *testing.T) {
	b := newTestBuilder(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, rulesYAML)

	reg, err := NewRegistry(path, b.Validate)
	require.NoError(t, err)
	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, uint64(1), snap.Entries[0].ID)
	assert.Equal(t, StateActive, snap.Entries[0].State)
	assert.Equal(t, StatePassive, snap.Entries[1].State)
	assert.Equal(t, "desk", snap.Entries[1].Directory)

	var mu sync.Mutex
	var got []Snapshot
	reg.OnChange(func(s Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	writeRules(t, path, "rules:\n  - id: 1\n    directory: alice\n    schema: {name: symbol_restriction}\n")
	assert.Error(t, reg.Reload(), "invalid parameters keep the previous rules")
	assert.Equal(t, int64(1), reg.Snapshot().Version)

	writeRules(t, path, "rules:\n  - id: 1\n    directory: alice\n    state: deleted\n    schema: {name: symbol_restriction}\n")
	require.NoError(t, reg.Reload())
	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Equal(t, StateDeleted, got[0].Entries[0].State)
	mu.Unlock()
}

func TestRegistry_RejectsMalformedFiles(t *testing.T) {
	tests := map[string]string{
		"duplicate id":      "rules:\n  - {id: 1, directory: a, schema: {name: x}}\n  - {id: 1, directory: b, schema: {name: x}}\n",
		"missing id":        "rules:\n  - {directory: a, schema: {name: x}}\n",
		"missing directory": "rules:\n  - {id: 1, schema: {name: x}}\n",
		"unknown field":     "rules:\n  - {id: 1, directory: a, priority: 3, schema: {name: x}}\n",
		"unknown state":     "rules:\n  - {id: 1, directory: a, state: sleepy, schema: {name: x}}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.yaml")
			writeRules(t, path, content)
			_, err := NewRegistry(path, nil)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, "")
	reg, err := NewRegistry(path, nil)
	require.NoError(t, err)
	assert.Empty(t, reg.Snapshot().Entries)
}
