package compliance

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"ordergate/internal/marketdata"
	"ordergate/internal/security"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

const (
	SchemaSymbolRestriction = "symbol_restriction"
	SchemaBuyingPower       = "buying_power"
	SchemaOpposingOrder     = "opposing_order"
	SchemaTimeFilter        = "time_filter"
	SchemaSecurityFilter    = "security_filter"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Dependencies are the collaborators rules are built with.
type Dependencies struct {
	Markets *security.MarketDatabase
	Quotes  marketdata.Source
	Now     func() time.Time
}

// Builder turns rule schemas into rules. Parameters are validated against
// the JSON schema of the rule name before they are decoded.
type Builder struct {
	deps    Dependencies
	schemas map[string]*jsonschema.Schema
}

func NewBuilder(deps Dependencies) (*Builder, error) {
	if deps.Markets == nil {
		return nil, fmt.Errorf("compliance builder requires a market database")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	b := &Builder{deps: deps, schemas: make(map[string]*jsonschema.Schema)}
	for _, name := range []string{
		SchemaSymbolRestriction, SchemaBuyingPower, SchemaOpposingOrder, SchemaTimeFilter, SchemaSecurityFilter,
	} {
		compiled, err := compileSchema(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		b.schemas[name] = compiled
	}
	return b, nil
}

// Names lists the rule names the builder knows.
func (b *Builder) Names() []string {
	out := make([]string, 0, len(b.schemas))
	for name := range b.schemas {
		out = append(out, name)
	}
	return out
}

func (b *Builder) Build(entry RuleEntry) (Rule, error) {
	return b.BuildSchema(entry.Schema)
}

// Validate checks a schema, including nested rules, without building it.
func (b *Builder) Validate(s Schema) error {
	compiled, ok := b.schemas[s.Name]
	if !ok {
		return fmt.Errorf("unknown compliance rule %q", s.Name)
	}
	params := s.Parameters
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s parameters: %w", s.Name, err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%s parameters: %w", s.Name, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%s parameters: %w", s.Name, err)
	}
	return nil
}

func (b *Builder) BuildSchema(s Schema) (Rule, error) {
	if err := b.Validate(s); err != nil {
		return nil, err
	}
	switch s.Name {
	case SchemaSymbolRestriction:
		var p struct {
			Symbols []string `mapstructure:"symbols"`
		}
		if err := decodeParams(s.Parameters, &p); err != nil {
			return nil, err
		}
		set, err := security.ParseSecuritySet(p.Symbols, b.deps.Markets)
		if err != nil {
			return nil, err
		}
		return NewSymbolRestriction(set), nil

	case SchemaBuyingPower:
		var p struct {
			Currency    string          `mapstructure:"currency"`
			BuyingPower decimal.Decimal `mapstructure:"buying_power"`
			Symbols     []string        `mapstructure:"symbols"`
		}
		if err := decodeParams(s.Parameters, &p); err != nil {
			return nil, err
		}
		if b.deps.Quotes == nil {
			return nil, fmt.Errorf("buying_power requires a market data source")
		}
		set, err := b.symbols(p.Symbols)
		if err != nil {
			return nil, err
		}
		currency := security.Currency(strings.ToUpper(strings.TrimSpace(p.Currency)))
		return NewSecurityFilter(set, NewBuyingPower(currency, p.BuyingPower, b.deps.Quotes)), nil

	case SchemaOpposingOrder:
		var p struct {
			Timeout     time.Duration   `mapstructure:"timeout"`
			Offset      decimal.Decimal `mapstructure:"offset"`
			Symbols     []string        `mapstructure:"symbols"`
			StartPeriod string          `mapstructure:"start_period"`
			EndPeriod   string          `mapstructure:"end_period"`
		}
		if err := decodeParams(s.Parameters, &p); err != nil {
			return nil, err
		}
		set, err := b.symbols(p.Symbols)
		if err != nil {
			return nil, err
		}
		start, err := parseTimeOfDay(p.StartPeriod)
		if err != nil {
			return nil, err
		}
		end, err := parseTimeOfDay(p.EndPeriod)
		if err != nil {
			return nil, err
		}
		var rule Rule = NewOpposingOrderSubmission(p.Timeout, p.Offset, b.deps.Now)
		rule = NewTimeFilter(start, end, b.deps.Now, rule)
		return NewSecurityFilter(set, rule), nil

	case SchemaTimeFilter:
		var p struct {
			Start string `mapstructure:"start"`
			End   string `mapstructure:"end"`
			Rule  Schema `mapstructure:"rule"`
		}
		if err := decodeParams(s.Parameters, &p); err != nil {
			return nil, err
		}
		start, err := parseTimeOfDay(p.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseTimeOfDay(p.End)
		if err != nil {
			return nil, err
		}
		inner, err := b.BuildSchema(p.Rule)
		if err != nil {
			return nil, err
		}
		return NewTimeFilter(start, end, b.deps.Now, inner), nil

	case SchemaSecurityFilter:
		var p struct {
			Symbols []string `mapstructure:"symbols"`
			Rule    Schema   `mapstructure:"rule"`
		}
		if err := decodeParams(s.Parameters, &p); err != nil {
			return nil, err
		}
		set, err := security.ParseSecuritySet(p.Symbols, b.deps.Markets)
		if err != nil {
			return nil, err
		}
		inner, err := b.BuildSchema(p.Rule)
		if err != nil {
			return nil, err
		}
		return NewSecurityFilter(set, inner), nil
	}
	return nil, fmt.Errorf("unknown compliance rule %q", s.Name)
}

// symbols parses a symbol list; an empty list means every security.
func (b *Builder) symbols(entries []string) (*security.SecuritySet, error) {
	if len(entries) == 0 {
		return security.FullWildcardSet(), nil
	}
	return security.ParseSecuritySet(entries, b.deps.Markets)
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
			decimalHook,
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	decimalType  = reflect.TypeOf(decimal.Decimal{})
)

// secondsHook reads bare numbers as a count of seconds.
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromInt(int64(v)), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return data, nil
}

// parseTimeOfDay reads "HH:MM" or "HH:MM:SS" as an offset from midnight.
// An empty string is midnight.
func parseTimeOfDay(text string) (time.Duration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	layout := "15:04:05"
	if strings.Count(text, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, text)
	if err != nil {
		return 0, fmt.Errorf("time of day %q: %w", text, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}
