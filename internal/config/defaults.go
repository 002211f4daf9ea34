package config

import (
	"strings"
	"time"
)

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultHTTPAddr        = ":9990"
	defaultHTTPHeartbeat   = 15 * time.Second
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "data/ordergate.db"
	defaultUIDBackend      = "sqlite"
	defaultUIDBlockSize    = 1000
	defaultUIDSQLitePath   = "data/uid.db"
	defaultUIDRedisKey     = "ordergate:order_id"
	defaultVenueLastMarket = "SIM"
	defaultCircuitFailures = 5
	defaultCircuitCooldown = 30 * time.Second
	defaultMatcherRoot     = "root"
	defaultMatchTimeout    = 5 * time.Second
	defaultPyroscopeApp    = "ordergate"
)

// applyDefaults fills keys the loaded files left unset.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.UID.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Matcher.applyDefaults(keys)
	c.Profiling.applyDefaults(keys)
	// viper lower-cases map keys; market codes are upper case.
	destinations := make(map[string]string, len(c.Destinations))
	for market, dest := range c.Destinations {
		destinations[strings.ToUpper(strings.TrimSpace(market))] = strings.TrimSpace(dest)
	}
	c.Destinations = destinations
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
		durationFieldDefault("http.heartbeat", &h.Heartbeat, defaultHTTPHeartbeat),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("database.driver", &d.Driver, defaultDatabaseDriver),
	)
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Driver == "sqlite" {
		applyFieldDefaults(keys, stringFieldDefault("database.path", &d.Path, defaultDatabasePath))
	}
}

func (u *UIDConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("uid.backend", &u.Backend, defaultUIDBackend),
		fieldDefault{
			key:   "uid.block_size",
			need:  func() bool { return u.BlockSize == 0 },
			apply: func() { u.BlockSize = defaultUIDBlockSize },
		},
		stringFieldDefault("uid.sqlite_path", &u.SQLitePath, defaultUIDSQLitePath),
		stringFieldDefault("uid.redis.key", &u.Redis.Key, defaultUIDRedisKey),
	)
	u.Backend = strings.ToLower(strings.TrimSpace(u.Backend))
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("venue.simulated", &v.Simulated, true),
		stringFieldDefault("venue.last_market", &v.LastMarket, defaultVenueLastMarket),
		fieldDefault{
			key:   "venue.circuit.threshold",
			need:  func() bool { return v.Circuit.Threshold <= 0 },
			apply: func() { v.Circuit.Threshold = defaultCircuitFailures },
		},
		durationFieldDefault("venue.circuit.cooldown", &v.Circuit.Cooldown, defaultCircuitCooldown),
	)
}

func (m *MatcherConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("matcher.enabled", &m.Enabled, true),
		stringFieldDefault("matcher.root_account", &m.RootAccount, defaultMatcherRoot),
		durationFieldDefault("matcher.match_timeout", &m.MatchTimeout, defaultMatchTimeout),
	)
}

func (p *ProfilingConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("profiling.application_name", &p.ApplicationName, defaultPyroscopeApp),
	)
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault only applies when the key is absent, since false is a
// meaningful setting.
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
