package config

import (
	"strings"
	"time"

	"ordergate/internal/security"
	"ordergate/internal/session"
)

// Config is the gateway's root configuration.
type Config struct {
	App          AppConfig               `mapstructure:"app"`
	HTTP         HTTPConfig              `mapstructure:"http"`
	Database     DatabaseConfig          `mapstructure:"database"`
	UID          UIDConfig               `mapstructure:"uid"`
	Venue        VenueConfig             `mapstructure:"venue"`
	Matcher      MatcherConfig           `mapstructure:"matcher"`
	Compliance   ComplianceConfig        `mapstructure:"compliance"`
	Markets      []security.Market       `mapstructure:"markets"`
	Countries    []security.CountryEntry `mapstructure:"countries"`
	Destinations map[string]string       `mapstructure:"destinations"`
	Accounts     AccountsConfig          `mapstructure:"accounts"`
	Profiling    ProfilingConfig         `mapstructure:"profiling"`
}

type AppConfig struct {
	Env       string `mapstructure:"env"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogPath   string `mapstructure:"log_path"`
	// SessionStart is the UTC time of day ("HH:MM") the trading session
	// opens. Orders submitted since are recovered on startup.
	SessionStart string `mapstructure:"session_start"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// RateLimit is submissions per second per account; 0 disables it.
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host       string            `mapstructure:"host"`
	Port       int               `mapstructure:"port"`
	User       string            `mapstructure:"user"`
	Password   string            `mapstructure:"password"`
	Database   string            `mapstructure:"database"`
	SSLMode    string            `mapstructure:"sslmode"`
	Params     map[string]string `mapstructure:"params"`
	ConnString string            `mapstructure:"conn_string"`
}

type UIDConfig struct {
	// Backend is local, sqlite or redis.
	Backend    string      `mapstructure:"backend"`
	BlockSize  uint64      `mapstructure:"block_size"`
	Seed       uint64      `mapstructure:"seed"`
	SQLitePath string      `mapstructure:"sqlite_path"`
	Redis      RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type VenueConfig struct {
	Simulated  bool          `mapstructure:"simulated"`
	Latency    time.Duration `mapstructure:"latency"`
	LastMarket string        `mapstructure:"last_market"`
	Circuit    CircuitConfig `mapstructure:"circuit"`
}

type CircuitConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type MatcherConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	RootAccount  string        `mapstructure:"root_account"`
	MatchTimeout time.Duration `mapstructure:"match_timeout"`
}

type ComplianceConfig struct {
	// RulesPath is the hot-reloaded rules file; empty runs without rules.
	RulesPath string `mapstructure:"rules_path"`
}

type AccountsConfig struct {
	Users  []session.Account      `mapstructure:"users"`
	Groups []session.TradingGroup `mapstructure:"groups"`
}

type ProfilingConfig struct {
	Enabled           bool              `mapstructure:"enabled"`
	ServerAddress     string            `mapstructure:"server_address"`
	ApplicationName   string            `mapstructure:"application_name"`
	BasicAuthUser     string            `mapstructure:"basic_auth_user"`
	BasicAuthPassword string            `mapstructure:"basic_auth_password"`
	Tags              map[string]string `mapstructure:"tags"`
}

// MarketDatabase builds the reference data, falling back to the built-in
// markets when none are configured.
func (c *Config) MarketDatabase() *security.MarketDatabase {
	if len(c.Markets) == 0 {
		return security.DefaultMarketDatabase()
	}
	return security.NewMarketDatabase(c.Markets, c.Countries)
}

// SessionStartAt resolves App.SessionStart on the day of now.
func (a AppConfig) SessionStartAt(now time.Time) (time.Time, error) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	raw := strings.TrimSpace(a.SessionStart)
	if raw == "" {
		return day, nil
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return time.Time{}, err
	}
	start := day.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
	if start.After(now) {
		start = start.AddDate(0, 0, -1)
	}
	return start, nil
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}
