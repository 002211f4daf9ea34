package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must be >= 0")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.UID.validate(); err != nil {
		return err
	}
	if c.Venue.Latency < 0 {
		return fmt.Errorf("venue.latency must be >= 0")
	}
	if err := c.validateMarkets(); err != nil {
		return err
	}
	if err := c.Accounts.validate(); err != nil {
		return err
	}
	if c.Profiling.Enabled && strings.TrimSpace(c.Profiling.ServerAddress) == "" {
		return fmt.Errorf("profiling.server_address is required when profiling is enabled")
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	if strings.TrimSpace(a.SessionStart) != "" {
		if _, err := a.SessionStartAt(timeNow()); err != nil {
			return fmt.Errorf("app.session_start must be HH:MM: %w", err)
		}
	}
	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case "sqlite":
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if d.Postgres.ConnString == "" && strings.TrimSpace(d.Postgres.Database) == "" {
			return fmt.Errorf("database.postgres requires database or conn_string")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", d.Driver)
	}
	return nil
}

func (u *UIDConfig) validate() error {
	switch u.Backend {
	case "local":
	case "sqlite":
		if strings.TrimSpace(u.SQLitePath) == "" {
			return fmt.Errorf("uid.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(u.Redis.Addr) == "" {
			return fmt.Errorf("uid.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("uid.backend must be local, sqlite or redis, got %q", u.Backend)
	}
	return nil
}

func (c *Config) validateMarkets() error {
	codes := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		code := strings.ToUpper(strings.TrimSpace(m.Code))
		if code == "" {
			return fmt.Errorf("markets[%d] missing code", i)
		}
		if codes[code] {
			return fmt.Errorf("markets contains duplicate code %s", code)
		}
		codes[code] = true
	}
	if len(c.Markets) == 0 {
		return nil
	}
	for market := range c.Destinations {
		if !codes[strings.ToUpper(market)] {
			return fmt.Errorf("destinations references unknown market %s", market)
		}
	}
	return nil
}

func (a *AccountsConfig) validate() error {
	names := make(map[string]bool, len(a.Users))
	tokens := make(map[string]bool, len(a.Users))
	for i, u := range a.Users {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return fmt.Errorf("accounts.users[%d] missing name", i)
		}
		if names[name] {
			return fmt.Errorf("accounts.users contains duplicate account %s", name)
		}
		names[name] = true
		if u.Token == "" {
			continue
		}
		if tokens[u.Token] {
			return fmt.Errorf("accounts.users.%s reuses another account's token", name)
		}
		tokens[u.Token] = true
	}
	for _, g := range a.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("accounts.groups contains entry without name")
		}
		for _, member := range append(append([]string(nil), g.Managers...), g.Traders...) {
			if !names[member] {
				return fmt.Errorf("accounts.groups.%s references unknown account %s", g.Name, member)
			}
		}
	}
	return nil
}
