package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordergate/internal/compliance"
	"ordergate/internal/config"
	"ordergate/internal/driver"
	"ordergate/internal/logger"
	"ordergate/internal/marketdata"
	"ordergate/internal/matcher"
	"ordergate/internal/pkg/circuit"
	"ordergate/internal/servlet"
	"ordergate/internal/session"
	"ordergate/internal/store/gormstore"
	gatewayhttp "ordergate/internal/transport/http/gateway"
	"ordergate/internal/uid"
)

var appLog = logger.With("app")

// AppBuilder assembles the gateway from configuration. The constructor
// hooks exist so tests can swap the store, id service and venue.
type AppBuilder struct {
	cfg *config.Config
	now func() time.Time

	storeFn func(config.DatabaseConfig) (*gormstore.GormStore, error)
	idsFn   func(config.UIDConfig) (uid.Client, error)
	venueFn func(config.VenueConfig, *marketdata.BboCache) (driver.Driver, error)
}

type AppBuilderOption func(*AppBuilder)

// WithVenue replaces the configured venue driver.
func WithVenue(d driver.Driver) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(config.VenueConfig, *marketdata.BboCache) (driver.Driver, error) { return d, nil }
	}
}

// WithIDs replaces the configured id service.
func WithIDs(c uid.Client) AppBuilderOption {
	return func(b *AppBuilder) {
		b.idsFn = func(config.UIDConfig) (uid.Client, error) { return c, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:     cfg,
		now:     time.Now,
		storeFn: buildStore,
		idsFn:   buildIDs,
		venueFn: buildVenue,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	markets := cfg.MarketDatabase()
	directory := session.NewDirectory(cfg.Accounts.Users, cfg.Accounts.Groups)
	quotes := marketdata.NewBboCache()

	ds, err := b.storeFn(cfg.Database)
	if err != nil {
		return nil, err
	}
	ids, err := b.idsFn(cfg.UID)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	cleanup := func() {
		_ = ids.Close()
		_ = ds.Close()
	}

	venue, err := b.venueFn(cfg.Venue, quotes)
	if err != nil {
		cleanup()
		return nil, err
	}
	chain := buildDriverChain(cfg, venue, quotes, ids)

	rules, err := compliance.NewBuilder(compliance.Dependencies{Markets: markets, Quotes: quotes})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("compliance rule builder: %w", err)
	}
	engine := compliance.NewEngine(rules.Build, directory.GroupsOf, ds)
	var registry *compliance.Registry
	if path := cfg.Compliance.RulesPath; path != "" {
		registry, err = compliance.NewRegistry(path, rules.Validate)
		if err != nil {
			cleanup()
			return nil, err
		}
		engine.Apply(registry.Snapshot().Entries)
		registry.OnChange(func(s compliance.Snapshot) {
			appLog.Infof("applying compliance rules version %d (%d entries)", s.Version, len(s.Entries))
			engine.Apply(s.Entries)
		})
	}

	sessionStart, err := cfg.App.SessionStartAt(b.now())
	if err != nil {
		cleanup()
		return nil, err
	}
	svc := servlet.New(servlet.Config{
		Markets:      markets,
		Destinations: cfg.Destinations,
		SessionStart: sessionStart,
	}, directory, ids, compliance.NewCheckDriver(engine, chain), ds)

	server, err := gatewayhttp.NewServer(gatewayhttp.ServerConfig{
		Addr:       cfg.HTTP.Addr,
		Orders:     svc,
		Auth:       directory,
		Markets:    markets,
		Quotes:     quotes,
		Violations: ds,
		RateLimit:  cfg.HTTP.RateLimit,
		Burst:      cfg.HTTP.Burst,
		Heartbeat:  cfg.HTTP.Heartbeat,
	})
	if err != nil {
		_ = svc.Close()
		_ = ids.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		servlet:  svc,
		http:     server,
		registry: registry,
		ids:      ids,
		Summary:  newStartupSummary(cfg, directory, markets, engine),
	}, nil
}

// buildDriverChain wraps the venue in the circuit breaker and, when
// enabled, the internal matcher. Compliance goes on top in Build.
func buildDriverChain(cfg *config.Config, venue driver.Driver, quotes marketdata.Source, ids uid.Client) driver.Driver {
	breaker := circuit.NewBreaker(circuit.Config{
		Name:      "venue",
		Threshold: cfg.Venue.Circuit.Threshold,
		Cooldown:  cfg.Venue.Circuit.Cooldown,
	})
	breaker.OnStateChange(func(name string, from, to circuit.State) {
		appLog.Warnf("circuit %s: %s -> %s", name, from, to)
	})
	var chain driver.Driver = driver.NewGuarded(venue, breaker)
	if cfg.Matcher.Enabled {
		chain = matcher.New(matcher.Config{
			RootAccount:  cfg.Matcher.RootAccount,
			MatchTimeout: cfg.Matcher.MatchTimeout,
		}, quotes, ids, chain)
	}
	return chain
}

func buildStore(cfg config.DatabaseConfig) (*gormstore.GormStore, error) {
	pg := cfg.Postgres
	s, err := gormstore.NewGormStore(gormstore.Config{
		Driver: cfg.Driver,
		Path:   cfg.Path,
		Postgres: gormstore.PostgresOption{
			Host:       pg.Host,
			Port:       pg.Port,
			User:       pg.User,
			Password:   pg.Password,
			Database:   pg.Database,
			SSLMode:    pg.SSLMode,
			Params:     pg.Params,
			ConnString: pg.ConnString,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return s, nil
}

func buildIDs(cfg config.UIDConfig) (uid.Client, error) {
	switch cfg.Backend {
	case "local":
		appLog.Warnf("uid backend is local; ids are only unique within this process")
		return uid.NewLocalClient(cfg.Seed), nil
	case "sqlite":
		reserver, err := uid.NewSQLReserver(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open uid store: %w", err)
		}
		return uid.NewBlockClient(reserver, cfg.BlockSize), nil
	case "redis":
		r := cfg.Redis
		return uid.NewBlockClient(uid.NewRedisReserver(r.Addr, r.Password, r.DB, r.Key), cfg.BlockSize), nil
	default:
		return nil, fmt.Errorf("unknown uid backend %q", cfg.Backend)
	}
}

func buildVenue(cfg config.VenueConfig, quotes *marketdata.BboCache) (driver.Driver, error) {
	if !cfg.Simulated {
		return nil, errors.New("venue: no external venue driver is available, set venue.simulated")
	}
	sim := driver.NewSimulator(quotes, driver.SimulatorConfig{
		Latency:    cfg.Latency,
		LastMarket: cfg.LastMarket,
	})
	quotes.Subscribe(sim.OnBbo)
	sim.Start()
	appLog.Infof("simulated venue started (latency=%s)", cfg.Latency)
	return sim, nil
}
