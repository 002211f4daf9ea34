package app

import (
	"fmt"
	"sort"
	"strings"

	"ordergate/internal/compliance"
	"ordergate/internal/config"
	"ordergate/internal/security"
	"ordergate/internal/session"
)

type StartupSummary struct {
	Env        string
	HTTPAddr   string
	Database   string
	UIDBackend string
	Venue      string
	Matcher    bool
	Accounts   []string
	Markets    []string
	RulesPath  string
	Rules      int
}

func newStartupSummary(cfg *config.Config, directory *session.Directory, markets *security.MarketDatabase, engine *compliance.Engine) *StartupSummary {
	s := &StartupSummary{
		Env:        cfg.App.Env,
		HTTPAddr:   cfg.HTTP.Addr,
		Database:   cfg.Database.Driver,
		UIDBackend: cfg.UID.Backend,
		Venue:      "external",
		Matcher:    cfg.Matcher.Enabled,
		Accounts:   directory.Accounts(),
		RulesPath:  cfg.Compliance.RulesPath,
		Rules:      len(engine.Entries()),
	}
	if cfg.Database.Driver == "sqlite" {
		s.Database += " (" + cfg.Database.Path + ")"
	}
	if cfg.Venue.Simulated {
		s.Venue = fmt.Sprintf("simulated (latency %s)", cfg.Venue.Latency)
	}
	for _, m := range markets.Markets() {
		s.Markets = append(s.Markets, fmt.Sprintf("%s/%s", m.Code, m.DisplayName))
	}
	sort.Strings(s.Accounts)
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("ORDERGATE STARTUP SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("  env:        %s\n", s.Env)
	fmt.Printf("  http:       %s\n", s.HTTPAddr)
	fmt.Printf("  database:   %s\n", s.Database)
	fmt.Printf("  uid:        %s\n", s.UIDBackend)
	fmt.Printf("  venue:      %s\n", s.Venue)
	fmt.Printf("  matcher:    %v\n", s.Matcher)
	fmt.Printf("  accounts:   %s\n", formatList(s.Accounts))
	fmt.Printf("  markets:    %s\n", formatList(s.Markets))
	if s.RulesPath == "" {
		fmt.Println("  compliance: (no rules file)")
	} else {
		fmt.Printf("  compliance: %d rules from %s\n", s.Rules, s.RulesPath)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
