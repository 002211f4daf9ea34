package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnknownAccount  = errors.New("unknown account")
)

// Session is an authenticated caller. Permissions lists the accounts the
// caller may trade for besides its own.
type Session struct {
	ID            string
	Account       string
	Administrator bool
	CreatedAt     time.Time
	permissions   map[string]struct{}
}

// New builds a session for account with explicit extra permissions.
func New(account string, admin bool, permitted ...string) Session {
	s := Session{
		ID:            uuid.NewString(),
		Account:       account,
		Administrator: admin,
		CreatedAt:     time.Now().UTC(),
		permissions:   map[string]struct{}{account: {}},
	}
	for _, a := range permitted {
		s.permissions[a] = struct{}{}
	}
	return s
}

// HasPermission reports whether the session may act for account.
// Administrators may act for every account.
func (s Session) HasPermission(account string) bool {
	if s.Administrator {
		return true
	}
	_, ok := s.permissions[account]
	return ok
}

// PermittedAccounts returns the accounts explicitly granted to the session.
func (s Session) PermittedAccounts() []string {
	out := make([]string, 0, len(s.permissions))
	for a := range s.permissions {
		out = append(out, a)
	}
	return out
}

// Account is a directory entry of the gateway.
type Account struct {
	Name  string `mapstructure:"name"`
	Token string `mapstructure:"token"`
	Admin bool   `mapstructure:"admin"`
}

// TradingGroup grants its managers permission over its traders.
type TradingGroup struct {
	Name     string   `mapstructure:"name"`
	Managers []string `mapstructure:"managers"`
	Traders  []string `mapstructure:"traders"`
}

// Directory is the account/permission service. It authenticates tokens and
// resolves the trading-group hierarchy.
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]Account
	byToken  map[string]string
	groups   []TradingGroup
}

func NewDirectory(accounts []Account, groups []TradingGroup) *Directory {
	d := &Directory{
		accounts: make(map[string]Account),
		byToken:  make(map[string]string),
	}
	for _, a := range accounts {
		d.AddAccount(a)
	}
	d.groups = append(d.groups, groups...)
	return d
}

func (d *Directory) AddAccount(a Account) {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.Name] = a
	if a.Token != "" {
		d.byToken[a.Token] = a.Name
	}
}

// Accounts returns every account name.
func (d *Directory) Accounts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.accounts))
	for name := range d.accounts {
		out = append(out, name)
	}
	return out
}

func (d *Directory) Exists(account string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.accounts[account]
	return ok
}

// GroupsOf returns the trading groups account trades in.
func (d *Directory) GroupsOf(account string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, g := range d.groups {
		for _, t := range g.Traders {
			if t == account {
				out = append(out, g.Name)
				break
			}
		}
	}
	return out
}

// Authenticate resolves a bearer token to a new session.
func (d *Directory) Authenticate(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrUnauthenticated
	}
	d.mu.RLock()
	name, ok := d.byToken[token]
	d.mu.RUnlock()
	if !ok {
		return Session{}, ErrUnauthenticated
	}
	return d.Open(name)
}

// Open builds the session of a known account, granting it permission over
// the traders of every group it manages.
func (d *Directory) Open(account string) (Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[account]
	if !ok {
		return Session{}, ErrUnknownAccount
	}
	var permitted []string
	for _, g := range d.groups {
		for _, m := range g.Managers {
			if m == account {
				permitted = append(permitted, g.Traders...)
				break
			}
		}
	}
	return New(a.Name, a.Admin, permitted...), nil
}
