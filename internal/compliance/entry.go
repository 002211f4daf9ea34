package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ordergate/internal/order"
)

// State controls how a rule entry takes part in checks.
type State int

const (
	// StateActive blocks orders that violate the rule.
	StateActive State = iota
	// StatePassive reports violations without blocking.
	StatePassive
	// StateDisabled keeps the rule built but skips it.
	StateDisabled
	// StateDeleted removes the rule.
	StateDeleted
)

var stateNames = map[State]string{
	StateActive:   "ACTIVE",
	StatePassive:  "PASSIVE",
	StateDisabled: "DISABLED",
	StateDeleted:  "DELETED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	raw := strings.ToUpper(strings.TrimSpace(string(b)))
	if raw == "" {
		*s = StateActive
		return nil
	}
	for k, v := range stateNames {
		if v == raw {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown rule state %q", string(b))
}

// Schema names a rule and carries its parameters.
type Schema struct {
	Name       string         `yaml:"name" json:"name"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
}

// RuleEntry binds a rule to a directory entry, either an account or a
// trading group.
type RuleEntry struct {
	ID        uint64 `yaml:"id" json:"id"`
	Directory string `yaml:"directory" json:"directory"`
	State     State  `yaml:"state" json:"state"`
	Schema    Schema `yaml:"schema" json:"schema"`
}

// ViolationRecord is what gets persisted and logged for every violation,
// including those of passive rules.
type ViolationRecord struct {
	EntryID   uint64    `json:"entry_id"`
	Account   string    `json:"account"`
	OrderID   order.ID  `json:"order_id"`
	Name      string    `json:"name"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Reporter persists violation records.
type Reporter interface {
	ReportViolation(ctx context.Context, record ViolationRecord) error
}
