package order

import (
	"fmt"
	"strings"
)

// ID uniquely identifies an order across the gateway.
type ID uint64

// Side of the book an order rests on.
type Side int8

const (
	SideNone Side = iota
	SideAsk
	SideBid
)

var sideNames = map[Side]string{SideNone: "NONE", SideAsk: "ASK", SideBid: "BID"}

func (s Side) String() string {
	if name, ok := sideNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Direction is +1 for bids and -1 for asks.
func (s Side) Direction() int64 {
	switch s {
	case SideBid:
		return 1
	case SideAsk:
		return -1
	default:
		return 0
	}
}

func (s Side) Opposite() Side {
	switch s {
	case SideBid:
		return SideAsk
	case SideAsk:
		return SideBid
	default:
		return SideNone
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), sideNames)
	if err != nil {
		return fmt.Errorf("side: %w", err)
	}
	*s = v
	return nil
}

// Type is the order type.
type Type int8

const (
	TypeNone Type = iota
	TypeMarket
	TypeLimit
	TypePegged
	TypeStop
)

var typeNames = map[Type]string{
	TypeNone: "NONE", TypeMarket: "MARKET", TypeLimit: "LIMIT", TypePegged: "PEGGED", TypeStop: "STOP",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), typeNames)
	if err != nil {
		return fmt.Errorf("order type: %w", err)
	}
	*t = v
	return nil
}

// TimeInForceType enumerates how long an order stays active.
type TimeInForceType int8

const (
	TIFNone TimeInForceType = iota
	TIFDay
	TIFGTC
	TIFOPG
	TIFIOC
	TIFFOK
	TIFGTX
	TIFGTD
	TIFMOC
)

var tifNames = map[TimeInForceType]string{
	TIFNone: "NONE", TIFDay: "DAY", TIFGTC: "GTC", TIFOPG: "OPG", TIFIOC: "IOC",
	TIFFOK: "FOK", TIFGTX: "GTX", TIFGTD: "GTD", TIFMOC: "MOC",
}

func (t TimeInForceType) String() string {
	if name, ok := tifNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

func (t TimeInForceType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeInForceType) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), tifNames)
	if err != nil {
		return fmt.Errorf("time in force: %w", err)
	}
	*t = v
	return nil
}

// Status is the lifecycle state carried by an execution report.
type Status int8

const (
	StatusNone Status = iota
	StatusPendingNew
	StatusRejected
	StatusNew
	StatusPartiallyFilled
	StatusExpired
	StatusCanceled
	StatusSuspended
	StatusFilled
	StatusDoneForDay
	StatusPendingCancel
)

var statusNames = map[Status]string{
	StatusNone:            "NONE",
	StatusPendingNew:      "PENDING_NEW",
	StatusRejected:        "REJECTED",
	StatusNew:             "NEW",
	StatusPartiallyFilled: "PARTIALLY_FILLED",
	StatusExpired:         "EXPIRED",
	StatusCanceled:        "CANCELED",
	StatusSuspended:       "SUSPENDED",
	StatusFilled:          "FILLED",
	StatusDoneForDay:      "DONE_FOR_DAY",
	StatusPendingCancel:   "PENDING_CANCEL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), statusNames)
	if err != nil {
		return fmt.Errorf("order status: %w", err)
	}
	*s = v
	return nil
}

// IsTerminal reports whether no further report may follow status.
func IsTerminal(s Status) bool {
	switch s {
	case StatusRejected, StatusExpired, StatusCanceled, StatusFilled:
		return true
	default:
		return false
	}
}

func parseEnum[T comparable](raw string, names map[T]string) (T, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for v, name := range names {
		if name == raw {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown value %q", raw)
}
