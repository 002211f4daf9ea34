package order

import (
	"time"

	"ordergate/internal/security"

	"github.com/shopspring/decimal"
)

// Tag is an additional key/value carried with an order or report, keyed the
// way FIX tags are.
type Tag struct {
	Key   int    `json:"key"`
	Value string `json:"value"`
}

// TimeInForce pairs the type with its expiry, which only GTD uses.
type TimeInForce struct {
	Type   TimeInForceType `json:"type"`
	Expiry time.Time       `json:"expiry,omitempty"`
}

// Fields is the immutable order intent. Continuations build new Fields
// instead of editing an existing value.
type Fields struct {
	Account     string            `json:"account"`
	Security    security.Security `json:"security"`
	Currency    security.Currency `json:"currency"`
	Type        Type              `json:"type"`
	Side        Side              `json:"side"`
	Destination string            `json:"destination"`
	Quantity    int64             `json:"quantity"`
	Price       decimal.Decimal   `json:"price"`
	TimeInForce TimeInForce       `json:"time_in_force"`
	Tags        []Tag             `json:"tags,omitempty"`
}

// MakeLimitOrder builds DAY limit order fields.
func MakeLimitOrder(account string, sec security.Security, currency security.Currency, side Side,
	destination string, quantity int64, price decimal.Decimal) Fields {
	return Fields{
		Account:     account,
		Security:    sec,
		Currency:    currency,
		Type:        TypeLimit,
		Side:        side,
		Destination: destination,
		Quantity:    quantity,
		Price:       price,
		TimeInForce: TimeInForce{Type: TIFDay},
	}
}

// MakeMarketOrder builds DAY market order fields.
func MakeMarketOrder(account string, sec security.Security, currency security.Currency, side Side,
	destination string, quantity int64) Fields {
	return Fields{
		Account:     account,
		Security:    sec,
		Currency:    currency,
		Type:        TypeMarket,
		Side:        side,
		Destination: destination,
		Quantity:    quantity,
		Price:       decimal.Zero,
		TimeInForce: TimeInForce{Type: TIFDay},
	}
}

// WithQuantity returns a copy of f for a different quantity.
func (f Fields) WithQuantity(quantity int64) Fields {
	out := f.Clone()
	out.Quantity = quantity
	return out
}

func (f Fields) Clone() Fields {
	out := f
	if len(f.Tags) > 0 {
		out.Tags = append([]Tag(nil), f.Tags...)
	}
	return out
}

func (f Fields) FindTag(key int) (Tag, bool) {
	for _, t := range f.Tags {
		if t.Key == key {
			return t, true
		}
	}
	return Tag{}, false
}

// Info is what the gateway knows about a submitted order.
type Info struct {
	Fields            Fields    `json:"fields"`
	SubmissionAccount string    `json:"submission_account"`
	ID                ID        `json:"order_id"`
	ShortingFlag      bool      `json:"shorting_flag"`
	Timestamp         time.Time `json:"timestamp"`
}

// Record is an order together with the reports stored for it.
type Record struct {
	Info    Info              `json:"info"`
	Reports []ExecutionReport `json:"execution_reports"`
}
