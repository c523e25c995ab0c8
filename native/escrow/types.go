package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// OrderStatus represents the lifecycle states of an escrowed order.
type OrderStatus uint8

const (
	// OrderFunded is the state of an order holding a positive balance.
	OrderFunded OrderStatus = iota
	// OrderWithdrawn marks an order drained to zero by the payee. Kept
	// distinct from OrderRefunded for auditability; both are terminal.
	OrderWithdrawn
	// OrderRefunded marks an order drained to zero by administrator refunds.
	OrderRefunded
)

// Order captures a single escrowed deposit. The identifier is caller supplied
// and unique across the ledger's lifetime; records are never deleted, a
// drained order stays dormant for audit and idempotence checks.
type Order struct {
	ID          [32]byte
	Token       string
	Payer       [20]byte
	Payee       [20]byte
	Amount      *big.Int
	Remaining   *big.Int
	ReleaseTime int64
	CreatedAt   int64
	Status      OrderStatus
}

// Clone returns a deep copy of the order so callers can safely mutate the copy
// without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Amount != nil {
		clone.Amount = new(big.Int).Set(o.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if o.Remaining != nil {
		clone.Remaining = new(big.Int).Set(o.Remaining)
	} else {
		clone.Remaining = big.NewInt(0)
	}
	return &clone
}

// PayeeSet reports whether a payee has been assigned. The zero address is the
// unset sentinel; assignment happens at most once per order.
func (o *Order) PayeeSet() bool {
	return o != nil && o.Payee != ([20]byte{})
}

// Valid reports whether the status value is within the supported range.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderFunded, OrderWithdrawn, OrderRefunded:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	switch s {
	case OrderFunded:
		return "funded"
	case OrderWithdrawn:
		return "withdrawn"
	case OrderRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// NormalizeToken trims and upper-cases a token symbol. Whether the symbol is
// actually registered is decided by the ledger state, not here.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("escrow: token symbol required")
	}
	return trimmed, nil
}

// SanitizeOrder validates and normalises the supplied order, returning a
// cloned instance with canonical token casing and non-nil amount fields. The
// function does not mutate the original value.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("escrow: nil order")
	}
	clone := o.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: order amount must be positive")
	}
	if clone.Remaining.Sign() < 0 {
		return nil, fmt.Errorf("escrow: remaining balance must be non-negative")
	}
	if clone.Remaining.Cmp(clone.Amount) > 0 {
		return nil, fmt.Errorf("escrow: remaining balance exceeds deposit")
	}
	if clone.ReleaseTime < 0 {
		return nil, fmt.Errorf("escrow: negative release time")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid order status: %d", clone.Status)
	}
	return clone, nil
}
