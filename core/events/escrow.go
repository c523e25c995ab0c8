package events

import (
	"encoding/hex"
	"math/big"
	"sort"
	"strconv"

	"paylock/core/types"
)

const (
	TypeEscrowDeposited     = "escrow.deposited"
	TypeEscrowWithdrawn     = "escrow.withdrawn"
	TypeEscrowBulkWithdrawn = "escrow.bulk_withdrawn"
	TypeEscrowRefunded      = "escrow.refunded"
)

// EscrowDeposited is emitted once funds for an order have been pulled from the
// payer into the escrow vault.
type EscrowDeposited struct {
	OrderID [32]byte
	Payer   [20]byte
	Token   string
	Amount  *big.Int
}

func (EscrowDeposited) EventType() string { return TypeEscrowDeposited }

func (e EscrowDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowDeposited,
		Attributes: map[string]string{
			"orderId": hex.EncodeToString(e.OrderID[:]),
			"payer":   addrHex(e.Payer),
			"token":   e.Token,
			"amount":  formatAmount(e.Amount),
		},
	}
}

// EscrowWithdrawn is emitted when the payee extracts an order's remaining
// balance after the holding period.
type EscrowWithdrawn struct {
	OrderID [32]byte
	Payee   [20]byte
	Token   string
	Amount  *big.Int
}

func (EscrowWithdrawn) EventType() string { return TypeEscrowWithdrawn }

func (e EscrowWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowWithdrawn,
		Attributes: map[string]string{
			"orderId": hex.EncodeToString(e.OrderID[:]),
			"payee":   addrHex(e.Payee),
			"token":   e.Token,
			"amount":  formatAmount(e.Amount),
		},
	}
}

// EscrowBulkWithdrawn summarizes one bounded bulk-withdrawal batch. Totals are
// keyed by token symbol.
type EscrowBulkWithdrawn struct {
	Payee  [20]byte
	Count  int
	Totals map[string]*big.Int
}

func (EscrowBulkWithdrawn) EventType() string { return TypeEscrowBulkWithdrawn }

func (e EscrowBulkWithdrawn) Event() *types.Event {
	attrs := map[string]string{
		"payee": addrHex(e.Payee),
		"count": strconv.Itoa(e.Count),
	}
	tokens := make([]string, 0, len(e.Totals))
	for token := range e.Totals {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		attrs["total."+token] = formatAmount(e.Totals[token])
	}
	return &types.Event{Type: TypeEscrowBulkWithdrawn, Attributes: attrs}
}

// EscrowRefunded is emitted when the administrator returns part or all of an
// order's remaining balance to the payer.
type EscrowRefunded struct {
	OrderID [32]byte
	Payer   [20]byte
	Token   string
	Amount  *big.Int
}

func (EscrowRefunded) EventType() string { return TypeEscrowRefunded }

func (e EscrowRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeEscrowRefunded,
		Attributes: map[string]string{
			"orderId": hex.EncodeToString(e.OrderID[:]),
			"payer":   addrHex(e.Payer),
			"token":   e.Token,
			"amount":  formatAmount(e.Amount),
		},
	}
}

func addrHex(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
