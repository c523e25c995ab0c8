package bank

import (
	"errors"
	"fmt"
	"math/big"

	"paylock/native/escrow"
)

var (
	ErrUnknownToken          = errors.New("bank: token not registered")
	ErrInvalidAmount         = errors.New("bank: transfer amount must be positive")
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
)

// Ledger is the balance and allowance surface the transfer port operates on.
// *state.Manager satisfies it.
type Ledger interface {
	TokenExists(symbol string) bool
	Balance(addr []byte, symbol string) (*big.Int, error)
	SetBalance(addr []byte, symbol string, amount *big.Int) error
	Allowance(owner, spender []byte, symbol string) (*big.Int, error)
	SetAllowance(owner, spender []byte, symbol string, amount *big.Int) error
}

// Port moves fungible-token balances between ledger accounts. Pull requires a
// pre-existing allowance from the source account; both operations fail
// atomically when authorization or balance is insufficient.
type Port struct {
	ledger Ledger
}

// NewPort creates a transfer port bound to the provided ledger.
func NewPort(ledger Ledger) *Port {
	return &Port{ledger: ledger}
}

// Pull moves amount of token from `from` to `to`, consuming the allowance the
// source granted to the destination account.
func (p *Port) Pull(token string, from, to [20]byte, amount *big.Int) error {
	normalized, err := p.check(token, amount)
	if err != nil {
		return err
	}
	allowance, err := p.ledger.Allowance(from[:], to[:], normalized)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := p.move(normalized, from, to, amount); err != nil {
		return err
	}
	return p.ledger.SetAllowance(from[:], to[:], normalized, new(big.Int).Sub(allowance, amount))
}

// Push moves amount of token out of `from` on the holder's own authority.
func (p *Port) Push(token string, from, to [20]byte, amount *big.Int) error {
	normalized, err := p.check(token, amount)
	if err != nil {
		return err
	}
	return p.move(normalized, from, to, amount)
}

func (p *Port) check(token string, amount *big.Int) (string, error) {
	if p == nil || p.ledger == nil {
		return "", fmt.Errorf("bank: ledger not configured")
	}
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return "", err
	}
	if !p.ledger.TokenExists(normalized) {
		return "", ErrUnknownToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	return normalized, nil
}

func (p *Port) move(token string, from, to [20]byte, amount *big.Int) error {
	fromBalance, err := p.ledger.Balance(from[:], token)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := p.ledger.Balance(to[:], token)
	if err != nil {
		return err
	}
	if err := p.ledger.SetBalance(from[:], token, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return p.ledger.SetBalance(to[:], token, new(big.Int).Add(toBalance, amount))
}

// Approve grants the spender the right to pull up to amount of token from the
// owner's balance. A fresh approval replaces the previous one.
func Approve(ledger Ledger, token string, owner, spender [20]byte, amount *big.Int) error {
	if ledger == nil {
		return fmt.Errorf("bank: ledger not configured")
	}
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	if !ledger.TokenExists(normalized) {
		return ErrUnknownToken
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return ledger.SetAllowance(owner[:], spender[:], normalized, amount)
}
