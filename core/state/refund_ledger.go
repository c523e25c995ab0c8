package state

import (
	"fmt"
	"math/big"
)

var refundLedgerPrefix = []byte("escrow/refunds/")

// RefundLedger provides helpers for linking refunds back to their originating
// order deposit and enforcing refund invariants: the cumulative refunded
// amount can never exceed the original deposit.
type RefundLedger struct {
	manager *Manager
}

// RefundRecord captures the stored refund thread for a given order.
type RefundRecord struct {
	OrderID            [32]byte
	OriginAmount       *big.Int
	OriginTimestamp    uint64
	CumulativeRefunded *big.Int
	Refunds            []RefundLink
}

// RefundLink describes an individual refund entry tied to an order.
type RefundLink struct {
	RefundID  [32]byte
	Amount    *big.Int
	Timestamp uint64
}

type storedRefundRecord struct {
	OriginAmount       *big.Int
	OriginTimestamp    uint64
	CumulativeRefunded *big.Int
	Refunds            []storedRefundLink
}

type storedRefundLink struct {
	RefundID  [32]byte
	Amount    *big.Int
	Timestamp uint64
}

// RefundLedger returns a refund ledger helper bound to the manager.
func (m *Manager) RefundLedger() *RefundLedger {
	if m == nil {
		return nil
	}
	return &RefundLedger{manager: m}
}

// RefundOriginRecord stores the deposit amount for later refund tracking. It
// is the flat helper the escrow engine's state interface consumes.
func (m *Manager) RefundOriginRecord(orderID [32]byte, amount *big.Int, timestamp uint64) error {
	_, err := m.RefundLedger().RecordOrigin(orderID, amount, timestamp)
	return err
}

// RefundApply appends a refund entry to the order's refund thread and updates
// the cumulative tally.
func (m *Manager) RefundApply(orderID, refundID [32]byte, amount *big.Int, timestamp uint64) error {
	_, err := m.RefundLedger().ApplyRefund(orderID, refundID, amount, timestamp)
	return err
}

// RecordOrigin initialises the ledger entry for an order deposit if it has not
// been recorded already. Origin amounts must be strictly positive.
func (l *RefundLedger) RecordOrigin(orderID [32]byte, amount *big.Int, timestamp uint64) (*RefundRecord, error) {
	if l == nil || l.manager == nil {
		return nil, fmt.Errorf("refund: ledger unavailable")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("refund: origin amount must be positive")
	}
	key := refundLedgerKey(orderID)
	var stored storedRefundRecord
	if ok, err := l.manager.KVGet(key, &stored); err != nil {
		return nil, err
	} else if ok {
		if stored.OriginAmount == nil {
			return nil, fmt.Errorf("refund: origin amount missing for %x", orderID)
		}
		if stored.OriginAmount.Cmp(amount) != 0 {
			return nil, fmt.Errorf("refund: order %x already recorded with amount %s", orderID, stored.OriginAmount)
		}
		return refundRecordFromStored(orderID, &stored), nil
	}
	record := storedRefundRecord{
		OriginAmount:       new(big.Int).Set(amount),
		OriginTimestamp:    timestamp,
		CumulativeRefunded: big.NewInt(0),
		Refunds:            make([]storedRefundLink, 0),
	}
	if err := l.manager.KVPut(key, &record); err != nil {
		return nil, err
	}
	return refundRecordFromStored(orderID, &record), nil
}

// ValidateRefund ensures the requested refund will not exceed the origin
// amount.
func (l *RefundLedger) ValidateRefund(orderID [32]byte, amount *big.Int) error {
	if l == nil || l.manager == nil {
		return fmt.Errorf("refund: ledger unavailable")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("refund: refund amount must be positive")
	}
	stored, ok, err := l.load(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("refund: order %x not found", orderID)
	}
	if stored.OriginAmount == nil {
		return fmt.Errorf("refund: origin amount missing for %x", orderID)
	}
	cumulative := stored.CumulativeRefunded
	if cumulative == nil {
		cumulative = big.NewInt(0)
	}
	next := new(big.Int).Add(cumulative, amount)
	if next.Cmp(stored.OriginAmount) > 0 {
		return fmt.Errorf("refund: cumulative refunds %s exceed origin amount %s", next.String(), stored.OriginAmount.String())
	}
	return nil
}

// ApplyRefund records a refund entry and updates the cumulative refunded
// amount. Validation should be performed via ValidateRefund prior to calling
// this method to avoid mid-transaction failures.
func (l *RefundLedger) ApplyRefund(orderID [32]byte, refundID [32]byte, amount *big.Int, timestamp uint64) (*RefundRecord, error) {
	if l == nil || l.manager == nil {
		return nil, fmt.Errorf("refund: ledger unavailable")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("refund: refund amount must be positive")
	}
	key := refundLedgerKey(orderID)
	stored, ok, err := l.load(orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("refund: order %x not found", orderID)
	}
	if stored.OriginAmount == nil {
		return nil, fmt.Errorf("refund: origin amount missing for %x", orderID)
	}
	if stored.CumulativeRefunded == nil {
		stored.CumulativeRefunded = big.NewInt(0)
	}
	next := new(big.Int).Add(stored.CumulativeRefunded, amount)
	if next.Cmp(stored.OriginAmount) > 0 {
		return nil, fmt.Errorf("refund: cumulative refunds %s exceed origin amount %s", next.String(), stored.OriginAmount.String())
	}
	entry := storedRefundLink{
		RefundID:  refundID,
		Amount:    new(big.Int).Set(amount),
		Timestamp: timestamp,
	}
	stored.CumulativeRefunded = next
	stored.Refunds = append(stored.Refunds, entry)
	if err := l.manager.KVPut(key, stored); err != nil {
		return nil, err
	}
	return refundRecordFromStored(orderID, stored), nil
}

// Thread returns the complete refund record for the supplied order.
func (l *RefundLedger) Thread(orderID [32]byte) (*RefundRecord, bool, error) {
	if l == nil || l.manager == nil {
		return nil, false, fmt.Errorf("refund: ledger unavailable")
	}
	stored, ok, err := l.load(orderID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return refundRecordFromStored(orderID, stored), true, nil
}

func (l *RefundLedger) load(orderID [32]byte) (*storedRefundRecord, bool, error) {
	if l == nil || l.manager == nil {
		return nil, false, fmt.Errorf("refund: ledger unavailable")
	}
	key := refundLedgerKey(orderID)
	var stored storedRefundRecord
	ok, err := l.manager.KVGet(key, &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if stored.Refunds == nil {
		stored.Refunds = make([]storedRefundLink, 0)
	}
	return &stored, true, nil
}

func refundLedgerKey(orderID [32]byte) []byte {
	key := make([]byte, len(refundLedgerPrefix)+len(orderID))
	copy(key, refundLedgerPrefix)
	copy(key[len(refundLedgerPrefix):], orderID[:])
	return key
}

func refundRecordFromStored(orderID [32]byte, stored *storedRefundRecord) *RefundRecord {
	if stored == nil {
		return nil
	}
	record := &RefundRecord{
		OrderID:            orderID,
		OriginAmount:       big.NewInt(0),
		OriginTimestamp:    stored.OriginTimestamp,
		CumulativeRefunded: big.NewInt(0),
		Refunds:            make([]RefundLink, 0, len(stored.Refunds)),
	}
	if stored.OriginAmount != nil {
		record.OriginAmount = new(big.Int).Set(stored.OriginAmount)
	}
	if stored.CumulativeRefunded != nil {
		record.CumulativeRefunded = new(big.Int).Set(stored.CumulativeRefunded)
	}
	for _, link := range stored.Refunds {
		amount := big.NewInt(0)
		if link.Amount != nil {
			amount = new(big.Int).Set(link.Amount)
		}
		record.Refunds = append(record.Refunds, RefundLink{
			RefundID:  link.RefundID,
			Amount:    amount,
			Timestamp: link.Timestamp,
		})
	}
	return record
}
