package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"paylock/native/escrow"
)

var (
	orderPrefix   = []byte("escrow/order/")
	pendingPrefix = []byte("escrow/pending/")
	vaultPrefix   = []byte("paylock/vault:")
	adminKey      = ethcrypto.Keccak256([]byte("escrow/admin"))
)

// storedOrder is the RLP-friendly representation of an escrow order. RLP has
// no signed integers, so timestamps are persisted as uint64.
type storedOrder struct {
	Token       string
	Payer       [20]byte
	Payee       [20]byte
	Amount      *big.Int
	Remaining   *big.Int
	ReleaseTime uint64
	CreatedAt   uint64
	Status      uint8
}

func orderKey(id [32]byte) []byte {
	buf := make([]byte, len(orderPrefix)+len(id))
	copy(buf, orderPrefix)
	copy(buf[len(orderPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func pendingKey(payee [20]byte) []byte {
	buf := make([]byte, len(pendingPrefix)+len(payee))
	copy(buf, pendingPrefix)
	copy(buf[len(pendingPrefix):], payee[:])
	return buf
}

// OrderPut validates and persists an order record.
func (m *Manager) OrderPut(order *escrow.Order) error {
	sanitized, err := escrow.SanitizeOrder(order)
	if err != nil {
		return err
	}
	stored := storedOrder{
		Token:       sanitized.Token,
		Payer:       sanitized.Payer,
		Payee:       sanitized.Payee,
		Amount:      sanitized.Amount,
		Remaining:   sanitized.Remaining,
		ReleaseTime: uint64(sanitized.ReleaseTime),
		CreatedAt:   uint64(sanitized.CreatedAt),
		Status:      uint8(sanitized.Status),
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.db.Put(orderKey(sanitized.ID), encoded)
}

// OrderGet retrieves the order stored for the provided identifier. The caller
// receives a clone and may mutate it freely.
func (m *Manager) OrderGet(id [32]byte) (*escrow.Order, bool) {
	data, err := m.read(orderKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var stored storedOrder
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false
	}
	order := &escrow.Order{
		ID:          id,
		Token:       stored.Token,
		Payer:       stored.Payer,
		Payee:       stored.Payee,
		Amount:      stored.Amount,
		Remaining:   stored.Remaining,
		ReleaseTime: int64(stored.ReleaseTime),
		CreatedAt:   int64(stored.CreatedAt),
		Status:      escrow.OrderStatus(stored.Status),
	}
	return order.Clone(), true
}

// OrderVaultAddress derives the deterministic vault account holding escrowed
// funds for the provided token.
func (m *Manager) OrderVaultAddress(token string) ([20]byte, error) {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return [20]byte{}, err
	}
	buf := make([]byte, len(vaultPrefix)+len(normalized))
	copy(buf, vaultPrefix)
	copy(buf[len(vaultPrefix):], normalized)
	hash := ethcrypto.Keccak256(buf)
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr, nil
}

// EscrowAdminGet returns the configured administrator, when set.
func (m *Manager) EscrowAdminGet() ([20]byte, bool) {
	var admin [20]byte
	data, err := m.read(adminKey)
	if err != nil || len(data) != len(admin) {
		return admin, false
	}
	copy(admin[:], data)
	return admin, true
}

// EscrowAdminSet stores the administrator identity. Enforcing the one-time
// semantics is the engine's job; the manager is a dumb store.
func (m *Manager) EscrowAdminSet(admin [20]byte) error {
	if admin == ([20]byte{}) {
		return fmt.Errorf("state: administrator must not be the zero address")
	}
	return m.db.Put(adminKey, admin[:])
}

// PendingWithdrawalAdd queues an order on the payee's pending-withdrawal
// index. Duplicate entries are ignored.
func (m *Manager) PendingWithdrawalAdd(payee [20]byte, id [32]byte) error {
	return m.KVAppend(pendingKey(payee), id[:])
}

// PendingWithdrawalRemove drops an order from the payee's pending index.
func (m *Manager) PendingWithdrawalRemove(payee [20]byte, id [32]byte) error {
	return m.KVRemove(pendingKey(payee), id[:])
}

// PendingWithdrawals returns the order identifiers currently queued for the
// payee, oldest first.
func (m *Manager) PendingWithdrawals(payee [20]byte) ([][32]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(pendingKey(payee), &raw); err != nil {
		return nil, err
	}
	ids := make([][32]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 32 {
			return nil, fmt.Errorf("state: malformed pending index entry (%d bytes)", len(entry))
		}
		var id [32]byte
		copy(id[:], entry)
		ids = append(ids, id)
	}
	return ids, nil
}
