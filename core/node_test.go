package core

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"paylock/core/events"
	"paylock/native/escrow"
	"paylock/storage"
)

func nodeAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func nodeOrderID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node := NewNode(storage.NewMemDB())
	node.SetNowFunc(func() int64 { return 1_000 })
	if err := node.RegisterToken("USDC", "USD Coin", 6); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := node.Initialize(nodeAddress(0x01)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return node
}

// fundAndApprove seeds the payer balance and grants the vault the pull
// authorization a deposit consumes.
func fundAndApprove(t *testing.T, node *Node, payer [20]byte, amount int64) {
	t.Helper()
	if err := node.SetBalance(payer, "USDC", big.NewInt(amount)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if err := node.Approve(payer, "USDC", big.NewInt(amount)); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func TestNodeEscrowLifecycle(t *testing.T) {
	node := newTestNode(t)
	adminAddr := nodeAddress(0x01)
	payer := nodeAddress(0x10)
	payee := nodeAddress(0x20)
	id := nodeOrderID(0x42)
	fundAndApprove(t, node, payer, 100)

	if err := node.Deposit(adminAddr, id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, err := node.Balance(payer, "USDC")
	if err != nil {
		t.Fatalf("payer balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("payer not debited: %s", balance)
	}
	vault, err := node.VaultAddress("USDC")
	if err != nil {
		t.Fatalf("vault address: %v", err)
	}
	vaultBal, err := node.Balance(vault, "USDC")
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if vaultBal.Int64() != 100 {
		t.Fatalf("vault holds %s, want 100", vaultBal)
	}

	if err := node.SetReleaseTime(adminAddr, id, payee, 2_000); err != nil {
		t.Fatalf("set release time: %v", err)
	}
	if err := node.Withdraw(payee, id); !errors.Is(err, escrow.ErrHoldingPeriodNotElapsed) {
		t.Fatalf("expected holding period rejection, got %v", err)
	}
	node.SetNowFunc(func() int64 { return 2_500 })
	if err := node.Withdraw(payee, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	payeeBal, err := node.Balance(payee, "USDC")
	if err != nil {
		t.Fatalf("payee balance: %v", err)
	}
	if payeeBal.Int64() != 100 {
		t.Fatalf("payee holds %s, want 100", payeeBal)
	}
	remaining, err := node.BalanceOf(id)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("order remainder not zeroed")
	}
}

func TestNodeRollsBackFailedDeposit(t *testing.T) {
	node := newTestNode(t)
	adminAddr := nodeAddress(0x01)
	payer := nodeAddress(0x10)
	id := nodeOrderID(0x42)

	// Balance present but no approval: the pull fails and nothing commits.
	if err := node.SetBalance(payer, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	err := node.Deposit(adminAddr, id, big.NewInt(100), "USDC", payer)
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := node.OrderGet(id); !errors.Is(err, escrow.ErrNoDeposit) {
		t.Fatalf("failed deposit left an order behind: %v", err)
	}
	balance, err := node.Balance(payer, "USDC")
	if err != nil {
		t.Fatalf("payer balance: %v", err)
	}
	if balance.Int64() != 100 {
		t.Fatalf("failed deposit moved funds: %s", balance)
	}
}

func TestNodeRefundRestoresPayer(t *testing.T) {
	node := newTestNode(t)
	adminAddr := nodeAddress(0x01)
	payer := nodeAddress(0x10)
	id := nodeOrderID(0x42)
	fundAndApprove(t, node, payer, 100)

	if err := node.Deposit(adminAddr, id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := node.Refund(adminAddr, id, big.NewInt(40)); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if err := node.Refund(adminAddr, id, nil); err != nil {
		t.Fatalf("full refund: %v", err)
	}
	balance, err := node.Balance(payer, "USDC")
	if err != nil {
		t.Fatalf("payer balance: %v", err)
	}
	if balance.Int64() != 100 {
		t.Fatalf("payer holds %s after full refund", balance)
	}
	record, ok, err := node.RefundThread(id)
	if err != nil {
		t.Fatalf("refund thread: %v", err)
	}
	if !ok {
		t.Fatalf("refund thread missing")
	}
	if len(record.Refunds) != 2 {
		t.Fatalf("expected 2 refund links, got %d", len(record.Refunds))
	}
	if record.CumulativeRefunded.Int64() != 100 {
		t.Fatalf("cumulative refunded %s, want 100", record.CumulativeRefunded)
	}
}

func TestNodeBulkWithdraw(t *testing.T) {
	node := newTestNode(t)
	adminAddr := nodeAddress(0x01)
	payer := nodeAddress(0x10)
	payee := nodeAddress(0x20)
	fundAndApprove(t, node, payer, 150)

	for i := 0; i < 3; i++ {
		id := nodeOrderID(byte(0x40 + i))
		if err := node.Deposit(adminAddr, id, big.NewInt(50), "USDC", payer); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		if err := node.SetReleaseTime(adminAddr, id, payee, 500); err != nil {
			t.Fatalf("set release time %d: %v", i, err)
		}
	}
	count, totals, err := node.BulkWithdraw(payee)
	if err != nil {
		t.Fatalf("bulk withdraw: %v", err)
	}
	if count != 3 || totals["USDC"].Int64() != 150 {
		t.Fatalf("unexpected bulk result: %d / %v", count, totals)
	}
	pending, err := node.Pending(payee)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("index not drained")
	}
	if _, _, err := node.BulkWithdraw(payee); !errors.Is(err, escrow.ErrNoEligibleOrders) {
		t.Fatalf("expected ErrNoEligibleOrders, got %v", err)
	}
}

func TestNodePublishesEventsAfterCommit(t *testing.T) {
	node := newTestNode(t)
	adminAddr := nodeAddress(0x01)
	payer := nodeAddress(0x10)
	id := nodeOrderID(0x42)

	var seen []string
	node.SetEmitter(emitterFunc(func(evt events.Event) {
		seen = append(seen, evt.EventType())
	}))

	// A failed deposit publishes nothing.
	if err := node.Deposit(adminAddr, id, big.NewInt(100), "USDC", payer); err == nil {
		t.Fatalf("expected deposit failure")
	}
	if len(seen) != 0 {
		t.Fatalf("failed transition published events: %v", seen)
	}

	fundAndApprove(t, node, payer, 100)
	if err := node.Deposit(adminAddr, id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(seen) != 1 || seen[0] != events.TypeEscrowDeposited {
		t.Fatalf("unexpected events: %v", seen)
	}
	recent := node.RecentEvents()
	if len(recent) != 1 || recent[0].Type != events.TypeEscrowDeposited {
		t.Fatalf("recent events not recorded: %v", recent)
	}
	if recent[0].Attributes["token"] != "USDC" {
		t.Fatalf("rendered event missing token attribute: %v", recent[0].Attributes)
	}
}

type emitterFunc func(events.Event)

func (f emitterFunc) Emit(evt events.Event) { f(evt) }

func TestNodeAllowanceSurface(t *testing.T) {
	node := newTestNode(t)
	payer := nodeAddress(0x10)
	if err := node.SetBalance(payer, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if err := node.Approve(payer, "USDC", big.NewInt(60)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	allowance, err := node.Allowance(payer, "USDC")
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Int64() != 60 {
		t.Fatalf("allowance %s, want 60", allowance)
	}
	if err := node.Deposit(nodeAddress(0x01), nodeOrderID(0x42), big.NewInt(60), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	allowance, err = node.Allowance(payer, "USDC")
	if err != nil {
		t.Fatalf("allowance after deposit: %v", err)
	}
	if allowance.Sign() != 0 {
		t.Fatalf("deposit did not consume allowance: %s", allowance)
	}
}

func TestNodeInitializeOnce(t *testing.T) {
	node := newTestNode(t)
	if err := node.Initialize(nodeAddress(0x02)); !errors.Is(err, escrow.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	got, err := node.Admin()
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if got != nodeAddress(0x01) {
		t.Fatalf("admin changed by failed initialize")
	}
}
