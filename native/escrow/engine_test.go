package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"paylock/core/events"
)

type mockState struct {
	orders     map[[32]byte]*Order
	admin      [20]byte
	adminSet   bool
	pending    map[[20]byte][][32]byte
	vaultAddrs map[string][20]byte
	tokens     map[string]bool
	origins    map[[32]byte]*big.Int
	refunded   map[[32]byte]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		orders:  make(map[[32]byte]*Order),
		pending: make(map[[20]byte][][32]byte),
		vaultAddrs: map[string][20]byte{
			"USDC": newTestAddress(0xAA),
			"DAI":  newTestAddress(0xBB),
		},
		tokens:   map[string]bool{"USDC": true, "DAI": true},
		origins:  make(map[[32]byte]*big.Int),
		refunded: make(map[[32]byte]*big.Int),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newOrderID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

func (m *mockState) OrderPut(order *Order) error {
	sanitized, err := SanitizeOrder(order)
	if err != nil {
		return err
	}
	m.orders[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) OrderGet(id [32]byte) (*Order, bool) {
	order, ok := m.orders[id]
	if !ok {
		return nil, false
	}
	return order.Clone(), true
}

func (m *mockState) OrderVaultAddress(token string) ([20]byte, error) {
	addr, ok := m.vaultAddrs[token]
	if !ok {
		return [20]byte{}, fmt.Errorf("no vault for %s", token)
	}
	return addr, nil
}

func (m *mockState) TokenExists(symbol string) bool { return m.tokens[symbol] }

func (m *mockState) EscrowAdminGet() ([20]byte, bool) { return m.admin, m.adminSet }

func (m *mockState) EscrowAdminSet(admin [20]byte) error {
	m.admin = admin
	m.adminSet = true
	return nil
}

func (m *mockState) PendingWithdrawalAdd(payee [20]byte, id [32]byte) error {
	for _, existing := range m.pending[payee] {
		if existing == id {
			return nil
		}
	}
	m.pending[payee] = append(m.pending[payee], id)
	return nil
}

func (m *mockState) PendingWithdrawalRemove(payee [20]byte, id [32]byte) error {
	kept := m.pending[payee][:0]
	for _, existing := range m.pending[payee] {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	m.pending[payee] = kept
	return nil
}

func (m *mockState) PendingWithdrawals(payee [20]byte) ([][32]byte, error) {
	return append([][32]byte(nil), m.pending[payee]...), nil
}

func (m *mockState) RefundOriginRecord(orderID [32]byte, amount *big.Int, timestamp uint64) error {
	if existing, ok := m.origins[orderID]; ok {
		if existing.Cmp(amount) != 0 {
			return fmt.Errorf("origin amount mismatch")
		}
		return nil
	}
	m.origins[orderID] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) RefundApply(orderID, refundID [32]byte, amount *big.Int, timestamp uint64) error {
	total, ok := m.refunded[orderID]
	if !ok {
		total = big.NewInt(0)
		m.refunded[orderID] = total
	}
	total.Add(total, amount)
	origin, ok := m.origins[orderID]
	if !ok {
		return fmt.Errorf("no origin record")
	}
	if total.Cmp(origin) > 0 {
		return fmt.Errorf("cumulative refund exceeds origin")
	}
	return nil
}

// mockPort tracks balances per token and address so transfers can be asserted.
type mockPort struct {
	balances map[string]map[[20]byte]*big.Int
	failPush bool
	pulls    int
	pushes   int
}

func newMockPort() *mockPort {
	return &mockPort{balances: make(map[string]map[[20]byte]*big.Int)}
}

func (p *mockPort) balance(token string, addr [20]byte) *big.Int {
	byAddr, ok := p.balances[token]
	if !ok {
		byAddr = make(map[[20]byte]*big.Int)
		p.balances[token] = byAddr
	}
	bal, ok := byAddr[addr]
	if !ok {
		bal = big.NewInt(0)
		byAddr[addr] = bal
	}
	return bal
}

func (p *mockPort) fund(token string, addr [20]byte, amount int64) {
	p.balance(token, addr).SetInt64(amount)
}

func (p *mockPort) Pull(token string, from, to [20]byte, amount *big.Int) error {
	p.pulls++
	src := p.balance(token, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	src.Sub(src, amount)
	p.balance(token, to).Add(p.balance(token, to), amount)
	return nil
}

func (p *mockPort) Push(token string, from, to [20]byte, amount *big.Int) error {
	p.pushes++
	if p.failPush {
		return fmt.Errorf("push rejected")
	}
	src := p.balance(token, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient vault balance")
	}
	src.Sub(src, amount)
	p.balance(token, to).Add(p.balance(token, to), amount)
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func newTestEngine(t *testing.T) (*Engine, *mockState, *mockPort) {
	t.Helper()
	state := newMockState()
	port := newMockPort()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetTokenPort(port)
	engine.SetNowFunc(func() int64 { return 1_000 })
	if err := engine.Initialize(newTestAddress(0x01)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return engine, state, port
}

func admin() [20]byte { return newTestAddress(0x01) }

func TestInitializeOnce(t *testing.T) {
	engine := NewEngine()
	engine.SetState(newMockState())
	engine.SetTokenPort(newMockPort())
	if err := engine.Initialize(newTestAddress(0x01)); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	if err := engine.Initialize(newTestAddress(0x02)); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	got, err := engine.Admin()
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if got != newTestAddress(0x01) {
		t.Fatalf("admin overwritten by failed initialize")
	}
}

func TestDepositCreatesOrder(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 500)

	if err := engine.Deposit(admin(), id, big.NewInt(500), "usdc", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order, ok := state.OrderGet(id)
	if !ok {
		t.Fatalf("order not stored")
	}
	if order.Token != "USDC" {
		t.Fatalf("token not normalized: %s", order.Token)
	}
	if order.Amount.Int64() != 500 || order.Remaining.Int64() != 500 {
		t.Fatalf("unexpected amounts: %s / %s", order.Amount, order.Remaining)
	}
	if order.Status != OrderFunded {
		t.Fatalf("unexpected status %v", order.Status)
	}
	vault := state.vaultAddrs["USDC"]
	if port.balance("USDC", vault).Int64() != 500 {
		t.Fatalf("vault not funded")
	}
	if port.balance("USDC", payer).Sign() != 0 {
		t.Fatalf("payer not debited")
	}
}

func TestDepositRejectsDuplicate(t *testing.T) {
	engine, _, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 1_000)

	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Deposit(admin(), id, big.NewInt(200), "USDC", payer); !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("expected ErrDuplicateDeposit, got %v", err)
	}
	if port.balance("USDC", payer).Int64() != 900 {
		t.Fatalf("duplicate deposit moved funds")
	}
}

func TestDepositValidation(t *testing.T) {
	engine, _, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	port.fund("USDC", payer, 100)

	if err := engine.Deposit(newTestAddress(0x99), newOrderID(0x01), big.NewInt(10), "USDC", payer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Deposit(admin(), newOrderID(0x01), big.NewInt(0), "USDC", payer); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := engine.Deposit(admin(), newOrderID(0x01), big.NewInt(-5), "USDC", payer); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if err := engine.Deposit(admin(), newOrderID(0x01), big.NewInt(10), "WETH", payer); err == nil {
		t.Fatalf("expected unsupported token error")
	}
	if err := engine.Deposit(admin(), newOrderID(0x01), big.NewInt(10), "USDC", [20]byte{}); err == nil {
		t.Fatalf("expected zero payer rejection")
	}
	if err := engine.Deposit(admin(), newOrderID(0x01), big.NewInt(999), "USDC", payer); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestSetReleaseTimeOnce(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 100)

	if err := engine.SetReleaseTime(admin(), id, payee, 2_000); !errors.Is(err, ErrNoDeposit) {
		t.Fatalf("expected ErrNoDeposit, got %v", err)
	}
	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.SetReleaseTime(newTestAddress(0x99), id, payee, 2_000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetReleaseTime(admin(), id, payee, 2_000); err != nil {
		t.Fatalf("set release time: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), id, newTestAddress(0x21), 3_000); !errors.Is(err, ErrPayeeAlreadySet) {
		t.Fatalf("expected ErrPayeeAlreadySet, got %v", err)
	}
	order, _ := state.OrderGet(id)
	if order.Payee != payee || order.ReleaseTime != 2_000 {
		t.Fatalf("release assignment not persisted")
	}
	pending, _ := state.PendingWithdrawals(payee)
	if len(pending) != 1 || pending[0] != id {
		t.Fatalf("order not queued for payee")
	}
}

func TestWithdrawRespectsHoldingPeriod(t *testing.T) {
	engine, _, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 100)

	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), id, payee, 2_000); err != nil {
		t.Fatalf("set release time: %v", err)
	}
	if err := engine.Withdraw(payee, id); !errors.Is(err, ErrHoldingPeriodNotElapsed) {
		t.Fatalf("expected ErrHoldingPeriodNotElapsed, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return 2_000 })
	if err := engine.Withdraw(newTestAddress(0x99), id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Withdraw(payee, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if port.balance("USDC", payee).Int64() != 100 {
		t.Fatalf("payee not paid")
	}
	if err := engine.Withdraw(payee, id); !errors.Is(err, ErrAlreadyWithdrawn) {
		t.Fatalf("expected ErrAlreadyWithdrawn, got %v", err)
	}
}

func TestWithdrawClearsPendingIndex(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 100)

	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), id, payee, 500); err != nil {
		t.Fatalf("set release time: %v", err)
	}
	if err := engine.Withdraw(payee, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	pending, _ := state.PendingWithdrawals(payee)
	if len(pending) != 0 {
		t.Fatalf("index still holds %d entries", len(pending))
	}
	order, _ := state.OrderGet(id)
	if order.Status != OrderWithdrawn {
		t.Fatalf("unexpected status %v", order.Status)
	}
}

func TestBulkWithdrawPaysAllEligible(t *testing.T) {
	engine, _, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	port.fund("USDC", payer, 150)

	for i := 0; i < 3; i++ {
		id := newOrderID(byte(0x40 + i))
		if err := engine.Deposit(admin(), id, big.NewInt(50), "USDC", payer); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		if err := engine.SetReleaseTime(admin(), id, payee, 500); err != nil {
			t.Fatalf("set release time %d: %v", i, err)
		}
	}
	count, totals, err := engine.BulkWithdraw(payee)
	if err != nil {
		t.Fatalf("bulk withdraw: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 payouts, got %d", count)
	}
	if totals["USDC"].Int64() != 150 {
		t.Fatalf("expected 150 total, got %s", totals["USDC"])
	}
	if port.balance("USDC", payee).Int64() != 150 {
		t.Fatalf("payee balance %s", port.balance("USDC", payee))
	}
	if _, _, err := engine.BulkWithdraw(payee); !errors.Is(err, ErrNoEligibleOrders) {
		t.Fatalf("expected ErrNoEligibleOrders, got %v", err)
	}
}

func TestBulkWithdrawSkipsUnreleased(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	port.fund("USDC", payer, 200)

	early := newOrderID(0x41)
	late := newOrderID(0x42)
	if err := engine.Deposit(admin(), early, big.NewInt(80), "USDC", payer); err != nil {
		t.Fatalf("deposit early: %v", err)
	}
	if err := engine.Deposit(admin(), late, big.NewInt(120), "USDC", payer); err != nil {
		t.Fatalf("deposit late: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), early, payee, 500); err != nil {
		t.Fatalf("set release time early: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), late, payee, 5_000); err != nil {
		t.Fatalf("set release time late: %v", err)
	}
	count, totals, err := engine.BulkWithdraw(payee)
	if err != nil {
		t.Fatalf("bulk withdraw: %v", err)
	}
	if count != 1 || totals["USDC"].Int64() != 80 {
		t.Fatalf("expected single 80 payout, got %d / %v", count, totals)
	}
	pending, _ := state.PendingWithdrawals(payee)
	if len(pending) != 1 || pending[0] != late {
		t.Fatalf("unreleased order not kept in index")
	}
}

func TestBulkWithdrawHonorsBatchBound(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	port.fund("USDC", payer, 100)
	engine.SetMaxBatchSize(2)

	for i := 0; i < 5; i++ {
		id := newOrderID(byte(0x40 + i))
		if err := engine.Deposit(admin(), id, big.NewInt(20), "USDC", payer); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		if err := engine.SetReleaseTime(admin(), id, payee, 500); err != nil {
			t.Fatalf("set release time %d: %v", i, err)
		}
	}
	count, _, err := engine.BulkWithdraw(payee)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 payouts, got %d", count)
	}
	pending, _ := state.PendingWithdrawals(payee)
	if len(pending) != 3 {
		t.Fatalf("expected 3 queued leftovers, got %d", len(pending))
	}
	count, _, err = engine.BulkWithdraw(payee)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 payouts in second batch, got %d", count)
	}
	count, _, err = engine.BulkWithdraw(payee)
	if err != nil {
		t.Fatalf("third batch: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected final payout, got %d", count)
	}
}

func TestBulkWithdrawAbortsOnPortFailure(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	port.fund("USDC", payer, 100)

	for i := 0; i < 2; i++ {
		id := newOrderID(byte(0x40 + i))
		if err := engine.Deposit(admin(), id, big.NewInt(50), "USDC", payer); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		if err := engine.SetReleaseTime(admin(), id, payee, 500); err != nil {
			t.Fatalf("set release time %d: %v", i, err)
		}
	}
	port.failPush = true
	if _, _, err := engine.BulkWithdraw(payee); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	// The engine surfaced the failure; the enclosing transition discards the
	// partial writes, so only the untouched mock index is asserted here.
	pending, _ := state.PendingWithdrawals(payee)
	if len(pending) == 0 {
		t.Fatalf("index drained despite aborted batch")
	}
}

func TestRefundPartialThenFull(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 100)

	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Refund(admin(), id, big.NewInt(40)); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	order, _ := state.OrderGet(id)
	if order.Remaining.Int64() != 60 {
		t.Fatalf("expected 60 remaining, got %s", order.Remaining)
	}
	if order.Status != OrderFunded {
		t.Fatalf("partial refund changed status to %v", order.Status)
	}
	if err := engine.Refund(admin(), id, big.NewInt(70)); !errors.Is(err, ErrRefundExceedsBalance) {
		t.Fatalf("expected ErrRefundExceedsBalance, got %v", err)
	}
	if err := engine.Refund(admin(), id, big.NewInt(0)); err != nil {
		t.Fatalf("full refund: %v", err)
	}
	order, _ = state.OrderGet(id)
	if order.Remaining.Sign() != 0 {
		t.Fatalf("remainder left after full refund: %s", order.Remaining)
	}
	if order.Status != OrderRefunded {
		t.Fatalf("expected refunded status, got %v", order.Status)
	}
	if port.balance("USDC", payer).Int64() != 100 {
		t.Fatalf("payer not made whole: %s", port.balance("USDC", payer))
	}
	if err := engine.Refund(admin(), id, big.NewInt(0)); !errors.Is(err, ErrRefundExceedsBalance) {
		t.Fatalf("expected ErrRefundExceedsBalance on drained order, got %v", err)
	}
}

func TestRefundValidation(t *testing.T) {
	engine, _, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 100)

	if err := engine.Refund(admin(), id, big.NewInt(10)); !errors.Is(err, ErrNoDeposit) {
		t.Fatalf("expected ErrNoDeposit, got %v", err)
	}
	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Refund(newTestAddress(0x99), id, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Refund(admin(), id, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRefundDrainsPendingIndex(t *testing.T) {
	engine, state, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 100)

	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), id, payee, 5_000); err != nil {
		t.Fatalf("set release time: %v", err)
	}
	if err := engine.Refund(admin(), id, big.NewInt(0)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	pending, _ := state.PendingWithdrawals(payee)
	if len(pending) != 0 {
		t.Fatalf("refunded order still queued")
	}
}

// reentrantPort calls back into the engine from inside the transfer hook, the
// way a malicious token contract would.
type reentrantPort struct {
	engine *Engine
	errs   []error
}

func (p *reentrantPort) Pull(token string, from, to [20]byte, amount *big.Int) error {
	p.errs = append(p.errs, p.engine.Withdraw(from, newOrderID(0x42)))
	return nil
}

func (p *reentrantPort) Push(token string, from, to [20]byte, amount *big.Int) error {
	_, _, err := p.engine.BulkWithdraw(to)
	p.errs = append(p.errs, err)
	return nil
}

func TestReentrancyRejected(t *testing.T) {
	state := newMockState()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_000 })
	port := &reentrantPort{engine: engine}
	engine.SetTokenPort(port)
	if err := engine.Initialize(admin()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	id := newOrderID(0x42)
	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), id, payee, 500); err != nil {
		t.Fatalf("set release time: %v", err)
	}
	if err := engine.Withdraw(payee, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(port.errs) == 0 {
		t.Fatalf("reentrant callbacks never fired")
	}
	for i, err := range port.errs {
		if !errors.Is(err, ErrReentrantCall) {
			t.Fatalf("callback %d: expected ErrReentrantCall, got %v", i, err)
		}
	}
}

func TestEventsEmitted(t *testing.T) {
	engine, _, port := newTestEngine(t)
	capture := &captureEmitter{}
	engine.SetEmitter(capture)
	payer := newTestAddress(0x10)
	payee := newTestAddress(0x20)
	id := newOrderID(0x42)
	port.fund("USDC", payer, 100)

	if err := engine.Deposit(admin(), id, big.NewInt(100), "USDC", payer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.SetReleaseTime(admin(), id, payee, 500); err != nil {
		t.Fatalf("set release time: %v", err)
	}
	if err := engine.Refund(admin(), id, big.NewInt(30)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, _, err := engine.BulkWithdraw(payee); err != nil {
		t.Fatalf("bulk withdraw: %v", err)
	}
	types := make([]string, 0, len(capture.events))
	for _, evt := range capture.events {
		types = append(types, evt.EventType())
	}
	want := []string{
		events.TypeEscrowDeposited,
		events.TypeEscrowRefunded,
		events.TypeEscrowWithdrawn,
		events.TypeEscrowBulkWithdrawn,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	engine, _, port := newTestEngine(t)
	payer := newTestAddress(0x10)
	port.fund("USDC", payer, 100)
	engine.SetPauses(stubPauses{paused: true})

	if err := engine.Deposit(admin(), newOrderID(0x42), big.NewInt(10), "USDC", payer); err == nil {
		t.Fatalf("expected pause rejection")
	}
}

type stubPauses struct {
	paused bool
}

func (s stubPauses) IsPaused(module string) bool { return s.paused }
