package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"paylock/core/events"
	"paylock/native/common"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilPort  = errors.New("escrow engine: token port not configured")
)

const moduleName = "escrow"

// DefaultMaxBatchSize bounds the number of orders a single bulk withdrawal
// processes. Entries beyond the bound stay queued for a subsequent call, which
// keeps the cost of one call independent of the payee's historical order
// count.
const DefaultMaxBatchSize = 64

type engineState interface {
	OrderPut(*Order) error
	OrderGet(id [32]byte) (*Order, bool)
	OrderVaultAddress(token string) ([20]byte, error)
	TokenExists(symbol string) bool
	EscrowAdminGet() ([20]byte, bool)
	EscrowAdminSet(admin [20]byte) error
	PendingWithdrawalAdd(payee [20]byte, id [32]byte) error
	PendingWithdrawalRemove(payee [20]byte, id [32]byte) error
	PendingWithdrawals(payee [20]byte) ([][32]byte, error)
	RefundOriginRecord(orderID [32]byte, amount *big.Int, timestamp uint64) error
	RefundApply(orderID, refundID [32]byte, amount *big.Int, timestamp uint64) error
}

// TokenPort is the external capability that moves fungible-token balances.
// Pull requires a pre-existing authorization from the source account; both
// calls fail atomically and visibly.
type TokenPort interface {
	Pull(token string, from, to [20]byte, amount *big.Int) error
	Push(token string, from, to [20]byte, amount *big.Int) error
}

// Engine wires the escrow order state machine with external state, the token
// transfer port and event emission. All balance mutation flows through the
// five operations below; effects are persisted before any outbound transfer so
// a token hook can never observe stale balances, and a guard flag rejects
// reentry outright.
type Engine struct {
	state    engineState
	port     TokenPort
	emitter  events.Emitter
	pauses   common.PauseView
	nowFn    func() int64
	maxBatch int
	busy     atomic.Bool
}

// NewEngine creates an escrow engine with a no-op emitter and the default bulk
// batch bound. Callers wire state and the token port before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		maxBatch: DefaultMaxBatchSize,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenPort configures the transfer capability used for deposits, payouts
// and refunds.
func (e *Engine) SetTokenPort(port TokenPort) { e.port = port }

// SetPauses configures the pause view consulted before every operation.
func (e *Engine) SetPauses(pauses common.PauseView) { e.pauses = pauses }

// SetMaxBatchSize overrides the bulk withdrawal bound. Values below one reset
// the default.
func (e *Engine) SetMaxBatchSize(n int) {
	if n < 1 {
		e.maxBatch = DefaultMaxBatchSize
		return
	}
	e.maxBatch = n
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// enter claims the mutual-exclusion flag wrapped around every operation that
// performs an external token transfer. Reentry fails immediately instead of
// interleaving against stale state.
func (e *Engine) enter() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() { e.busy.Store(false) }

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Initialize fixes the administrator identity exactly once. A repeated attempt
// fails and has no effect, guarding against constructor replay.
func (e *Engine) Initialize(admin [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if _, ok := e.state.EscrowAdminGet(); ok {
		return ErrAlreadyInitialized
	}
	if admin == ([20]byte{}) {
		return fmt.Errorf("escrow: administrator must not be the zero address")
	}
	return e.state.EscrowAdminSet(admin)
}

// Admin returns the configured administrator.
func (e *Engine) Admin() ([20]byte, error) {
	if e == nil || e.state == nil {
		return [20]byte{}, errNilState
	}
	admin, ok := e.state.EscrowAdminGet()
	if !ok {
		return [20]byte{}, ErrNotInitialized
	}
	return admin, nil
}

func (e *Engine) requireAdmin(caller [20]byte) error {
	admin, err := e.Admin()
	if err != nil {
		return err
	}
	if caller != admin {
		return ErrUnauthorized
	}
	return nil
}

// Deposit pulls amount of token from the payer into the escrow vault and
// creates the order record. Administrator only; a second deposit for the same
// identifier is rejected regardless of amount.
func (e *Engine) Deposit(caller [20]byte, id [32]byte, amount *big.Int, token string, payer [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.port == nil {
		return errNilPort
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if !e.state.TokenExists(normalized) {
		return fmt.Errorf("escrow: unsupported token %s", token)
	}
	if payer == ([20]byte{}) {
		return fmt.Errorf("escrow: payer must not be the zero address")
	}
	if _, ok := e.state.OrderGet(id); ok {
		return ErrDuplicateDeposit
	}
	vault, err := e.state.OrderVaultAddress(normalized)
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if err := e.port.Pull(normalized, payer, vault, amt); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	now := e.now()
	order := &Order{
		ID:        id,
		Token:     normalized,
		Payer:     payer,
		Amount:    amt,
		Remaining: cloneBigInt(amt),
		CreatedAt: now,
		Status:    OrderFunded,
	}
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	if err := e.state.RefundOriginRecord(id, amt, uint64(now)); err != nil {
		return err
	}
	e.emit(events.EscrowDeposited{OrderID: id, Payer: payer, Token: normalized, Amount: cloneBigInt(amt)})
	return nil
}

// SetReleaseTime binds the payee and release time to a funded order, at most
// once, and queues the order on the payee's pending-withdrawal index. No
// transfer occurs.
func (e *Engine) SetReleaseTime(caller [20]byte, id [32]byte, payee [20]byte, releaseTime int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	order, ok := e.state.OrderGet(id)
	if !ok {
		return ErrNoDeposit
	}
	if order.PayeeSet() {
		return ErrPayeeAlreadySet
	}
	if payee == ([20]byte{}) {
		return fmt.Errorf("escrow: payee must not be the zero address")
	}
	if releaseTime < 0 {
		return fmt.Errorf("escrow: negative release time")
	}
	order.Payee = payee
	order.ReleaseTime = releaseTime
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	return e.state.PendingWithdrawalAdd(payee, id)
}

// Withdraw pays the order's remaining balance to its payee once the holding
// period has elapsed. The balance is zeroed and persisted before the outbound
// transfer.
func (e *Engine) Withdraw(caller [20]byte, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.port == nil {
		return errNilPort
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	_, _, err := e.payOut(caller, id)
	return err
}

// payOut applies the single-order withdrawal transition and returns the token
// and amount paid. Callers hold the reentrancy flag.
func (e *Engine) payOut(caller [20]byte, id [32]byte) (string, *big.Int, error) {
	order, ok := e.state.OrderGet(id)
	if !ok {
		return "", nil, ErrNoDeposit
	}
	if !order.PayeeSet() || caller != order.Payee {
		return "", nil, ErrUnauthorized
	}
	if e.now() < order.ReleaseTime {
		return "", nil, ErrHoldingPeriodNotElapsed
	}
	if order.Remaining.Sign() == 0 {
		return "", nil, ErrAlreadyWithdrawn
	}
	amountPaid := cloneBigInt(order.Remaining)
	order.Remaining = big.NewInt(0)
	order.Status = OrderWithdrawn
	if err := e.state.OrderPut(order); err != nil {
		return "", nil, err
	}
	if err := e.state.PendingWithdrawalRemove(order.Payee, id); err != nil {
		return "", nil, err
	}
	vault, err := e.state.OrderVaultAddress(order.Token)
	if err != nil {
		return "", nil, err
	}
	if err := e.port.Push(order.Token, vault, order.Payee, amountPaid); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(events.EscrowWithdrawn{OrderID: id, Payee: order.Payee, Token: order.Token, Amount: cloneBigInt(amountPaid)})
	return order.Token, amountPaid, nil
}

// BulkWithdraw drains the caller's pending-withdrawal index, paying out every
// eligible order up to the configured batch bound. Orders not yet past their
// release time stay queued; drained strays are pruned. The method fails with
// ErrNoEligibleOrders only when nothing could be paid out.
func (e *Engine) BulkWithdraw(caller [20]byte) (int, map[string]*big.Int, error) {
	if e == nil || e.state == nil {
		return 0, nil, errNilState
	}
	if e.port == nil {
		return 0, nil, errNilPort
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return 0, nil, err
	}
	if err := e.enter(); err != nil {
		return 0, nil, err
	}
	defer e.exit()

	ids, err := e.state.PendingWithdrawals(caller)
	if err != nil {
		return 0, nil, err
	}
	now := e.now()
	totals := make(map[string]*big.Int)
	processed := 0
	for _, id := range ids {
		if processed >= e.maxBatch {
			break
		}
		order, ok := e.state.OrderGet(id)
		if !ok || order.Remaining.Sign() == 0 {
			// Stray entry: the order was drained through a refund (or the
			// record is gone). Prune it so the index only tracks live work.
			if err := e.state.PendingWithdrawalRemove(caller, id); err != nil {
				return 0, nil, err
			}
			continue
		}
		if caller != order.Payee {
			return 0, nil, ErrUnauthorized
		}
		if now < order.ReleaseTime {
			continue
		}
		token, amountPaid, err := e.payOut(caller, id)
		if err != nil {
			// A port failure aborts the whole batch; nothing is dropped from
			// the index and the enclosing transition rolls back.
			return 0, nil, err
		}
		total, ok := totals[token]
		if !ok {
			total = big.NewInt(0)
			totals[token] = total
		}
		total.Add(total, amountPaid)
		processed++
	}
	if processed == 0 {
		return 0, nil, ErrNoEligibleOrders
	}
	e.emit(events.EscrowBulkWithdrawn{Payee: caller, Count: processed, Totals: totals})
	return processed, totals, nil
}

// Refund returns amount of the order's remaining balance to the payer; a zero
// amount refunds the entire remainder. Administrator only, permitted
// regardless of payee or release-time assignment as long as funds remain.
func (e *Engine) Refund(caller [20]byte, id [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.port == nil {
		return errNilPort
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	order, ok := e.state.OrderGet(id)
	if !ok {
		return ErrNoDeposit
	}
	if amount != nil && amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	refundAmt := cloneBigInt(amount)
	if refundAmt.Sign() == 0 {
		refundAmt = cloneBigInt(order.Remaining)
	}
	if refundAmt.Sign() == 0 || refundAmt.Cmp(order.Remaining) > 0 {
		return ErrRefundExceedsBalance
	}
	now := e.now()
	order.Remaining = new(big.Int).Sub(order.Remaining, refundAmt)
	if order.Remaining.Sign() == 0 {
		order.Status = OrderRefunded
	}
	if err := e.state.OrderPut(order); err != nil {
		return err
	}
	if order.Remaining.Sign() == 0 && order.PayeeSet() {
		if err := e.state.PendingWithdrawalRemove(order.Payee, id); err != nil {
			return err
		}
	}
	if err := e.state.RefundApply(id, refundID(id, refundAmt, now), refundAmt, uint64(now)); err != nil {
		return err
	}
	vault, err := e.state.OrderVaultAddress(order.Token)
	if err != nil {
		return err
	}
	if err := e.port.Push(order.Token, vault, order.Payer, refundAmt); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(events.EscrowRefunded{OrderID: id, Payer: order.Payer, Token: order.Token, Amount: cloneBigInt(refundAmt)})
	return nil
}

// Order returns a clone of the stored order record.
func (e *Engine) Order(id [32]byte) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	order, ok := e.state.OrderGet(id)
	if !ok {
		return nil, ErrNoDeposit
	}
	return order, nil
}

// BalanceOf returns the remaining escrowed balance for the order.
func (e *Engine) BalanceOf(id [32]byte) (*big.Int, error) {
	order, err := e.Order(id)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(order.Remaining), nil
}

// Pending returns the order identifiers queued for the payee.
func (e *Engine) Pending(payee [20]byte) ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.PendingWithdrawals(payee)
}

// refundID derives a unique identifier for one refund link so the audit
// thread can distinguish repeated partial refunds of the same amount.
func refundID(orderID [32]byte, amount *big.Int, timestamp int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(orderID[:], amount.Bytes(), ts[:]))
	return out
}
