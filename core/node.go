package core

import (
	"math/big"
	"sync"

	"paylock/core/events"
	"paylock/core/state"
	"paylock/core/types"
	"paylock/native/bank"
	"paylock/native/common"
	"paylock/native/escrow"
	"paylock/storage"
)

// Node owns the ledger database and exposes the escrow operations as atomic
// transitions. Each operation runs against a write overlay that is committed
// only on success, so a failed operation leaves no visible state; the node
// mutex serializes transitions into a single ordered log.
type Node struct {
	mu       sync.Mutex
	db       storage.Database
	emitter  events.Emitter
	pauses   common.PauseView
	nowFn    func() int64
	maxBatch int

	streamMu      sync.Mutex
	streamSeq     uint64
	streamNextID  uint64
	streamSubs    map[uint64]chan EventUpdate
	streamHistory []EventUpdate
}

// NewNode creates a node operating on the provided database.
func NewNode(db storage.Database) *Node {
	return &Node{
		db:      db,
		emitter: events.NoopEmitter{},
	}
}

// SetEmitter wires a downstream event sink (metrics, logging, indexers).
func (n *Node) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	n.emitter = emitter
}

// SetPauses configures the pause view consulted by escrow operations.
func (n *Node) SetPauses(pauses common.PauseView) { n.pauses = pauses }

// SetMaxBatchSize bounds bulk withdrawal batches.
func (n *Node) SetMaxBatchSize(limit int) { n.maxBatch = limit }

// SetNowFunc overrides the ledger time source, for deterministic tests.
func (n *Node) SetNowFunc(now func() int64) { n.nowFn = now }

// eventCollector buffers events raised during a transition so they are only
// published once the overlay has committed.
type eventCollector struct {
	collected []events.Event
}

func (c *eventCollector) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	c.collected = append(c.collected, evt)
}

// wireEvent is satisfied by typed events that can render themselves for RPC
// subscribers.
type wireEvent interface {
	Event() *types.Event
}

func (n *Node) newEscrowEngine(manager *state.Manager, collector *eventCollector) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetTokenPort(bank.NewPort(manager))
	engine.SetEmitter(collector)
	engine.SetPauses(n.pauses)
	if n.maxBatch > 0 {
		engine.SetMaxBatchSize(n.maxBatch)
	}
	if n.nowFn != nil {
		engine.SetNowFunc(n.nowFn)
	}
	return engine
}

// withState runs fn against a speculative overlay and commits on success.
func (n *Node) withState(fn func(engine *escrow.Engine, manager *state.Manager) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	overlay := storage.NewOverlay(n.db)
	manager := state.NewManager(overlay)
	collector := &eventCollector{}
	engine := n.newEscrowEngine(manager, collector)
	if err := fn(engine, manager); err != nil {
		overlay.Discard()
		return err
	}
	if err := overlay.Commit(); err != nil {
		return err
	}
	n.publish(collector.collected)
	return nil
}

// readState builds a read-only manager over the backing store.
func (n *Node) readState() *state.Manager {
	return state.NewManager(n.db)
}

func (n *Node) publish(batch []events.Event) {
	for _, evt := range batch {
		n.emitter.Emit(evt)
		if wire, ok := evt.(wireEvent); ok {
			if rendered := wire.Event(); rendered != nil {
				n.publishEventUpdate(*rendered)
			}
		}
	}
}

// RecentEvents returns a copy of the most recent published observations.
func (n *Node) RecentEvents() []types.Event {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()
	out := make([]types.Event, 0, len(n.streamHistory))
	for _, entry := range n.streamHistory {
		out = append(out, cloneEventUpdate(entry).Event)
	}
	return out
}

// Initialize fixes the ledger administrator exactly once.
func (n *Node) Initialize(admin [20]byte) error {
	return n.withState(func(engine *escrow.Engine, _ *state.Manager) error {
		return engine.Initialize(admin)
	})
}

// Admin returns the configured administrator.
func (n *Node) Admin() ([20]byte, error) {
	manager := n.readState()
	admin, ok := manager.EscrowAdminGet()
	if !ok {
		return [20]byte{}, escrow.ErrNotInitialized
	}
	return admin, nil
}

// RegisterToken adds a token to the registry of assets the ledger will hold.
func (n *Node) RegisterToken(symbol, name string, decimals uint8) error {
	return n.withState(func(_ *escrow.Engine, manager *state.Manager) error {
		return manager.RegisterToken(symbol, name, decimals)
	})
}

// SetBalance seeds a token balance, used at genesis and in tests.
func (n *Node) SetBalance(addr [20]byte, symbol string, amount *big.Int) error {
	return n.withState(func(_ *escrow.Engine, manager *state.Manager) error {
		return manager.SetBalance(addr[:], symbol, amount)
	})
}

// Balance returns the token balance of an account.
func (n *Node) Balance(addr [20]byte, symbol string) (*big.Int, error) {
	return n.readState().Balance(addr[:], symbol)
}

// Approve grants the escrow vault the right to pull up to amount of the
// payer's tokens, the authorization a later deposit consumes.
func (n *Node) Approve(owner [20]byte, symbol string, amount *big.Int) error {
	return n.withState(func(_ *escrow.Engine, manager *state.Manager) error {
		vault, err := manager.OrderVaultAddress(symbol)
		if err != nil {
			return err
		}
		return bank.Approve(manager, symbol, owner, vault, amount)
	})
}

// Allowance reports how much the escrow vault may still pull from the owner.
func (n *Node) Allowance(owner [20]byte, symbol string) (*big.Int, error) {
	manager := n.readState()
	vault, err := manager.OrderVaultAddress(symbol)
	if err != nil {
		return nil, err
	}
	return manager.Allowance(owner[:], vault[:], symbol)
}

// VaultAddress returns the deterministic escrow vault account for a token.
func (n *Node) VaultAddress(symbol string) ([20]byte, error) {
	return n.readState().OrderVaultAddress(symbol)
}

// Deposit escrows amount of token from the payer under the order identifier.
func (n *Node) Deposit(caller [20]byte, id [32]byte, amount *big.Int, token string, payer [20]byte) error {
	return n.withState(func(engine *escrow.Engine, _ *state.Manager) error {
		return engine.Deposit(caller, id, amount, token, payer)
	})
}

// SetReleaseTime binds payee and release time to an order.
func (n *Node) SetReleaseTime(caller [20]byte, id [32]byte, payee [20]byte, releaseTime int64) error {
	return n.withState(func(engine *escrow.Engine, _ *state.Manager) error {
		return engine.SetReleaseTime(caller, id, payee, releaseTime)
	})
}

// Withdraw pays out a single order to its payee.
func (n *Node) Withdraw(caller [20]byte, id [32]byte) error {
	return n.withState(func(engine *escrow.Engine, _ *state.Manager) error {
		return engine.Withdraw(caller, id)
	})
}

// BulkWithdraw pays out the caller's eligible orders up to the batch bound,
// returning the processed count and per-token totals.
func (n *Node) BulkWithdraw(caller [20]byte) (int, map[string]*big.Int, error) {
	var count int
	var totals map[string]*big.Int
	err := n.withState(func(engine *escrow.Engine, _ *state.Manager) error {
		var innerErr error
		count, totals, innerErr = engine.BulkWithdraw(caller)
		return innerErr
	})
	if err != nil {
		return 0, nil, err
	}
	return count, totals, nil
}

// Refund returns part or all of an order's remaining balance to the payer.
func (n *Node) Refund(caller [20]byte, id [32]byte, amount *big.Int) error {
	return n.withState(func(engine *escrow.Engine, _ *state.Manager) error {
		return engine.Refund(caller, id, amount)
	})
}

// OrderGet retrieves the stored order record.
func (n *Node) OrderGet(id [32]byte) (*escrow.Order, error) {
	order, ok := n.readState().OrderGet(id)
	if !ok {
		return nil, escrow.ErrNoDeposit
	}
	return order, nil
}

// BalanceOf returns the remaining escrowed balance for an order.
func (n *Node) BalanceOf(id [32]byte) (*big.Int, error) {
	order, err := n.OrderGet(id)
	if err != nil {
		return nil, err
	}
	return order.Remaining, nil
}

// Pending returns the order identifiers queued for a payee.
func (n *Node) Pending(payee [20]byte) ([][32]byte, error) {
	return n.readState().PendingWithdrawals(payee)
}

// RefundThread returns the audit record of refunds issued for an order.
func (n *Node) RefundThread(id [32]byte) (*state.RefundRecord, bool, error) {
	return n.readState().RefundLedger().Thread(id)
}

// Close releases the backing database.
func (n *Node) Close() {
	n.db.Close()
}
