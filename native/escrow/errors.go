package escrow

import "errors"

var (
	// ErrNotInitialized is returned when an operation runs before the
	// administrator has been configured.
	ErrNotInitialized = errors.New("escrow: ledger not initialized")
	// ErrAlreadyInitialized guards the one-time administrator assignment
	// against replay.
	ErrAlreadyInitialized = errors.New("escrow: already initialized")
	// ErrUnauthorized is returned when the caller is neither the
	// administrator (for gated operations) nor the order's payee (for
	// withdrawals).
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidAmount rejects zero-amount deposits.
	ErrInvalidAmount = errors.New("escrow: amount must be greater than zero")
	// ErrDuplicateDeposit rejects a second deposit for an existing order id.
	ErrDuplicateDeposit = errors.New("escrow: funds already deposited")
	// ErrNoDeposit is returned when no order exists for the given id.
	ErrNoDeposit = errors.New("escrow: no deposit found")
	// ErrPayeeAlreadySet rejects reassignment of payee or release time.
	ErrPayeeAlreadySet = errors.New("escrow: payee already set")
	// ErrHoldingPeriodNotElapsed rejects withdrawal before release time.
	ErrHoldingPeriodNotElapsed = errors.New("escrow: funds are still in holding period")
	// ErrAlreadyWithdrawn rejects withdrawal of a drained order.
	ErrAlreadyWithdrawn = errors.New("escrow: all funds already withdrawn")
	// ErrRefundExceedsBalance rejects refunds above the remaining balance.
	ErrRefundExceedsBalance = errors.New("escrow: refund amount exceeds available funds")
	// ErrNoEligibleOrders is returned by bulk withdrawal when the payee has
	// no queued orders past their release time.
	ErrNoEligibleOrders = errors.New("escrow: no orders available for withdrawal")
	// ErrReentrantCall rejects nested entry into a guarded operation while
	// another is executing on the same ledger instance.
	ErrReentrantCall = errors.New("escrow: reentrant call")
	// ErrTransferFailed wraps token transfer port failures; the enclosing
	// operation aborts with zero state mutation.
	ErrTransferFailed = errors.New("escrow: token transfer failed")
)
