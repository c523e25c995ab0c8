package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"paylock/native/bank"
	"paylock/native/common"
	"paylock/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type escrowInitializeParams struct {
	Admin string `json:"admin"`
}

type escrowDepositParams struct {
	Caller  string `json:"caller"`
	OrderID string `json:"orderId"`
	Amount  string `json:"amount"`
	Token   string `json:"token"`
	Payer   string `json:"payer"`
}

type escrowSetReleaseTimeParams struct {
	Caller      string `json:"caller"`
	OrderID     string `json:"orderId"`
	Payee       string `json:"payee"`
	ReleaseTime int64  `json:"releaseTime"`
}

type escrowWithdrawParams struct {
	Caller  string `json:"caller"`
	OrderID string `json:"orderId"`
}

type escrowBulkWithdrawParams struct {
	Caller string `json:"caller"`
}

type escrowRefundParams struct {
	Caller  string `json:"caller"`
	OrderID string `json:"orderId"`
	Amount  string `json:"amount,omitempty"`
}

type escrowIDParams struct {
	OrderID string `json:"orderId"`
}

type escrowPendingParams struct {
	Payee string `json:"payee"`
}

type bankApproveParams struct {
	Owner  string `json:"owner"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type bankBalanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type orderJSON struct {
	ID          string  `json:"orderId"`
	Token       string  `json:"token"`
	Payer       string  `json:"payer"`
	Payee       *string `json:"payee,omitempty"`
	Amount      string  `json:"amount"`
	Remaining   string  `json:"remaining"`
	ReleaseTime int64   `json:"releaseTime"`
	CreatedAt   int64   `json:"createdAt"`
	Status      string  `json:"status"`
}

type bulkWithdrawResult struct {
	Count  int               `json:"count"`
	Totals map[string]string `json:"totals"`
}

type refundThreadJSON struct {
	OrderID            string           `json:"orderId"`
	OriginAmount       string           `json:"originAmount"`
	CumulativeRefunded string           `json:"cumulativeRefunded"`
	Refunds            []refundLinkJSON `json:"refunds"`
}

type refundLinkJSON struct {
	RefundID  string `json:"refundId"`
	Amount    string `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if len(trimmed) != 40 {
		return addr, fmt.Errorf("address must be 20 bytes (got %d hex chars)", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("decode address: %w", err)
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseOrderID(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if len(trimmed) != 64 {
		return id, fmt.Errorf("order id must be 32 bytes (got %d hex chars)", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("decode order id: %w", err)
	}
	copy(id[:], decoded)
	return id, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func orderToJSON(order *escrow.Order) orderJSON {
	out := orderJSON{
		ID:          "0x" + hex.EncodeToString(order.ID[:]),
		Token:       order.Token,
		Payer:       formatAddress(order.Payer),
		Amount:      order.Amount.String(),
		Remaining:   order.Remaining.String(),
		ReleaseTime: order.ReleaseTime,
		CreatedAt:   order.CreatedAt,
		Status:      order.Status.String(),
	}
	if order.PayeeSet() {
		payee := formatAddress(order.Payee)
		out.Payee = &payee
	}
	return out
}

// writeEscrowError maps engine errors onto the escrow RPC error space.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrNoDeposit):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, escrow.ErrNotInitialized):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, escrow.ErrDuplicateDeposit),
		errors.Is(err, escrow.ErrPayeeAlreadySet),
		errors.Is(err, escrow.ErrAlreadyInitialized),
		errors.Is(err, escrow.ErrHoldingPeriodNotElapsed),
		errors.Is(err, escrow.ErrAlreadyWithdrawn),
		errors.Is(err, escrow.ErrRefundExceedsBalance),
		errors.Is(err, escrow.ErrNoEligibleOrders),
		errors.Is(err, escrow.ErrReentrantCall),
		errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", err.Error())
	}
}

func (s *Server) handleEscrowInitialize(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowInitializeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	admin, err := parseAddress(params.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Initialize(admin); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"admin": formatAddress(admin)})
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowDepositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payer, err := parseAddress(params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Deposit(caller, id, amount, params.Token, payer); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"orderId": params.OrderID})
}

func (s *Server) handleEscrowSetReleaseTime(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowSetReleaseTimeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payee, err := parseAddress(params.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SetReleaseTime(caller, id, payee, params.ReleaseTime); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"orderId": params.OrderID, "releaseTime": params.ReleaseTime})
}

func (s *Server) handleEscrowWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowWithdrawParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Withdraw(caller, id); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"orderId": params.OrderID})
}

func (s *Server) handleEscrowBulkWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowBulkWithdrawParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	count, totals, err := s.node.BulkWithdraw(caller)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	result := bulkWithdrawResult{Count: count, Totals: make(map[string]string, len(totals))}
	for token, total := range totals {
		result.Totals[token] = total.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowRefundParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Refund(caller, id, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"orderId": params.OrderID})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	order, err := s.node.OrderGet(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, orderToJSON(order))
}

func (s *Server) handleEscrowBalanceOf(w http.ResponseWriter, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.BalanceOf(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"orderId": params.OrderID, "remaining": balance.String()})
}

func (s *Server) handleEscrowPending(w http.ResponseWriter, req *RPCRequest) {
	var params escrowPendingParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payee, err := parseAddress(params.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	ids, err := s.node.Pending(payee)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	encoded := make([]string, 0, len(ids))
	for _, id := range ids {
		encoded = append(encoded, "0x"+hex.EncodeToString(id[:]))
	}
	writeResult(w, req.ID, encoded)
}

func (s *Server) handleEscrowRefundThread(w http.ResponseWriter, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseOrderID(params.OrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	record, ok, err := s.node.RefundThread(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeEscrowNotFound, "not_found", "no refund record for order")
		return
	}
	result := refundThreadJSON{
		OrderID:            params.OrderID,
		OriginAmount:       record.OriginAmount.String(),
		CumulativeRefunded: record.CumulativeRefunded.String(),
		Refunds:            make([]refundLinkJSON, 0, len(record.Refunds)),
	}
	for _, link := range record.Refunds {
		result.Refunds = append(result.Refunds, refundLinkJSON{
			RefundID:  "0x" + hex.EncodeToString(link.RefundID[:]),
			Amount:    link.Amount.String(),
			Timestamp: link.Timestamp,
		})
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, req *RPCRequest) {
	writeResult(w, req.ID, s.node.RecentEvents())
}

func (s *Server) handleBankApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params bankApproveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Approve(owner, params.Token, amount); err != nil {
		if errors.Is(err, bank.ErrUnknownToken) || errors.Is(err, bank.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"owner": formatAddress(owner), "token": strings.ToUpper(strings.TrimSpace(params.Token))})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, req *RPCRequest) {
	var params bankBalanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.Balance(addr, params.Token)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"address": formatAddress(addr), "balance": balance.String()})
}
