package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/leafsii/leafsii-vault/internal/vault"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

var errInvalidRequest = errors.New("invalid request")

// Vault is the set of vault operations the API exposes.
type Vault interface {
	Propose(ctx context.Context, depositor, recipient onchain.Address, assets *uint256.Int) (escrow.Deposit, error)
	Confirm(ctx context.Context, caller onchain.Address, id onchain.Hash) (escrow.Deposit, error)
	Refund(ctx context.Context, caller onchain.Address, id onchain.Hash) (escrow.Deposit, error)
	Reclaim(ctx context.Context, caller onchain.Address, id onchain.Hash) (escrow.Deposit, error)
	BatchConfirm(ctx context.Context, caller onchain.Address, ids []onchain.Hash) (*vault.BatchResult, error)
	BatchRefund(ctx context.Context, caller onchain.Address, ids []onchain.Hash) (*vault.BatchResult, error)
	Redeem(ctx context.Context, caller onchain.Address, req withdrawal.Request, sig []byte) (*uint256.Int, error)
	BatchRedeem(ctx context.Context, caller onchain.Address, reqs []withdrawal.Request, sigs [][]byte) (*vault.BatchResult, error)
	ForceRedeem(ctx context.Context, caller onchain.Address, shares *uint256.Int, account, destination onchain.Address) (*uint256.Int, error)
	BatchForceRedeem(ctx context.Context, caller onchain.Address, shares []*uint256.Int, accounts, destinations []onchain.Address) (*vault.BatchResult, error)
	Transfer(ctx context.Context, from, to onchain.Address, shares *uint256.Int) error
	Sync(ctx context.Context, owner onchain.Address, spenders ...onchain.Address) error

	DetailsOf(ctx context.Context, id onchain.Hash) (escrow.Deposit, error)
	ListPendingFor(ctx context.Context, holder onchain.Address) ([]escrow.Deposit, error)
	PendingOf(ctx context.Context, holder onchain.Address) (*uint256.Int, error)
	TotalPending(ctx context.Context) (*uint256.Int, error)
	CumulativeDeposits(ctx context.Context) (*uint256.Int, error)
	PreviewDeposit(ctx context.Context, assets *uint256.Int) (*uint256.Int, error)
	PreviewRedeem(ctx context.Context, shares *uint256.Int) (*uint256.Int, error)
	IsConsumed(ctx context.Context, owner onchain.Address, number *uint256.Int) (bool, error)
	Checks(kind gate.Kind) []gate.Registration
	LastExecuted(kind gate.Kind) (uint64, bool)
	Height(ctx context.Context) (uint64, error)
	Domain() withdrawal.Domain
	Sink() onchain.Address
}

// ValueLedger is the value side the vault pulls deposits from.
type ValueLedger interface {
	Approve(owner onchain.Address, amount *uint256.Int)
	Credit(holder onchain.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, holder onchain.Address) (*uint256.Int, error)
}

type ShareLedger interface {
	Approve(ctx context.Context, owner, spender onchain.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, holder onchain.Address) (*uint256.Int, error)
}

type AuditLog interface {
	EventsFor(ctx context.Context, account string, limit int, cursor string) ([]events.Event, string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handler's collaborators. Audit, Stream and Readiness are
// optional.
type Deps struct {
	Vault     Vault
	Value     ValueLedger
	Shares    ShareLedger
	Prices    prices.Source
	Audit     AuditLog
	Stream    http.Handler
	Readiness map[string]Pinger
	Dev       bool // enables the credit faucet
}

type Handler struct {
	vault     Vault
	value     ValueLedger
	shares    ShareLedger
	prices    prices.Source
	audit     AuditLog
	stream    http.Handler
	readiness map[string]Pinger
	dev       bool
	logger    *zap.SugaredLogger
}

func NewHandler(deps Deps, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		vault:     deps.Vault,
		value:     deps.Value,
		shares:    deps.Shares,
		prices:    deps.Prices,
		audit:     deps.Audit,
		stream:    deps.Stream,
		readiness: deps.Readiness,
		dev:       deps.Dev,
		logger:    logger,
	}
}

// Deposits

func (h *Handler) ProposeDeposit(w http.ResponseWriter, r *http.Request) {
	caller := h.caller(r)

	var req ProposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	assets, err := parseAmount("assets", req.Assets)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recipient := caller
	if req.Recipient != "" {
		if recipient, err = parseAddress("recipient", req.Recipient); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	d, err := h.vault.Propose(r.Context(), caller, recipient, assets)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, depositDTO(d))
}

func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.vault.DetailsOf(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if d.ID.IsZero() {
		h.fail(w, r, fmt.Errorf("%w: %s", escrow.ErrNotFound, id))
		return
	}
	h.writeJSON(w, http.StatusOK, depositDTO(d))
}

func (h *Handler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.vault.Confirm)
}

func (h *Handler) RefundDeposit(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.vault.Refund)
}

func (h *Handler) ReclaimDeposit(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.vault.Reclaim)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, op func(context.Context, onchain.Address, onchain.Hash) (escrow.Deposit, error)) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := op(r.Context(), h.caller(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, depositDTO(d))
}

func (h *Handler) BatchConfirmDeposits(w http.ResponseWriter, r *http.Request) {
	h.settleBatch(w, r, h.vault.BatchConfirm)
}

func (h *Handler) BatchRefundDeposits(w http.ResponseWriter, r *http.Request) {
	h.settleBatch(w, r, h.vault.BatchRefund)
}

func (h *Handler) settleBatch(w http.ResponseWriter, r *http.Request, op func(context.Context, onchain.Address, []onchain.Hash) (*vault.BatchResult, error)) {
	var req BatchIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ids := make([]onchain.Hash, 0, len(req.IDs))
	for i, raw := range req.IDs {
		id, err := parseID(raw)
		if err != nil {
			h.fail(w, r, &vault.BatchError{Index: i, Err: err})
			return
		}
		ids = append(ids, id)
	}

	res, err := op(r.Context(), h.caller(r), ids)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batchDTO(res))
}

// Holders

func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deposits, err := h.vault.ListPendingFor(r.Context(), holder)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.vault.PendingOf(r.Context(), holder)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dto := PendingDTO{Holder: holder.Hex(), Total: decString(total), Deposits: make([]DepositDTO, 0, len(deposits))}
	for _, d := range deposits {
		dto.Deposits = append(dto.Deposits, depositDTO(d))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := r.Context()

	value, err := h.value.BalanceOf(ctx, holder)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	shares, err := h.shares.BalanceOf(ctx, holder)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pending, err := h.vault.PendingOf(ctx, holder)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalancesDTO{
		Holder:  holder.Hex(),
		Value:   decString(value),
		Shares:  decString(shares),
		Pending: decString(pending),
	})
}

func (h *Handler) GetAccountEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeError(w, http.StatusServiceUnavailable, ErrorResponse{Code: "AUDIT_DISABLED", Message: "audit log is not configured"})
		return
	}
	account, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 || limit > 500 {
			h.fail(w, r, fmt.Errorf("%w: limit must be between 1 and 500", errInvalidRequest))
			return
		}
	}

	evs, next, err := h.audit.EventsFor(r.Context(), account.Hex(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	h.writeJSON(w, http.StatusOK, EventsPageDTO{Events: evs, NextCursor: next})
}

// Withdrawals

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	wreq, sig, err := parseRedeem(req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	assets, err := h.vault.Redeem(r.Context(), h.caller(r), wreq, sig)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AssetsDTO{Assets: decString(assets)})
}

func (h *Handler) BatchRedeem(w http.ResponseWriter, r *http.Request) {
	var req BatchRedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	reqs := make([]withdrawal.Request, 0, len(req.Requests))
	sigs := make([][]byte, 0, len(req.Requests))
	for i, item := range req.Requests {
		wreq, sig, err := parseRedeem(item)
		if err != nil {
			h.fail(w, r, &vault.BatchError{Index: i, Err: err})
			return
		}
		reqs = append(reqs, wreq)
		sigs = append(sigs, sig)
	}

	res, err := h.vault.BatchRedeem(r.Context(), h.caller(r), reqs, sigs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batchDTO(res))
}

func (h *Handler) ForceRedeem(w http.ResponseWriter, r *http.Request) {
	var req ForceRedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dest, err := parseAddress("destination", req.Destination)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	assets, err := h.vault.ForceRedeem(r.Context(), h.caller(r), shares, account, dest)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AssetsDTO{Assets: decString(assets)})
}

func (h *Handler) BatchForceRedeem(w http.ResponseWriter, r *http.Request) {
	var req BatchForceRedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	shares := make([]*uint256.Int, 0, len(req.Shares))
	for i, raw := range req.Shares {
		amount, err := parseAmount("shares", raw)
		if err != nil {
			h.fail(w, r, &vault.BatchError{Index: i, Err: err})
			return
		}
		shares = append(shares, amount)
	}
	accounts, err := parseAddressList("accounts", req.Accounts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dests, err := parseAddressList("destinations", req.Destinations)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.vault.BatchForceRedeem(r.Context(), h.caller(r), shares, accounts, dests)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batchDTO(res))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.vault.Transfer(r.Context(), h.caller(r), to, shares); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SharesDTO{Shares: shares.Dec()})
}

func (h *Handler) GetAuthorization(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	number, err := parseAmount("number", chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	consumed, err := h.vault.IsConsumed(r.Context(), owner, number)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuthorizationDTO{Owner: owner.Hex(), Number: number.Dec(), Consumed: consumed})
}

// Allowances

// ApproveValue lets the vault pull up to amount from the caller when a
// deposit is proposed.
func (h *Handler) ApproveValue(w http.ResponseWriter, r *http.Request) {
	var req ApproveValueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.value.Approve(h.caller(r), amount)
	if err := h.vault.Sync(r.Context(), h.caller(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApproveShares lets spender redeem up to amount of the caller's shares.
func (h *Handler) ApproveShares(w http.ResponseWriter, r *http.Request) {
	var req ApproveSharesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	spender, err := parseAddress("spender", req.Spender)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.shares.Approve(r.Context(), h.caller(r), spender, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.vault.Sync(r.Context(), h.caller(r), spender); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Credit seeds value balances. Only routed in dev.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.value.Credit(account, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.vault.Sync(r.Context(), account); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Infow("Dev credit", "account", account, "amount", amount.Dec(), "caller", h.caller(r))
	w.WriteHeader(http.StatusNoContent)
}

// Previews and state

func (h *Handler) PreviewDeposit(w http.ResponseWriter, r *http.Request) {
	assets, err := parseAmount("assets", r.URL.Query().Get("assets"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	shares, err := h.vault.PreviewDeposit(r.Context(), assets)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SharesDTO{Shares: decString(shares)})
}

func (h *Handler) PreviewRedeem(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount("shares", r.URL.Query().Get("shares"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	assets, err := h.vault.PreviewRedeem(r.Context(), shares)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AssetsDTO{Assets: decString(assets)})
}

func (h *Handler) GetGate(w http.ResponseWriter, r *http.Request) {
	kind, err := gate.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := GateDTO{Kind: string(kind), Checks: h.vault.Checks(kind)}
	if last, ok := h.vault.LastExecuted(kind); ok {
		dto.LastExecuted = &last
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetVault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	height, err := h.vault.Height(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.vault.TotalPending(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cumulative, err := h.vault.CumulativeDeposits(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dto := VaultDTO{
		Height:             height,
		TotalPending:       decString(total),
		CumulativeDeposits: decString(cumulative),
		Sink:               h.vault.Sink().Hex(),
		Domain:             domainDTO(h.vault.Domain()),
		AsOf:               time.Now().Unix(),
	}
	if h.prices != nil {
		if q, err := h.prices.Current(ctx); err == nil {
			dto.Price = &PriceDTO{Price: q.Price.String(), Source: q.Source, Timestamp: q.Timestamp.Unix()}
		}
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// Live updates

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		h.writeError(w, http.StatusServiceUnavailable, ErrorResponse{Code: "STREAM_DISABLED", Message: "event stream is not configured"})
		return
	}
	h.stream.ServeHTTP(w, r)
}

// Health

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		h.logger.Warnw("Readiness check failed", "failures", failures)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// Utility methods

func (h *Handler) caller(r *http.Request) onchain.Address {
	caller, _ := CallerFrom(r.Context())
	return caller
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeError(w, h.logger, status, resp)
}

// fail maps err to its stable code, retryability and HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Message: err.Error()}
	if errors.Is(err, errInvalidRequest) {
		resp.Code = "INVALID_REQUEST"
	} else {
		resp.Code, resp.Retryable = vault.Code(err)
	}

	var batchErr *vault.BatchError
	if errors.As(err, &batchErr) {
		w.Header().Set("X-Batch-Index", strconv.Itoa(batchErr.Index))
	}

	status := statusFor(resp.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "path", r.URL.Path, "code", resp.Code, "error", err)
		if resp.Code == "INTERNAL" {
			resp.Message = "internal error"
		}
	}
	h.writeError(w, status, resp)
}

func statusFor(code string) int {
	switch code {
	case "INVALID_REQUEST", "INVALID_AMOUNT", "INVALID_ADDRESS", "ARRAY_LENGTH_MISMATCH", "INVALID_CHECK":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "NOT_PENDING", "AUTHORIZATION_REUSED", "REENTRANT_CALL":
		return http.StatusConflict
	case "POLICY_REJECTED", "EXPIRED", "INVALID_SIGNATURE", "INSUFFICIENT_OUTPUT", "EXCEEDS_MAX_REDEEMABLE", "SHARE_LEDGER":
		return http.StatusUnprocessableEntity
	case "PRICE_UNAVAILABLE", "TRANSFER_FAILED", "STATE_UNAVAILABLE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, logger *zap.SugaredLogger, status int, resp ErrorResponse) {
	if status < http.StatusInternalServerError {
		logger.Debugw("API error", "code", resp.Code, "message", resp.Message, "status", status)
	}
	writeJSON(w, status, resp)
}

// Request parsing

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: body: %v", errInvalidRequest, err)
	}
	return nil
}

func parseAddress(field, raw string) (onchain.Address, error) {
	addr, err := onchain.ParseAddress(raw)
	if err != nil {
		return onchain.ZeroAddress, fmt.Errorf("%s: %w: %v", field, vault.ErrInvalidAddress, err)
	}
	return addr, nil
}

func parseAddressList(field string, raw []string) ([]onchain.Address, error) {
	out := make([]onchain.Address, 0, len(raw))
	for i, s := range raw {
		addr, err := parseAddress(field, s)
		if err != nil {
			return nil, &vault.BatchError{Index: i, Err: err}
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s: %w: missing", field, calc.ErrInvalidAmount)
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", field, calc.ErrInvalidAmount, err)
	}
	return amount, nil
}

func parseID(raw string) (onchain.Hash, error) {
	id, err := onchain.ParseHash(raw)
	if err != nil {
		return onchain.Hash{}, fmt.Errorf("%w: deposit id: %v", errInvalidRequest, err)
	}
	return id, nil
}

func parseSignature(raw string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", withdrawal.ErrInvalidSignature, err)
	}
	return sig, nil
}

func parseRedeem(req RedeemRequest) (withdrawal.Request, []byte, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return withdrawal.Request{}, nil, err
	}
	dest, err := parseAddress("destination", req.Destination)
	if err != nil {
		return withdrawal.Request{}, nil, err
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		return withdrawal.Request{}, nil, err
	}
	number, err := parseAmount("authorizationNumber", req.AuthorizationNumber)
	if err != nil {
		return withdrawal.Request{}, nil, err
	}
	var minAssets *uint256.Int
	if req.MinAssets != "" {
		if minAssets, err = parseAmount("minAssets", req.MinAssets); err != nil {
			return withdrawal.Request{}, nil, err
		}
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		return withdrawal.Request{}, nil, err
	}
	return withdrawal.Request{
		Owner:       owner,
		Destination: dest,
		Shares:      shares,
		MinAssets:   minAssets,
		Number:      number,
		Deadline:    req.Deadline,
	}, sig, nil
}
