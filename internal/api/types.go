package api

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/vault"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
)

// Amounts on the wire are decimal strings in base units.

type ProposeRequest struct {
	Recipient string `json:"recipient,omitempty"` // defaults to the caller
	Assets    string `json:"assets"`
}

type DepositDTO struct {
	ID        string `json:"id"`
	Sequence  uint64 `json:"sequence"`
	Depositor string `json:"depositor"`
	Recipient string `json:"recipient"`
	Assets    string `json:"assets"`
	Shares    string `json:"shares,omitempty"`
	State     string `json:"state"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	SettledAt int64  `json:"settledAt,omitempty"`
}

type PendingDTO struct {
	Holder   string       `json:"holder"`
	Total    string       `json:"total"`
	Deposits []DepositDTO `json:"deposits"`
}

type BatchIDsRequest struct {
	IDs []string `json:"ids"`
}

// RedeemRequest carries an owner-signed withdrawal request. Signature is the
// 65-byte r || s || v signature in hex.
type RedeemRequest struct {
	Owner               string `json:"owner"`
	Destination         string `json:"destination"`
	Shares              string `json:"shares"`
	MinAssets           string `json:"minAssets"`
	AuthorizationNumber string `json:"authorizationNumber"`
	Deadline            uint64 `json:"deadline"`
	Signature           string `json:"signature"`
}

type BatchRedeemRequest struct {
	Requests []RedeemRequest `json:"requests"`
}

type ForceRedeemRequest struct {
	Account     string `json:"account"`
	Destination string `json:"destination"`
	Shares      string `json:"shares"`
}

// BatchForceRedeemRequest keeps the three parallel arrays of the underlying
// operation so length mismatches are reported as such.
type BatchForceRedeemRequest struct {
	Shares       []string `json:"shares"`
	Accounts     []string `json:"accounts"`
	Destinations []string `json:"destinations"`
}

type TransferRequest struct {
	To     string `json:"to"`
	Shares string `json:"shares"`
}

type ApproveValueRequest struct {
	Amount string `json:"amount"`
}

type ApproveSharesRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type CreditRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type AssetsDTO struct {
	Assets string `json:"assets"`
}

type SharesDTO struct {
	Shares string `json:"shares"`
}

type BalancesDTO struct {
	Holder  string `json:"holder"`
	Value   string `json:"value"`
	Shares  string `json:"shares"`
	Pending string `json:"pending"`
}

type BatchResultDTO struct {
	BatchID     string   `json:"batchId"`
	Count       int      `json:"count"`
	TotalAssets string   `json:"totalAssets"`
	TotalShares string   `json:"totalShares"`
	Amounts     []string `json:"amounts"`
}

type GateDTO struct {
	Kind         string              `json:"kind"`
	Checks       []gate.Registration `json:"checks"`
	LastExecuted *uint64             `json:"lastExecuted,omitempty"`
}

type AuthorizationDTO struct {
	Owner    string `json:"owner"`
	Number   string `json:"authorizationNumber"`
	Consumed bool   `json:"consumed"`
}

type VaultDTO struct {
	Height             uint64    `json:"height"`
	TotalPending       string    `json:"totalPending"`
	CumulativeDeposits string    `json:"cumulativeDeposits"`
	Sink               string    `json:"sink"`
	Domain             DomainDTO `json:"domain"`
	Price              *PriceDTO `json:"price,omitempty"`
	AsOf               int64     `json:"asOf"`
}

type DomainDTO struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Separator         string `json:"separator"`
}

type PriceDTO struct {
	Price     string `json:"price"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

type EventsPageDTO struct {
	Events     any    `json:"events"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func depositDTO(d escrow.Deposit) DepositDTO {
	dto := DepositDTO{
		ID:        d.ID.Hex(),
		Sequence:  d.Sequence,
		Depositor: d.Depositor.Hex(),
		Recipient: d.Recipient.Hex(),
		Assets:    decString(d.Assets),
		State:     string(d.State),
		CreatedAt: unixOrZero(d.CreatedAt),
		ExpiresAt: unixOrZero(d.ExpiresAt),
		SettledAt: unixOrZero(d.SettledAt),
	}
	if d.Shares != nil {
		dto.Shares = d.Shares.Dec()
	}
	return dto
}

func batchDTO(res *vault.BatchResult) BatchResultDTO {
	amounts := make([]string, 0, len(res.Amounts))
	for _, a := range res.Amounts {
		amounts = append(amounts, decString(a))
	}
	return BatchResultDTO{
		BatchID:     res.ID.String(),
		Count:       res.Count,
		TotalAssets: decString(res.TotalAssets),
		TotalShares: decString(res.TotalShares),
		Amounts:     amounts,
	}
}

func domainDTO(d withdrawal.Domain) DomainDTO {
	return DomainDTO{
		Name:              d.Name,
		Version:           d.Version,
		ChainID:           d.ChainID,
		VerifyingContract: d.VerifyingContract.Hex(),
		Separator:         d.Separator().Hex(),
	}
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
