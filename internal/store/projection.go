// Package store mirrors the vault's own state into a kv.Store so it can be
// rebuilt after a restart.
//
// Layout:
//
//	vault:deposits   hash  deposit id -> JSON record
//	vault:pending    hash  holder -> pending value, "total" -> global counter
//	vault:consumed   set   "<owner>:<number>"
//	vault:sequence   string
//	vault:height     string
//	vault:supply     string
//	vault:accounts   hash  holder -> JSON balances
//	vault:allowances hash  "<owner>:<spender>" -> share allowance
//
// Every change is written with one atomic kv Apply.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/metrics"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/vault"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"github.com/leafsii/leafsii-vault/pkg/kv"
	"go.uber.org/zap"
)

const (
	KeyDeposits = "vault:deposits"
	KeyPending  = "vault:pending"
	KeyConsumed = "vault:consumed"
	KeySequence = "vault:sequence"
	KeyHeight   = "vault:height"
	KeySupply   = "vault:supply"
	KeyAccounts = "vault:accounts"
	KeyAllowed  = "vault:allowances"

	FieldTotal = "total"
)

var ErrCorrupt = errors.New("corrupt projection")

type depositRecord struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Depositor string    `json:"depositor"`
	Recipient string    `json:"recipient"`
	Assets    string    `json:"assets"`
	Shares    string    `json:"shares,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	SettledAt time.Time `json:"settled_at"`
}

func encodeDeposit(d escrow.Deposit) ([]byte, error) {
	rec := depositRecord{
		ID:        d.ID.Hex(),
		Sequence:  d.Sequence,
		Depositor: d.Depositor.Hex(),
		Recipient: d.Recipient.Hex(),
		Assets:    d.Assets.Dec(),
		State:     string(d.State),
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
		SettledAt: d.SettledAt,
	}
	if d.Shares != nil {
		rec.Shares = d.Shares.Dec()
	}
	return json.Marshal(rec)
}

func decodeDeposit(data []byte) (escrow.Deposit, error) {
	var rec depositRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return escrow.Deposit{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	id, err := onchain.ParseHash(rec.ID)
	if err != nil {
		return escrow.Deposit{}, fmt.Errorf("%w: id: %v", ErrCorrupt, err)
	}
	depositor, err := onchain.ParseAddress(rec.Depositor)
	if err != nil {
		return escrow.Deposit{}, fmt.Errorf("%w: depositor: %v", ErrCorrupt, err)
	}
	recipient, err := onchain.ParseAddress(rec.Recipient)
	if err != nil {
		return escrow.Deposit{}, fmt.Errorf("%w: recipient: %v", ErrCorrupt, err)
	}
	assets, err := uint256.FromDecimal(rec.Assets)
	if err != nil {
		return escrow.Deposit{}, fmt.Errorf("%w: assets: %v", ErrCorrupt, err)
	}

	d := escrow.Deposit{
		ID:        id,
		Sequence:  rec.Sequence,
		Depositor: depositor,
		Recipient: recipient,
		Assets:    assets,
		State:     escrow.State(rec.State),
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		SettledAt: rec.SettledAt,
	}
	if rec.Shares != "" {
		if d.Shares, err = uint256.FromDecimal(rec.Shares); err != nil {
			return escrow.Deposit{}, fmt.Errorf("%w: shares: %v", ErrCorrupt, err)
		}
	}
	return d, nil
}

type accountRecord struct {
	Shares         string `json:"shares"`
	Value          string `json:"value,omitempty"`
	ValueAllowance string `json:"value_allowance,omitempty"`
}

func encodeAccount(a vault.Account) ([]byte, error) {
	rec := accountRecord{Shares: "0"}
	if a.Shares != nil {
		rec.Shares = a.Shares.Dec()
	}
	if a.Value != nil {
		rec.Value = a.Value.Dec()
		rec.ValueAllowance = "0"
		if a.ValueAllowance != nil {
			rec.ValueAllowance = a.ValueAllowance.Dec()
		}
	}
	return json.Marshal(rec)
}

func decodeAccount(data []byte) (vault.Account, error) {
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return vault.Account{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var (
		a   vault.Account
		err error
	)
	if a.Shares, err = uint256.FromDecimal(rec.Shares); err != nil {
		return vault.Account{}, fmt.Errorf("%w: shares: %v", ErrCorrupt, err)
	}
	if rec.Value != "" {
		if a.Value, err = uint256.FromDecimal(rec.Value); err != nil {
			return vault.Account{}, fmt.Errorf("%w: value: %v", ErrCorrupt, err)
		}
		if a.ValueAllowance, err = uint256.FromDecimal(rec.ValueAllowance); err != nil {
			return vault.Account{}, fmt.Errorf("%w: value allowance: %v", ErrCorrupt, err)
		}
	}
	return a, nil
}

func allowanceField(owner, spender onchain.Address) string {
	return owner.Hex() + ":" + spender.Hex()
}

func parseAllowance(field string, data []byte) (vault.ShareAllowance, error) {
	o, sp, ok := strings.Cut(field, ":")
	if !ok {
		return vault.ShareAllowance{}, fmt.Errorf("%w: allowance field %q", ErrCorrupt, field)
	}
	owner, err := onchain.ParseAddress(o)
	if err != nil {
		return vault.ShareAllowance{}, fmt.Errorf("%w: allowance owner: %v", ErrCorrupt, err)
	}
	spender, err := onchain.ParseAddress(sp)
	if err != nil {
		return vault.ShareAllowance{}, fmt.Errorf("%w: allowance spender: %v", ErrCorrupt, err)
	}
	amount, err := uint256.FromDecimal(string(data))
	if err != nil {
		return vault.ShareAllowance{}, fmt.Errorf("%w: allowance amount: %v", ErrCorrupt, err)
	}
	return vault.ShareAllowance{Owner: owner, Spender: spender, Amount: amount}, nil
}

func consumedMember(a withdrawal.Authorization) []byte {
	return []byte(a.Owner.Hex() + ":" + a.Number.Dec())
}

func parseConsumed(member []byte) (withdrawal.Authorization, error) {
	owner, number, ok := strings.Cut(string(member), ":")
	if !ok {
		return withdrawal.Authorization{}, fmt.Errorf("%w: consumed member %q", ErrCorrupt, member)
	}
	addr, err := onchain.ParseAddress(owner)
	if err != nil {
		return withdrawal.Authorization{}, fmt.Errorf("%w: consumed owner: %v", ErrCorrupt, err)
	}
	n, err := uint256.FromDecimal(number)
	if err != nil {
		return withdrawal.Authorization{}, fmt.Errorf("%w: consumed number: %v", ErrCorrupt, err)
	}
	return withdrawal.Authorization{Owner: addr, Number: n}, nil
}

// Projection implements vault.Mirror over a kv.Store.
type Projection struct {
	kv      kv.Store
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewProjection(store kv.Store, logger *zap.SugaredLogger, m *metrics.Metrics) *Projection {
	return &Projection{kv: store, logger: logger, metrics: m}
}

// Apply writes one change atomically.
func (p *Projection) Apply(ctx context.Context, c vault.Change) error {
	ops := make([]kv.Op, 0, len(c.Deposits)+len(c.Dropped)+len(c.Consumed)+len(c.Released)+
		len(c.Pending)+len(c.Accounts)+len(c.Allowances)+4)

	for _, d := range c.Deposits {
		data, err := encodeDeposit(d)
		if err != nil {
			return fmt.Errorf("encode deposit %s: %w", d.ID, err)
		}
		ops = append(ops, kv.HSetOp(KeyDeposits, d.ID.Hex(), data))
	}
	for _, id := range c.Dropped {
		ops = append(ops, kv.HDelOp(KeyDeposits, id.Hex()))
	}
	for _, a := range c.Consumed {
		ops = append(ops, kv.SAddOp(KeyConsumed, consumedMember(a)))
	}
	for _, a := range c.Released {
		ops = append(ops, kv.SRemOp(KeyConsumed, consumedMember(a)))
	}
	for holder, acct := range c.Accounts {
		data, err := encodeAccount(acct)
		if err != nil {
			return fmt.Errorf("encode account %s: %w", holder, err)
		}
		ops = append(ops, kv.HSetOp(KeyAccounts, holder.Hex(), data))
	}
	for _, a := range c.Allowances {
		field := allowanceField(a.Owner, a.Spender)
		if a.Amount == nil || a.Amount.IsZero() {
			ops = append(ops, kv.HDelOp(KeyAllowed, field))
			continue
		}
		ops = append(ops, kv.HSetOp(KeyAllowed, field, []byte(a.Amount.Dec())))
	}
	if c.Supply != nil {
		ops = append(ops, kv.SetOp(KeySupply, []byte(c.Supply.Dec())))
	}
	for holder, amount := range c.Pending {
		if amount == nil || amount.IsZero() {
			ops = append(ops, kv.HDelOp(KeyPending, holder.Hex()))
			continue
		}
		ops = append(ops, kv.HSetOp(KeyPending, holder.Hex(), []byte(amount.Dec())))
	}
	if c.TotalPending != nil {
		ops = append(ops, kv.HSetOp(KeyPending, FieldTotal, []byte(c.TotalPending.Dec())))
	}
	ops = append(ops,
		kv.SetOp(KeySequence, []byte(strconv.FormatUint(c.Sequence, 10))),
		kv.SetOp(KeyHeight, []byte(strconv.FormatUint(c.Height, 10))),
	)

	start := time.Now()
	err := p.kv.Apply(ctx, ops...)
	if p.metrics != nil {
		p.metrics.RecordProjectionWrite(ctx, len(ops), err, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("projection apply at height %d: %w", c.Height, err)
	}
	return nil
}

// Load reads the full persisted state.
func (p *Projection) Load(ctx context.Context) (vault.Snapshot, error) {
	var snap vault.Snapshot

	raw, err := p.kv.HGetAll(ctx, KeyDeposits)
	if err != nil {
		return snap, fmt.Errorf("load deposits: %w", err)
	}
	for field, data := range raw {
		d, err := decodeDeposit(data)
		if err != nil {
			return snap, fmt.Errorf("deposit %s: %w", field, err)
		}
		snap.Deposits = append(snap.Deposits, d)
	}

	members, err := p.kv.SMembers(ctx, KeyConsumed)
	if err != nil {
		return snap, fmt.Errorf("load consumed: %w", err)
	}
	for _, m := range members {
		a, err := parseConsumed(m)
		if err != nil {
			return snap, err
		}
		snap.Consumed = append(snap.Consumed, a)
	}

	if err := p.loadLedgers(ctx, &snap); err != nil {
		return snap, err
	}

	if snap.Sequence, err = p.counter(ctx, KeySequence); err != nil {
		return snap, err
	}
	if snap.Height, err = p.counter(ctx, KeyHeight); err != nil {
		return snap, err
	}

	total, err := p.kv.HGet(ctx, KeyPending, FieldTotal)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return snap, fmt.Errorf("load total pending: %w", err)
	default:
		if snap.TotalPending, err = uint256.FromDecimal(string(total)); err != nil {
			return snap, fmt.Errorf("%w: total pending: %v", ErrCorrupt, err)
		}
	}

	p.logger.Infow("Projection loaded",
		"deposits", len(snap.Deposits),
		"consumed", len(snap.Consumed),
		"accounts", len(snap.Accounts),
		"sequence", snap.Sequence,
		"height", snap.Height,
	)
	return snap, nil
}

func (p *Projection) loadLedgers(ctx context.Context, snap *vault.Snapshot) error {
	accounts, err := p.kv.HGetAll(ctx, KeyAccounts)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) > 0 {
		snap.Accounts = make(map[onchain.Address]vault.Account, len(accounts))
	}
	for field, data := range accounts {
		holder, err := onchain.ParseAddress(field)
		if err != nil {
			return fmt.Errorf("%w: account %q: %v", ErrCorrupt, field, err)
		}
		if snap.Accounts[holder], err = decodeAccount(data); err != nil {
			return fmt.Errorf("account %s: %w", field, err)
		}
	}

	allowances, err := p.kv.HGetAll(ctx, KeyAllowed)
	if err != nil {
		return fmt.Errorf("load allowances: %w", err)
	}
	for field, data := range allowances {
		a, err := parseAllowance(field, data)
		if err != nil {
			return err
		}
		snap.Allowances = append(snap.Allowances, a)
	}

	supply, err := p.kv.Get(ctx, KeySupply)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load supply: %w", err)
	default:
		if snap.Supply, err = uint256.FromDecimal(string(supply)); err != nil {
			return fmt.Errorf("%w: supply: %v", ErrCorrupt, err)
		}
	}
	return nil
}

// Deposit reads one record straight from the store.
func (p *Projection) Deposit(ctx context.Context, id onchain.Hash) (escrow.Deposit, error) {
	data, err := p.kv.HGet(ctx, KeyDeposits, id.Hex())
	if err != nil {
		return escrow.Deposit{}, err
	}
	return decodeDeposit(data)
}

// PendingOf reads a holder's mirrored pending counter.
func (p *Projection) PendingOf(ctx context.Context, holder onchain.Address) (*uint256.Int, error) {
	data, err := p.kv.HGet(ctx, KeyPending, holder.Hex())
	if errors.Is(err, kv.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return uint256.FromDecimal(string(data))
}

func (p *Projection) counter(ctx context.Context, key string) (uint64, error) {
	data, err := p.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", key, err)
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return v, nil
}
