package vault

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/routing"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
)

// Account is the ledger state of one holder. Value and ValueAllowance are nil
// when the router keeps its own state.
type Account struct {
	Shares         *uint256.Int
	Value          *uint256.Int
	ValueAllowance *uint256.Int
}

// ShareAllowance is what Owner lets Spender redeem.
type ShareAllowance struct {
	Owner   onchain.Address
	Spender onchain.Address
	Amount  *uint256.Int
}

// Change is the durable delta of one operation. Deposits hold the final form
// of every record the operation touched; Pending holds the new counter of
// every depositor involved, zero when nothing is left pending. Accounts and
// Allowances hold the ledger state the operation leaves behind, including
// payouts that are issued after the change is applied.
//
// Dropped and Released only appear in the change written after a rollback:
// deposits that no longer exist and authorizations that are usable again.
type Change struct {
	Height       uint64
	Sequence     uint64
	Deposits     []escrow.Deposit
	Dropped      []onchain.Hash
	Consumed     []withdrawal.Authorization
	Released     []withdrawal.Authorization
	TotalPending *uint256.Int
	Pending      map[onchain.Address]*uint256.Int
	Supply       *uint256.Int
	Accounts     map[onchain.Address]Account
	Allowances   []ShareAllowance
}

// Mirror persists changes. The vault applies an operation's change before
// any value leaves the sink; a failed Apply fails the operation.
type Mirror interface {
	Apply(ctx context.Context, c Change) error
}

// Snapshot is the persisted state the vault is rebuilt from.
type Snapshot struct {
	Height   uint64
	Sequence uint64
	Deposits []escrow.Deposit
	Consumed []withdrawal.Authorization
	// TotalPending is the persisted global counter. When set it must match
	// the sum recomputed from Deposits.
	TotalPending *uint256.Int
	// Supply, when set, must match the sum of account shares.
	Supply     *uint256.Int
	Accounts   map[onchain.Address]Account
	Allowances []ShareAllowance
}

// changeOf reads the state o leaves behind. payouts are queued moves not yet
// issued; their effect is folded into the mirrored value balances.
func (v *Vault) changeOf(ctx context.Context, o *op, height uint64, payouts []routing.Payment) (Change, error) {
	c := Change{
		Height:       height,
		Sequence:     v.book.Sequence(),
		Consumed:     o.consumed,
		TotalPending: v.book.TotalPending(),
		Pending:      make(map[onchain.Address]*uint256.Int, len(o.holders)),
	}

	seen := make(map[onchain.Hash]struct{}, len(o.deposits))
	for _, id := range o.deposits {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		d := v.book.Details(id)
		if d.ID != id {
			c.Dropped = append(c.Dropped, id)
			continue
		}
		c.Deposits = append(c.Deposits, d)
	}
	for h := range o.holders {
		c.Pending[h] = v.book.PendingOf(h)
	}

	accounts := make(map[onchain.Address]struct{}, len(o.accounts)+len(o.payouts)+1)
	for a := range o.accounts {
		accounts[a] = struct{}{}
	}
	for _, p := range o.payouts {
		accounts[p.To] = struct{}{}
		accounts[v.cfg.Sink] = struct{}{}
	}
	if len(accounts) == 0 && len(o.allowances) == 0 {
		return c, nil
	}

	err := v.call(func() error {
		supply, err := v.shares.TotalSupply(ctx)
		if err != nil {
			return err
		}
		c.Supply = supply
		c.Accounts = make(map[onchain.Address]Account, len(accounts))
		for a := range accounts {
			acct, err := v.accountOf(ctx, a)
			if err != nil {
				return err
			}
			c.Accounts[a] = acct
		}
		for pair := range o.allowances {
			amount, err := v.shares.Allowance(ctx, pair.owner, pair.spender)
			if err != nil {
				return err
			}
			c.Allowances = append(c.Allowances, ShareAllowance{Owner: pair.owner, Spender: pair.spender, Amount: amount})
		}
		return nil
	})
	if err != nil {
		return Change{}, fmt.Errorf("%w: read ledgers: %w", ErrMirror, err)
	}

	if v.funding != nil {
		for _, p := range payouts {
			from := c.Accounts[v.cfg.Sink]
			from.Value = new(uint256.Int).Sub(from.Value, p.Amount)
			c.Accounts[v.cfg.Sink] = from
			to := c.Accounts[p.To]
			to.Value = new(uint256.Int).Add(to.Value, p.Amount)
			c.Accounts[p.To] = to
		}
	}
	return c, nil
}

func (v *Vault) accountOf(ctx context.Context, holder onchain.Address) (Account, error) {
	shares, err := v.shares.BalanceOf(ctx, holder)
	if err != nil {
		return Account{}, err
	}
	acct := Account{Shares: shares}
	if v.funding != nil {
		if acct.Value, err = v.router.BalanceOf(ctx, holder); err != nil {
			return Account{}, err
		}
		acct.ValueAllowance = v.funding.Allowance(holder)
	}
	return acct, nil
}

// Sync mirrors owner's ledger state and the share allowances owner granted to
// spenders. Ledger writes made outside vault operations, such as approvals
// and credits, call it so they survive a restart. It does not advance the
// height.
func (v *Vault) Sync(ctx context.Context, owner onchain.Address, spenders ...onchain.Address) error {
	if v.mirror == nil {
		return nil
	}
	return v.read(ctx, func(ctx context.Context) error {
		o := &op{name: "sync", ctx: ctx}
		o.touch(owner)
		for _, s := range spenders {
			o.touchAllowance(owner, s)
		}
		c, err := v.changeOf(ctx, o, v.height, nil)
		if err != nil {
			return err
		}
		if err := v.call(func() error { return v.mirror.Apply(ctx, c) }); err != nil {
			return fmt.Errorf("%w: sync %s: %w", ErrMirror, owner, err)
		}
		return nil
	})
}

// Restore replaces the vault's state with a snapshot and seeds the ledgers
// from it. It must run before the vault serves any operation, against a share
// ledger that holds no supply yet.
func (v *Vault) Restore(ctx context.Context, snap Snapshot) error {
	return v.read(ctx, func(ctx context.Context) error {
		book := escrow.NewBook(v.cfg.Domain.VerifyingContract)
		if err := book.Restore(snap.Deposits, snap.Sequence); err != nil {
			return err
		}
		if snap.TotalPending != nil && !snap.TotalPending.Eq(book.TotalPending()) {
			return fmt.Errorf("%w: persisted total pending %s, records sum to %s",
				ErrRestore, snap.TotalPending.Dec(), book.TotalPending().Dec())
		}
		if err := v.seedLedgers(ctx, snap); err != nil {
			return err
		}

		consumed := withdrawal.NewRegistry()
		consumed.Restore(snap.Consumed)

		v.book = book
		v.consumed = consumed
		v.height = snap.Height

		v.logger.Infow("Vault state restored",
			"height", snap.Height,
			"sequence", book.Sequence(),
			"deposits", len(snap.Deposits),
			"consumed", consumed.Len(),
			"accounts", len(snap.Accounts),
			"totalPending", book.TotalPending().Dec(),
		)
		return nil
	})
}

func (v *Vault) seedLedgers(ctx context.Context, snap Snapshot) error {
	if len(snap.Accounts) == 0 && len(snap.Allowances) == 0 {
		return nil
	}

	sum := new(uint256.Int)
	for holder, acct := range snap.Accounts {
		if acct.Shares == nil {
			continue
		}
		if _, overflow := sum.AddOverflow(sum, acct.Shares); overflow {
			return fmt.Errorf("%w: share balances overflow at %s", ErrRestore, holder)
		}
		if acct.Value != nil && v.funding == nil {
			return fmt.Errorf("%w: router cannot take persisted value balances", ErrRestore)
		}
	}
	if snap.Supply != nil && !snap.Supply.Eq(sum) {
		return fmt.Errorf("%w: persisted supply %s, balances sum to %s", ErrRestore, snap.Supply.Dec(), sum.Dec())
	}

	return v.call(func() error {
		supply, err := v.shares.TotalSupply(ctx)
		if err != nil {
			return err
		}
		if !supply.IsZero() {
			return fmt.Errorf("%w: share ledger already holds %s", ErrRestore, supply.Dec())
		}
		for holder, acct := range snap.Accounts {
			if acct.Shares != nil && !acct.Shares.IsZero() {
				if err := v.shares.Mint(ctx, holder, acct.Shares); err != nil {
					return fmt.Errorf("%w: mint %s: %w", ErrRestore, holder, err)
				}
			}
			if acct.Value != nil {
				allowance := acct.ValueAllowance
				if allowance == nil {
					allowance = new(uint256.Int)
				}
				v.funding.Restore(holder, acct.Value, allowance)
			}
		}
		for _, a := range snap.Allowances {
			if err := v.shares.Approve(ctx, a.Owner, a.Spender, a.Amount); err != nil {
				return fmt.Errorf("%w: allowance %s to %s: %w", ErrRestore, a.Owner, a.Spender, err)
			}
		}
		return nil
	})
}
