package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/access"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

// Propose escrows assets from depositor for later confirmation. The deposit
// gate runs first; value is pulled into the sink after the record exists.
func (v *Vault) Propose(ctx context.Context, depositor, recipient onchain.Address, assets *uint256.Int) (escrow.Deposit, error) {
	var out escrow.Deposit
	err := v.execute(ctx, "propose", func(o *op) error {
		if err := requireAddress("depositor or recipient", depositor, recipient); err != nil {
			return err
		}
		if err := calc.ValidateAmount(assets, "deposit"); err != nil {
			return err
		}
		if err := v.admit(o, gate.Request{
			Kind:         gate.KindDeposit,
			Actor:        depositor,
			Amount:       assets,
			Counterparty: recipient,
		}); err != nil {
			return err
		}

		d, undo, err := v.book.Open(depositor, recipient, assets, o.now, v.cfg.DepositTTL)
		if err != nil {
			return err
		}
		o.journal.recordLocal(undo)
		o.touchDeposit(d)

		if err := v.pull(o, depositor, assets); err != nil {
			return err
		}

		e := o.event(events.KindDepositProposed)
		e.DepositID = d.ID.Hex()
		e.Actor = depositor.Hex()
		e.Account = depositor.Hex()
		e.Counterparty = recipient.Hex()
		e.Assets = assets.Dec()
		o.emit(e)
		out = d
		return nil
	})
	return out, err
}

// Confirm accepts a pending deposit and mints shares to its recipient at the
// current rate.
func (v *Vault) Confirm(ctx context.Context, caller onchain.Address, id onchain.Hash) (escrow.Deposit, error) {
	var out escrow.Deposit
	err := v.execute(ctx, "confirm", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		rate, err := v.rate(o.ctx, o.now)
		if err != nil {
			return err
		}
		out, err = v.confirmOne(o, caller, id, rate)
		return err
	})
	return out, err
}

func (v *Vault) confirmOne(o *op, caller onchain.Address, id onchain.Hash, rate *uint256.Int) (escrow.Deposit, error) {
	d, err := v.book.Pending(id)
	if err != nil {
		return escrow.Deposit{}, err
	}
	supply, err := callValue(v, func() (*uint256.Int, error) { return v.shares.TotalSupply(o.ctx) })
	if err != nil {
		return escrow.Deposit{}, fmt.Errorf("%w: supply: %w", ErrShareLedger, err)
	}
	minted, err := v.conv.ToShares(d.Assets, supply, rate)
	if err != nil {
		return escrow.Deposit{}, err
	}
	if minted.IsZero() {
		return escrow.Deposit{}, fmt.Errorf("%w: deposit %s converts to zero shares", calc.ErrInvalidAmount, id)
	}

	settled, undo, err := v.book.Settle(id, escrow.StateAccepted, minted, o.now)
	if err != nil {
		return escrow.Deposit{}, err
	}
	o.journal.recordLocal(undo)
	o.touchDeposit(settled)

	if err := v.mint(o, settled.Recipient, minted); err != nil {
		return escrow.Deposit{}, err
	}

	e := o.event(events.KindDepositConfirmed)
	e.DepositID = id.Hex()
	e.Actor = caller.Hex()
	e.Account = settled.Depositor.Hex()
	e.Counterparty = settled.Recipient.Hex()
	e.Assets = settled.Assets.Dec()
	e.Shares = minted.Dec()
	o.emit(e)
	return settled, nil
}

// Refund closes a pending deposit without minting. Returning the escrowed
// value to the depositor is the caller's responsibility.
func (v *Vault) Refund(ctx context.Context, caller onchain.Address, id onchain.Hash) (escrow.Deposit, error) {
	var out escrow.Deposit
	err := v.execute(ctx, "refund", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		var err error
		out, err = v.refundOne(o, caller, id)
		return err
	})
	return out, err
}

func (v *Vault) refundOne(o *op, caller onchain.Address, id onchain.Hash) (escrow.Deposit, error) {
	settled, undo, err := v.book.Settle(id, escrow.StateRefunded, nil, o.now)
	if err != nil {
		return escrow.Deposit{}, err
	}
	o.journal.recordLocal(undo)
	o.touchDeposit(settled)

	e := o.event(events.KindDepositRefunded)
	e.DepositID = id.Hex()
	e.Actor = caller.Hex()
	e.Account = settled.Depositor.Hex()
	e.Assets = settled.Assets.Dec()
	o.emit(e)
	return settled, nil
}

// Reclaim lets the depositor take back an expired pending deposit.
func (v *Vault) Reclaim(ctx context.Context, caller onchain.Address, id onchain.Hash) (escrow.Deposit, error) {
	var out escrow.Deposit
	err := v.execute(ctx, "reclaim", func(o *op) error {
		d, err := v.book.Pending(id)
		if err != nil {
			return err
		}
		switch {
		case caller != d.Depositor:
			return fmt.Errorf("%w: %s is not the depositor of %s", escrow.ErrUnauthorized, caller, id)
		case d.ExpiresAt.IsZero():
			return fmt.Errorf("%w: reclaim is disabled", escrow.ErrUnauthorized)
		case !d.Expired(o.now):
			return fmt.Errorf("%w: %s expires at %s", escrow.ErrUnauthorized, id, d.ExpiresAt.UTC().Format(time.RFC3339))
		}

		settled, undo, err := v.book.Settle(id, escrow.StateReclaimed, nil, o.now)
		if err != nil {
			return err
		}
		o.journal.recordLocal(undo)
		o.touchDeposit(settled)
		o.pay(settled.Depositor, settled.Assets)

		e := o.event(events.KindDepositReclaimed)
		e.DepositID = id.Hex()
		e.Actor = caller.Hex()
		e.Account = settled.Depositor.Hex()
		e.Assets = settled.Assets.Dec()
		o.emit(e)
		out = settled
		return nil
	})
	return out, err
}

// ListPendingFor returns holder's pending deposits in proposal order.
func (v *Vault) ListPendingFor(ctx context.Context, holder onchain.Address) ([]escrow.Deposit, error) {
	var out []escrow.Deposit
	err := v.read(ctx, func(context.Context) error {
		out = v.book.PendingFor(holder)
		return nil
	})
	return out, err
}

// DetailsOf returns the record for id, or the zero Deposit when id is unknown.
func (v *Vault) DetailsOf(ctx context.Context, id onchain.Hash) (escrow.Deposit, error) {
	var out escrow.Deposit
	err := v.read(ctx, func(context.Context) error {
		out = v.book.Details(id)
		return nil
	})
	return out, err
}

func (v *Vault) TotalPending(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func(context.Context) error {
		out = v.book.TotalPending()
		return nil
	})
	return out, err
}

func (v *Vault) PendingOf(ctx context.Context, holder onchain.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func(context.Context) error {
		out = v.book.PendingOf(holder)
		return nil
	})
	return out, err
}

// CumulativeDeposits sums every deposit ever proposed, whatever its state.
func (v *Vault) CumulativeDeposits(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func(context.Context) error {
		var err error
		out, err = v.book.CumulativeAssets()
		return err
	})
	return out, err
}
