package vault

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/access"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
)

// Redeem executes an owner-signed withdrawal request on the owner's behalf.
// caller must be an operator and must hold enough share allowance from the
// owner. Returns the assets paid to the request's destination.
func (v *Vault) Redeem(ctx context.Context, caller onchain.Address, req withdrawal.Request, sig []byte) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.execute(ctx, "redeem", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		rate, err := v.rate(o.ctx, o.now)
		if err != nil {
			return err
		}
		out, err = v.redeemOne(o, caller, req, sig, rate)
		return err
	})
	return out, err
}

func (v *Vault) redeemOne(o *op, caller onchain.Address, req withdrawal.Request, sig []byte, rate *uint256.Int) (*uint256.Int, error) {
	if err := v.cfg.Domain.Verify(req, sig, o.now, v.consumed); err != nil {
		return nil, err
	}
	if err := requireAddress("owner or destination", req.Owner, req.Destination); err != nil {
		return nil, err
	}
	if err := calc.ValidateAmount(req.Shares, "redeem"); err != nil {
		return nil, err
	}
	if req.Number == nil {
		return nil, fmt.Errorf("%w: missing authorization number", calc.ErrInvalidAmount)
	}

	redeemable, err := callValue(v, func() (*uint256.Int, error) { return v.shares.MaxRedeemable(o.ctx, req.Owner, caller) })
	if err != nil {
		return nil, fmt.Errorf("%w: max redeemable: %w", ErrShareLedger, err)
	}
	if req.Shares.Gt(redeemable) {
		return nil, fmt.Errorf("%w: %s requested, %s redeemable by %s", ErrExceedsMaxRedeemable, req.Shares.Dec(), redeemable.Dec(), caller)
	}

	assets, err := v.previewRedeem(o.ctx, req.Shares, rate)
	if err != nil {
		return nil, err
	}
	minAssets := req.MinAssets
	if minAssets == nil {
		minAssets = new(uint256.Int)
	}
	if err := calc.ValidateMinReceived(assets, minAssets, "redeem"); err != nil {
		return nil, err
	}

	if err := v.admit(o, gate.Request{
		Kind:         gate.KindWithdraw,
		Actor:        req.Owner,
		Amount:       assets,
		Counterparty: req.Destination,
	}); err != nil {
		return nil, err
	}

	if err := v.spendAllowance(o, req.Owner, caller, req.Shares); err != nil {
		return nil, err
	}
	if err := v.burn(o, req.Owner, req.Shares); err != nil {
		return nil, err
	}

	undo, err := v.consumed.Consume(req.Owner, req.Number)
	if err != nil {
		return nil, err
	}
	o.journal.recordLocal(undo)
	o.consumed = append(o.consumed, withdrawal.Authorization{Owner: req.Owner, Number: new(uint256.Int).Set(req.Number)})

	if !assets.IsZero() {
		o.pay(req.Destination, assets)
	}

	e := o.event(events.KindRedeemed)
	e.Actor = caller.Hex()
	e.Account = req.Owner.Hex()
	e.Counterparty = req.Destination.Hex()
	e.Shares = req.Shares.Dec()
	e.Assets = assets.Dec()
	e.Number = req.Number.Dec()
	o.emit(e)
	return assets, nil
}

// ForceRedeem burns up to shares from account and pays the value to
// destination. It skips the policy gates and the owner's allowance, and caps
// the amount at the account's balance instead of failing.
func (v *Vault) ForceRedeem(ctx context.Context, caller onchain.Address, shares *uint256.Int, account, destination onchain.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.execute(ctx, "force_redeem", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		if err := validateForce(shares, account, destination); err != nil {
			return err
		}
		rate, err := v.rate(o.ctx, o.now)
		if err != nil {
			return err
		}
		out, err = v.forceOne(o, caller, shares, account, destination, rate)
		return err
	})
	return out, err
}

func validateForce(shares *uint256.Int, account, destination onchain.Address) error {
	if err := calc.ValidateAmount(shares, "force redeem"); err != nil {
		return err
	}
	return requireAddress("account or destination", account, destination)
}

func (v *Vault) forceOne(o *op, caller onchain.Address, shares *uint256.Int, account, destination onchain.Address, rate *uint256.Int) (*uint256.Int, error) {
	balance, err := callValue(v, func() (*uint256.Int, error) { return v.shares.BalanceOf(o.ctx, account) })
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %w", ErrShareLedger, err)
	}
	amount := calc.Min(shares, balance)

	assets := new(uint256.Int)
	if !amount.IsZero() {
		assets, err = v.previewRedeem(o.ctx, amount, rate)
		if err != nil {
			return nil, err
		}
		if err := v.burn(o, account, amount); err != nil {
			return nil, err
		}
		if !assets.IsZero() {
			o.pay(destination, assets)
		}
	}

	v.logger.Warnw("Force redemption",
		"caller", caller,
		"account", account,
		"destination", destination,
		"requested", shares.Dec(),
		"burned", amount.Dec(),
		"assets", assets.Dec(),
	)

	e := o.event(events.KindForceRedeemed)
	e.Actor = caller.Hex()
	e.Account = account.Hex()
	e.Counterparty = destination.Hex()
	e.Shares = amount.Dec()
	e.Assets = assets.Dec()
	if !amount.Eq(shares) {
		e.Detail = "clamped from " + shares.Dec()
	}
	o.emit(e)
	return assets, nil
}

// Transfer moves shares between holders through the transfer gate.
func (v *Vault) Transfer(ctx context.Context, from, to onchain.Address, shares *uint256.Int) error {
	return v.execute(ctx, "transfer", func(o *op) error {
		if err := requireAddress("sender or receiver", from, to); err != nil {
			return err
		}
		if err := calc.ValidateAmount(shares, "transfer"); err != nil {
			return err
		}
		if err := v.admit(o, gate.Request{
			Kind:         gate.KindTransfer,
			Actor:        from,
			Amount:       shares,
			Counterparty: to,
		}); err != nil {
			return err
		}
		if err := v.transferShares(o, from, to, shares); err != nil {
			return err
		}

		e := o.event(events.KindSharesTransferred)
		e.Actor = from.Hex()
		e.Account = from.Hex()
		e.Counterparty = to.Hex()
		e.Shares = shares.Dec()
		o.emit(e)
		return nil
	})
}

// IsConsumed reports whether owner has already used number.
func (v *Vault) IsConsumed(ctx context.Context, owner onchain.Address, number *uint256.Int) (bool, error) {
	var out bool
	err := v.read(ctx, func(context.Context) error {
		out = v.consumed.IsConsumed(owner, number)
		return nil
	})
	return out, err
}
