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
)

// RegisterCheck appends check to the kind's gate. Only strategists may
// register; there is no removal.
func (v *Vault) RegisterCheck(ctx context.Context, caller onchain.Address, kind gate.Kind, check gate.Check) error {
	return v.execute(ctx, "register_check", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleStrategist); err != nil {
			return err
		}
		if err := v.gates.Register(kind, check, o.height); err != nil {
			return err
		}

		e := o.event(events.KindCheckRegistered)
		e.Actor = caller.Hex()
		e.Detail = fmt.Sprintf("%s:%s", kind, check.Name())
		o.emit(e)
		return nil
	})
}

func (v *Vault) Checks(kind gate.Kind) []gate.Registration {
	return v.gates.Checks(kind)
}

func (v *Vault) LastExecuted(kind gate.Kind) (uint64, bool) {
	return v.gates.LastExecuted(kind)
}

// Height is the number of committed operations.
func (v *Vault) Height(ctx context.Context) (uint64, error) {
	var out uint64
	err := v.read(ctx, func(context.Context) error {
		out = v.height
		return nil
	})
	return out, err
}

// PreviewDeposit returns the shares assets would mint if confirmed now.
func (v *Vault) PreviewDeposit(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	if err := calc.ValidateAmount(assets, "preview deposit"); err != nil {
		return nil, err
	}
	var out *uint256.Int
	err := v.read(ctx, func(ctx context.Context) error {
		rate, err := v.rate(ctx, v.cfg.Now())
		if err != nil {
			return err
		}
		supply, err := callValue(v, func() (*uint256.Int, error) { return v.shares.TotalSupply(ctx) })
		if err != nil {
			return fmt.Errorf("%w: supply: %w", ErrShareLedger, err)
		}
		out, err = v.conv.ToShares(assets, supply, rate)
		return err
	})
	return out, err
}

// PreviewRedeem returns the assets shares would pay out if redeemed now.
func (v *Vault) PreviewRedeem(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	if err := calc.ValidateAmount(shares, "preview redeem"); err != nil {
		return nil, err
	}
	var out *uint256.Int
	err := v.read(ctx, func(ctx context.Context) error {
		rate, err := v.rate(ctx, v.cfg.Now())
		if err != nil {
			return err
		}
		out, err = v.previewRedeem(ctx, shares, rate)
		return err
	})
	return out, err
}

func (v *Vault) previewRedeem(ctx context.Context, shares, rate *uint256.Int) (*uint256.Int, error) {
	supply, err := callValue(v, func() (*uint256.Int, error) { return v.shares.TotalSupply(ctx) })
	if err != nil {
		return nil, fmt.Errorf("%w: supply: %w", ErrShareLedger, err)
	}
	if supply.Lt(shares) {
		return nil, fmt.Errorf("%w: %s shares exceed supply %s", calc.ErrInvalidAmount, shares.Dec(), supply.Dec())
	}
	return v.conv.ToAssets(shares, supply, rate)
}
