package vault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/access"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
)

// BatchResult summarizes a committed batch. Amounts holds the per-element
// output in list order: minted shares for confirmations, paid assets for
// redemptions, refunded assets for refunds.
type BatchResult struct {
	ID          uuid.UUID
	Count       int
	TotalAssets *uint256.Int
	TotalShares *uint256.Int
	Amounts     []*uint256.Int
}

func newBatchResult(n int) *BatchResult {
	return &BatchResult{
		ID:          uuid.New(),
		TotalAssets: new(uint256.Int),
		TotalShares: new(uint256.Int),
		Amounts:     make([]*uint256.Int, 0, n),
	}
}

func (r *BatchResult) add(assets, shares, amount *uint256.Int) error {
	if _, overflow := r.TotalAssets.AddOverflow(r.TotalAssets, assets); overflow {
		return fmt.Errorf("%w: batch assets", calc.ErrOverflow)
	}
	if _, overflow := r.TotalShares.AddOverflow(r.TotalShares, shares); overflow {
		return fmt.Errorf("%w: batch shares", calc.ErrOverflow)
	}
	r.Amounts = append(r.Amounts, amount)
	r.Count++
	return nil
}

func (r *BatchResult) summary(o *op, kind events.Kind, caller onchain.Address) {
	e := o.event(kind)
	e.BatchID = r.ID.String()
	e.Actor = caller.Hex()
	e.Count = r.Count
	e.Assets = r.TotalAssets.Dec()
	e.Shares = r.TotalShares.Dec()
	o.emit(e)
}

// tag stamps the batch id on every element event emitted since mark.
func (r *BatchResult) tag(o *op, mark int) {
	for i := mark; i < len(o.events); i++ {
		o.events[i].BatchID = r.ID.String()
	}
}

// emptyBatch checks the caller's role for a batch with nothing to do.
func (v *Vault) emptyBatch(ctx context.Context, caller onchain.Address) (*BatchResult, error) {
	if v.entered(ctx) {
		return nil, ErrReentrantCall
	}
	if err := v.authorize(ctx, caller, access.RoleOperator); err != nil {
		return nil, err
	}
	return newBatchResult(0), nil
}

// BatchConfirm confirms every id in order at one rate. The first failure
// aborts the whole batch.
func (v *Vault) BatchConfirm(ctx context.Context, caller onchain.Address, ids []onchain.Hash) (*BatchResult, error) {
	if len(ids) == 0 {
		return v.emptyBatch(ctx, caller)
	}

	res := newBatchResult(len(ids))
	err := v.execute(ctx, "batch_confirm", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		rate, err := v.rate(o.ctx, o.now)
		if err != nil {
			return err
		}
		for i, id := range ids {
			d, err := v.confirmOne(o, caller, id, rate)
			if err != nil {
				return &BatchError{Index: i, Err: err}
			}
			if err := res.add(d.Assets, d.Shares, d.Shares); err != nil {
				return &BatchError{Index: i, Err: err}
			}
		}
		res.tag(o, 0)
		res.summary(o, events.KindBatchConfirmed, caller)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BatchRefund refunds every id in order. The first failure aborts the whole
// batch.
func (v *Vault) BatchRefund(ctx context.Context, caller onchain.Address, ids []onchain.Hash) (*BatchResult, error) {
	if len(ids) == 0 {
		return v.emptyBatch(ctx, caller)
	}

	res := newBatchResult(len(ids))
	err := v.execute(ctx, "batch_refund", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		for i, id := range ids {
			d, err := v.refundOne(o, caller, id)
			if err != nil {
				return &BatchError{Index: i, Err: err}
			}
			if err := res.add(d.Assets, new(uint256.Int), d.Assets); err != nil {
				return &BatchError{Index: i, Err: err}
			}
		}
		res.tag(o, 0)
		res.summary(o, events.KindBatchRefunded, caller)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BatchRedeem executes signed requests in order. Every request is verified,
// burned and consumed before any payout leaves the sink.
func (v *Vault) BatchRedeem(ctx context.Context, caller onchain.Address, reqs []withdrawal.Request, sigs [][]byte) (*BatchResult, error) {
	if len(reqs) != len(sigs) {
		return nil, fmt.Errorf("%w: %d requests, %d signatures", ErrArrayLengthMismatch, len(reqs), len(sigs))
	}
	if len(reqs) == 0 {
		return v.emptyBatch(ctx, caller)
	}

	res := newBatchResult(len(reqs))
	err := v.execute(ctx, "batch_redeem", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		rate, err := v.rate(o.ctx, o.now)
		if err != nil {
			return err
		}
		for i := range reqs {
			assets, err := v.redeemOne(o, caller, reqs[i], sigs[i], rate)
			if err != nil {
				return &BatchError{Index: i, Err: err}
			}
			if err := res.add(assets, reqs[i].Shares, assets); err != nil {
				return &BatchError{Index: i, Err: err}
			}
		}
		res.tag(o, 0)
		res.summary(o, events.KindBatchRedeemed, caller)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BatchForceRedeem force-redeems element i of shares from accounts[i] to
// destinations[i]. All inputs are validated before anything is burned.
func (v *Vault) BatchForceRedeem(ctx context.Context, caller onchain.Address, shares []*uint256.Int, accounts, destinations []onchain.Address) (*BatchResult, error) {
	if len(shares) != len(accounts) || len(shares) != len(destinations) {
		return nil, fmt.Errorf("%w: %d amounts, %d accounts, %d destinations",
			ErrArrayLengthMismatch, len(shares), len(accounts), len(destinations))
	}
	if len(shares) == 0 {
		return v.emptyBatch(ctx, caller)
	}

	res := newBatchResult(len(shares))
	err := v.execute(ctx, "batch_force_redeem", func(o *op) error {
		if err := v.requireRole(o.ctx, caller, access.RoleOperator); err != nil {
			return err
		}
		for i := range shares {
			if err := validateForce(shares[i], accounts[i], destinations[i]); err != nil {
				return &BatchError{Index: i, Err: err}
			}
		}
		rate, err := v.rate(o.ctx, o.now)
		if err != nil {
			return err
		}
		for i := range shares {
			before, err := callValue(v, func() (*uint256.Int, error) { return v.shares.BalanceOf(o.ctx, accounts[i]) })
			if err != nil {
				return &BatchError{Index: i, Err: fmt.Errorf("%w: balance: %w", ErrShareLedger, err)}
			}
			assets, err := v.forceOne(o, caller, shares[i], accounts[i], destinations[i], rate)
			if err != nil {
				return &BatchError{Index: i, Err: err}
			}
			if err := res.add(assets, calc.Min(shares[i], before), assets); err != nil {
				return &BatchError{Index: i, Err: err}
			}
		}
		res.tag(o, 0)
		res.summary(o, events.KindBatchForceRedeemed, caller)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
