package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/routing"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBatchError(t *testing.T, err error, index int, target error) {
	t.Helper()
	var be *BatchError
	require.True(t, errors.As(err, &be), "want *BatchError, got %v", err)
	assert.Equal(t, index, be.Index)
	assert.ErrorIs(t, err, target)
}

func amounts(res *BatchResult) []uint64 {
	out := make([]uint64, 0, len(res.Amounts))
	for _, a := range res.Amounts {
		out = append(out, a.Uint64())
	}
	return out
}

func TestBatchConfirmIsAtomic(t *testing.T) {
	h := newHarness(t)
	d1 := h.propose(h.alice, 100)
	d2 := h.propose(h.alice, 200)
	d3 := h.propose(bob, 300)
	height := h.height()
	published := len(h.events)

	_, err := h.v.BatchConfirm(h.ctx, operator, []onchain.Hash{d1.ID, d2.ID, onchain.Keccak256([]byte("nope"))})
	requireBatchError(t, err, 2, escrow.ErrNotFound)

	assert.Equal(t, uint64(0), h.supply())
	assert.Equal(t, height, h.height())
	assert.Len(t, h.events, published)
	h.assertCounters()
	total, err := h.v.TotalPending(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), total.Uint64())

	res, err := h.v.BatchConfirm(h.ctx, operator, []onchain.Hash{d1.ID, d2.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, []uint64{100, 200}, amounts(res))
	assert.Equal(t, uint64(300), res.TotalAssets.Uint64())
	assert.Equal(t, uint64(300), res.TotalShares.Uint64())
	assert.Equal(t, uint64(300), h.shareBalance(h.alice))
	h.assertCounters()

	_, err = h.v.BatchConfirm(h.ctx, operator, []onchain.Hash{d3.ID, d1.ID})
	requireBatchError(t, err, 1, escrow.ErrNotPending)
	got, err := h.v.DetailsOf(h.ctx, d3.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePending, got.State)
	assert.Equal(t, uint64(0), h.shareBalance(bob))
}

func TestBatchConfirmEvents(t *testing.T) {
	h := newHarness(t)
	d1 := h.propose(h.alice, 100)
	d2 := h.propose(bob, 50)
	h.events = nil

	res, err := h.v.BatchConfirm(h.ctx, operator, []onchain.Hash{d1.ID, d2.ID})
	require.NoError(t, err)

	require.Equal(t, []events.Kind{events.KindDepositConfirmed, events.KindDepositConfirmed, events.KindBatchConfirmed}, h.eventKinds())
	for _, e := range h.events {
		assert.Equal(t, res.ID.String(), e.BatchID)
		assert.Equal(t, h.events[0].Height, e.Height, "one batch is one height")
	}
	summary := h.events[2]
	assert.Equal(t, 2, summary.Count)
	assert.Equal(t, "150", summary.Assets)
}

func TestBatchRefundIsAtomic(t *testing.T) {
	h := newHarness(t)
	d1 := h.propose(h.alice, 100)
	d2 := h.propose(bob, 40)

	_, err := h.v.BatchRefund(h.ctx, operator, []onchain.Hash{d1.ID, d2.ID, d1.ID})
	requireBatchError(t, err, 2, escrow.ErrNotPending)
	h.assertCounters()
	for _, id := range []onchain.Hash{d1.ID, d2.ID} {
		got, err := h.v.DetailsOf(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatePending, got.State)
	}

	res, err := h.v.BatchRefund(h.ctx, operator, []onchain.Hash{d2.ID, d1.ID})
	require.NoError(t, err)
	assert.Equal(t, []uint64{40, 100}, amounts(res))
	assert.True(t, res.TotalShares.IsZero())
	h.assertCounters()
}

func TestBatchRedeemIsAtomic(t *testing.T) {
	h := newHarness(t)
	h.fund(h.alice, 1000)
	require.NoError(t, h.shares.Approve(h.ctx, h.alice, operator, u(1000)))
	height := h.height()

	r1, s1 := h.request(100, 100, 1)
	r2, s2 := h.request(100, 100, 1)
	_, err := h.v.BatchRedeem(h.ctx, operator, []withdrawal.Request{r1, r2}, [][]byte{s1, s2})
	requireBatchError(t, err, 1, withdrawal.ErrAuthorizationReused)

	assertUntouched(t, h, 1000, 1)
	allowance, err := h.shares.Allowance(h.ctx, h.alice, operator)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), allowance.Uint64())
	assert.Equal(t, height, h.height())

	r3, s3 := h.request(100, 0, 1)
	r4, s4 := h.request(300, 300, 2)
	res, err := h.v.BatchRedeem(h.ctx, operator, []withdrawal.Request{r3, r4}, [][]byte{s3, s4})
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 300}, amounts(res))
	assert.Equal(t, uint64(400), res.TotalShares.Uint64())
	assert.Equal(t, uint64(400), res.TotalAssets.Uint64())
	assert.Equal(t, uint64(400), h.valueBalance(dest))
	assert.Equal(t, uint64(600), h.shareBalance(h.alice))
}

// refusingRouter turns down any payment set that reaches refuse.
type refusingRouter struct {
	*routing.Ledger
	refuse onchain.Address
}

func (r *refusingRouter) MoveValues(ctx context.Context, from onchain.Address, payments []routing.Payment) error {
	for _, p := range payments {
		if p.To == r.refuse {
			return errors.New("destination refused")
		}
	}
	return r.Ledger.MoveValues(ctx, from, payments)
}

func TestBatchRedeemFailedPayoutPaysNobody(t *testing.T) {
	var router *refusingRouter
	h := newHarness(t, func(_ *Config, deps *Deps) {
		router = &refusingRouter{Ledger: deps.Router.(*routing.Ledger)}
		deps.Router = router
	})
	h.fund(h.alice, 1000)
	router.refuse = bob

	r1, s1 := h.request(100, 0, 1)
	r2, _ := h.request(100, 0, 2)
	r2.Destination = bob
	s2 := h.v.Domain().Sign(h.alicePriv, r2)

	_, err := h.v.BatchRedeem(h.ctx, operator, []withdrawal.Request{r1, r2}, [][]byte{s1, s2})
	require.ErrorIs(t, err, ErrTransferFailed)
	assertUntouched(t, h, 1000, 1)
	assertUntouched(t, h, 1000, 2)
	assert.Equal(t, uint64(1_000_000), h.valueBalance(bob))
	assert.Equal(t, uint64(1000), h.valueBalance(sink))

	// the mirror was written before the payout; its compensation frees both
	// authorizations again
	c := h.mirror.last()
	assert.Empty(t, c.Consumed)
	assert.Len(t, c.Released, 2)
	assert.Equal(t, uint64(1000), c.Accounts[h.alice].Shares.Uint64())
	assert.True(t, c.Accounts[dest].Value.IsZero())

	_, err = h.v.Redeem(h.ctx, operator, r1, s1)
	require.NoError(t, err)
	_, err = h.v.Redeem(h.ctx, operator, r1, s1)
	require.ErrorIs(t, err, withdrawal.ErrAuthorizationReused)
	assert.Equal(t, uint64(100), h.valueBalance(dest))
	assert.Equal(t, uint64(900), h.shareBalance(h.alice))
	assert.Equal(t, uint64(900), h.valueBalance(sink))
}

func TestBatchRedeemSlippageAbortsEverything(t *testing.T) {
	h := newHarness(t)
	h.fund(h.alice, 1000)

	r1, s1 := h.request(100, 100, 1)
	r2, s2 := h.request(100, 101, 2)
	_, err := h.v.BatchRedeem(h.ctx, operator, []withdrawal.Request{r1, r2}, [][]byte{s1, s2})
	requireBatchError(t, err, 1, calc.ErrInsufficientOutput)
	assertUntouched(t, h, 1000, 1)
}

func TestBatchRedeemLiquidityPreflight(t *testing.T) {
	h := newHarness(t)
	h.fund(h.alice, 1000)
	require.NoError(t, h.value.MoveValue(h.ctx, sink, bob, u(700)))

	r1, s1 := h.request(200, 0, 1)
	r2, s2 := h.request(200, 0, 2)
	_, err := h.v.BatchRedeem(h.ctx, operator, []withdrawal.Request{r1, r2}, [][]byte{s1, s2})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assertUntouched(t, h, 1000, 1)
	assert.Equal(t, uint64(300), h.valueBalance(sink))
}

func TestBatchLengthMismatch(t *testing.T) {
	h := newHarness(t)
	r1, s1 := h.request(1, 0, 1)

	_, err := h.v.BatchRedeem(h.ctx, operator, []withdrawal.Request{r1, r1}, [][]byte{s1})
	assert.ErrorIs(t, err, ErrArrayLengthMismatch)

	_, err = h.v.BatchForceRedeem(h.ctx, operator, []*uint256.Int{u(1)}, []onchain.Address{h.alice}, nil)
	assert.ErrorIs(t, err, ErrArrayLengthMismatch)
	assert.Equal(t, uint64(0), h.height())
}

func TestEmptyBatchesAreNoOps(t *testing.T) {
	h := newHarness(t)

	res, err := h.v.BatchConfirm(h.ctx, operator, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	_, err = h.v.BatchRefund(h.ctx, operator, []onchain.Hash{})
	require.NoError(t, err)
	_, err = h.v.BatchRedeem(h.ctx, operator, nil, nil)
	require.NoError(t, err)
	_, err = h.v.BatchForceRedeem(h.ctx, operator, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), h.height())
	assert.Empty(t, h.events)

	_, err = h.v.BatchConfirm(h.ctx, bob, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBatchForceRedeem(t *testing.T) {
	h := newHarness(t)
	h.fund(h.alice, 1000)
	h.fund(bob, 500)

	_, err := h.v.BatchForceRedeem(h.ctx, operator,
		[]*uint256.Int{u(10), u(10)},
		[]onchain.Address{h.alice, bob},
		[]onchain.Address{dest, onchain.ZeroAddress})
	requireBatchError(t, err, 1, ErrInvalidAddress)
	assert.Equal(t, uint64(1000), h.shareBalance(h.alice))

	res, err := h.v.BatchForceRedeem(h.ctx, operator,
		[]*uint256.Int{u(2000), u(100)},
		[]onchain.Address{h.alice, bob},
		[]onchain.Address{dest, dest})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1000, 100}, amounts(res))
	assert.Equal(t, uint64(1100), res.TotalShares.Uint64())
	assert.Equal(t, uint64(0), h.shareBalance(h.alice))
	assert.Equal(t, uint64(400), h.shareBalance(bob))
	assert.Equal(t, uint64(1100), h.valueBalance(dest))
}
