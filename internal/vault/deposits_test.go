package vault

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositAndRedeemEndToEnd(t *testing.T) {
	h := newHarness(t)

	// bob seeds the pool at 1:1
	h.fund(bob, 1000)
	h.setPrice("1.25")

	d := h.propose(h.alice, 1000)
	total, err := h.v.TotalPending(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), total.Uint64())

	rate, err := calc.RateFromDecimal(h.currentPrice())
	require.NoError(t, err)
	want, err := h.conv.ToShares(u(1000), u(1000), rate)
	require.NoError(t, err)

	confirmed, err := h.v.Confirm(h.ctx, operator, d.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateAccepted, confirmed.State)
	assert.Equal(t, want.Uint64(), confirmed.Shares.Uint64())
	assert.Equal(t, uint64(800), h.shareBalance(h.alice))

	total, err = h.v.TotalPending(h.ctx)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	preview, err := h.v.PreviewRedeem(h.ctx, u(800))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), preview.Uint64())

	req, sig := h.request(800, preview.Uint64(), 1)
	paid, err := h.v.Redeem(h.ctx, operator, req, sig)
	require.NoError(t, err)
	assert.Equal(t, preview.Uint64(), paid.Uint64())
	assert.Equal(t, uint64(0), h.shareBalance(h.alice))
	assert.Equal(t, uint64(1000), h.valueBalance(dest))
	assert.Equal(t, uint64(1000), h.valueBalance(sink))

	_, err = h.v.Redeem(h.ctx, operator, req, append([]byte(nil), sig...))
	assert.ErrorIs(t, err, withdrawal.ErrAuthorizationReused)

	assert.Equal(t, []events.Kind{
		events.KindDepositProposed, events.KindDepositConfirmed,
		events.KindDepositProposed, events.KindDepositConfirmed,
		events.KindRedeemed,
	}, h.eventKinds())
}

func TestPendingCountersTrackEveryTransition(t *testing.T) {
	h := newHarness(t)

	p1 := h.propose(h.alice, 100)
	h.assertCounters()
	p2 := h.propose(h.alice, 200)
	h.assertCounters()
	p3 := h.propose(bob, 50)
	h.assertCounters()

	_, err := h.v.Confirm(h.ctx, operator, p1.ID)
	require.NoError(t, err)
	h.assertCounters()

	_, err = h.v.Refund(h.ctx, operator, p3.ID)
	require.NoError(t, err)
	h.assertCounters()

	p4 := h.propose(bob, 70)
	h.assertCounters()

	h.now = h.now.Add(73 * time.Hour)
	_, err = h.v.Reclaim(h.ctx, h.alice, p2.ID)
	require.NoError(t, err)
	h.assertCounters()

	_, err = h.v.Confirm(h.ctx, operator, p4.ID)
	require.NoError(t, err)
	h.assertCounters()

	total, err := h.v.TotalPending(h.ctx)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestProposalsGetDistinctIDs(t *testing.T) {
	h := newHarness(t)

	seen := make(map[onchain.Hash]struct{})
	for i := 0; i < 100; i++ {
		d := h.propose(h.alice, 10)
		seen[d.ID] = struct{}{}
	}
	assert.Len(t, seen, 100)

	pending, err := h.v.ListPendingFor(h.ctx, h.alice)
	require.NoError(t, err)
	assert.Len(t, pending, 100)
	h.assertCounters()
}

func TestProposeValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.v.Propose(h.ctx, h.alice, onchain.ZeroAddress, u(1))
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = h.v.Propose(h.ctx, h.alice, h.alice, u(0))
	assert.ErrorIs(t, err, calc.ErrInvalidAmount)
	_, err = h.v.Propose(h.ctx, h.alice, h.alice, nil)
	assert.ErrorIs(t, err, calc.ErrInvalidAmount)

	assert.Equal(t, uint64(0), h.height())
	assert.Empty(t, h.events)
}

func TestProposeRejectedByGateChangesNothing(t *testing.T) {
	h := newHarness(t)
	depositCap := gate.NewDepositCap(u(500))
	require.NoError(t, h.v.RegisterCheck(h.ctx, strategist, gate.KindDeposit, depositCap))

	_, err := h.v.Propose(h.ctx, h.alice, h.alice, u(600))
	require.ErrorIs(t, err, gate.ErrPolicyRejected)
	var rej *gate.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, gate.ReasonDepositCapExceeded, rej.Reason)
	assert.True(t, depositCap.Used().IsZero())
	assert.Equal(t, uint64(1_000_000), h.valueBalance(h.alice))

	d := h.propose(h.alice, 400)
	assert.Equal(t, uint64(1), d.Sequence, "a rejected proposal consumes no sequence number")
	assert.Equal(t, uint64(400), depositCap.Used().Uint64())

	// a failed pull of value rolls the cap back too
	h.value.Approve(bob, u(0))
	_, err = h.v.Propose(h.ctx, bob, bob, u(50))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, uint64(400), depositCap.Used().Uint64())
	h.assertCounters()

	fired := h.v.Checks(gate.KindDeposit)
	require.Len(t, fired, 1)
	assert.True(t, fired[0].HasFired)
}

func TestConfirmTwiceFails(t *testing.T) {
	h := newHarness(t)
	d := h.fund(h.alice, 300)
	supply := h.supply()

	_, err := h.v.Confirm(h.ctx, operator, d.ID)
	assert.ErrorIs(t, err, escrow.ErrNotPending)
	assert.Equal(t, supply, h.supply())

	refunded := h.propose(h.alice, 10)
	_, err = h.v.Refund(h.ctx, operator, refunded.ID)
	require.NoError(t, err)
	_, err = h.v.Confirm(h.ctx, operator, refunded.ID)
	assert.ErrorIs(t, err, escrow.ErrNotPending)
	assert.Equal(t, supply, h.supply())

	_, err = h.v.Confirm(h.ctx, operator, onchain.Keccak256([]byte("unknown")))
	assert.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestConfirmRequiresOperator(t *testing.T) {
	h := newHarness(t)
	d := h.propose(h.alice, 10)

	_, err := h.v.Confirm(h.ctx, h.alice, d.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.v.Refund(h.ctx, strategist, d.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := h.v.DetailsOf(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePending, got.State)
}

func TestConfirmUsesRateAtConfirmation(t *testing.T) {
	h := newHarness(t)
	h.fund(bob, 1000)

	d := h.propose(h.alice, 1000)
	h.setPrice("2")
	out, err := h.v.Confirm(h.ctx, operator, d.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), out.Shares.Uint64())
}

func TestConfirmRejectsStaleOracle(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.MaxOracleAge = time.Minute })
	h.price.Set(h.currentPrice(), start.Add(-time.Hour))
	d := h.propose(h.alice, 10)

	_, err := h.v.Confirm(h.ctx, operator, d.ID)
	assert.ErrorIs(t, err, calc.ErrStaleOracle)
	h.assertCounters()

	code, retryable := Code(err)
	assert.Equal(t, "PRICE_UNAVAILABLE", code)
	assert.True(t, retryable)
}

func TestConfirmRejectsZeroShares(t *testing.T) {
	h := newHarness(t)
	h.fund(bob, 10)
	h.setPrice("1000")

	d := h.propose(h.alice, 1)
	_, err := h.v.Confirm(h.ctx, operator, d.ID)
	assert.ErrorIs(t, err, calc.ErrInvalidAmount)

	got, err := h.v.DetailsOf(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePending, got.State)
}

func TestReclaim(t *testing.T) {
	h := newHarness(t)
	d := h.propose(h.alice, 300)

	_, err := h.v.Reclaim(h.ctx, h.alice, d.ID)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized, "not expired yet")

	h.now = d.ExpiresAt
	_, err = h.v.Reclaim(h.ctx, bob, d.ID)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized, "only the depositor")

	before := h.valueBalance(h.alice)
	out, err := h.v.Reclaim(h.ctx, h.alice, d.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReclaimed, out.State)
	assert.Equal(t, before+300, h.valueBalance(h.alice))
	h.assertCounters()

	_, err = h.v.Reclaim(h.ctx, h.alice, d.ID)
	assert.ErrorIs(t, err, escrow.ErrNotPending)
}

func TestReclaimDisabledWithoutTTL(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.DepositTTL = 0 })
	d := h.propose(h.alice, 300)
	assert.True(t, d.ExpiresAt.IsZero())

	h.now = h.now.Add(10_000 * time.Hour)
	_, err := h.v.Reclaim(h.ctx, h.alice, d.ID)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
}

func TestReclaimNeedsSinkLiquidity(t *testing.T) {
	h := newHarness(t)
	d := h.propose(h.alice, 300)
	h.now = d.ExpiresAt

	// the operator moved the escrowed value elsewhere
	require.NoError(t, h.value.MoveValue(h.ctx, sink, bob, u(300)))

	_, err := h.v.Reclaim(h.ctx, h.alice, d.ID)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	got, err := h.v.DetailsOf(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePending, got.State)
	h.assertCounters()
}

func TestDetailsOfUnknownIsZero(t *testing.T) {
	h := newHarness(t)
	got, err := h.v.DetailsOf(h.ctx, onchain.Keccak256([]byte("missing")))
	require.NoError(t, err)
	assert.Equal(t, escrow.Deposit{}, got)
}

func TestCumulativeDeposits(t *testing.T) {
	h := newHarness(t)
	d := h.propose(h.alice, 100)
	h.propose(bob, 50)
	_, err := h.v.Refund(h.ctx, operator, d.ID)
	require.NoError(t, err)

	cum, err := h.v.CumulativeDeposits(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(150), cum)
}
