package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = onchain.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob   = onchain.MustParseAddress("0x00000000000000000000000000000000000000b0")
)

func deposit(amount uint64) Request {
	return Request{Kind: KindDeposit, Actor: alice, Amount: uint256.NewInt(amount), Counterparty: bob}
}

// recorder logs evaluation order and counts applied mutations.
type recorder struct {
	name    string
	log     *[]string
	reject  bool
	applied int
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Evaluate(_ context.Context, _ Request) (Decision, error) {
	*r.log = append(*r.log, r.name)
	if r.reject {
		return Reject("NO_" + r.name), nil
	}
	return ApproveWith(func() { r.applied++ }, func() { r.applied-- }), nil
}

func TestPipelineEmptyApproves(t *testing.T) {
	p := NewPipeline()

	_, ok := p.LastExecuted(KindDeposit)
	assert.False(t, ok)

	undo, err := p.Admit(context.Background(), deposit(1), 7)
	require.NoError(t, err)
	require.NotNil(t, undo)

	h, ok := p.LastExecuted(KindDeposit)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), h)
}

func TestPipelineOrderAndFirstRejectionWins(t *testing.T) {
	var log []string
	c1 := &recorder{name: "c1", log: &log}
	c2 := &recorder{name: "c2", log: &log, reject: true}
	c3 := &recorder{name: "c3", log: &log}

	p := NewPipeline()
	require.NoError(t, p.Register(KindDeposit, c1, 1))
	require.NoError(t, p.Register(KindDeposit, c2, 1))
	require.NoError(t, p.Register(KindDeposit, c3, 2))

	_, err := p.Admit(context.Background(), deposit(5), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyRejected)

	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "c2", rej.Check)
	assert.Equal(t, "NO_c2", rej.Reason)

	assert.Equal(t, []string{"c1", "c2"}, log, "c3 must not be evaluated")
	assert.Equal(t, 0, c1.applied, "approving check before the rejection must not mutate")

	for _, reg := range p.Checks(KindDeposit) {
		assert.False(t, reg.HasFired)
	}
	_, ok := p.LastExecuted(KindDeposit)
	assert.False(t, ok)
}

func TestPipelineApprovalMarksFiredAndUndoRestores(t *testing.T) {
	var log []string
	c1 := &recorder{name: "c1", log: &log}
	c2 := &recorder{name: "c2", log: &log}

	p := NewPipeline()
	require.NoError(t, p.Register(KindWithdraw, c1, 3))
	require.NoError(t, p.Register(KindWithdraw, c2, 4))

	req := Request{Kind: KindWithdraw, Actor: alice, Amount: uint256.NewInt(1)}
	undo, err := p.Admit(context.Background(), req, 11)
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2"}, log)
	assert.Equal(t, 1, c1.applied)
	assert.Equal(t, 1, c2.applied)

	regs := p.Checks(KindWithdraw)
	require.Len(t, regs, 2)
	assert.Equal(t, "c1", regs[0].Name)
	assert.Equal(t, uint64(3), regs[0].RegisteredAt)
	assert.True(t, regs[0].HasFired)
	assert.True(t, regs[1].HasFired)

	undo()
	assert.Equal(t, 0, c1.applied)
	assert.Equal(t, 0, c2.applied)
	for _, reg := range p.Checks(KindWithdraw) {
		assert.False(t, reg.HasFired)
	}
	_, ok := p.LastExecuted(KindWithdraw)
	assert.False(t, ok)
}

func TestPipelineKindsAreIndependent(t *testing.T) {
	var log []string
	p := NewPipeline()
	require.NoError(t, p.Register(KindTransfer, &recorder{name: "t", log: &log, reject: true}, 1))

	_, err := p.Admit(context.Background(), deposit(1), 2)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestPipelineRegisterValidation(t *testing.T) {
	p := NewPipeline()
	assert.ErrorIs(t, p.Register(Kind("mint"), &AmountLimit{}, 1), ErrUnknownKind)
	assert.ErrorIs(t, p.Register(KindDeposit, nil, 1), ErrNilCheck)

	_, err := p.Admit(context.Background(), Request{Kind: "mint"}, 1)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPipelineCheckError(t *testing.T) {
	boom := errors.New("backend down")
	p := NewPipeline()
	require.NoError(t, p.Register(KindDeposit, NewCheckFunc("flaky", func(context.Context, Request) (Decision, error) {
		return Decision{}, boom
	}), 1))

	_, err := p.Admit(context.Background(), deposit(1), 1)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrPolicyRejected)
}

func TestDepositCap(t *testing.T) {
	capCheck := NewDepositCap(uint256.NewInt(100))
	p := NewPipeline()
	require.NoError(t, p.Register(KindDeposit, capCheck, 0))

	_, err := p.Admit(context.Background(), deposit(60), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), capCheck.Used().Uint64())

	_, err = p.Admit(context.Background(), deposit(41), 2)
	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonDepositCapExceeded, rej.Reason)
	assert.Equal(t, uint64(60), capCheck.Used().Uint64())

	undo, err := p.Admit(context.Background(), deposit(40), 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), capCheck.Used().Uint64())
	undo()
	assert.Equal(t, uint64(60), capCheck.Used().Uint64())

	withdraw := Request{Kind: KindWithdraw, Actor: alice, Amount: uint256.NewInt(1000)}
	d, err := capCheck.Evaluate(context.Background(), withdraw)
	require.NoError(t, err)
	assert.True(t, d.Approved)

	capCheck.SetUsed(uint256.NewInt(100))
	_, err = p.Admit(context.Background(), deposit(1), 4)
	assert.ErrorIs(t, err, ErrPolicyRejected)
}

func TestAmountLimitAndBlocklist(t *testing.T) {
	limit := NewAmountLimit(uint256.NewInt(10))
	d, _ := limit.Evaluate(context.Background(), deposit(10))
	assert.True(t, d.Approved)
	d, _ = limit.Evaluate(context.Background(), deposit(11))
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonAmountLimitExceeded, d.Reason)

	bl := NewBlocklist(bob)
	d, _ = bl.Evaluate(context.Background(), deposit(1))
	assert.False(t, d.Approved, "counterparty blocked")
	assert.Equal(t, ReasonAddressBlocked, d.Reason)

	bl.Unblock(bob)
	d, _ = bl.Evaluate(context.Background(), deposit(1))
	assert.True(t, d.Approved)

	bl.Block(alice)
	d, _ = bl.Evaluate(context.Background(), deposit(1))
	assert.False(t, d.Approved, "actor blocked")
}
