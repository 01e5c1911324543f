package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/access"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/leafsii/leafsii-vault/internal/routing"
	"github.com/leafsii/leafsii-vault/internal/shares"
	"github.com/leafsii/leafsii-vault/internal/vault"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"github.com/leafsii/leafsii-vault/pkg/kv"
	memkv "github.com/leafsii/leafsii-vault/pkg/kv/memory"
	rediskv "github.com/leafsii/leafsii-vault/pkg/kv/redis"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	alice    = onchain.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob      = onchain.MustParseAddress("0x00000000000000000000000000000000000000b0")
	operator = onchain.MustParseAddress("0x00000000000000000000000000000000000000c0")
	sink     = onchain.MustParseAddress("0x0000000000000000000000000000000000005111")
	ledger   = onchain.MustParseAddress("0x000000000000000000000000000000000000beef")
	at       = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

func backends(t *testing.T) map[string]func(t *testing.T) kv.Store {
	return map[string]func(t *testing.T) kv.Store{
		"memory": func(t *testing.T) kv.Store { return memkv.New() },
		"redis": func(t *testing.T) kv.Store {
			mr := miniredis.RunT(t)
			s, err := rediskv.New(mr.Addr())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestProjectionApplyAndLoad(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := NewProjection(factory(t), zap.NewNop().Sugar(), nil)

			d := escrow.Deposit{
				ID:        escrow.DepositID(alice, bob, uint256.NewInt(100), at, ledger, 1),
				Sequence:  1,
				Depositor: alice,
				Recipient: bob,
				Assets:    uint256.NewInt(100),
				State:     escrow.StatePending,
				CreatedAt: at,
				ExpiresAt: at.Add(72 * time.Hour),
			}
			require.NoError(t, p.Apply(ctx, vault.Change{
				Height:       1,
				Sequence:     1,
				Deposits:     []escrow.Deposit{d},
				TotalPending: uint256.NewInt(100),
				Pending:      map[onchain.Address]*uint256.Int{alice: uint256.NewInt(100)},
			}))

			pending, err := p.PendingOf(ctx, alice)
			require.NoError(t, err)
			assert.Equal(t, uint64(100), pending.Uint64())

			accepted := d
			accepted.State = escrow.StateAccepted
			accepted.Shares = uint256.NewInt(95)
			accepted.SettledAt = at.Add(time.Minute)
			require.NoError(t, p.Apply(ctx, vault.Change{
				Height:       2,
				Sequence:     1,
				Deposits:     []escrow.Deposit{accepted},
				Consumed:     []withdrawal.Authorization{{Owner: alice, Number: uint256.NewInt(42)}},
				TotalPending: new(uint256.Int),
				Pending:      map[onchain.Address]*uint256.Int{alice: new(uint256.Int)},
			}))

			snap, err := p.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), snap.Height)
			assert.Equal(t, uint64(1), snap.Sequence)
			require.NotNil(t, snap.TotalPending)
			assert.True(t, snap.TotalPending.IsZero())

			require.Len(t, snap.Deposits, 1)
			got := snap.Deposits[0]
			assert.Equal(t, d.ID, got.ID)
			assert.Equal(t, escrow.StateAccepted, got.State)
			assert.Equal(t, "95", got.Shares.Dec())
			assert.Equal(t, "100", got.Assets.Dec())
			assert.Equal(t, bob, got.Recipient)
			assert.True(t, got.CreatedAt.Equal(at))
			assert.True(t, got.ExpiresAt.Equal(d.ExpiresAt))
			assert.True(t, got.SettledAt.Equal(accepted.SettledAt))

			require.Len(t, snap.Consumed, 1)
			assert.Equal(t, alice, snap.Consumed[0].Owner)
			assert.Equal(t, uint64(42), snap.Consumed[0].Number.Uint64())

			pending, err = p.PendingOf(ctx, alice)
			require.NoError(t, err)
			assert.True(t, pending.IsZero())

			one, err := p.Deposit(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, escrow.StateAccepted, one.State)
			_, err = p.Deposit(ctx, onchain.Hash{})
			assert.ErrorIs(t, err, kv.ErrNotFound)
		})
	}
}

func TestProjectionLedgersAndRollback(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := NewProjection(factory(t), zap.NewNop().Sugar(), nil)
			d := escrow.Deposit{
				ID:        escrow.DepositID(alice, alice, uint256.NewInt(5), at, ledger, 1),
				Sequence:  1,
				Depositor: alice,
				Recipient: alice,
				Assets:    uint256.NewInt(5),
				State:     escrow.StatePending,
				CreatedAt: at,
			}
			auth := withdrawal.Authorization{Owner: alice, Number: uint256.NewInt(3)}

			require.NoError(t, p.Apply(ctx, vault.Change{
				Height:   1,
				Sequence: 1,
				Deposits: []escrow.Deposit{d},
				Consumed: []withdrawal.Authorization{auth},
				Supply:   uint256.NewInt(40),
				Accounts: map[onchain.Address]vault.Account{
					alice: {Shares: uint256.NewInt(40), Value: uint256.NewInt(95), ValueAllowance: uint256.NewInt(7)},
					bob:   {Shares: new(uint256.Int)},
				},
				Allowances: []vault.ShareAllowance{{Owner: alice, Spender: operator, Amount: uint256.NewInt(12)}},
			}))

			snap, err := p.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(40), snap.Supply.Uint64())
			require.Len(t, snap.Accounts, 2)
			assert.Equal(t, uint64(95), snap.Accounts[alice].Value.Uint64())
			assert.Equal(t, uint64(7), snap.Accounts[alice].ValueAllowance.Uint64())
			assert.Nil(t, snap.Accounts[bob].Value)
			require.Len(t, snap.Allowances, 1)
			assert.Equal(t, operator, snap.Allowances[0].Spender)
			assert.Equal(t, uint64(12), snap.Allowances[0].Amount.Uint64())

			// a rolled-back operation takes its record and authorization back
			require.NoError(t, p.Apply(ctx, vault.Change{
				Height:     0,
				Sequence:   1,
				Dropped:    []onchain.Hash{d.ID},
				Released:   []withdrawal.Authorization{auth},
				Allowances: []vault.ShareAllowance{{Owner: alice, Spender: operator, Amount: new(uint256.Int)}},
			}))
			snap, err = p.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, snap.Deposits)
			assert.Empty(t, snap.Consumed)
			assert.Empty(t, snap.Allowances)
			assert.Equal(t, uint64(1), snap.Sequence)
		})
	}
}

func TestProjectionEmptyStore(t *testing.T) {
	p := NewProjection(memkv.New(), zap.NewNop().Sugar(), nil)
	snap, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Deposits)
	assert.Empty(t, snap.Consumed)
	assert.Nil(t, snap.TotalPending)
	assert.Nil(t, snap.Supply)
	assert.Empty(t, snap.Accounts)
	assert.Zero(t, snap.Height)
}

func TestProjectionRejectsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()
	p := NewProjection(store, zap.NewNop().Sugar(), nil)

	require.NoError(t, store.HSet(ctx, KeyDeposits, "x", []byte(`{"id":"nope"}`)))
	_, err := p.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)

	store = memkv.New()
	p = NewProjection(store, zap.NewNop().Sugar(), nil)
	_, err = store.SAdd(ctx, KeyConsumed, []byte("no-separator"))
	require.NoError(t, err)
	_, err = p.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)

	store = memkv.New()
	p = NewProjection(store, zap.NewNop().Sugar(), nil)
	require.NoError(t, store.Set(ctx, KeyHeight, []byte("ten")))
	_, err = p.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)

	store = memkv.New()
	p = NewProjection(store, zap.NewNop().Sugar(), nil)
	require.NoError(t, store.HSet(ctx, KeyAccounts, alice.Hex(), []byte(`{"shares":"-1"}`)))
	_, err = p.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func newVault(t *testing.T, mirror vault.Mirror) (*vault.Vault, *routing.Ledger, *shares.Ledger) {
	t.Helper()
	conv, err := calc.NewConverter(6, 6)
	require.NoError(t, err)

	value := routing.NewLedger(ledger, sink)
	require.NoError(t, value.Credit(alice, uint256.NewInt(10_000)))
	value.Approve(alice, uint256.NewInt(10_000))

	roles := access.NewTable()
	roles.Grant(access.RoleOperator, operator)
	shareLedger := shares.NewLedger()

	v, err := vault.New(vault.Config{
		Domain:     withdrawal.Domain{Name: "Leafsii Vault", Version: "1", ChainID: 1, VerifyingContract: ledger},
		Sink:       sink,
		DepositTTL: time.Hour,
	}, vault.Deps{
		Converter: conv,
		Shares:    shareLedger,
		Router:    value,
		Prices:    prices.NewStatic(decimal.NewFromInt(1)),
		Auth:      roles,
		Mirror:    mirror,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return v, value, shareLedger
}

func TestVaultSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := rediskv.New(mr.Addr())
	require.NoError(t, err)
	defer store.Close()
	p := NewProjection(store, zap.NewNop().Sugar(), nil)

	before, _, beforeShares := newVault(t, p)
	require.NoError(t, beforeShares.Approve(ctx, alice, operator, uint256.NewInt(250)))
	require.NoError(t, before.Sync(ctx, alice, operator))
	d1, err := before.Propose(ctx, alice, alice, uint256.NewInt(300))
	require.NoError(t, err)
	d2, err := before.Propose(ctx, alice, bob, uint256.NewInt(200))
	require.NoError(t, err)
	_, err = before.Confirm(ctx, operator, d1.ID)
	require.NoError(t, err)

	snap, err := p.Load(ctx)
	require.NoError(t, err)

	after, value, afterShares := newVault(t, nil)
	require.NoError(t, after.Restore(ctx, snap))

	held, err := afterShares.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), held.Uint64())
	supply, err := afterShares.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), supply.Uint64())
	allowed, err := afterShares.Allowance(ctx, alice, operator)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), allowed.Uint64())

	escrowed, err := value.BalanceOf(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), escrowed.Uint64())
	left, err := value.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_500), left.Uint64())
	assert.Equal(t, uint64(9_500), value.Allowance(alice).Uint64())

	total, err := after.TotalPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), total.Uint64())

	list, err := after.ListPendingFor(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d2.ID, list[0].ID)

	confirmed, err := after.DetailsOf(ctx, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateAccepted, confirmed.State)

	height, err := after.Height(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), height)

	next, err := after.Propose(ctx, alice, alice, uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Sequence)
}
