package vault

import (
	"context"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/access"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/leafsii/leafsii-vault/internal/routing"
	"github.com/leafsii/leafsii-vault/internal/shares"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	vaultAddr  = onchain.MustParseAddress("0x000000000000000000000000000000000000beef")
	sink       = onchain.MustParseAddress("0x0000000000000000000000000000000000005111")
	operator   = onchain.MustParseAddress("0x00000000000000000000000000000000000000c0")
	strategist = onchain.MustParseAddress("0x00000000000000000000000000000000000000c1")
	bob        = onchain.MustParseAddress("0x00000000000000000000000000000000000000b0")
	dest       = onchain.MustParseAddress("0x00000000000000000000000000000000000000d0")
	start      = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type memMirror struct {
	changes []Change
	fail    error
}

func (m *memMirror) Apply(_ context.Context, c Change) error {
	if m.fail != nil {
		return m.fail
	}
	m.changes = append(m.changes, c)
	return nil
}

// snapshot folds every mirrored change into the state a store would hold.
func (m *memMirror) snapshot() Snapshot {
	var snap Snapshot
	byID := map[onchain.Hash]escrow.Deposit{}
	var order []onchain.Hash
	consumed := map[string]withdrawal.Authorization{}
	allowances := map[[2]onchain.Address]*uint256.Int{}
	for _, c := range m.changes {
		snap.Height = c.Height
		snap.Sequence = c.Sequence
		if c.TotalPending != nil {
			snap.TotalPending = c.TotalPending
		}
		for _, d := range c.Deposits {
			if _, ok := byID[d.ID]; !ok {
				order = append(order, d.ID)
			}
			byID[d.ID] = d
		}
		for _, id := range c.Dropped {
			delete(byID, id)
		}
		for _, a := range c.Consumed {
			consumed[a.Owner.Hex()+":"+a.Number.Dec()] = a
		}
		for _, a := range c.Released {
			delete(consumed, a.Owner.Hex()+":"+a.Number.Dec())
		}
		if c.Supply != nil {
			snap.Supply = c.Supply
		}
		for holder, acct := range c.Accounts {
			if snap.Accounts == nil {
				snap.Accounts = map[onchain.Address]Account{}
			}
			snap.Accounts[holder] = acct
		}
		for _, a := range c.Allowances {
			allowances[[2]onchain.Address{a.Owner, a.Spender}] = a.Amount
		}
	}
	for _, id := range order {
		if d, ok := byID[id]; ok {
			snap.Deposits = append(snap.Deposits, d)
		}
	}
	for _, a := range consumed {
		snap.Consumed = append(snap.Consumed, a)
	}
	for pair, amount := range allowances {
		snap.Allowances = append(snap.Allowances, ShareAllowance{Owner: pair[0], Spender: pair[1], Amount: amount})
	}
	return snap
}

// last returns the most recent mirrored change.
func (m *memMirror) last() Change {
	return m.changes[len(m.changes)-1]
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	v      *Vault
	conv   *calc.Converter
	shares *shares.Ledger
	value  *routing.Ledger
	price  *prices.Static
	roles  *access.Table
	gates  *gate.Pipeline
	mirror *memMirror
	events []events.Event
	now    time.Time

	alicePriv *secp256k1.PrivateKey
	alice     onchain.Address
}

func newHarness(t *testing.T, tweak ...func(cfg *Config, deps *Deps)) *harness {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	conv, err := calc.NewConverter(6, 6)
	require.NoError(t, err)

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		conv:      conv,
		shares:    shares.NewLedger(),
		value:     routing.NewLedger(vaultAddr, sink),
		price:     prices.NewStatic(decimal.NewFromInt(1)),
		roles:     access.NewTable(),
		gates:     gate.NewPipeline(),
		mirror:    &memMirror{},
		now:       start,
		alicePriv: priv,
		alice:     onchain.KeyAddress(priv),
	}
	h.roles.Grant(access.RoleOperator, operator)
	h.roles.Grant(access.RoleStrategist, strategist)

	bus := events.NewBus(zap.NewNop().Sugar())
	bus.Subscribe("collector", events.SinkFunc(func(_ context.Context, evs []events.Event) error {
		h.events = append(h.events, evs...)
		return nil
	}))

	for _, holder := range []onchain.Address{h.alice, bob} {
		require.NoError(t, h.value.Credit(holder, u(1_000_000)))
		h.value.Approve(holder, new(uint256.Int).SetAllOne())
		require.NoError(t, h.shares.Approve(h.ctx, holder, operator, new(uint256.Int).SetAllOne()))
	}

	cfg := Config{
		Domain:     withdrawal.Domain{Name: "Leafsii Vault", Version: "1", ChainID: 11155111, VerifyingContract: vaultAddr},
		Sink:       sink,
		DepositTTL: 72 * time.Hour,
		Now:        func() time.Time { return h.now },
	}
	deps := Deps{
		Converter: conv,
		Shares:    h.shares,
		Router:    h.value,
		Prices:    h.price,
		Auth:      h.roles,
		Gates:     h.gates,
		Mirror:    h.mirror,
		Events:    bus,
	}
	for _, fn := range tweak {
		fn(&cfg, &deps)
	}

	h.v, err = New(cfg, deps, zap.NewNop().Sugar())
	require.NoError(t, err)
	return h
}

func (h *harness) setPrice(p string) {
	h.price.Set(decimal.RequireFromString(p), time.Time{})
}

func (h *harness) propose(holder onchain.Address, assets uint64) escrow.Deposit {
	h.t.Helper()
	d, err := h.v.Propose(h.ctx, holder, holder, u(assets))
	require.NoError(h.t, err)
	return d
}

// fund gives holder shares by proposing and confirming a deposit.
func (h *harness) fund(holder onchain.Address, assets uint64) escrow.Deposit {
	h.t.Helper()
	d := h.propose(holder, assets)
	out, err := h.v.Confirm(h.ctx, operator, d.ID)
	require.NoError(h.t, err)
	return out
}

func (h *harness) request(shares, minAssets, number uint64) (withdrawal.Request, []byte) {
	req := withdrawal.Request{
		Owner:       h.alice,
		Destination: dest,
		Shares:      u(shares),
		MinAssets:   u(minAssets),
		Number:      u(number),
		Deadline:    uint64(h.now.Add(time.Hour).Unix()),
	}
	return req, h.v.Domain().Sign(h.alicePriv, req)
}

func (h *harness) shareBalance(holder onchain.Address) uint64 {
	h.t.Helper()
	b, err := h.shares.BalanceOf(h.ctx, holder)
	require.NoError(h.t, err)
	return b.Uint64()
}

func (h *harness) valueBalance(holder onchain.Address) uint64 {
	h.t.Helper()
	b, err := h.value.BalanceOf(h.ctx, holder)
	require.NoError(h.t, err)
	return b.Uint64()
}

func (h *harness) supply() uint64 {
	h.t.Helper()
	s, err := h.shares.TotalSupply(h.ctx)
	require.NoError(h.t, err)
	return s.Uint64()
}

func (h *harness) height() uint64 {
	h.t.Helper()
	v, err := h.v.Height(h.ctx)
	require.NoError(h.t, err)
	return v
}

// assertCounters checks both escrow counters against the pending records.
func (h *harness) assertCounters() {
	h.t.Helper()
	total := new(uint256.Int)
	for _, holder := range []onchain.Address{h.alice, bob} {
		list, err := h.v.ListPendingFor(h.ctx, holder)
		require.NoError(h.t, err)
		sum := new(uint256.Int)
		for _, d := range list {
			assert.Equal(h.t, escrow.StatePending, d.State)
			sum.Add(sum, d.Assets)
		}
		got, err := h.v.PendingOf(h.ctx, holder)
		require.NoError(h.t, err)
		assert.Equal(h.t, sum.Dec(), got.Dec(), "pending of %s", holder)
		total.Add(total, sum)
	}
	got, err := h.v.TotalPending(h.ctx)
	require.NoError(h.t, err)
	assert.Equal(h.t, total.Dec(), got.Dec(), "total pending")
}

func (h *harness) eventKinds() []events.Kind {
	out := make([]events.Kind, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Kind)
	}
	return out
}

func (h *harness) currentPrice() decimal.Decimal {
	h.t.Helper()
	q, err := h.price.Current(h.ctx)
	require.NoError(h.t, err)
	return q.Price
}
