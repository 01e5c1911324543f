package gate

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

// Reason codes reported by the built-in checks.
const (
	ReasonDepositCapExceeded  = "DEPOSIT_CAP_EXCEEDED"
	ReasonAmountLimitExceeded = "AMOUNT_LIMIT_EXCEEDED"
	ReasonAddressBlocked      = "ADDRESS_BLOCKED"
)

// DepositCap bounds the cumulative value ever admitted for deposit. Usage
// only grows; withdrawals do not free capacity.
type DepositCap struct {
	mu   sync.Mutex
	cap  *uint256.Int
	used *uint256.Int
}

func NewDepositCap(limit *uint256.Int) *DepositCap {
	return &DepositCap{cap: new(uint256.Int).Set(limit), used: new(uint256.Int)}
}

func (c *DepositCap) Name() string { return "deposit_cap" }

func (c *DepositCap) Evaluate(_ context.Context, req Request) (Decision, error) {
	if req.Kind != KindDeposit {
		return Approve(), nil
	}

	c.mu.Lock()
	next, overflow := new(uint256.Int).AddOverflow(c.used, req.Amount)
	c.mu.Unlock()
	if overflow || next.Gt(c.cap) {
		return Reject(ReasonDepositCapExceeded), nil
	}

	amount := new(uint256.Int).Set(req.Amount)
	return ApproveWith(
		func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.used.Add(c.used, amount)
		},
		func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.used.Sub(c.used, amount)
		},
	), nil
}

func (c *DepositCap) Used() *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(uint256.Int).Set(c.used)
}

// SetUsed seeds usage when rebuilding from persisted deposits.
func (c *DepositCap) SetUsed(used *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = new(uint256.Int).Set(used)
}

// AmountLimit rejects single operations above max.
type AmountLimit struct {
	max *uint256.Int
}

func NewAmountLimit(max *uint256.Int) *AmountLimit {
	return &AmountLimit{max: new(uint256.Int).Set(max)}
}

func (l *AmountLimit) Name() string { return "amount_limit" }

func (l *AmountLimit) Evaluate(_ context.Context, req Request) (Decision, error) {
	if req.Amount != nil && req.Amount.Gt(l.max) {
		return Reject(ReasonAmountLimitExceeded), nil
	}
	return Approve(), nil
}

// Blocklist rejects operations where either party is blocked.
type Blocklist struct {
	mu      sync.RWMutex
	blocked map[onchain.Address]struct{}
}

func NewBlocklist(addrs ...onchain.Address) *Blocklist {
	b := &Blocklist{blocked: make(map[onchain.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		b.blocked[a] = struct{}{}
	}
	return b
}

func (b *Blocklist) Name() string { return "blocklist" }

func (b *Blocklist) Block(a onchain.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[a] = struct{}{}
}

func (b *Blocklist) Unblock(a onchain.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, a)
}

func (b *Blocklist) Evaluate(_ context.Context, req Request) (Decision, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.blocked[req.Actor]; ok {
		return Reject(ReasonAddressBlocked), nil
	}
	if _, ok := b.blocked[req.Counterparty]; ok {
		return Reject(ReasonAddressBlocked), nil
	}
	return Approve(), nil
}

// CheckFunc adapts a function into a Check.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context, req Request) (Decision, error)
}

func NewCheckFunc(name string, fn func(ctx context.Context, req Request) (Decision, error)) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (f *CheckFunc) Name() string { return f.name }

func (f *CheckFunc) Evaluate(ctx context.Context, req Request) (Decision, error) {
	return f.fn(ctx, req)
}
