// Package shares is an in-memory fungible ledger for vault claim units.
package shares

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient share balance")
	ErrInsufficientAllowance = errors.New("insufficient share allowance")
)

type allowanceKey struct {
	owner   onchain.Address
	spender onchain.Address
}

// Ledger tracks balances, total supply and owner-to-spender allowances.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[onchain.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[onchain.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (l *Ledger) Mint(_ context.Context, to onchain.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return fmt.Errorf("mint: %w", calc.ErrOverflow)
	}
	l.supply = supply
	l.balances[to] = new(uint256.Int).Add(l.balance(to), amount)
	return nil
}

func (l *Ledger) Burn(_ context.Context, from onchain.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(from)
	if bal.Lt(amount) {
		return fmt.Errorf("burn %s from %s: %w", amount.Dec(), from, ErrInsufficientBalance)
	}
	l.balances[from] = new(uint256.Int).Sub(bal, amount)
	l.supply = new(uint256.Int).Sub(l.supply, amount)
	return nil
}

func (l *Ledger) Transfer(_ context.Context, from, to onchain.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(from)
	if bal.Lt(amount) {
		return fmt.Errorf("transfer %s from %s: %w", amount.Dec(), from, ErrInsufficientBalance)
	}
	l.balances[from] = new(uint256.Int).Sub(bal, amount)
	l.balances[to] = new(uint256.Int).Add(l.balance(to), amount)
	return nil
}

func (l *Ledger) Approve(_ context.Context, owner, spender onchain.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner, spender}] = new(uint256.Int).Set(amount)
	return nil
}

func (l *Ledger) SpendAllowance(_ context.Context, owner, spender onchain.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := allowanceKey{owner, spender}
	cur := l.allowance(k)
	if cur.Lt(amount) {
		return fmt.Errorf("spend %s of %s by %s: %w", amount.Dec(), owner, spender, ErrInsufficientAllowance)
	}
	l.allowances[k] = new(uint256.Int).Sub(cur, amount)
	return nil
}

func (l *Ledger) Allowance(_ context.Context, owner, spender onchain.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.allowance(allowanceKey{owner, spender})), nil
}

func (l *Ledger) BalanceOf(_ context.Context, holder onchain.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.balance(holder)), nil
}

func (l *Ledger) TotalSupply(_ context.Context) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.supply), nil
}

// MaxRedeemable is the most spender may redeem for owner: the lesser of the
// owner's balance and the allowance granted to spender.
func (l *Ledger) MaxRedeemable(_ context.Context, owner, spender onchain.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return calc.Min(l.balance(owner), l.allowance(allowanceKey{owner, spender})), nil
}

func (l *Ledger) balance(holder onchain.Address) *uint256.Int {
	if b, ok := l.balances[holder]; ok {
		return b
	}
	return new(uint256.Int)
}

func (l *Ledger) allowance(k allowanceKey) *uint256.Int {
	if a, ok := l.allowances[k]; ok {
		return a
	}
	return new(uint256.Int)
}
