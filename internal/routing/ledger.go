// Package routing is an in-memory value ledger that moves deposited value
// between holders and the vault's sink.
package routing

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
	ErrInsufficientBalance   = errors.New("insufficient value balance")
	ErrInsufficientAllowance = errors.New("insufficient value allowance")
)

// Payment is one leg of a MoveValues call.
type Payment struct {
	To     onchain.Address
	Amount *uint256.Int
}

// Ledger moves value on behalf of one spender. Accounts in custody (the vault
// sink) are controlled by the spender directly; any other source must have
// granted the spender an allowance first.
type Ledger struct {
	mu         sync.RWMutex
	spender    onchain.Address
	custody    map[onchain.Address]struct{}
	balances   map[onchain.Address]*uint256.Int
	allowances map[onchain.Address]*uint256.Int
}

func NewLedger(spender onchain.Address, custody ...onchain.Address) *Ledger {
	l := &Ledger{
		spender:    spender,
		custody:    make(map[onchain.Address]struct{}, len(custody)),
		balances:   make(map[onchain.Address]*uint256.Int),
		allowances: make(map[onchain.Address]*uint256.Int),
	}
	for _, a := range custody {
		l.custody[a] = struct{}{}
	}
	return l
}

// Credit adds value to holder out of thin air. Used to seed balances.
func (l *Ledger) Credit(holder onchain.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(l.balance(holder), amount)
	if overflow {
		return fmt.Errorf("credit: %w", calc.ErrOverflow)
	}
	l.balances[holder] = next
	return nil
}

// Approve sets how much the spender may pull from owner.
func (l *Ledger) Approve(owner onchain.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[owner] = new(uint256.Int).Set(amount)
}

func (l *Ledger) Allowance(owner onchain.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.allowances[owner]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Restore overwrites holder's balance and allowance with persisted values.
func (l *Ledger) Restore(holder onchain.Address, balance, allowance *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[holder] = new(uint256.Int).Set(balance)
	l.allowances[holder] = new(uint256.Int).Set(allowance)
}

func (l *Ledger) BalanceOf(_ context.Context, holder onchain.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.balance(holder)), nil
}

// MoveValue transfers amount from one account to another, spending the
// source's allowance unless the source is in custody.
func (l *Ledger) MoveValue(_ context.Context, from, to onchain.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(from)
	if bal.Lt(amount) {
		return fmt.Errorf("move %s from %s: %w", amount.Dec(), from, ErrInsufficientBalance)
	}

	_, custodied := l.custody[from]
	if !custodied {
		allowance, ok := l.allowances[from]
		if !ok || allowance.Lt(amount) {
			return fmt.Errorf("move %s from %s: %w", amount.Dec(), from, ErrInsufficientAllowance)
		}
		l.allowances[from] = new(uint256.Int).Sub(allowance, amount)
	}

	l.balances[from] = new(uint256.Int).Sub(bal, amount)
	l.balances[to] = new(uint256.Int).Add(l.balance(to), amount)
	return nil
}

// MoveValues pays every payment out of from, or none of them.
func (l *Ledger) MoveValues(_ context.Context, from onchain.Address, payments []Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := new(uint256.Int)
	for _, p := range payments {
		if _, overflow := total.AddOverflow(total, p.Amount); overflow {
			return fmt.Errorf("move from %s: %w", from, calc.ErrOverflow)
		}
	}
	bal := l.balance(from)
	if bal.Lt(total) {
		return fmt.Errorf("move %s from %s: %w", total.Dec(), from, ErrInsufficientBalance)
	}
	if _, custodied := l.custody[from]; !custodied {
		allowance, ok := l.allowances[from]
		if !ok || allowance.Lt(total) {
			return fmt.Errorf("move %s from %s: %w", total.Dec(), from, ErrInsufficientAllowance)
		}
		l.allowances[from] = new(uint256.Int).Sub(allowance, total)
	}

	l.balances[from] = new(uint256.Int).Sub(bal, total)
	for _, p := range payments {
		l.balances[p.To] = new(uint256.Int).Add(l.balance(p.To), p.Amount)
	}
	return nil
}

func (l *Ledger) balance(holder onchain.Address) *uint256.Int {
	if b, ok := l.balances[holder]; ok {
		return b
	}
	return new(uint256.Int)
}
