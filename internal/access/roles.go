// Package access decides which callers hold privileged vault roles.
package access

import (
	"context"
	"sync"

	"github.com/leafsii/leafsii-vault/internal/onchain"
)

type Role string

const (
	// RoleOperator confirms and refunds deposits and submits redemptions.
	RoleOperator Role = "operator"
	// RoleStrategist registers policy checks.
	RoleStrategist Role = "strategist"
)

// Table is an in-memory role assignment.
type Table struct {
	mu      sync.RWMutex
	members map[Role]map[onchain.Address]struct{}
}

func NewTable() *Table {
	return &Table{members: make(map[Role]map[onchain.Address]struct{})}
}

func (t *Table) Grant(role Role, addrs ...onchain.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.members[role] == nil {
		t.members[role] = make(map[onchain.Address]struct{})
	}
	for _, a := range addrs {
		t.members[role][a] = struct{}{}
	}
}

func (t *Table) Revoke(role Role, addr onchain.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members[role], addr)
}

func (t *Table) IsPrivileged(_ context.Context, caller onchain.Address, role Role) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[role][caller]
	return ok
}
