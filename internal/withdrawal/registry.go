package withdrawal

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

// Authorization identifies one consumed (owner, number) pair.
type Authorization struct {
	Owner  onchain.Address
	Number *uint256.Int
}

type authKey struct {
	owner  onchain.Address
	number [32]byte
}

func keyOf(owner onchain.Address, number *uint256.Int) authKey {
	return authKey{owner: owner, number: uintWord(number)}
}

// Registry is the permanent replay-protection set. Entries are only removed
// by the undo of an operation that has not committed yet.
type Registry struct {
	consumed map[authKey]struct{}
}

func NewRegistry() *Registry {
	return &Registry{consumed: make(map[authKey]struct{})}
}

func (r *Registry) IsConsumed(owner onchain.Address, number *uint256.Int) bool {
	_, ok := r.consumed[keyOf(owner, number)]
	return ok
}

// Consume inserts the pair, failing if it is already present.
func (r *Registry) Consume(owner onchain.Address, number *uint256.Int) (func(), error) {
	k := keyOf(owner, number)
	if _, ok := r.consumed[k]; ok {
		return nil, fmt.Errorf("%w: owner %s number %s", ErrAuthorizationReused, owner, numberString(number))
	}
	r.consumed[k] = struct{}{}
	return func() { delete(r.consumed, k) }, nil
}

func (r *Registry) Len() int { return len(r.consumed) }

// Entries lists consumed pairs ordered by owner then number.
func (r *Registry) Entries() []Authorization {
	keys := make([]authKey, 0, len(r.consumed))
	for k := range r.consumed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].owner[:], keys[j].owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(keys[i].number[:], keys[j].number[:]) < 0
	})

	out := make([]Authorization, 0, len(keys))
	for _, k := range keys {
		out = append(out, Authorization{Owner: k.owner, Number: new(uint256.Int).SetBytes32(k.number[:])})
	}
	return out
}

// Restore adds persisted entries. Existing entries are kept.
func (r *Registry) Restore(entries []Authorization) {
	for _, e := range entries {
		r.consumed[keyOf(e.Owner, e.Number)] = struct{}{}
	}
}
