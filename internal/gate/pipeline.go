// Package gate runs ordered policy checks before deposits, withdrawals and
// transfers change any state.
//
// Checks evaluate in registration order and the first rejection aborts the
// whole admission. Checks with private state (usage counters, rate windows)
// report their mutation as Apply/Undo hooks on the Decision; the pipeline
// applies them only once every check has approved, so a rejection anywhere
// leaves every check untouched.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindTransfer Kind = "transfer"
)

var Kinds = []Kind{KindDeposit, KindWithdraw, KindTransfer}

var (
	ErrPolicyRejected = errors.New("policy rejected")
	ErrUnknownKind    = errors.New("unknown operation kind")
	ErrNilCheck       = errors.New("nil check")
)

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Request describes the operation being admitted.
type Request struct {
	Kind         Kind
	Actor        onchain.Address
	Amount       *uint256.Int
	Counterparty onchain.Address
}

// Decision is the outcome of one check. Apply runs only when the whole
// pipeline approves; Undo reverses it if the surrounding operation fails later.
type Decision struct {
	Approved bool
	Reason   string
	Apply    func()
	Undo     func()
}

func Approve() Decision { return Decision{Approved: true} }

func ApproveWith(apply, undo func()) Decision {
	return Decision{Approved: true, Apply: apply, Undo: undo}
}

func Reject(reason string) Decision { return Decision{Reason: reason} }

// Check is a pluggable policy. Evaluate must not mutate anything itself.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// RejectionError carries the reason code of the first check that declined.
type RejectionError struct {
	Kind   Kind
	Check  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected by %s: %s", e.Kind, e.Check, e.Reason)
}

func (e *RejectionError) Is(target error) bool { return target == ErrPolicyRejected }

// Registration is a read-only view of a registered check.
type Registration struct {
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`
	RegisteredAt uint64 `json:"registered_at"`
	HasFired     bool   `json:"has_fired"`
}

type entry struct {
	check        Check
	registeredAt uint64
	hasFired     bool
}

// Pipeline holds one append-only check list per operation kind.
type Pipeline struct {
	mu           sync.Mutex
	checks       map[Kind][]*entry
	lastExecuted map[Kind]uint64
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		checks:       make(map[Kind][]*entry),
		lastExecuted: make(map[Kind]uint64),
	}
}

// Register appends check to the kind's list. There is no removal or reordering.
func (p *Pipeline) Register(kind Kind, check Check, height uint64) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if check == nil {
		return ErrNilCheck
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[kind] = append(p.checks[kind], &entry{check: check, registeredAt: height})
	return nil
}

// Admit evaluates every check for req.Kind in order. On approval it applies
// the checks' state changes, marks them fired and records height as the
// kind's last execution. The returned undo restores all of that.
func (p *Pipeline) Admit(ctx context.Context, req Request, height uint64) (func(), error) {
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entries := append([]*entry(nil), p.checks[req.Kind]...)
	decisions := make([]Decision, len(entries))
	for i, e := range entries {
		d, err := e.check.Evaluate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%s check %s: %w", req.Kind, e.check.Name(), err)
		}
		if !d.Approved {
			return nil, &RejectionError{Kind: req.Kind, Check: e.check.Name(), Reason: d.Reason}
		}
		decisions[i] = d
	}

	fired := make([]bool, len(entries))
	for i, e := range entries {
		fired[i] = e.hasFired
		e.hasFired = true
		if decisions[i].Apply != nil {
			decisions[i].Apply()
		}
	}
	prevHeight, hadHeight := p.lastExecuted[req.Kind]
	p.lastExecuted[req.Kind] = height

	undo := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := len(entries) - 1; i >= 0; i-- {
			if decisions[i].Undo != nil {
				decisions[i].Undo()
			}
			entries[i].hasFired = fired[i]
		}
		if hadHeight {
			p.lastExecuted[req.Kind] = prevHeight
		} else {
			delete(p.lastExecuted, req.Kind)
		}
	}
	return undo, nil
}

func (p *Pipeline) Checks(kind Kind) []Registration {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Registration, 0, len(p.checks[kind]))
	for _, e := range p.checks[kind] {
		out = append(out, Registration{
			Name:         e.check.Name(),
			Kind:         kind,
			RegisteredAt: e.registeredAt,
			HasFired:     e.hasFired,
		})
	}
	return out
}

// LastExecuted returns the height of the kind's last fully approved admission.
func (p *Pipeline) LastExecuted(kind Kind) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.lastExecuted[kind]
	return h, ok
}
