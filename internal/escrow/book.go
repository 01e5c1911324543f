package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/onchain"
)

var (
	ErrNotFound          = errors.New("deposit not found")
	ErrNotPending        = errors.New("deposit not pending")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDuplicateID       = errors.New("duplicate deposit id")
)

type State string

const (
	StatePending   State = "pending"
	StateAccepted  State = "accepted"
	StateRefunded  State = "refunded"
	StateReclaimed State = "reclaimed"
)

func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRefunded || s == StateReclaimed
}

// Deposit is a proposed transfer into the vault. Records are retained after
// they leave pending; only pending ones count towards the accounting totals.
type Deposit struct {
	ID        onchain.Hash
	Sequence  uint64
	Depositor onchain.Address
	Recipient onchain.Address
	Assets    *uint256.Int
	Shares    *uint256.Int // set when accepted
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time // zero when reclaim is disabled
	SettledAt time.Time
}

func (d Deposit) clone() Deposit {
	if d.Assets != nil {
		d.Assets = new(uint256.Int).Set(d.Assets)
	}
	if d.Shares != nil {
		d.Shares = new(uint256.Int).Set(d.Shares)
	}
	return d
}

// Expired reports whether the holder may reclaim at now.
func (d Deposit) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// DepositID derives the identifier from the proposal inputs. seq is the only
// input guaranteed to differ between two proposals in the same instant.
func DepositID(depositor, recipient onchain.Address, assets *uint256.Int, at time.Time, ledger onchain.Address, seq uint64) onchain.Hash {
	amount := assets.Bytes32()
	var ts, sq [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(sq[:], seq)
	return onchain.Keccak256(depositor[:], recipient[:], amount[:], ts[:], ledger[:], sq[:])
}

// Book owns deposit records and the pending-value counters. It is not safe
// for concurrent use; the vault serializes access.
type Book struct {
	identity     onchain.Address
	records      map[onchain.Hash]*Deposit
	byDepositor  map[onchain.Address][]onchain.Hash
	totalPending *uint256.Int
	pendingBy    map[onchain.Address]*uint256.Int
	sequence     uint64
}

func NewBook(identity onchain.Address) *Book {
	return &Book{
		identity:     identity,
		records:      make(map[onchain.Hash]*Deposit),
		byDepositor:  make(map[onchain.Address][]onchain.Hash),
		totalPending: new(uint256.Int),
		pendingBy:    make(map[onchain.Address]*uint256.Int),
	}
}

// Open records a new pending deposit and returns an undo that removes it.
// The sequence counter is consumed even if the caller later undoes.
func (b *Book) Open(depositor, recipient onchain.Address, assets *uint256.Int, now time.Time, ttl time.Duration) (Deposit, func(), error) {
	total, overflow := new(uint256.Int).AddOverflow(b.totalPending, assets)
	if overflow {
		return Deposit{}, nil, fmt.Errorf("%w: total pending", calc.ErrOverflow)
	}
	holder, overflow := new(uint256.Int).AddOverflow(b.pendingOf(depositor), assets)
	if overflow {
		return Deposit{}, nil, fmt.Errorf("%w: holder pending", calc.ErrOverflow)
	}

	b.sequence++
	seq := b.sequence
	id := DepositID(depositor, recipient, assets, now, b.identity, seq)
	if _, exists := b.records[id]; exists {
		return Deposit{}, nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	d := &Deposit{
		ID:        id,
		Sequence:  seq,
		Depositor: depositor,
		Recipient: recipient,
		Assets:    new(uint256.Int).Set(assets),
		State:     StatePending,
		CreatedAt: now,
	}
	if ttl > 0 {
		d.ExpiresAt = now.Add(ttl)
	}

	b.records[id] = d
	b.byDepositor[depositor] = append(b.byDepositor[depositor], id)
	b.totalPending = total
	b.pendingBy[depositor] = holder

	undo := func() {
		delete(b.records, id)
		ids := b.byDepositor[depositor]
		b.byDepositor[depositor] = ids[:len(ids)-1]
		if len(b.byDepositor[depositor]) == 0 {
			delete(b.byDepositor, depositor)
		}
		b.decrement(depositor, assets)
	}
	return d.clone(), undo, nil
}

// Pending returns the record if it exists and is still pending.
func (b *Book) Pending(id onchain.Hash) (Deposit, error) {
	d, ok := b.records[id]
	if !ok {
		return Deposit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.State != StatePending {
		return Deposit{}, fmt.Errorf("%w: %s is %s", ErrNotPending, id, d.State)
	}
	return d.clone(), nil
}

// Settle moves a pending deposit to a terminal state and removes it from the
// counters. shares is recorded for accepted deposits.
func (b *Book) Settle(id onchain.Hash, to State, shares *uint256.Int, now time.Time) (Deposit, func(), error) {
	if !to.Terminal() {
		return Deposit{}, nil, fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}
	if _, err := b.Pending(id); err != nil {
		return Deposit{}, nil, err
	}

	d := b.records[id]
	prev := d.clone()

	d.State = to
	d.SettledAt = now
	if shares != nil {
		d.Shares = new(uint256.Int).Set(shares)
	}
	b.decrement(d.Depositor, d.Assets)

	undo := func() {
		*d = prev
		b.increment(prev.Depositor, prev.Assets)
	}
	return d.clone(), undo, nil
}

// Details returns the record, or the zero Deposit for an unknown id.
func (b *Book) Details(id onchain.Hash) Deposit {
	d, ok := b.records[id]
	if !ok {
		return Deposit{}
	}
	return d.clone()
}

// PendingFor lists a depositor's pending deposits in proposal order.
func (b *Book) PendingFor(holder onchain.Address) []Deposit {
	out := make([]Deposit, 0)
	for _, id := range b.byDepositor[holder] {
		if d := b.records[id]; d.State == StatePending {
			out = append(out, d.clone())
		}
	}
	return out
}

func (b *Book) TotalPending() *uint256.Int {
	return new(uint256.Int).Set(b.totalPending)
}

func (b *Book) PendingOf(holder onchain.Address) *uint256.Int {
	return new(uint256.Int).Set(b.pendingOf(holder))
}

func (b *Book) Sequence() uint64 { return b.sequence }

// Records returns every record in proposal order.
func (b *Book) Records() []Deposit {
	out := make([]Deposit, 0, len(b.records))
	for _, d := range b.records {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// CumulativeAssets sums every record ever opened, whatever its state.
func (b *Book) CumulativeAssets() (*uint256.Int, error) {
	amounts := make([]*uint256.Int, 0, len(b.records))
	for _, d := range b.records {
		amounts = append(amounts, d.Assets)
	}
	return calc.Sum(amounts...)
}

// Restore replaces the book's contents with persisted records. Counters are
// recomputed from the records so they always match the pending set.
func (b *Book) Restore(records []Deposit, sequence uint64) error {
	fresh := NewBook(b.identity)
	sorted := append([]Deposit(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	for _, r := range sorted {
		if r.Assets == nil {
			return fmt.Errorf("restore %s: missing amount", r.ID)
		}
		if _, dup := fresh.records[r.ID]; dup {
			return fmt.Errorf("restore %s: %w", r.ID, ErrDuplicateID)
		}
		if r.Sequence > sequence {
			sequence = r.Sequence
		}
		d := r.clone()
		fresh.records[d.ID] = &d
		fresh.byDepositor[d.Depositor] = append(fresh.byDepositor[d.Depositor], d.ID)
		if d.State == StatePending {
			if _, overflow := new(uint256.Int).AddOverflow(fresh.totalPending, d.Assets); overflow {
				return fmt.Errorf("restore %s: %w", d.ID, calc.ErrOverflow)
			}
			fresh.increment(d.Depositor, d.Assets)
		}
	}

	fresh.sequence = sequence
	*b = *fresh
	return nil
}

func (b *Book) pendingOf(holder onchain.Address) *uint256.Int {
	if v, ok := b.pendingBy[holder]; ok {
		return v
	}
	return new(uint256.Int)
}

func (b *Book) increment(holder onchain.Address, amount *uint256.Int) {
	b.totalPending = new(uint256.Int).Add(b.totalPending, amount)
	b.pendingBy[holder] = new(uint256.Int).Add(b.pendingOf(holder), amount)
}

// decrement never underflows while the counters match the pending set.
func (b *Book) decrement(holder onchain.Address, amount *uint256.Int) {
	b.totalPending = new(uint256.Int).Sub(b.totalPending, amount)
	left := new(uint256.Int).Sub(b.pendingOf(holder), amount)
	if left.IsZero() {
		delete(b.pendingBy, holder)
		return
	}
	b.pendingBy[holder] = left
}
