// Package vault custodies deposited value against issued shares.
//
// Every exported operation runs to completion under one lock. Internal state
// (escrow records, counters, consumed authorizations, gate markers) is
// mutated first and journaled; calls into the share ledger are journaled
// with compensating calls. The resulting change is mirrored before value
// leaves the sink, and all payouts of an operation leave in one atomic router
// call. A failing operation rolls its journal back, so callers observe all of
// an operation or none of it.
//
// Collaborators receive a context marked with the vault. A collaborator that
// calls back into the same vault with that context gets ErrReentrantCall. A
// call that arrives while a collaborator is running, whatever its context,
// waits at most Config.ReentryWait for the lock and is then rejected the same
// way.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/access"
	"github.com/leafsii/leafsii-vault/internal/calc"
	"github.com/leafsii/leafsii-vault/internal/escrow"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/leafsii/leafsii-vault/internal/gate"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/leafsii/leafsii-vault/internal/routing"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
	"go.uber.org/zap"
)

const defaultReentryWait = time.Second

// ShareLedger is the fungible ledger of vault shares.
type ShareLedger interface {
	Mint(ctx context.Context, to onchain.Address, amount *uint256.Int) error
	Burn(ctx context.Context, from onchain.Address, amount *uint256.Int) error
	Transfer(ctx context.Context, from, to onchain.Address, amount *uint256.Int) error
	Approve(ctx context.Context, owner, spender onchain.Address, amount *uint256.Int) error
	SpendAllowance(ctx context.Context, owner, spender onchain.Address, amount *uint256.Int) error
	Allowance(ctx context.Context, owner, spender onchain.Address) (*uint256.Int, error)
	BalanceOf(ctx context.Context, holder onchain.Address) (*uint256.Int, error)
	TotalSupply(ctx context.Context) (*uint256.Int, error)
	MaxRedeemable(ctx context.Context, owner, spender onchain.Address) (*uint256.Int, error)
}

// Router moves deposited value.
type Router interface {
	MoveValue(ctx context.Context, from, to onchain.Address, amount *uint256.Int) error
	// MoveValues pays every payment out of from, or none of them.
	MoveValues(ctx context.Context, from onchain.Address, payments []routing.Payment) error
	BalanceOf(ctx context.Context, holder onchain.Address) (*uint256.Int, error)
}

// Funding is implemented by routers that keep value balances in process. The
// vault mirrors their balances and allowances and rebuilds them on restore;
// other routers are expected to persist their own state.
type Funding interface {
	Allowance(owner onchain.Address) *uint256.Int
	Approve(owner onchain.Address, amount *uint256.Int)
	Restore(holder onchain.Address, balance, allowance *uint256.Int)
}

type Authorizer interface {
	IsPrivileged(ctx context.Context, caller onchain.Address, role access.Role) bool
}

type Publisher interface {
	Publish(ctx context.Context, events ...events.Event)
}

// Observer receives per-operation outcomes, typically for metrics.
type Observer interface {
	Operation(ctx context.Context, op string, err error, elapsed time.Duration)
	Rejection(ctx context.Context, kind gate.Kind, reason string)
}

type Config struct {
	Domain withdrawal.Domain
	// Sink holds deposited value until it is paid out.
	Sink onchain.Address
	// DepositTTL is how long a proposal stays pending before its depositor
	// may reclaim it. Zero disables reclaim.
	DepositTTL time.Duration
	// MaxOracleAge rejects quotes older than this. Zero accepts any age.
	MaxOracleAge time.Duration
	// ReentryWait bounds how long a call arriving during a collaborator call
	// waits for the lock before it is treated as reentrant. Defaults to 1s.
	ReentryWait time.Duration
	Now         func() time.Time
}

// Deps are the vault's collaborators. Gates, Mirror, Events and Observer are
// optional.
type Deps struct {
	Converter *calc.Converter
	Shares    ShareLedger
	Router    Router
	Prices    prices.Source
	Auth      Authorizer
	Gates     *gate.Pipeline
	Mirror    Mirror
	Events    Publisher
	Observer  Observer
}

type Vault struct {
	// sem is the run-to-completion lock; callouts counts collaborator calls
	// in flight under it.
	sem        chan struct{}
	callouts   atomic.Int32
	publishing sync.Mutex

	cfg      Config
	book     *escrow.Book
	consumed *withdrawal.Registry
	gates    *gate.Pipeline
	conv     *calc.Converter
	shares   ShareLedger
	router   Router
	funding  Funding
	prices   prices.Source
	auth     Authorizer
	mirror   Mirror
	events   Publisher
	observer Observer
	logger   *zap.SugaredLogger

	height uint64
}

func New(cfg Config, deps Deps, logger *zap.SugaredLogger) (*Vault, error) {
	switch {
	case deps.Converter == nil:
		return nil, errors.New("vault: converter is required")
	case deps.Shares == nil:
		return nil, errors.New("vault: share ledger is required")
	case deps.Router == nil:
		return nil, errors.New("vault: router is required")
	case deps.Prices == nil:
		return nil, errors.New("vault: price source is required")
	case deps.Auth == nil:
		return nil, errors.New("vault: authorizer is required")
	}
	if cfg.Sink.IsZero() {
		return nil, fmt.Errorf("vault: sink: %w", ErrInvalidAddress)
	}
	if cfg.Domain.VerifyingContract.IsZero() {
		return nil, fmt.Errorf("vault: verifying contract: %w", ErrInvalidAddress)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReentryWait <= 0 {
		cfg.ReentryWait = defaultReentryWait
	}
	if deps.Gates == nil {
		deps.Gates = gate.NewPipeline()
	}

	funding, _ := deps.Router.(Funding)
	return &Vault{
		sem:      make(chan struct{}, 1),
		cfg:      cfg,
		book:     escrow.NewBook(cfg.Domain.VerifyingContract),
		consumed: withdrawal.NewRegistry(),
		gates:    deps.Gates,
		conv:     deps.Converter,
		shares:   deps.Shares,
		router:   deps.Router,
		funding:  funding,
		prices:   deps.Prices,
		auth:     deps.Auth,
		mirror:   deps.Mirror,
		events:   deps.Events,
		observer: deps.Observer,
		logger:   logger,
	}, nil
}

func (v *Vault) Domain() withdrawal.Domain { return v.cfg.Domain }

func (v *Vault) Sink() onchain.Address { return v.cfg.Sink }

type guardFrame struct {
	vault  *Vault
	parent *guardFrame
}

type guardKey struct{}

func (v *Vault) entered(ctx context.Context) bool {
	f, _ := ctx.Value(guardKey{}).(*guardFrame)
	for ; f != nil; f = f.parent {
		if f.vault == v {
			return true
		}
	}
	return false
}

// enter takes the run-to-completion lock and returns the context collaborators
// must be called with.
func (v *Vault) enter(ctx context.Context) (context.Context, func(), error) {
	if v.entered(ctx) {
		return nil, nil, ErrReentrantCall
	}
	if v.callouts.Load() > 0 {
		timer := time.NewTimer(v.cfg.ReentryWait)
		defer timer.Stop()
		select {
		case v.sem <- struct{}{}:
		case <-timer.C:
			return nil, nil, fmt.Errorf("%w: vault is inside a collaborator call", ErrReentrantCall)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	} else {
		select {
		case v.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() { once.Do(func() { <-v.sem }) }
	parent, _ := ctx.Value(guardKey{}).(*guardFrame)
	return context.WithValue(ctx, guardKey{}, &guardFrame{vault: v, parent: parent}), release, nil
}

// call runs fn as a collaborator call.
func (v *Vault) call(fn func() error) error {
	v.callouts.Add(1)
	defer v.callouts.Add(-1)
	return fn()
}

func callValue[T any](v *Vault, fn func() (T, error)) (T, error) {
	v.callouts.Add(1)
	defer v.callouts.Add(-1)
	return fn()
}

// op is the working state of one operation.
type op struct {
	name       string
	ctx        context.Context
	now        time.Time
	height     uint64
	sequence   uint64
	journal    journal
	deposits   []onchain.Hash
	holders    map[onchain.Address]struct{}
	accounts   map[onchain.Address]struct{}
	allowances map[allowancePair]struct{}
	consumed   []withdrawal.Authorization
	events     []events.Event
	payouts    []routing.Payment
	mirrored   bool
}

type allowancePair struct {
	owner, spender onchain.Address
}

func (o *op) touchDeposit(d escrow.Deposit) {
	o.deposits = append(o.deposits, d.ID)
	if o.holders == nil {
		o.holders = make(map[onchain.Address]struct{})
	}
	o.holders[d.Depositor] = struct{}{}
}

// touch records accounts whose ledger state the operation changes.
func (o *op) touch(accounts ...onchain.Address) {
	if o.accounts == nil {
		o.accounts = make(map[onchain.Address]struct{})
	}
	for _, a := range accounts {
		o.accounts[a] = struct{}{}
	}
}

func (o *op) touchAllowance(owner, spender onchain.Address) {
	if o.allowances == nil {
		o.allowances = make(map[allowancePair]struct{})
	}
	o.allowances[allowancePair{owner, spender}] = struct{}{}
}

func (o *op) pay(to onchain.Address, amount *uint256.Int) {
	o.payouts = append(o.payouts, routing.Payment{To: to, Amount: amount})
}

func (o *op) emit(e events.Event) {
	o.events = append(o.events, e)
}

func (o *op) event(kind events.Kind) events.Event {
	return events.New(kind, o.height, o.now)
}

// execute runs fn as one atomic operation. The change is mirrored, then
// payouts queued by fn are issued, then the lock is handed to the publisher.
func (v *Vault) execute(ctx context.Context, name string, fn func(o *op) error) error {
	start := time.Now()
	inner, release, err := v.enter(ctx)
	if err != nil {
		v.observe(ctx, name, err, start)
		return err
	}
	defer release()

	evs, err := v.run(inner, name, fn)
	if err != nil {
		release()
		v.logRejection(name, err)
		v.observe(ctx, name, err, start)
		return err
	}

	// Taken before unlocking so events leave in commit order. An operation
	// started from inside Publish already holds it.
	outer, _ := ctx.Value(publishKey{}).(*Vault)
	nested := outer == v
	if !nested {
		v.publishing.Lock()
	}
	release()
	if v.events != nil && len(evs) > 0 {
		pctx := context.WithValue(context.WithoutCancel(ctx), publishKey{}, v)
		v.events.Publish(pctx, evs...)
	}
	if !nested {
		v.publishing.Unlock()
	}
	v.observe(ctx, name, nil, start)
	return nil
}

type publishKey struct{}

func (v *Vault) run(ctx context.Context, name string, fn func(o *op) error) ([]events.Event, error) {
	o := &op{
		name:     name,
		ctx:      ctx,
		now:      v.cfg.Now(),
		height:   v.height + 1,
		sequence: v.book.Sequence(),
	}
	err := fn(o)
	if err == nil {
		err = v.preflight(o)
	}
	if err == nil {
		err = v.persist(o)
	}
	if err == nil {
		err = v.pay(o)
	}
	if err != nil {
		return nil, v.abort(o, err)
	}
	v.height = o.height
	return o.events, nil
}

// abort rolls o back. When the mirror already holds o's change, or o used up
// a deposit sequence number, the rolled-back state is mirrored in its place.
func (v *Vault) abort(o *op, err error) error {
	if rbErr := o.journal.rollback(o.ctx); rbErr != nil {
		v.logger.Errorw("Rollback incomplete",
			"op", o.name,
			"error", err,
			"rollbackError", rbErr,
		)
		err = errors.Join(err, rbErr)
	}
	if v.mirror == nil || (!o.mirrored && v.book.Sequence() == o.sequence) {
		return err
	}

	ctx := context.WithoutCancel(o.ctx)
	c, cErr := v.changeOf(ctx, o, v.height, nil)
	if cErr == nil {
		c.Consumed = nil
		if o.mirrored {
			c.Released = o.consumed
		}
		cErr = v.call(func() error { return v.mirror.Apply(ctx, c) })
	}
	if cErr != nil {
		v.logger.Errorw("Mirror compensation failed",
			"op", o.name,
			"height", v.height,
			"sequence", v.book.Sequence(),
			"mirrored", o.mirrored,
			"error", cErr,
		)
		err = errors.Join(err, fmt.Errorf("%w: compensate: %w", ErrMirror, cErr))
	}
	return err
}

// preflight checks that the sink covers every queued payout.
func (v *Vault) preflight(o *op) error {
	if len(o.payouts) == 0 {
		return nil
	}
	amounts := make([]*uint256.Int, 0, len(o.payouts))
	for _, p := range o.payouts {
		amounts = append(amounts, p.Amount)
	}
	total, err := calc.Sum(amounts...)
	if err != nil {
		return err
	}
	available, err := callValue(v, func() (*uint256.Int, error) {
		return v.router.BalanceOf(o.ctx, v.cfg.Sink)
	})
	if err != nil {
		return fmt.Errorf("%w: sink balance: %w", ErrTransferFailed, err)
	}
	if available.Lt(total) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientLiquidity, total.Dec(), available.Dec())
	}
	return nil
}

// persist mirrors o's change. A failure fails the operation.
func (v *Vault) persist(o *op) error {
	if v.mirror == nil {
		return nil
	}
	c, err := v.changeOf(o.ctx, o, o.height, o.payouts)
	if err != nil {
		return err
	}
	if err := v.call(func() error { return v.mirror.Apply(o.ctx, c) }); err != nil {
		v.logger.Errorw("State mirror failed",
			"op", o.name,
			"height", o.height,
			"deposits", len(c.Deposits),
			"consumed", len(c.Consumed),
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrMirror, err)
	}
	o.mirrored = true
	return nil
}

// pay issues every queued payout in one router call.
func (v *Vault) pay(o *op) error {
	if len(o.payouts) == 0 {
		return nil
	}
	if err := v.call(func() error {
		return v.router.MoveValues(o.ctx, v.cfg.Sink, o.payouts)
	}); err != nil {
		return fmt.Errorf("%w: %d payouts: %w", ErrTransferFailed, len(o.payouts), err)
	}
	return nil
}

func (v *Vault) logRejection(name string, err error) {
	code, retryable := Code(err)
	v.logger.Warnw("Operation rejected",
		"op", name,
		"code", code,
		"retryable", retryable,
		"error", err,
	)
}

func (v *Vault) observe(ctx context.Context, name string, err error, start time.Time) {
	if v.observer == nil {
		return
	}
	v.observer.Operation(ctx, name, err, time.Since(start))
	var rej *gate.RejectionError
	if errors.As(err, &rej) {
		v.observer.Rejection(ctx, rej.Kind, rej.Reason)
	}
}

// read runs fn under the lock without journaling or committing.
func (v *Vault) read(ctx context.Context, fn func(ctx context.Context) error) error {
	inner, release, err := v.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(inner)
}

func (v *Vault) requireRole(ctx context.Context, caller onchain.Address, role access.Role) error {
	return v.call(func() error { return v.authorize(ctx, caller, role) })
}

func (v *Vault) authorize(ctx context.Context, caller onchain.Address, role access.Role) error {
	if !v.auth.IsPrivileged(ctx, caller, role) {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller, role)
	}
	return nil
}

func (v *Vault) admit(o *op, req gate.Request) error {
	undo, err := callValue(v, func() (func(), error) {
		return v.gates.Admit(o.ctx, req, o.height)
	})
	if err != nil {
		return err
	}
	o.journal.recordLocal(undo)
	return nil
}

// rate reads the current exchange rate, rejecting stale quotes.
func (v *Vault) rate(ctx context.Context, now time.Time) (*uint256.Int, error) {
	q, err := callValue(v, func() (prices.Quote, error) { return v.prices.Current(ctx) })
	if err != nil {
		return nil, fmt.Errorf("price from %s: %w", v.prices.Name(), err)
	}
	if err := calc.ValidateOracleAge(q.Timestamp, now, v.cfg.MaxOracleAge); err != nil {
		return nil, err
	}
	return calc.RateFromDecimal(q.Price)
}

func (v *Vault) mint(o *op, to onchain.Address, amount *uint256.Int) error {
	if err := v.call(func() error { return v.shares.Mint(o.ctx, to, amount) }); err != nil {
		return fmt.Errorf("%w: mint: %w", ErrShareLedger, err)
	}
	o.touch(to)
	o.journal.record(func(ctx context.Context) error {
		return v.call(func() error { return v.shares.Burn(ctx, to, amount) })
	})
	return nil
}

func (v *Vault) burn(o *op, from onchain.Address, amount *uint256.Int) error {
	if err := v.call(func() error { return v.shares.Burn(o.ctx, from, amount) }); err != nil {
		return fmt.Errorf("%w: burn: %w", ErrShareLedger, err)
	}
	o.touch(from)
	o.journal.record(func(ctx context.Context) error {
		return v.call(func() error { return v.shares.Mint(ctx, from, amount) })
	})
	return nil
}

func (v *Vault) transferShares(o *op, from, to onchain.Address, amount *uint256.Int) error {
	if err := v.call(func() error { return v.shares.Transfer(o.ctx, from, to, amount) }); err != nil {
		return fmt.Errorf("%w: transfer: %w", ErrShareLedger, err)
	}
	o.touch(from, to)
	o.journal.record(func(ctx context.Context) error {
		return v.call(func() error { return v.shares.Transfer(ctx, to, from, amount) })
	})
	return nil
}

func (v *Vault) spendAllowance(o *op, owner, spender onchain.Address, amount *uint256.Int) error {
	prev, err := callValue(v, func() (*uint256.Int, error) { return v.shares.Allowance(o.ctx, owner, spender) })
	if err != nil {
		return fmt.Errorf("%w: allowance: %w", ErrShareLedger, err)
	}
	if err := v.call(func() error { return v.shares.SpendAllowance(o.ctx, owner, spender, amount) }); err != nil {
		return fmt.Errorf("%w: spend allowance: %w", ErrShareLedger, err)
	}
	o.touchAllowance(owner, spender)
	o.journal.record(func(ctx context.Context) error {
		return v.call(func() error { return v.shares.Approve(ctx, owner, spender, prev) })
	})
	return nil
}

// pull moves value from holder into the sink, journaling the move back and
// the holder's spent allowance.
func (v *Vault) pull(o *op, holder onchain.Address, amount *uint256.Int) error {
	var prev *uint256.Int
	if v.funding != nil {
		prev = v.funding.Allowance(holder)
	}
	if err := v.call(func() error { return v.router.MoveValue(o.ctx, holder, v.cfg.Sink, amount) }); err != nil {
		return fmt.Errorf("%w: escrow %s from %s: %w", ErrTransferFailed, amount.Dec(), holder, err)
	}
	o.touch(holder, v.cfg.Sink)
	o.journal.record(func(ctx context.Context) error {
		return v.call(func() error {
			if err := v.router.MoveValue(ctx, v.cfg.Sink, holder, amount); err != nil {
				return err
			}
			if prev != nil {
				v.funding.Approve(holder, prev)
			}
			return nil
		})
	})
	return nil
}

func requireAddress(what string, addrs ...onchain.Address) error {
	for _, a := range addrs {
		if a.IsZero() {
			return fmt.Errorf("%w: %s is zero", ErrInvalidAddress, what)
		}
	}
	return nil
}
