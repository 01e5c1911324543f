// Package events fans committed vault operations out to observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	KindDepositProposed    Kind = "deposit.proposed"
	KindDepositConfirmed   Kind = "deposit.confirmed"
	KindDepositRefunded    Kind = "deposit.refunded"
	KindDepositReclaimed   Kind = "deposit.reclaimed"
	KindRedeemed           Kind = "withdrawal.redeemed"
	KindForceRedeemed      Kind = "withdrawal.force_redeemed"
	KindSharesTransferred  Kind = "shares.transferred"
	KindCheckRegistered    Kind = "gate.check_registered"
	KindBatchConfirmed     Kind = "batch.confirmed"
	KindBatchRefunded      Kind = "batch.refunded"
	KindBatchRedeemed      Kind = "batch.redeemed"
	KindBatchForceRedeemed Kind = "batch.force_redeemed"
)

// Event describes one committed operation. Amounts are decimal strings in
// base units.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Kind         Kind      `json:"kind"`
	Height       uint64    `json:"height"`
	Time         time.Time `json:"time"`
	BatchID      string    `json:"batch_id,omitempty"`
	DepositID    string    `json:"deposit_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Account      string    `json:"account,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Assets       string    `json:"assets,omitempty"`
	Shares       string    `json:"shares,omitempty"`
	Number       string    `json:"authorization_number,omitempty"`
	Count        int       `json:"count,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// New stamps an event with a fresh id.
func New(kind Kind, height uint64, at time.Time) Event {
	return Event{ID: uuid.New(), Kind: kind, Height: height, Time: at.UTC()}
}

// Sink receives committed events.
type Sink interface {
	Handle(ctx context.Context, events []Event) error
}

type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) Handle(ctx context.Context, events []Event) error { return f(ctx, events) }

type namedSink struct {
	name string
	sink Sink
}

// Bus delivers events to every subscribed sink in subscription order. A
// failing sink is logged and does not stop delivery to the others; the
// operation that produced the events has already committed.
type Bus struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	sinks []namedSink
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(name string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: sink})
}

func (b *Bus) Publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}

	b.mu.RLock()
	sinks := append([]namedSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.sink.Handle(ctx, events); err != nil {
			b.logger.Errorw("Event sink failed",
				"sink", s.name,
				"events", len(events),
				"firstKind", events[0].Kind,
				"error", err,
			)
		}
	}
}

// LogSink writes one structured line per event.
func LogSink(logger *zap.SugaredLogger) Sink {
	return SinkFunc(func(_ context.Context, events []Event) error {
		for _, e := range events {
			logger.Infow("Vault event",
				"kind", e.Kind,
				"id", e.ID,
				"height", e.Height,
				"batchId", e.BatchID,
				"depositId", e.DepositID,
				"account", e.Account,
				"counterparty", e.Counterparty,
				"assets", e.Assets,
				"shares", e.Shares,
			)
		}
		return nil
	})
}
