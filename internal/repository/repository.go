// Package repository keeps an append-only audit log of committed vault events
// in Postgres. The schema lives in sql/ and is applied with cmd/migrate.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/leafsii/leafsii-vault/internal/events"
	"go.uber.org/zap"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const insertEvent = `
	INSERT INTO vault_events (id, kind, height, occurred_at, batch_id, deposit_id, actor, account, counterparty, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Handle stores a committed batch of events so the repository can subscribe
// to the event bus directly.
func (r *Repository) Handle(ctx context.Context, evs []events.Event) error {
	return r.StoreEvents(ctx, evs)
}

// StoreEvents writes all events in one transaction. Replaying an event with a
// known id is a no-op.
func (r *Repository) StoreEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range evs {
		args, err := insertArgs(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to store event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debugw("Stored vault events", "count", len(evs), "firstKind", evs[0].Kind, "height", evs[0].Height)
	return nil
}

func insertArgs(e events.Event) ([]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}
	return []any{
		e.ID,
		string(e.Kind),
		int64(e.Height),
		e.Time,
		nullString(e.BatchID),
		nullString(e.DepositID),
		nullString(e.Actor),
		nullString(e.Account),
		nullString(e.Counterparty),
		payload,
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// EventsFor pages through the events that touched account, either as the
// affected account or as the counterparty, newest first. cursor is the value
// returned by the previous page; empty starts from the newest event.
func (r *Repository) EventsFor(ctx context.Context, account string, limit int, cursor string) ([]events.Event, string, error) {
	before, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT seq, payload
		FROM vault_events
		WHERE (account = $1 OR counterparty = $1 OR actor = $1)
		AND seq < $2
		ORDER BY seq DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, account, before, limit+1) // +1 to check if there are more
	if err != nil {
		return nil, "", fmt.Errorf("failed to query account events: %w", err)
	}
	defer rows.Close()

	var (
		out     []events.Event
		lastSeq int64
		hasMore bool
	)
	for rows.Next() {
		if len(out) >= limit {
			hasMore = true
			break
		}

		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, "", fmt.Errorf("failed to scan event: %w", err)
		}

		var e events.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		out = append(out, e)
		lastSeq = seq
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration error: %w", err)
	}

	var next string
	if hasMore {
		next = strconv.FormatInt(lastSeq, 10)
	}
	return out, next, nil
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return int64(^uint64(0) >> 1), nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return seq, nil
}

// Ping is the health check.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
