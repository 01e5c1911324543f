package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestParseCursor(t *testing.T) {
	seq, err := parseCursor("")
	require.NoError(t, err)
	assert.Greater(t, seq, int64(1<<62))

	seq, err = parseCursor("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	for _, bad := range []string{"x", "0", "-3", "1:2"} {
		_, err := parseCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestInsertArgs(t *testing.T) {
	e := events.New(events.KindDepositProposed, 7, time.Unix(1_780_000_000, 0))
	e.DepositID = "0xabc"
	e.Account = "0x00000000000000000000000000000000000000a1"
	e.Assets = "1000"

	args, err := insertArgs(e)
	require.NoError(t, err)
	require.Len(t, args, 10)

	assert.Equal(t, e.ID, args[0])
	assert.Equal(t, "deposit.proposed", args[1])
	assert.Equal(t, int64(7), args[2])
	assert.Equal(t, sql.NullString{}, args[4], "empty batch id is NULL")
	assert.Equal(t, sql.NullString{String: "0xabc", Valid: true}, args[5])

	var decoded events.Event
	require.NoError(t, json.Unmarshal(args[9].([]byte), &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "1000", decoded.Assets)
}

// TestRepositoryPostgres runs against a real database when
// VLT_TEST_POSTGRES_DSN is set.
func TestRepositoryPostgres(t *testing.T) {
	dsn := os.Getenv("VLT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VLT_TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, "../../sql"))
	_, err = db.Exec(`TRUNCATE vault_events`)
	require.NoError(t, err)

	repo := NewRepository(db, zap.NewNop().Sugar())
	ctx := context.Background()
	require.NoError(t, repo.Ping(ctx))

	account := "0x00000000000000000000000000000000000000a1"
	at := time.Now()
	var evs []events.Event
	for i := 0; i < 5; i++ {
		e := events.New(events.KindDepositProposed, uint64(i+1), at)
		e.Account = account
		evs = append(evs, e)
	}
	require.NoError(t, repo.Handle(ctx, evs))
	require.NoError(t, repo.StoreEvents(ctx, evs[:1]), "replay is ignored")

	page, cursor, err := repo.EventsFor(ctx, account, 3, "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, evs[4].ID, page[0].ID)
	require.NotEmpty(t, cursor)

	rest, cursor, err := repo.EventsFor(ctx, account, 3, cursor)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, evs[0].ID, rest[1].ID)
	assert.Empty(t, cursor)
}
