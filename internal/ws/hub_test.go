package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leafsii/leafsii-vault/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const alice = "0x00000000000000000000000000000000000000a1"

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub([]string{"http://localhost:3000"}, zap.NewNop().Sugar(), nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func httpHandler(h *Hub) http.Handler { return http.HandlerFunc(h.HandleWebSocket) }

func dial(t *testing.T, url string, sub SubscriptionRequest) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(sub))
	return conn
}

func waitSubscribed(t *testing.T, h *Hub, n int, topic string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		count := 0
		for c := range h.clients {
			c.mu.RLock()
			if c.isSubscribed(topic) {
				count++
			}
			c.mu.RUnlock()
		}
		return count == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHubBroadcastsSubscribedKinds(t *testing.T) {
	hub, url := startHub(t)

	all := dial(t, url, SubscriptionRequest{Type: "subscribe", Topics: []string{"*"}})
	deposits := dial(t, url, SubscriptionRequest{Type: "subscribe", Topics: []string{"deposit.*"}})
	waitSubscribed(t, hub, 2, "deposit.confirmed")

	redeemed := events.New(events.KindRedeemed, 3, time.Now())
	confirmed := events.New(events.KindDepositConfirmed, 4, time.Now())
	confirmed.Account = alice
	require.NoError(t, hub.Handle(context.Background(), []events.Event{redeemed, confirmed}))

	first := readMessage(t, all)
	assert.Equal(t, "withdrawal.redeemed", first.Topic)
	assert.Equal(t, redeemed.ID, first.Data.ID)
	assert.Equal(t, "deposit.confirmed", readMessage(t, all).Topic)

	only := readMessage(t, deposits)
	assert.Equal(t, confirmed.ID, only.Data.ID, "withdrawal events are filtered out")
	assert.Equal(t, alice, only.Data.Account)
}

func TestHubAddressFilter(t *testing.T) {
	hub, url := startHub(t)

	conn := dial(t, url, SubscriptionRequest{Type: "subscribe", Topics: []string{"*"}, Address: strings.ToUpper(alice[2:])})
	waitSubscribed(t, hub, 1, "shares.transferred")
	require.Eventually(t, func() bool {
		for c := range snapshotClients(hub) {
			if c.account() != "" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	other := events.New(events.KindSharesTransferred, 1, time.Now())
	other.Account = "0x00000000000000000000000000000000000000b0"
	mine := events.New(events.KindSharesTransferred, 2, time.Now())
	mine.Counterparty = alice[2:]
	require.NoError(t, hub.Handle(context.Background(), []events.Event{other, mine}))

	assert.Equal(t, mine.ID, readMessage(t, conn).Data.ID)
}

func TestHubShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, zap.NewNop().Sugar(), nil)
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), SubscriptionRequest{Type: "subscribe", Topics: []string{"*"}})
	waitSubscribed(t, hub, 1, "batch.confirmed")

	cancel()
	<-done
	assert.Zero(t, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server closes the connection")
}

func TestCleanupInactiveClients(t *testing.T) {
	hub, url := startHub(t)
	dial(t, url, SubscriptionRequest{Type: "subscribe", Topics: []string{"*"}})
	waitSubscribed(t, hub, 1, "deposit.proposed")

	hub.cleanupInactiveClients(time.Now())
	assert.Equal(t, 1, hub.Clients())

	hub.cleanupInactiveClients(time.Now().Add(idleTimeout + time.Minute))
	assert.Zero(t, hub.Clients())
}

func TestRejectsForeignOrigin(t *testing.T) {
	_, url := startHub(t)
	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func snapshotClients(h *Hub) map[*Client]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*Client]bool, len(h.clients))
	for c := range h.clients {
		out[c] = true
	}
	return out
}
