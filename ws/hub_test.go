package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"buyback_feed/aggregator"
	"buyback_feed/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEvent(chain models.Chain, hash, total string) models.BurnEvent {
	return models.BurnEvent{
		Chain:        chain,
		TxHash:       hash,
		InputToken:   "SOL",
		InputAmount:  "0.5",
		BurnedAmount: "100",
		OutputToken:  "SHITPOST",
		TotalBurned:  total,
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
	}
}

func startHub(t *testing.T, agg *aggregator.Aggregator, cfg HubConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(agg, cfg, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) models.FeedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := models.DecodeFeedMessage(raw)
	require.NoError(t, err)
	return msg
}

func TestHubSendsSnapshotThenLive(t *testing.T) {
	agg := aggregator.New(50)
	_, err := agg.Ingest(testEvent(models.ChainSolana, "old", "10"))
	require.NoError(t, err)

	hub, url := startHub(t, agg, HubConfig{SendBuffer: 8, JoinWindow: time.Second})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	require.NotNil(t, first.Snapshot)
	require.Len(t, first.Snapshot.RecentEvents, 1)
	assert.Equal(t, "old", first.Snapshot.RecentEvents[0].TxHash)
	assert.Equal(t, "10", first.Snapshot.Stats[models.ChainSolana].TotalBurned)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	_, err = agg.Ingest(testEvent(models.ChainSolana, "new", "20"))
	require.NoError(t, err)
	_, err = agg.Ingest(testEvent(models.ChainSolana, "new", "20"))
	require.NoError(t, err)
	_, err = agg.Ingest(testEvent(models.ChainEthereum, "eth", "5"))
	require.NoError(t, err)

	live := readMessage(t, conn)
	require.NotNil(t, live.Event)
	assert.Equal(t, "new", live.Event.TxHash)

	live = readMessage(t, conn)
	require.NotNil(t, live.Event)
	assert.Equal(t, "eth", live.Event.TxHash, "duplicate ingest is not re-announced")
}

func TestHubPrunesOnDisconnect(t *testing.T) {
	agg := aggregator.New(50)
	hub, url := startHub(t, agg, HubConfig{SendBuffer: 8})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Broadcasting to nobody is fine.
	_, err = agg.Ingest(testEvent(models.ChainSolana, "after", "1"))
	require.NoError(t, err)
}

func TestBroadcastPrunesFullQueue(t *testing.T) {
	agg := aggregator.New(50)
	hub := NewHub(agg, HubConfig{SendBuffer: 1}, zap.NewNop().Sugar())

	slow := &subscriber{addr: "slow", send: make(chan []byte, 1), joinedAt: time.Now()}
	fast := &subscriber{addr: "fast", send: make(chan []byte, 4), joinedAt: time.Now()}
	slow.send <- []byte("snapshot")
	require.NoError(t, hub.add(slow))
	require.NoError(t, hub.add(fast))

	_, err := agg.Ingest(testEvent(models.ChainSolana, "A", "1"))
	require.NoError(t, err)

	assert.Equal(t, 1, hub.Subscribers())
	<-slow.send
	_, open := <-slow.send
	assert.False(t, open, "pruned subscriber queue is closed")
	assert.Len(t, fast.send, 1)
}

func TestBroadcastSkipsSnapshotKeysDuringJoinWindow(t *testing.T) {
	agg := aggregator.New(50)
	hub := NewHub(agg, HubConfig{SendBuffer: 4, JoinWindow: time.Minute}, zap.NewNop().Sugar())

	sub := &subscriber{
		addr:         "joining",
		send:         make(chan []byte, 4),
		joinedAt:     time.Now(),
		snapshotKeys: map[string]struct{}{"solana:A": {}},
	}
	require.NoError(t, hub.add(sub))

	hub.broadcast(testEvent(models.ChainSolana, "A", "1"))
	hub.broadcast(testEvent(models.ChainSolana, "B", "2"))
	assert.Len(t, sub.send, 1)

	sub.joinedAt = time.Now().Add(-2 * time.Minute)
	hub.broadcast(testEvent(models.ChainSolana, "A", "1"))
	assert.Len(t, sub.send, 2)
	assert.Nil(t, sub.snapshotKeys)
}

func TestHubCloseRejectsNewSubscribers(t *testing.T) {
	hub := NewHub(aggregator.New(50), HubConfig{}, zap.NewNop().Sugar())
	hub.Close()
	assert.Error(t, hub.add(&subscriber{send: make(chan []byte, 1)}))
}
