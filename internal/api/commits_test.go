package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exoneum.core/exc/internal/types"
)

func dialCommits(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.svc.Router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/commits"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return env.svc.commits.count() == 1 },
		2*time.Second, 10*time.Millisecond, "subscriber never registered")
	return conn
}

func TestCommitFeed(t *testing.T) {
	env := setupTest(t)
	conn := dialCommits(t, env)

	block := types.BlockInfo{
		Height:  7,
		AppHash: types.HashBytes([]byte("app")),
		Time:    genesisTime,
		TxCount: 2,
	}
	env.svc.PublishCommit(block)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got types.BlockInfo
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, block.Height, got.Height)
	assert.Equal(t, block.AppHash, got.AppHash)
	assert.Equal(t, block.TxCount, got.TxCount)
	assert.True(t, block.Time.Equal(got.Time))
}

func TestCommitFeedUnregistersOnDisconnect(t *testing.T) {
	env := setupTest(t)
	conn := dialCommits(t, env)

	conn.Close()
	require.Eventually(t, func() bool { return env.svc.commits.count() == 0 },
		2*time.Second, 10*time.Millisecond, "subscriber not removed after disconnect")

	// Publishing with no subscribers is a no-op.
	env.svc.PublishCommit(types.BlockInfo{Height: 1})
}

func TestCommitFeedClosedOnShutdown(t *testing.T) {
	env := setupTest(t)
	conn := dialCommits(t, env)

	env.svc.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestCommitBrokerDropsForSlowSubscribers(t *testing.T) {
	b := newCommitBroker()
	client := make(chan []byte, 1)
	b.register(client)

	b.broadcast([]byte("one"))
	b.broadcast([]byte("two"))

	assert.Equal(t, "one", string(<-client))
	select {
	case msg := <-client:
		t.Fatalf("unexpected buffered message %q", msg)
	default:
	}

	b.close()
	_, ok := <-client
	assert.False(t, ok, "client channel should be closed")

	late := make(chan []byte, 1)
	b.register(late)
	_, ok = <-late
	assert.False(t, ok, "registering after close should close the channel")
}
