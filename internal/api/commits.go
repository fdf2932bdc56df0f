package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	commitBuffer   = 16
	wsWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// commitBroker fans committed block events out to websocket subscribers.
type commitBroker struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool
}

func newCommitBroker() *commitBroker {
	return &commitBroker{
		clients: make(map[chan []byte]struct{}),
	}
}

func (b *commitBroker) register(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(client)
		return
	}
	b.clients[client] = struct{}{}
}

func (b *commitBroker) unregister(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
	}
}

func (b *commitBroker) broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		select {
		case client <- data:
		default:
			// Slow subscriber, drop the event
		}
	}
}

func (b *commitBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *commitBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for client := range b.clients {
		delete(b.clients, client)
		close(client)
	}
}

// @Title: Commit Feed
// @Route: GET /v1/ws/commits
// @Description: WebSocket stream of committed blocks, one JSON message per block
// @Response: {"height": 3, "app_hash": "...", "state_root": "...", "time": "...", "tx_count": 1}
func (s *Service) HandleCommitsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := make(chan []byte, commitBuffer)
	s.commits.register(client)
	defer s.commits.unregister(client)

	// The feed is one-way; reading only detects the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-client:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
