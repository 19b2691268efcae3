package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn satisfies wsLink without a network peer. Read blocks until the
// test releases it, simulating a client that disconnects mid-broadcast.
type stubConn struct {
	release   chan struct{}
	closeOnce sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{release: make(chan struct{})}
}

func (s *stubConn) SetReadLimit(int64) {}

func (s *stubConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-s.release:
		return 0, nil, errors.New("connection reset")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *stubConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (s *stubConn) Ping(context.Context) error { return nil }

func (s *stubConn) Close(websocket.StatusCode, string) error {
	s.closeOnce.Do(func() { close(s.release) })
	return nil
}

func (s *stubConn) disconnect() {
	s.closeOnce.Do(func() { close(s.release) })
}

func runHub(t *testing.T) (*Hub, *TokenStore, context.CancelFunc) {
	t.Helper()

	tokens := NewTokenStore(time.Hour, 1000)
	hub := NewHub(tokens, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	return hub, tokens, cancel
}

func connectClient(t *testing.T, hub *Hub, tokens *TokenStore) (*client, *stubConn) {
	t.Helper()

	token, err := tokens.Issue()
	require.NoError(t, err)

	conn := newStubConn()
	c := &client{conn: conn, tokenID: token.ID, send: make(chan []byte, clientSendBuffer)}

	go c.writePump(hub)
	go c.readPump(hub, tokens)

	select {
	case hub.register <- c:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept registration")
	}

	return c, conn
}

func waitForClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (now %d)", want, hub.ClientCount())
}

func TestBroadcastReachesClients(t *testing.T) {
	hub, tokens, cancel := runHub(t)
	defer cancel()

	_, _ = connectClient(t, hub, tokens)
	waitForClientCount(t, hub, 1)

	hub.Broadcast([]string{"page:hello"})
	waitForClientCount(t, hub, 1) // still connected after delivery
}

func TestExpiredClientDroppedOnBroadcast(t *testing.T) {
	hub, tokens, cancel := runHub(t)
	defer cancel()

	c, _ := connectClient(t, hub, tokens)
	waitForClientCount(t, hub, 1)

	tokens.Revoke(c.tokenID)
	hub.Broadcast([]string{"page:hello"})

	waitForClientCount(t, hub, 0)
}

func TestDisconnectDuringBroadcastStorm(t *testing.T) {
	hub, tokens, cancel := runHub(t)
	defer cancel()

	const clients = 128

	conns := make([]*stubConn, 0, clients)
	for i := 0; i < clients; i++ {
		_, conn := connectClient(t, hub, tokens)
		conns = append(conns, conn)
	}
	waitForClientCount(t, hub, clients)

	// Hammer broadcasts while every client disconnects underneath them.
	// The hub owns the client set and the send channels, so a client
	// vanishing mid-delivery must never crash the loop.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Broadcast([]string{"page:storm"})
			}
		}
	}()

	for _, conn := range conns {
		conn.disconnect()
	}

	waitForClientCount(t, hub, 0)
	close(stop)
	wg.Wait()

	// The hub is still alive and serving after the churn.
	_, _ = connectClient(t, hub, tokens)
	waitForClientCount(t, hub, 1)
}

func TestReadPumpHandoffAfterShutdown(t *testing.T) {
	hub, tokens, cancel := runHub(t)

	_, conn := connectClient(t, hub, tokens)
	waitForClientCount(t, hub, 1)

	// Stop the hub first, then the client: the pump's handoff must fall
	// through on the done channel instead of blocking forever.
	cancel()
	conn.disconnect()

	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub never shut down")
	}
	assert.Equal(t, 0, hub.ClientCount())
}
