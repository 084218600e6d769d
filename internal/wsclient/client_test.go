package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStreamServer is a mock push-stream endpoint.
type testStreamServer struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	connections []*websocket.Conn

	// silent makes the server accept the connection and then never read
	// or write, so probes go unanswered.
	silent bool

	// done unblocks silent handlers when the server shuts down.
	done chan struct{}
}

func newTestStreamServer() *testStreamServer {
	ts := &testStreamServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.handleUpgrade))
	return ts
}

func (ts *testStreamServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ts.mu.Lock()
	ts.connections = append(ts.connections, conn)
	ts.mu.Unlock()

	if ts.silent {
		// Hold the TCP connection open without servicing the protocol.
		<-ts.done
		return
	}

	// Service reads so ping frames get pong replies.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ts *testStreamServer) send(t *testing.T, data []byte) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.connections, "no client connected")
	require.NoError(t, ts.connections[0].WriteMessage(websocket.TextMessage, data))
}

func (ts *testStreamServer) dropConnections() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.connections {
		conn.Close()
	}
}

func (ts *testStreamServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func (ts *testStreamServer) Close() {
	close(ts.done)
	ts.dropConnections()
	ts.server.Close()
}

func noopHandler(data []byte) {}

func TestDial_Validation(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		errorMsg string
	}{
		{
			name:     "empty endpoint",
			config:   Config{Handler: noopHandler},
			errorMsg: "endpoint URL is required",
		},
		{
			name:     "nil handler",
			config:   Config{Endpoint: "ws://localhost:8080/events"},
			errorMsg: "message handler is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			client, err := Dial(ctx, tt.config)
			require.Error(t, err)
			assert.Nil(t, client)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestDial_Defaults(t *testing.T) {
	server := newTestStreamServer()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{Endpoint: server.URL(), Handler: noopHandler})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, defaultHeartbeatInterval, client.cfg.HeartbeatInterval)
	assert.Equal(t, defaultSendTimeout, client.cfg.SendTimeout)
	assert.NotNil(t, client.conn.Load())
}

func TestDial_ConnectionRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{Endpoint: "ws://127.0.0.1:1/events", Handler: noopHandler})
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "failed to start client")
}

func TestClient_DeliversMessages(t *testing.T) {
	server := newTestStreamServer()
	defer server.Close()

	received := make(chan []byte, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{
		Endpoint: server.URL(),
		Handler:  func(data []byte) { received <- data },
	})
	require.NoError(t, err)
	defer client.Close()

	payload := []byte(`[{"event":"listing-update"}]`)
	server.send(t, payload)

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message delivery")
	}
}

func TestClient_HandlerPanicRecovery(t *testing.T) {
	server := newTestStreamServer()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{
		Endpoint: server.URL(),
		Handler:  func(data []byte) { panic("handler panic") },
	})
	require.NoError(t, err)
	defer client.Close()

	server.send(t, []byte(`[]`))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.DisconnectChan():
		t.Error("client must survive a handler panic")
	default:
	}
}

func TestClient_HeartbeatDeclaresDeadConnection(t *testing.T) {
	server := newTestStreamServer()
	server.silent = true
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{
		Endpoint:          server.URL(),
		Handler:           noopHandler,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	// The server never answers probes; two silent intervals must kill
	// the connection.
	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection was never declared dead")
	}

	select {
	case err := <-client.ErrChan():
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat timeout error")
	}
}

func TestClient_SurvivesAnsweredProbes(t *testing.T) {
	server := newTestStreamServer()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{
		Endpoint:          server.URL(),
		Handler:           noopHandler,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	// Several probe intervals pass with the server answering each ping.
	time.Sleep(400 * time.Millisecond)

	select {
	case <-client.DisconnectChan():
		t.Error("connection with answered probes must stay alive")
	default:
	}
}

func TestClient_DetectsServerClose(t *testing.T) {
	server := newTestStreamServer()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{Endpoint: server.URL(), Handler: noopHandler})
	require.NoError(t, err)
	defer client.Close()

	server.dropConnections()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the server dropping the connection")
	}

	select {
	case err := <-client.ErrChan():
		assert.NotEqual(t, ErrClientShuttingDown, err)
	case <-time.After(time.Second):
		t.Fatal("expected a connection error")
	}
}

func TestClient_CloseReturnsPromptly(t *testing.T) {
	// Close waits for the background goroutines; none of them may depend on
	// Close finishing first, or every shutdown rides the full wait timeout.
	t.Run("live connection", func(t *testing.T) {
		server := newTestStreamServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := Dial(ctx, Config{Endpoint: server.URL(), Handler: noopHandler})
		require.NoError(t, err)

		start := time.Now()
		client.Close()
		assert.Less(t, time.Since(start), 2*time.Second, "Close must not wait out the goroutine drain timeout")
	})

	t.Run("after server drop", func(t *testing.T) {
		server := newTestStreamServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := Dial(ctx, Config{Endpoint: server.URL(), Handler: noopHandler})
		require.NoError(t, err)

		server.dropConnections()
		select {
		case <-client.DisconnectChan():
		case <-time.After(2 * time.Second):
			t.Fatal("client did not notice the drop")
		}

		start := time.Now()
		client.Close()
		assert.Less(t, time.Since(start), 2*time.Second, "Close after a disconnect must return immediately")
	})
}

func TestClient_Close(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		server := newTestStreamServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := Dial(ctx, Config{Endpoint: server.URL(), Handler: noopHandler})
		require.NoError(t, err)

		client.Close()

		select {
		case <-client.DisconnectChan():
		case <-time.After(2 * time.Second):
			t.Error("disconnect channel should be closed")
		}
	})

	t.Run("multiple close calls", func(t *testing.T) {
		server := newTestStreamServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := Dial(ctx, Config{Endpoint: server.URL(), Handler: noopHandler})
		require.NoError(t, err)

		client.Close()
		client.Close()
		client.Close()

		select {
		case <-client.DisconnectChan():
		case <-time.After(time.Second):
			t.Error("should be disconnected")
		}
	})

	t.Run("context cancellation triggers shutdown", func(t *testing.T) {
		server := newTestStreamServer()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		client, err := Dial(ctx, Config{Endpoint: server.URL(), Handler: noopHandler})
		require.NoError(t, err)

		cancel()

		select {
		case <-client.DisconnectChan():
		case <-time.After(2 * time.Second):
			t.Error("should disconnect when context cancelled")
		}
	})
}
