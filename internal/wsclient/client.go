// Package wsclient provides the WebSocket client for the listing event push
// stream.
//
// The client owns a single connection's lifecycle: dialing, the read loop,
// and the heartbeat cycle that detects silently dead connections. It delivers
// raw message payloads to a handler without interpreting them; parsing and
// filtering are downstream concerns. Reconnection policy lives one level up,
// in the stream manager.
package wsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultHeartbeatInterval is the interval between liveness probes.
	defaultHeartbeatInterval = 25 * time.Second

	// defaultSendTimeout bounds WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit caps incoming message size. Listing bursts can be
	// large arrays, so this is generous.
	defaultReadLimit = 8 << 20 // 8MB

	// defaultHandshakeTimeout bounds the WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// deadAfterMissedProbes is how many consecutive unanswered probes mark
	// the connection as dead.
	deadAfterMissedProbes = 2
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrHeartbeatTimeout indicates the peer stopped answering liveness probes.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout: connection is dead")
)

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler is called with the raw payload of each incoming message. Required.
	Handler func(data []byte)

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// HeartbeatInterval is the interval between liveness probes.
	HeartbeatInterval time.Duration

	// SendTimeout is the maximum time allowed for write operations.
	SendTimeout time.Duration
}

// Client wraps a websocket.Conn with lifecycle, heartbeat and message
// delivery logic for one connection attempt.
type Client struct {
	conn atomic.Value // stores *websocket.Conn

	// disconnect is closed when the connection is lost for any reason.
	disconnect chan struct{}

	// errChan reports the terminal error that ended the connection.
	errChan chan error

	// missedProbes counts heartbeat intervals without a probe response.
	missedProbes atomic.Int32

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Dial establishes a connection and starts the read and heartbeat loops.
//
// The returned client is live until the peer closes, the heartbeat declares
// the connection dead, or Close is called. Callers watch DisconnectChan to
// learn the connection ended and ErrChan for the terminal error.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run dials the endpoint, configures the connection and starts the
// background goroutines.
func (c *Client) run() error {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "wsclient").
		Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		// A probe response proves the connection is alive.
		c.missedProbes.Store(0)
		return nil
	})

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.shutdownListener()
	}()

	logger.Info().Msg("websocket client started")
	return nil
}

// readLoop continuously reads messages and delivers them to the handler.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	defer func() {
		close(c.disconnect)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			logger.Info().Msg("context cancelled, exiting read loop")
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info().Err(err).Msg("websocket closed normally")
				} else if websocket.IsUnexpectedCloseError(err) {
					logger.Warn().Err(err).Msg("unexpected websocket closure")
				} else {
					logger.Error().Err(err).Msg("read error")
				}

				select {
				case c.errChan <- err:
				default:
					logger.Warn().Err(err).Msg("error channel full, dropping error")
				}
				return
			}

			// Any inbound traffic proves liveness.
			c.missedProbes.Store(0)

			logger.Debug().Int("bytes", len(data)).Msg("received message")

			func() {
				// Recover from handler panics to prevent client crash.
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Any("recover", r).Msg("panic in message handler")
					}
				}()
				c.cfg.Handler(data)
			}()
		}
	}
}

// heartbeatLoop sends a liveness probe every interval and declares the
// connection dead after two consecutive intervals without a response.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "heartbeat").
		Logger()

	logger.Info().Dur("interval", c.cfg.HeartbeatInterval).Msg("starting heartbeat")

	for {
		select {
		case <-ticker.C:
			if missed := c.missedProbes.Add(1); missed >= deadAfterMissedProbes {
				logger.Warn().Int32("missedProbes", missed).Msg("connection is dead, terminating")

				select {
				case c.errChan <- ErrHeartbeatTimeout:
				default:
				}

				// Force-close the socket; the read loop unblocks with an
				// error and signals the disconnect.
				c.terminate()
				return
			}

			connVal := c.conn.Load()
			if connVal == nil {
				continue
			}
			conn := connVal.(*websocket.Conn)

			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.SetWriteDeadline(deadline); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
				continue
			}

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("probe send error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdownListener force-closes the connection when the context is
// cancelled, unblocking the read loop. It must not call Close: Close cancels
// the context and then waits for this goroutine, so re-entering Close here
// would block on its sync.Once until the wait timed out.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	c.terminate()
}

// terminate force-closes the underlying connection without the close
// handshake. Used when the peer is presumed unreachable.
func (c *Client) terminate() {
	if conn := c.conn.Load(); conn != nil {
		if ws, ok := conn.(*websocket.Conn); ok {
			_ = ws.Close()
		}
	}
}

// Close gracefully shuts down the client. Safe to call multiple times.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "wsclient").
			Logger()

		logger.Info().Msg("closing websocket client")

		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			if ws, ok := conn.(*websocket.Conn); ok {
				if err := ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				); err != nil {
					logger.Debug().Err(err).Msg("failed to send close frame")
				}

				if err := ws.Close(); err != nil {
					logger.Debug().Err(err).Msg("error closing websocket connection")
				}
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
}

// dial establishes the WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan returns a channel closed when the connection is lost.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel carrying the terminal connection error.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
