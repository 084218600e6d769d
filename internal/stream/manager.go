// Package stream maintains the long-lived push-stream connection.
//
// The Manager owns reconnection policy: it runs an explicit state machine
// over {Connecting, Open, Closing, Reconnecting} and redials forever with a
// fixed delay whenever a connection ends, regardless of why it ended. The
// per-connection mechanics (read loop, heartbeat) live in wsclient.
package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Mohcka/bptf-analyzer/internal/wsclient"
)

// State is the connection lifecycle state of the manager.
type State int32

const (
	// Connecting means a dial attempt is in progress.
	Connecting State = iota

	// Open means a connection is established and messages flow.
	Open

	// Reconnecting means the manager is waiting out the redial delay.
	Reconnecting

	// Closing means the manager is shutting down and will not redial.
	Closing
)

// String returns a log-friendly state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "closing"
	}
}

const (
	// defaultReconnectDelay is the pause before redialing after any close.
	defaultReconnectDelay = 5 * time.Second

	// deadRedialDelay is the shorter pause used when the heartbeat declared
	// the connection dead, matching the aggressive redial of a probe timeout.
	deadRedialDelay = 1 * time.Second
)

// Config defines settings for the stream manager.
type Config struct {
	// Endpoint is the push-stream WebSocket URL. Required.
	Endpoint string

	// Handler receives each raw message payload. Required.
	Handler func(data []byte)

	// ReconnectDelay is the pause before redialing after a close or error.
	ReconnectDelay time.Duration

	// HeartbeatInterval is forwarded to the websocket client.
	HeartbeatInterval time.Duration
}

// Manager keeps one outbound stream connection alive.
type Manager struct {
	cfg   Config
	state atomic.Int32
}

// NewManager returns a manager in the Connecting state.
func NewManager(cfg Config) *Manager {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Manager{cfg: cfg}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	log.Debug().Str("component", "stream").Stringer("state", s).Msg("state transition")
}

// Run connects and keeps reconnecting until ctx is cancelled.
//
// Every connection attempt, successful or not, is followed by another one
// after the configured delay. Connectivity failures are never fatal; the only
// way out is context cancellation.
func (m *Manager) Run(ctx context.Context) {
	logger := log.With().
		Str("component", "stream").
		Str("endpoint", m.cfg.Endpoint).
		Logger()

	for {
		m.setState(Connecting)

		delay := m.cfg.ReconnectDelay

		client, err := wsclient.Dial(ctx, wsclient.Config{
			Endpoint:          m.cfg.Endpoint,
			Handler:           m.cfg.Handler,
			HeartbeatInterval: m.cfg.HeartbeatInterval,
		})
		if err != nil {
			logger.Error().Err(err).Dur("retryIn", delay).Msg("connection attempt failed")
		} else {
			m.setState(Open)
			logger.Info().Msg("stream connected")

			// Suspend until this connection ends, for whatever reason.
			select {
			case <-ctx.Done():
				m.setState(Closing)
				client.Close()
				return
			case <-client.DisconnectChan():
			}

			select {
			case connErr := <-client.ErrChan():
				if errors.Is(connErr, wsclient.ErrHeartbeatTimeout) {
					delay = deadRedialDelay
				}
				logger.Warn().Err(connErr).Dur("retryIn", delay).Msg("stream disconnected")
			default:
				logger.Warn().Dur("retryIn", delay).Msg("stream disconnected")
			}

			client.Close()
		}

		m.setState(Reconnecting)

		select {
		case <-ctx.Done():
			m.setState(Closing)
			return
		case <-time.After(delay):
		}
	}
}
