package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	DialTimeout       time.Duration
	ReconnectInterval time.Duration
}

// ConnectionManager owns the single shared Redis client and tracks whether
// the backend is reachable. The state is driven by client lifecycle callbacks
// (new connection, dial failure, command transport failure) rather than by
// callers polling the server.
type ConnectionManager struct {
	cfg    RedisConfig
	logger zerolog.Logger

	mu      sync.Mutex
	client  *redis.Client
	started bool
	stop    chan struct{}
	done    chan struct{}

	connected atomic.Bool
}

// NewConnectionManager creates a manager and its client. No connection is
// dialled until Connect is called.
func NewConnectionManager(cfg RedisConfig, logger zerolog.Logger) *ConnectionManager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	m := &ConnectionManager{
		cfg:    cfg,
		logger: logger.With().Str("component", "ConnectionManager").Logger(),
	}
	m.client = m.newClient()
	return m
}

func (m *ConnectionManager) newClient() *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        m.cfg.Addr,
		Password:    m.cfg.Password,
		DB:          m.cfg.DB,
		DialTimeout: m.cfg.DialTimeout,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			m.setState(true, "ready")
			return nil
		},
	})
	rdb.AddHook(stateHook{m: m})
	return rdb
}

// Connect pings the server and starts the reconnect loop. It is a no-op when
// already connected. On failure the error is returned and the state stays
// disconnected.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started && m.connected.Load() {
		return nil
	}
	if m.client == nil {
		m.client = m.newClient()
	}

	if err := m.client.Ping(ctx).Err(); err != nil {
		m.setState(false, "error")
		return fmt.Errorf("failed to connect to redis at %s: %w", m.cfg.Addr, err)
	}
	m.setState(true, "connect")

	if !m.started {
		m.started = true
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.reconnectLoop(m.client, m.stop, m.done)
	}
	m.logger.Info().Str("redis_address", m.cfg.Addr).Msg("Successfully connected to Redis.")
	return nil
}

// Disconnect closes the client. It is a no-op when Connect never succeeded.
// Close errors are logged, never returned, so shutdown is not blocked.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	close(m.stop)
	<-m.done
	m.started = false

	m.logger.Info().Msg("Closing Redis client connection...")
	if err := m.client.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Error while closing Redis client.")
	}
	m.client = nil
	m.setState(false, "end")
}

// IsConnected returns the last state reported by the lifecycle callbacks.
func (m *ConnectionManager) IsConnected() bool {
	return m.connected.Load()
}

// Client returns the shared client handle. It never creates a new connection.
func (m *ConnectionManager) Client() *redis.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *ConnectionManager) setState(connected bool, event string) {
	if m.connected.Swap(connected) != connected {
		m.logger.Info().Str("event", event).Bool("connected", connected).Msg("Redis connection state changed.")
	}
}

// reconnectLoop re-dials while the state is disconnected, the way a client
// with automatic reconnection would.
func (m *ConnectionManager) reconnectLoop(client *redis.Client, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.connected.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
			err := client.Ping(ctx).Err()
			cancel()
			if err == nil {
				m.setState(true, "ready")
			} else {
				m.logger.Debug().Err(err).Msg("Redis reconnect attempt failed.")
			}
		}
	}
}

// stateHook feeds dial and transport outcomes back into the manager.
type stateHook struct {
	m *ConnectionManager
}

func (h stateHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.m.setState(false, "error")
		}
		return conn, err
	}
}

func (h stateHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if isConnectionError(err) {
			h.m.setState(false, "error")
		}
		return err
	}
}

func (h stateHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if isConnectionError(err) {
			h.m.setState(false, "error")
		}
		return err
	}
}

func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
