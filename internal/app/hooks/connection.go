package hooks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
)

// Connector is the part of session.Context the monitor drives.
type Connector interface {
	ConnectionStatus() messaging.ConnectionStatus
	IsInitialized() bool
	Reconnect(ctx context.Context) error
}

type ConnectionState struct {
	Status       messaging.ConnectionStatus
	Reconnecting bool
	// Err is the last failed reconnect, cleared on success.
	Err error
}

// ConnectionMonitor polls the connection status and reconnects when a
// previously working service reports itself disconnected. After a failed
// attempt it keeps retrying every interval until one succeeds or the user
// signs out.
type ConnectionMonitor struct {
	conn     Connector
	interval time.Duration
	logger   *slog.Logger
	em       *emitter[ConnectionState]

	// poll serializes Poll and guards retrying.
	poll     sync.Mutex
	retrying bool

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

const DefaultPollInterval = 5 * time.Second

func NewConnectionMonitor(conn Connector, interval time.Duration, logger *slog.Logger, onChange func(ConnectionState)) *ConnectionMonitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ConnectionMonitor{
		conn:     conn,
		interval: interval,
		logger:   logger,
		em:       newEmitter(ConnectionState{Status: conn.ConnectionStatus()}, onChange),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start polls on a new goroutine until Close.
func (m *ConnectionMonitor) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

func (m *ConnectionMonitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Poll(context.Background())
		}
	}
}

// Poll runs one check. Start calls it on every tick; tests call it directly.
func (m *ConnectionMonitor) Poll(ctx context.Context) {
	m.poll.Lock()
	defer m.poll.Unlock()
	status := m.conn.ConnectionStatus()
	if status != messaging.StatusDisconnected || !(m.conn.IsInitialized() || m.retrying) {
		m.em.update(func(s *ConnectionState) {
			s.Status = status
			if status == messaging.StatusConnected {
				s.Err = nil
			}
		})
		return
	}

	m.em.update(func(s *ConnectionState) { s.Status, s.Reconnecting = messaging.StatusConnecting, true })
	err := m.conn.Reconnect(ctx)
	switch {
	case err == nil:
		m.retrying = false
		m.logger.Info("messaging reconnected")
	case domain.IsNotAuthenticated(err):
		m.retrying = false
	default:
		m.retrying = true
		m.logger.Warn("messaging reconnect failed", "error", err)
	}
	status = m.conn.ConnectionStatus()
	m.em.update(func(s *ConnectionState) { s.Status, s.Reconnecting, s.Err = status, false, err })
}

func (m *ConnectionMonitor) State() ConnectionState { return m.em.get() }

// Close stops polling and waits for an in-flight poll.
func (m *ConnectionMonitor) Close() {
	m.once.Do(func() {
		m.em.close()
		close(m.stop)
		if m.started.Load() {
			<-m.done
		}
	})
}
