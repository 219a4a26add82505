// ABOUTME: Connection lifecycle state machine with a cooldown after failures.
// ABOUTME: EnsureConnected throttles reconnect storms against an unreachable endpoint.

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of the single outbound connection.
type State int

const (
	// StateClosed means no connection exists and a connect may be tried.
	StateClosed State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateOpen means the connection is usable.
	StateOpen
	// StateFailing means the last attempt or exchange failed and the
	// cooldown window has not yet elapsed.
	StateFailing
)

// String returns the log name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// Manager owns the Transport and its lifecycle. The delivery loop and the
// synchronous-bypass path borrow the connection through it for one
// exchange at a time; neither ever dials directly.
type Manager struct {
	transport Transport
	cooldown  time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	lastFailure time.Time
	shutdown    bool

	// dialDone is closed when the in-progress dial settles, so concurrent
	// EnsureConnected callers can wait for its verdict instead of failing.
	dialDone chan struct{}
}

// NewManager wraps a transport with lifecycle tracking.
func NewManager(t Transport, cooldown time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		transport: t,
		cooldown:  cooldown,
		logger:    logger.With("component", "conn", "endpoint", t.Addr()),
	}
}

// Transport exposes the managed transport for the duration of one
// send/receive cycle. Callers must hold the agent's connection lock.
func (m *Manager) Transport() Transport { return m.transport }

// State returns the current lifecycle state, resolving an elapsed cooldown
// to Closed.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	if m.state == StateFailing && time.Since(m.lastFailure) >= m.cooldown {
		m.state = StateClosed
	}
	return m.state
}

// IsOpen reports whether a usable connection exists right now.
func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

// EnsureConnected attempts a connect only if the connection is not already
// open and the cooldown since the last failure has elapsed. A dial already
// in progress on another goroutine is waited out rather than reported as a
// failure. Returns whether a usable connection exists now.
func (m *Manager) EnsureConnected(ctx context.Context) bool {
	for {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return false
		}
		switch m.stateLocked() {
		case StateOpen:
			m.mu.Unlock()
			return true
		case StateFailing:
			m.mu.Unlock()
			return false
		case StateConnecting:
			done := m.dialDone
			m.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return false
			}
		}
		m.state = StateConnecting
		m.dialDone = make(chan struct{})
		m.mu.Unlock()
		break
	}

	err := m.transport.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(m.dialDone)
	if err != nil {
		m.state = StateFailing
		m.lastFailure = time.Now()
		m.logger.Warn("connect failed; applying cooldown",
			"error", err,
			"cooldown", m.cooldown,
		)
		return false
	}
	if m.shutdown {
		// Shutdown raced the dial; do not hand out the connection.
		m.transport.Close()
		m.state = StateClosed
		return false
	}
	m.state = StateOpen
	m.logger.Info("connected to accounting endpoint")
	return true
}

// MarkFailed records a send/receive error: the connection is torn down and
// the cooldown starts. The queued messages stay where they are.
func (m *Manager) MarkFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport.Close()
	m.state = StateFailing
	m.lastFailure = time.Now()
	m.logger.Warn("connection failed; will retry after cooldown",
		"error", err,
		"cooldown", m.cooldown,
	)
}

// CooldownRemaining returns how long until a reconnect may be attempted.
// Zero when not cooling down.
func (m *Manager) CooldownRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailing {
		return 0
	}
	remaining := m.cooldown - time.Since(m.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Shutdown closes the connection for the process lifetime. Subsequent
// EnsureConnected calls return false.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	m.transport.Close()
	m.state = StateClosed
	m.logger.Info("connection manager shut down")
}
