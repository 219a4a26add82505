// ABOUTME: The delivery agent: owns the queue, the connection manager, and the locks.
// ABOUTME: Producers enqueue; one background loop delivers; a bypass path borrows the connection.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridwork/acctrelay/queue"
	"github.com/gridwork/acctrelay/statefile"
	"github.com/gridwork/acctrelay/transport"
	"github.com/gridwork/acctrelay/wire"
)

// ErrShuttingDown indicates the agent no longer accepts work.
var ErrShuttingDown = errors.New("agent: shutting down")

// ErrUnavailable indicates the bypass path could not get a connection.
var ErrUnavailable = errors.New("agent: endpoint unavailable")

// ErrUnauthorized indicates the remote endpoint refused the session. This
// is a configuration problem, not a transient condition; callers should
// treat it as fatal.
var ErrUnauthorized = errors.New("agent: endpoint refused registration")

// Config is the immutable-after-init agent configuration.
type Config struct {
	// MaxQueueDepth bounds the pending-message queue.
	MaxQueueDepth int
	// Policy selects the overload behavior at capacity.
	Policy queue.Policy
	// HighWater is the queue depth that triggers an operator warning.
	// Zero derives it from MaxQueueDepth.
	HighWater int
	// ReconnectCooldown is the minimum wait after a connection failure
	// before another attempt.
	ReconnectCooldown time.Duration
	// BatchMaxMessages caps the items aggregated into one request.
	BatchMaxMessages int
	// BatchMaxBytes caps the serialized size of one batched request.
	BatchMaxBytes int
	// StateFile is where the queue persists across restarts. Empty
	// disables persistence.
	StateFile string
	// IdleInterval bounds the loop's idle wait so connection health is
	// re-checked even without new enqueues.
	IdleInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 10000
	}
	if c.HighWater <= 0 {
		c.HighWater = c.MaxQueueDepth * 9 / 10
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = 30 * time.Second
	}
	if c.BatchMaxMessages <= 0 {
		c.BatchMaxMessages = 100
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = 16 << 20
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 10 * time.Second
	}
}

// Journal records delivery outcomes for operational inspection. The agent
// tolerates a nil journal and logs-and-continues on journal errors.
type Journal interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
}

// DeliveryRecord is one delivery attempt's outcome.
type DeliveryRecord struct {
	Time      time.Time
	Batched   bool
	Sent      int
	Succeeded int
	Rejected  int
	Error     string
}

// FollowUpFunc handles deferred post-processing metadata from a reply. It
// is always invoked with no agent locks held, so the handler may take the
// application's own lock without risking deadlock against producers that
// enqueue while holding it.
type FollowUpFunc func(wire.FollowUp)

// Params carries everything New needs.
type Params struct {
	Config    Config
	Transport transport.Transport
	Logger    *slog.Logger
	// Journal is optional.
	Journal Journal
	// OnFollowUp is optional; follow-ups are dropped with a warning when nil.
	OnFollowUp FollowUpFunc
}

// Agent is the durable outbound-message agent. Construct one per
// controller process and pass it by reference to producer call sites.
type Agent struct {
	cfg      Config
	queue    *queue.DurableQueue
	conns    *transport.Manager
	logger   *slog.Logger
	journal  Journal
	followUp FollowUpFunc

	// connMu serializes use of the connection: the delivery loop holds it
	// for one send/receive cycle, a bypass caller for one exchange. At
	// most one of them ever holds the connection at a time.
	connMu sync.Mutex

	// bypassWaiters counts callers wanting the connection. A non-zero
	// count halts the loop at its next checkpoint. It does not provide
	// mutual exclusion (connMu does); it only stops the loop from queuing
	// up behind bypass exchanges.
	bypassWaiters atomic.Int64

	// wake is signaled when a bypass exchange finishes so the loop
	// resumes promptly.
	wake chan struct{}

	shuttingDown atomic.Bool
	done         chan struct{}

	state atomic.Int32

	enqueued     atomic.Uint64
	delivered    atomic.Uint64
	rejected     atomic.Uint64
	sendFailures atomic.Uint64
}

// New builds an agent, restoring any state persisted by a previous run.
// The delivery loop does not start until Run is called.
func New(p Params) (*Agent, error) {
	if p.Transport == nil {
		return nil, errors.New("agent: transport is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	p.Config.applyDefaults()

	logger := p.Logger.With("component", "agent")
	a := &Agent{
		cfg: p.Config,
		queue: queue.New(queue.Config{
			MaxDepth:  p.Config.MaxQueueDepth,
			Policy:    p.Config.Policy,
			HighWater: p.Config.HighWater,
		}, p.Logger),
		conns:    transport.NewManager(p.Transport, p.Config.ReconnectCooldown, p.Logger),
		logger:   logger,
		journal:  p.Journal,
		followUp: p.OnFollowUp,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if a.cfg.StateFile != "" {
		restored, err := statefile.Load(a.cfg.StateFile, logger)
		if err != nil {
			// Losing the durability guarantee once beats refusing to start.
			logger.Error("failed to load state file; starting with empty queue", "error", err)
		}
		if len(restored) > 0 {
			a.queue.Restore(restored)
		}
	}
	return a, nil
}

// Enqueue serializes a message and appends it to the durable queue, waking
// the delivery loop. Returns queue.ErrQueueFull when the backpressure
// policy refuses it.
func (a *Agent) Enqueue(msg wire.Message) error {
	if a.shuttingDown.Load() {
		return ErrShuttingDown
	}
	p, err := wire.NewPending(msg)
	if err != nil {
		return err
	}
	if err := a.queue.Enqueue(p); err != nil {
		return err
	}
	a.enqueued.Add(1)
	return nil
}

// SendAndWait performs one blocking request/response exchange outside the
// queued flow, for callers that need an immediate answer. It halts the
// delivery loop at its next checkpoint, borrows the connection under the
// same lock the loop uses, and resumes the loop afterwards.
func (a *Agent) SendAndWait(ctx context.Context, msg wire.Message) (*wire.Reply, error) {
	if a.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		return nil, err
	}

	a.bypassWaiters.Add(1)
	defer func() {
		a.bypassWaiters.Add(-1)
		a.wakeLoop()
	}()

	a.connMu.Lock()
	defer a.connMu.Unlock()

	// Re-check after acquiring the lock: shutdown may have begun while we
	// waited behind an in-flight loop exchange.
	if a.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if !a.conns.EnsureConnected(ctx) {
		return nil, ErrUnavailable
	}
	reply, err := a.exchange(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("bypass exchange: %w", err)
	}
	return reply, nil
}

// Register performs the one-time registration handshake and interprets the
// result. An unauthorized verdict is surfaced as ErrUnauthorized.
func (a *Agent) Register(ctx context.Context, reg wire.Register) error {
	reply, err := a.SendAndWait(ctx, reg)
	if err != nil {
		return err
	}
	switch reply.Codes[0] {
	case wire.CodeSuccess:
		return nil
	case wire.CodeUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("agent: registration rejected with code %d", reply.Codes[0])
	}
}

// QueueDepth returns the number of messages awaiting delivery.
func (a *Agent) QueueDepth() int { return a.queue.Depth() }

// IsConnected reports whether a usable connection exists right now.
func (a *Agent) IsConnected() bool { return a.conns.IsOpen() }

// Stats is a point-in-time snapshot of agent counters.
type Stats struct {
	Depth        int
	State        LoopState
	Connected    bool
	Enqueued     uint64
	Delivered    uint64
	Rejected     uint64
	SendFailures uint64
	Purged       map[wire.Kind]uint64
}

// Stats snapshots the agent's counters for the embedding controller's own
// reporting.
func (a *Agent) Stats() Stats {
	return Stats{
		Depth:        a.queue.Depth(),
		State:        a.loopState(),
		Connected:    a.conns.IsOpen(),
		Enqueued:     a.enqueued.Load(),
		Delivered:    a.delivered.Load(),
		Rejected:     a.rejected.Load(),
		SendFailures: a.sendFailures.Load(),
		Purged:       a.queue.PurgedCounts(),
	}
}

// Done is closed when the delivery loop has persisted its state and exited.
func (a *Agent) Done() <-chan struct{} { return a.done }

func (a *Agent) halted() bool { return a.bypassWaiters.Load() > 0 }

func (a *Agent) wakeLoop() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}
