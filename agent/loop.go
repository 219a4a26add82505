// ABOUTME: The delivery loop state machine: dequeue, batch, send, await one reply, remove.
// ABOUTME: Exactly one request is in flight at a time; failures leave the queue untouched.

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/gridwork/acctrelay/statefile"
	"github.com/gridwork/acctrelay/wire"
)

// LoopState is the delivery loop's observable state.
type LoopState int32

const (
	// StateIdle means the queue is empty or the connection is unavailable.
	StateIdle LoopState = iota
	// StateSending means an envelope is being written.
	StateSending
	// StateAwaitingReply means the loop is blocked on the one outstanding
	// reply.
	StateAwaitingReply
	// StateCoolingDown means the last exchange failed and the reconnect
	// cooldown has not elapsed.
	StateCoolingDown
	// StateHalted means a bypass caller has the connection.
	StateHalted
	// StateShuttingDown means the loop is persisting and exiting.
	StateShuttingDown
)

// String returns the log name of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateCoolingDown:
		return "cooling_down"
	case StateHalted:
		return "halted"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

func (a *Agent) setState(s LoopState) { a.state.Store(int32(s)) }

func (a *Agent) loopState() LoopState { return LoopState(a.state.Load()) }

// Run executes the delivery loop until ctx is canceled, then persists the
// remaining queue and returns. Run must be called exactly once.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	a.logger.Info("delivery loop started",
		"max_queue_depth", a.cfg.MaxQueueDepth,
		"overload_policy", a.cfg.Policy.String(),
		"batch_max_messages", a.cfg.BatchMaxMessages,
	)

	timer := time.NewTimer(a.cfg.IdleInterval)
	defer timer.Stop()

	for {
		// Keep reporting Halted across wait iterations while a bypass
		// caller holds the connection; Idle would misreport the machine.
		if a.halted() {
			a.setState(StateHalted)
		} else {
			a.setState(StateIdle)
		}
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-a.queue.Wake():
		case <-a.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(a.cfg.IdleInterval)

		if ctx.Err() != nil {
			return a.shutdown()
		}
		if a.halted() {
			// A bypass caller has the connection; block until resumed.
			a.setState(StateHalted)
			continue
		}
		a.deliverPending(ctx)
	}
}

// deliverPending drains the queue while messages, connectivity, and calm
// last. It returns to the idle wait on any failure or interruption.
func (a *Agent) deliverPending(ctx context.Context) {
	for {
		if ctx.Err() != nil || a.shuttingDown.Load() || a.halted() {
			return
		}

		batch := a.queue.PeekBatch(a.cfg.BatchMaxMessages, a.cfg.BatchMaxBytes)
		if len(batch) == 0 {
			// Idle health check: the timed wait lands here periodically,
			// so a lost connection is re-established before the next
			// burst of messages has to pay for the dial.
			a.conns.EnsureConnected(ctx)
			return
		}
		if !a.conns.EnsureConnected(ctx) {
			a.setState(StateCoolingDown)
			return
		}

		payload, batched, err := buildEnvelope(batch)
		if err != nil {
			// Cannot happen with a non-empty batch; guard anyway.
			a.logger.Error("failed to build envelope", "error", err)
			return
		}

		a.setState(StateSending)
		a.connMu.Lock()
		if a.halted() {
			// A bypass caller raised halt between our check and the lock;
			// it is now waiting on connMu. Back off without sending.
			a.connMu.Unlock()
			return
		}
		reply, err := a.exchange(ctx, payload)
		a.connMu.Unlock()

		if err != nil {
			// Transient transport error or malformed reply: the messages
			// stay queued for retry, the connection cools down.
			a.sendFailures.Add(1)
			a.setState(StateCoolingDown)
			a.recordDelivery(ctx, DeliveryRecord{
				Time:    time.Now().UTC(),
				Batched: batched,
				Sent:    len(batch),
				Error:   err.Error(),
			})
			return
		}

		followUps, ok := a.applyReply(ctx, batch, batched, reply)
		if !ok {
			return
		}
		a.runFollowUps(followUps)
	}
}

// buildEnvelope wraps the batch into one request. A single message goes
// out as-is; depth greater than one gets a multi-message envelope.
func buildEnvelope(batch []*wire.PendingMessage) ([]byte, bool, error) {
	if len(batch) == 1 {
		return batch[0].Frame, false, nil
	}
	frames := make([][]byte, len(batch))
	for i, m := range batch {
		frames[i] = m.Frame
	}
	payload, err := wire.EncodeBatch(frames)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// exchange performs one send/receive cycle on the shared connection. The
// caller must hold connMu. On any error the connection is marked failed.
func (a *Agent) exchange(ctx context.Context, payload []byte) (*wire.Reply, error) {
	tr := a.conns.Transport()
	if err := tr.Send(ctx, payload); err != nil {
		a.conns.MarkFailed(err)
		return nil, fmt.Errorf("send: %w", err)
	}
	a.setState(StateAwaitingReply)
	raw, err := tr.Receive(ctx)
	if err != nil {
		a.conns.MarkFailed(err)
		return nil, fmt.Errorf("receive: %w", err)
	}
	reply, err := wire.DecodeReply(raw)
	if err != nil {
		// A reply we cannot parse means the connection is unhealthy, not
		// that the messages were bad.
		a.conns.MarkFailed(err)
		return nil, err
	}
	return reply, nil
}

// applyReply interprets per-item result codes, removes the acknowledged
// prefix from the queue, and collects deferred follow-up work. Returns
// false when the reply does not line up with what was sent, which is
// treated like any other connection-health failure.
func (a *Agent) applyReply(ctx context.Context, batch []*wire.PendingMessage, batched bool, reply *wire.Reply) ([]wire.FollowUp, bool) {
	if len(reply.Codes) != len(batch) {
		err := fmt.Errorf("reply carries %d codes for %d messages", len(reply.Codes), len(batch))
		a.conns.MarkFailed(err)
		a.sendFailures.Add(1)
		a.setState(StateCoolingDown)
		return nil, false
	}

	succeeded, rejected := 0, 0
	for i, code := range reply.Codes {
		switch code {
		case wire.CodeSuccess:
			succeeded++
		default:
			// The endpoint refused this item's content; retrying the same
			// bytes would loop forever. Log it and let it go with the
			// acknowledged prefix.
			rejected++
			a.logger.Error("endpoint rejected accounting message",
				"kind", batch[i].MsgKind.String(),
				"message_id", batch[i].ID,
				"code", uint32(code),
			)
		}
	}

	a.queue.RemoveBatch(len(batch))
	a.delivered.Add(uint64(succeeded))
	a.rejected.Add(uint64(rejected))

	a.logger.Debug("delivered batch",
		"sent", len(batch),
		"succeeded", succeeded,
		"rejected", rejected,
		"depth", a.queue.Depth(),
	)
	a.recordDelivery(ctx, DeliveryRecord{
		Time:      time.Now().UTC(),
		Batched:   batched,
		Sent:      len(batch),
		Succeeded: succeeded,
		Rejected:  rejected,
	})
	return reply.FollowUps, true
}

// runFollowUps hands deferred metadata to the application with no agent
// locks held. The two-phase shape is the deadlock guard: the agent's lock
// is always released before the handler may take the application's lock.
func (a *Agent) runFollowUps(followUps []wire.FollowUp) {
	if len(followUps) == 0 {
		return
	}
	if a.followUp == nil {
		a.logger.Warn("dropping follow-up requests: no handler registered",
			"count", len(followUps),
		)
		return
	}
	for _, f := range followUps {
		a.followUp(f)
	}
}

func (a *Agent) recordDelivery(ctx context.Context, rec DeliveryRecord) {
	if a.journal == nil {
		return
	}
	if err := a.journal.RecordDelivery(ctx, rec); err != nil {
		a.logger.Warn("failed to journal delivery", "error", err)
	}
}

// shutdown persists the remaining queue and exits. No further network IO
// is attempted: an unreachable endpoint must not hang termination.
func (a *Agent) shutdown() error {
	a.shuttingDown.Store(true)
	a.setState(StateShuttingDown)
	a.conns.Shutdown()

	if a.cfg.StateFile != "" {
		if err := statefile.Save(a.cfg.StateFile, a.queue.Snapshot(), a.logger); err != nil {
			// Logged, not fatal: a failed save must not block shutdown.
			a.logger.Error("failed to persist queue at shutdown", "error", err)
		}
	}
	a.logger.Info("delivery loop exited", "pending", a.queue.Depth())
	return nil
}
