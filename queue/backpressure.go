// ABOUTME: Overload policy for the bounded queue: discard low-value telemetry or fail loudly.
// ABOUTME: DiscardOrder is the explicit table of purgeable kinds, in purge order.

package queue

import (
	"fmt"

	"github.com/gridwork/acctrelay/wire"
)

// Policy selects the behavior when the queue reaches capacity.
type Policy int

const (
	// PolicyDiscard purges queued step telemetry to make room for new
	// messages. The default: under a sustained outage the queue is the
	// only buffer, and losing step records beats halting the controller.
	PolicyDiscard Policy = iota
	// PolicyFailFast refuses the enqueue with ErrQueueFull. For
	// deployments that cannot tolerate any event loss; the caller is
	// expected to treat it as fatal.
	PolicyFailFast
)

// DiscardOrder lists the kinds PolicyDiscard may purge, lowest value
// first. This is an explicit policy table: job-lifecycle, node-state, and
// registration messages are deliberately absent and are never purged.
var DiscardOrder = []wire.Kind{
	wire.KindStepStart,
	wire.KindStepComplete,
}

// ParsePolicy maps the config strings to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "discard":
		return PolicyDiscard, nil
	case "exit":
		return PolicyFailFast, nil
	default:
		return 0, fmt.Errorf("unknown overload_policy %q (want \"discard\" or \"exit\")", s)
	}
}

// String returns the config name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyDiscard:
		return "discard"
	case PolicyFailFast:
		return "exit"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}
