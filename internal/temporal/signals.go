package temporal

import (
	"go.temporal.io/sdk/workflow"

	"boardroom-orchestrator/internal/domain"
)

// TriggerSignalName carries a domain.Trigger into a running decision workflow.
const TriggerSignalName = "runTrigger"

// drainTriggers appends every buffered trigger signal without blocking.
func drainTriggers(ch workflow.ReceiveChannel, pending []domain.Trigger) []domain.Trigger {
	for {
		var t domain.Trigger
		if !ch.ReceiveAsync(&t) {
			return pending
		}
		pending = append(pending, t)
	}
}
