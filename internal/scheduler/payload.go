package scheduler

import "time"

// TaskType identifies one maintenance task routed through the sweeper
// multiplexer.
type TaskType string

const (
	// TaskCapSweep clamps balances above their plan cap.
	TaskCapSweep TaskType = "cap_sweep"

	// TaskResetSweep rolls stale balances the lazy reset has not reached.
	TaskResetSweep TaskType = "reset_sweep"

	// TaskApplyDowngrades executes scheduled downgrades whose period ended.
	TaskApplyDowngrades TaskType = "apply_downgrades"

	// TaskExpireCancellations expires canceled subscriptions past period end.
	TaskExpireCancellations TaskType = "expire_cancellations"
)

// MaintenancePayload is the EventBridge invocation body for the sweeper.
// ReferenceTime overrides the wall clock for backfill runs; nil means now.
type MaintenancePayload struct {
	Task          TaskType   `json:"task"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
