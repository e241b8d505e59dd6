package model

import "time"

// RunStatus represents the lifecycle state of an enrichment run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// RunState is the live snapshot of one enrichment run. Exactly one live
// RunState exists per item id.
type RunState struct {
	RunID     string    `json:"run_id"`
	ItemID    string    `json:"item_id"`
	Status    RunStatus `json:"status"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunOutcome is the terminal snapshot retained after a RunState is
// finalized, so repeated cancel/status queries stay idempotent.
type RunOutcome struct {
	RunID      string    `json:"run_id"`
	ItemID     string    `json:"item_id"`
	Outcome    RunStatus `json:"outcome"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
