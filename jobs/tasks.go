package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity verifies stored running balances against a
	// recomputed chain.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskCostRollup prunes old cost history and checks the value identity
	// on cost records.
	TaskCostRollup = "valuation:rollup"
	// TaskAuditCleanup removes audit rows past their retention window.
	TaskAuditCleanup = "maintenance:audit_cleanup"
)

// LedgerIntegrityPayload carries scheduling metadata.
type LedgerIntegrityPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerIntegrityTask constructs an Asynq task for the integrity check.
func NewLedgerIntegrityTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// CostRollupPayload carries the retention window for cost history.
type CostRollupPayload struct {
	ScheduledFor time.Time     `json:"scheduled_for"`
	Retention    time.Duration `json:"retention"`
}

// NewCostRollupTask constructs an Asynq task for cost history rollup.
func NewCostRollupTask(at time.Time, retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(CostRollupPayload{ScheduledFor: at, Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCostRollup, body, asynq.Queue(QueueDefault)), nil
}

// AuditCleanupPayload carries the audit retention window.
type AuditCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAuditCleanupTask constructs an Asynq task for audit cleanup.
func NewAuditCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(AuditCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditCleanup, body, asynq.Queue(QueueDefault)), nil
}
