package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// NewAuditCleanupHandler removes audit rows older than the retention
// window carried in the payload.
func NewAuditCleanupHandler(audit *shared.AuditLogger, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AuditCleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Retention <= 0 {
			return asynq.SkipRetry
		}
		removed, err := audit.Cleanup(ctx, payload.Retention)
		if err != nil {
			return err
		}
		logger.Info("audit cleanup finished", slog.Int64("rows", removed))
		return nil
	}
}
