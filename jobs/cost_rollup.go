package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-ledger/internal/valuation"
)

// identityQuery reports cost records whose total value has drifted from
// average_cost × quantity_on_hand beyond rounding tolerance.
const identityQuery = `SELECT id, product_id, warehouse_id FROM cost_records
WHERE ABS(total_value - average_cost * quantity_on_hand) > 0.0001
ORDER BY id LIMIT 50`

// NewCostRollupHandler prunes cost history past the retention window and
// checks the value identity on every cost record.
func NewCostRollupHandler(pool *pgxpool.Pool, repo *valuation.Repository, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload CostRollupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Retention > 0 {
			cutoff := time.Now().UTC().Add(-payload.Retention)
			pruned, err := repo.PruneHistory(ctx, cutoff)
			if err != nil {
				return err
			}
			logger.Info("cost history pruned",
				slog.Int64("rows", pruned),
				slog.Time("cutoff", cutoff))
		}

		rows, err := pool.Query(ctx, identityQuery)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var recordID, productID, warehouseID int64
			if err := rows.Scan(&recordID, &productID, &warehouseID); err != nil {
				return err
			}
			logger.Error("cost record value drift",
				slog.Int64("cost_record_id", recordID),
				slog.Int64("product_id", productID),
				slog.Int64("warehouse_id", warehouseID))
		}
		return rows.Err()
	}
}
