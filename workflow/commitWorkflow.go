package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"gorm.io/gorm"
)

const commitHandlerName = "STOCK_COUNT_COMMIT"

// ProcessStockCountCommit applies a finished run's resolved quantities to the
// authoritative stock, all or nothing. Serialized per business via a MySQL
// advisory lock (the Redis lock is only a best-effort fast path) and guarded
// by a durable idempotency row, so a retried or duplicated commit request
// applies the adjustment exactly once.
func ProcessStockCountCommit(ctx context.Context, stockCountId int) (*models.StockCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	logger := config.GetLogger()

	// Best-effort only: correctness comes from the advisory lock below.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("commit:%s", businessId), 30*time.Second, nil)
		if err == nil {
			defer func() { _ = lock.Release(ctx) }()
		} else if err != redislock.ErrNotObtained {
			config.LogError(logger, "commitWorkflow.go", "ProcessStockCountCommit", "redis lock", businessId, err)
		}
	}

	db := config.GetDB()
	var committed *models.StockCount

	err := db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)

		if err := AcquireBusinessPostingLock(txCtx, businessId); err != nil {
			return err
		}
		defer ReleaseBusinessPostingLock(txCtx, businessId)

		var run models.StockCount
		err := txCtx.Where("business_id = ?", businessId).
			Preload("SectorCounts").Preload("SectorCounts.Lines").
			First(&run, stockCountId).Error
		if err != nil {
			return utils.ErrorRecordNotFound
		}

		if run.CurrentStatus == models.StockCountStatusCommitted {
			return &models.CountError{
				Code:         models.ErrCodeAlreadyCommitted,
				Message:      "run has already been committed",
				StockCountId: run.ID,
			}
		}
		if run.CurrentStatus != models.StockCountStatusFinished {
			return &models.CountError{
				Code:         models.ErrCodePrematureCommit,
				Message:      "every sector session must reach a terminal state before commit",
				StockCountId: run.ID,
				Expected:     string(models.StockCountStatusFinished),
				Actual:       string(run.CurrentStatus),
			}
		}
		for _, s := range run.SectorCounts {
			if s.CurrentStatus == models.SectorCountStatusCancelled {
				continue
			}
			for _, l := range s.Lines {
				if !l.CurrentStatus.IsTerminal() {
					return &models.CountError{
						Code:          models.ErrCodeManualResolutionRequired,
						Message:       "run has lines that are neither finalized nor void",
						StockCountId:  run.ID,
						SectorCountId: s.ID,
						CountLineId:   l.ID,
						Actual:        string(l.CurrentStatus),
					}
				}
			}
		}

		messageId := fmt.Sprintf("%d", run.ID)
		skip, err := BeginIdempotency(txCtx, businessId, commitHandlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			// A previous attempt committed and the status write was lost; the
			// run row is repaired here rather than re-applying stock.
			run.CurrentStatus = models.StockCountStatusCommitted
			committed = &run
			return txCtx.Model(&models.StockCount{}).
				Where("id = ? AND business_id = ?", run.ID, businessId).
				Update("current_status", models.StockCountStatusCommitted).Error
		}

		levels := models.AggregateResolvedQuantities(run.SectorCounts)
		productIds := make([]int, 0, len(levels))
		for id := range levels {
			productIds = append(productIds, id)
		}
		sort.Ints(productIds)

		now := time.Now().UTC()
		note := fmt.Sprintf("stock count #%d (%s)", run.ID, run.Name)
		for _, productId := range productIds {
			level := levels[productId]
			err := models.ApplyStockAdjustment(txCtx, businessId, run.WarehouseId, run.ID,
				productId, level.SystemQty, level.ResolvedQty, now, note)
			if err != nil {
				return err
			}
		}

		err = txCtx.Model(&models.StockCount{}).
			Where("id = ? AND business_id = ?", run.ID, businessId).
			Updates(map[string]interface{}{
				"current_status": models.StockCountStatusCommitted,
				"committed_at":   now,
			}).Error
		if err != nil {
			return err
		}

		if err := MarkIdempotencySucceeded(txCtx, businessId, commitHandlerName, messageId); err != nil {
			return err
		}

		run.CurrentStatus = models.StockCountStatusCommitted
		run.CommittedAt = &now
		committed = &run
		return nil
	})
	if err != nil {
		config.CommitFailuresTotal.Inc()
		return nil, err
	}

	config.CommitsTotal.Inc()
	return committed, nil
}
