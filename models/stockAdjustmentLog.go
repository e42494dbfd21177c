package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
)

// StockAdjustmentLog is the audit trail of the commit boundary: one row per
// product per committed run, summarizing system stock, resolved stock and delta.
// Append-only; rows are never updated or deleted.
type StockAdjustmentLog struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;index" json:"business_id"`
	StockCountId int             `gorm:"not null;index" json:"stock_count_id"`
	WarehouseId  int             `gorm:"not null" json:"warehouse_id"`
	ProductId    int             `gorm:"not null;index" json:"product_id"`
	SystemQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"system_qty"`
	ResolvedQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"resolved_qty"`
	Delta        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"delta"`
	Note         string          `gorm:"size:255" json:"note"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// GetStockAdjustmentLogs lists the audit entries written by a committed run.
func GetStockAdjustmentLogs(ctx context.Context, stockCountId int) ([]*StockAdjustmentLog, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var logs []*StockAdjustmentLog
	err := db.WithContext(ctx).
		Where("business_id = ? AND stock_count_id = ?", businessId, stockCountId).
		Order("product_id").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
