package models

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockSummary is the authoritative on-hand cache per (warehouse, product).
// The count commit is the only place this subsystem writes it.
type StockSummary struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;not null;index:uniq_stock_summary,unique" json:"business_id"`
	WarehouseId      int             `gorm:"not null;index:uniq_stock_summary,unique" json:"warehouse_id"`
	ProductId        int             `gorm:"not null;index:uniq_stock_summary,unique" json:"product_id"`
	CurrentQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_qty"`
	LastStockCountId *int            `gorm:"index" json:"last_stock_count_id"`
	LastCountedAt    *time.Time      `json:"last_counted_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ApplyStockAdjustment writes newQty as the authoritative stock for a product
// and records one audit entry. Must run inside the caller's commit transaction
// so a failure anywhere rolls back every adjustment of the run.
func ApplyStockAdjustment(tx *gorm.DB, businessId string, warehouseId int, stockCountId int, productId int, systemQty decimal.Decimal, newQty decimal.Decimal, countedAt time.Time, auditNote string) error {
	if tx == nil {
		return fmt.Errorf("tx is nil")
	}
	if newQty.IsNegative() {
		return fmt.Errorf("resolved stock cannot be negative (product_id=%d qty=%s)", productId, newQty.String())
	}

	summary := StockSummary{
		BusinessId:       businessId,
		WarehouseId:      warehouseId,
		ProductId:        productId,
		CurrentQty:       newQty,
		LastStockCountId: &stockCountId,
		LastCountedAt:    &countedAt,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "business_id"}, {Name: "warehouse_id"}, {Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"current_qty":         newQty,
			"last_stock_count_id": stockCountId,
			"last_counted_at":     countedAt,
		}),
	}).Create(&summary).Error; err != nil {
		return err
	}

	// Keep the catalog's display quantity in sync with the authoritative cache.
	if err := tx.Model(&Product{}).
		Where("business_id = ? AND id = ?", businessId, productId).
		Update("current_qty", newQty).Error; err != nil {
		return err
	}
	// Drop the cached catalog read; best effort, the TTL bounds staleness.
	_ = utils.RemoveRedisItem[Product](productId)

	audit := StockAdjustmentLog{
		BusinessId:   businessId,
		StockCountId: stockCountId,
		WarehouseId:  warehouseId,
		ProductId:    productId,
		SystemQty:    systemQty,
		ResolvedQty:  newQty,
		Delta:        newQty.Sub(systemQty),
		Note:         auditNote,
	}
	return tx.Create(&audit).Error
}
