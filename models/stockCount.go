package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockCount is a full inventory run over a set of warehouse sectors. Creating
// one freezes the counting scope: sector sessions and count lines are
// snapshotted in the same transaction, so catalog or layout changes made
// during the run never alter what is being counted.
type StockCount struct {
	ID          int    `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"size:64;not null;index" json:"business_id"`
	WarehouseId int    `gorm:"not null;index" json:"warehouse_id"`
	Name        string `gorm:"size:100;not null" json:"name"`

	CurrentStatus     StockCountStatus `gorm:"size:20;not null;default:'Pending';index" json:"current_status"`
	SectorsTotal      int              `gorm:"not null;default:0" json:"sectors_total"`
	SectorsCompleted  int              `gorm:"not null;default:0" json:"sectors_completed"`
	ProductsTotal     int              `gorm:"not null;default:0" json:"products_total"`
	ProductsCounted   int              `gorm:"not null;default:0" json:"products_counted"`
	CompletionPercent decimal.Decimal  `gorm:"type:decimal(5,2);default:0" json:"completion_percent"`
	Notes             string           `gorm:"type:text" json:"notes"`

	CreatedById int        `gorm:"not null" json:"created_by_id"`
	CommittedAt *time.Time `json:"committed_at"`

	SectorCounts []SectorCount `gorm:"foreignKey:StockCountId" json:"sector_counts,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockCount struct {
	Name        string `json:"name" binding:"required"`
	WarehouseId int    `json:"warehouse_id" binding:"required"`
	SectorIds   []int  `json:"sector_ids" binding:"required,min=1"`
	Notes       string `json:"notes"`
}

func (sc StockCount) GetId() int {
	return sc.ID
}

func (sc StockCount) GetCursor() string {
	return sc.CreatedAt.Format(time.RFC3339)
}

func (sc StockCount) GetBusinessId() string {
	return sc.BusinessId
}

func newCountLineSnapshot(businessId string, stockCountId int, sectorCountId int, p *Product) CountLine {
	return CountLine{
		BusinessId:      businessId,
		StockCountId:    stockCountId,
		SectorCountId:   sectorCountId,
		ProductId:       p.ID,
		ProductSku:      p.Sku,
		ProductName:     p.Name,
		ProductPrice:    p.Price,
		ProductCategory: p.CategoryName,
		SystemQty:       p.CurrentQty,
		CurrentStatus:   CountLineStatusPending,
		ManuallyResolved: utils.NewFalse(),
	}
}

// CreateStockCount opens a run and snapshots one sector session per requested
// sector, each with a count line per product assigned to that sector at this
// moment. A sector with no products still gets a session, closed immediately
// as CompletedNoCount so the run's completion math stays honest.
func CreateStockCount(ctx context.Context, input *NewStockCount) (*StockCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
		return nil, err
	}
	sectorIds := utils.UniqueSlice(input.SectorIds)
	if err := utils.ValidateResourcesId[Sector](ctx, businessId, sectorIds); err != nil {
		return nil, err
	}

	db := config.GetDB()

	run := StockCount{
		BusinessId:    businessId,
		WarehouseId:   input.WarehouseId,
		Name:          input.Name,
		CurrentStatus: StockCountStatusPending,
		Notes:         input.Notes,
		CreatedById:   userId,
		SectorsTotal:  len(sectorIds),
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)
		if err := txCtx.Create(&run).Error; err != nil {
			return err
		}

		for _, sectorId := range sectorIds {
			var sector Sector
			if err := txCtx.Where("business_id = ?", businessId).First(&sector, sectorId).Error; err != nil {
				return err
			}

			var products []*Product
			err := txCtx.Model(&Product{}).
				Joins("JOIN sector_products ON sector_products.product_id = products.id").
				Where("products.business_id = ? AND sector_products.sector_id = ?", businessId, sectorId).
				Order("products.id").
				Find(&products).Error
			if err != nil {
				return err
			}

			session := SectorCount{
				BusinessId:        businessId,
				StockCountId:      run.ID,
				SectorId:          sectorId,
				SectorName:        sector.Name,
				SectorDescription: sector.Description,
				CurrentStatus:     SectorCountStatusPending,
				LinesTotal:        len(products),
			}
			if len(products) == 0 {
				session.CurrentStatus = SectorCountStatusCompletedNoCount
				session.CompletionPercent = decimalHundred
			}
			if err := txCtx.Create(&session).Error; err != nil {
				return err
			}

			for _, p := range products {
				line := newCountLineSnapshot(businessId, run.ID, session.ID, p)
				if err := txCtx.Create(&line).Error; err != nil {
					return err
				}
			}
		}

		return refreshRunRollup(txCtx, businessId, run.ID)
	})
	if err != nil {
		return nil, err
	}

	return GetStockCount(ctx, run.ID)
}

// runRollup is the derived view of a run computed from its sessions.
type runRollup struct {
	Status            StockCountStatus
	SectorsCompleted  int
	ProductsTotal     int
	ProductsCounted   int
	CompletionPercent decimal.Decimal
}

// recomputeRunRollup folds the session states into the run status. Pure.
// Completion percent is weighted by product count, not by sector, so a
// 500-product sector moves the needle more than a 5-product one. Cancelled
// sessions are excluded from the math entirely.
func recomputeRunRollup(sessions []SectorCount) runRollup {
	r := runRollup{Status: StockCountStatusPending, CompletionPercent: decimal.Zero}

	var active int
	var anyActivity bool
	allTerminal := true
	settledProducts := decimal.Zero
	for _, s := range sessions {
		if s.CurrentStatus == SectorCountStatusCancelled {
			continue
		}
		active++
		r.ProductsTotal += s.LinesTotal
		r.ProductsCounted += s.LinesCounted
		if s.CurrentStatus.IsTerminal() {
			r.SectorsCompleted++
			settledProducts = settledProducts.Add(decimal.NewFromInt(int64(s.LinesTotal)))
		} else {
			allTerminal = false
			settledProducts = settledProducts.Add(
				s.CompletionPercent.Mul(decimal.NewFromInt(int64(s.LinesTotal))).Div(decimalHundred))
		}
		if s.CurrentStatus != SectorCountStatusPending && s.CurrentStatus != SectorCountStatusCompletedNoCount {
			anyActivity = true
		}
	}

	if active == 0 {
		// every sector withdrawn; nothing left to count or commit
		r.Status = StockCountStatusCancelled
		return r
	}

	if r.ProductsTotal > 0 {
		r.CompletionPercent = settledProducts.
			Div(decimal.NewFromInt(int64(r.ProductsTotal))).
			Mul(decimalHundred).
			Round(2)
	} else {
		r.CompletionPercent = decimalHundred
	}

	switch {
	case allTerminal:
		r.Status = StockCountStatusFinished
	case anyActivity:
		r.Status = StockCountStatusInProgress
	default:
		r.Status = StockCountStatusPending
	}
	return r
}

// refreshRunRollup recomputes and persists the run rollup from its sessions,
// inside the caller's transaction. Committed and cancelled runs are frozen.
func refreshRunRollup(tx *gorm.DB, businessId string, stockCountId int) error {
	var run StockCount
	if err := tx.Where("business_id = ?", businessId).First(&run, stockCountId).Error; err != nil {
		return err
	}
	if run.CurrentStatus.IsTerminal() {
		return nil
	}

	var sessions []SectorCount
	if err := tx.Where("business_id = ? AND stock_count_id = ?", businessId, stockCountId).
		Find(&sessions).Error; err != nil {
		return err
	}

	rollup := recomputeRunRollup(sessions)
	return tx.Model(&StockCount{}).
		Where("id = ? AND business_id = ?", stockCountId, businessId).
		Updates(map[string]interface{}{
			"current_status":     rollup.Status,
			"sectors_completed":  rollup.SectorsCompleted,
			"products_total":     rollup.ProductsTotal,
			"products_counted":   rollup.ProductsCounted,
			"completion_percent": rollup.CompletionPercent,
		}).Error
}

// CancelStockCount abandons the run: every non-cancelled session and its open
// lines are voided. Committed runs cannot be cancelled; the adjustment is
// already in the books and would need a compensating run.
func CancelStockCount(ctx context.Context, stockCountId int) (*StockCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	run, err := utils.FetchModel[StockCount](ctx, businessId, stockCountId)
	if err != nil {
		return nil, err
	}
	if run.CurrentStatus == StockCountStatusCommitted {
		return nil, &CountError{
			Code:         ErrCodeAlreadyCommitted,
			Message:      "a committed run cannot be cancelled",
			StockCountId: stockCountId,
		}
	}
	if run.CurrentStatus == StockCountStatusCancelled {
		return run, nil
	}

	db := config.GetDB()
	err = db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)
		err := txCtx.Model(&CountLine{}).
			Where("business_id = ? AND stock_count_id = ? AND current_status NOT IN ?",
				businessId, stockCountId, []CountLineStatus{CountLineStatusFinalized, CountLineStatusVoid}).
			Updates(map[string]interface{}{
				"current_status": CountLineStatusVoid,
				"version":        gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			return err
		}
		err = txCtx.Model(&SectorCount{}).
			Where("business_id = ? AND stock_count_id = ? AND current_status <> ?",
				businessId, stockCountId, SectorCountStatusCancelled).
			Update("current_status", SectorCountStatusCancelled).Error
		if err != nil {
			return err
		}
		return txCtx.Model(&StockCount{}).
			Where("id = ? AND business_id = ?", stockCountId, businessId).
			Update("current_status", StockCountStatusCancelled).Error
	})
	if err != nil {
		return nil, err
	}
	run.CurrentStatus = StockCountStatusCancelled
	return run, nil
}

func GetStockCount(ctx context.Context, id int) (*StockCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[StockCount](ctx, businessId, id, "SectorCounts", "SectorCounts.Lines")
}

// PaginateStockCounts lists runs newest-first with a composite cursor on
// (created_at, id).
func PaginateStockCounts(ctx context.Context, limit int, after *string, status *StockCountStatus) ([]Edge[StockCount], *PageInfo, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, nil, errors.New("business id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&StockCount{}).Where("business_id = ?", businessId)
	if status != nil {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	return FetchPageCompositeCursor[StockCount](dbCtx, limit, after, "created_at", "<")
}

// ResolvedStockLevel is one product's final committed quantity for a run.
type ResolvedStockLevel struct {
	ProductId   int
	SystemQty   decimal.Decimal
	ResolvedQty decimal.Decimal
}

// AggregateResolvedQuantities folds the finalized lines of a run's
// non-cancelled sessions into one resolved quantity per product. A product
// counted in several sectors contributes the sum of its per-sector resolved
// quantities; the system quantity is the snapshot taken once at run start, so
// it is not summed across sectors. Pure; the commit applies the result.
func AggregateResolvedQuantities(sessions []SectorCount) map[int]ResolvedStockLevel {
	levels := make(map[int]ResolvedStockLevel)
	for _, s := range sessions {
		if s.CurrentStatus == SectorCountStatusCancelled {
			continue
		}
		for _, l := range s.Lines {
			if l.CurrentStatus != CountLineStatusFinalized || l.ResolvedQty == nil {
				continue
			}
			level, seen := levels[l.ProductId]
			if !seen {
				level = ResolvedStockLevel{ProductId: l.ProductId, SystemQty: l.SystemQty}
			}
			level.ResolvedQty = level.ResolvedQty.Add(*l.ResolvedQty)
			levels[l.ProductId] = level
		}
	}
	return levels
}
