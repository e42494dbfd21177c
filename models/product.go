package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
)

// Product is the read model supplied by the catalog collaborator. The count
// engine never edits catalog attributes; it only snapshots them into count
// lines at run start and writes CurrentQty back at commit.
type Product struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"index;not null" json:"business_id"`
	Sku          string          `gorm:"size:100;not null" json:"sku" binding:"required"`
	Name         string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Price        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	CategoryName string          `gorm:"size:100" json:"category_name"`
	CurrentQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_qty"`
	IsActive     *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Sku          string          `json:"sku" binding:"required"`
	Name         string          `json:"name" binding:"required"`
	Price        decimal.Decimal `json:"price"`
	CategoryName string          `json:"category_name"`
	CurrentQty   decimal.Decimal `json:"current_qty"`
}

func (p Product) GetBusinessId() string {
	return p.BusinessId
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, 0); err != nil {
		return nil, err
	}

	product := Product{
		BusinessId:   businessId,
		Sku:          input.Sku,
		Name:         input.Name,
		Price:        input.Price,
		CategoryName: input.CategoryName,
		CurrentQty:   input.CurrentQty,
		IsActive:     utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProduct reads through the Redis object cache; the commit path
// invalidates the entry when it rewrites the product's stock.
func GetProduct(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModelCached[Product](ctx, businessId, id)
}
