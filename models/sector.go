package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
)

// Sector is a physical storage zone of a warehouse holding a subset of products.
type Sector struct {
	ID          int       `gorm:"primary_key" json:"id"`
	BusinessId  string    `gorm:"index;not null" json:"business_id"`
	WarehouseId int       `gorm:"index;not null" json:"warehouse_id" binding:"required"`
	Name        string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Description string    `gorm:"size:255" json:"description"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SectorProduct assigns a product to a sector. Sector assignment physically
// partitions a product's stock: the same product may live in several sectors.
type SectorProduct struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	SectorId   int       `gorm:"not null;index:uniq_sector_product,unique" json:"sector_id"`
	ProductId  int       `gorm:"not null;index:uniq_sector_product,unique" json:"product_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewSector struct {
	WarehouseId int    `json:"warehouse_id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (s Sector) GetBusinessId() string {
	return s.BusinessId
}

func CreateSector(ctx context.Context, input *NewSector) (*Sector, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.WarehouseId); err != nil {
		return nil, errors.New("warehouse not found")
	}
	if err := utils.ValidateUnique[Sector](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	sector := Sector{
		BusinessId:  businessId,
		WarehouseId: input.WarehouseId,
		Name:        input.Name,
		Description: input.Description,
		IsActive:    utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&sector).Error; err != nil {
		return nil, err
	}
	return &sector, nil
}

func GetSector(ctx context.Context, id int) (*Sector, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Sector](ctx, businessId, id)
}

func AssignProductToSector(ctx context.Context, sectorId int, productId int) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[Sector](ctx, businessId, sectorId); err != nil {
		return errors.New("sector not found")
	}
	if err := utils.ValidateResourceId[Product](ctx, businessId, productId); err != nil {
		return errors.New("product not found")
	}

	db := config.GetDB()
	assignment := SectorProduct{
		BusinessId: businessId,
		SectorId:   sectorId,
		ProductId:  productId,
	}
	return db.WithContext(ctx).Create(&assignment).Error
}

// GetProductsInSector is the read boundary to the product catalog: the products
// currently assigned to a sector together with their catalog snapshot fields.
func GetProductsInSector(ctx context.Context, sectorId int) ([]*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var products []*Product
	err := db.WithContext(ctx).
		Joins("JOIN sector_products sp ON sp.product_id = products.id").
		Where("sp.sector_id = ? AND sp.business_id = ?", sectorId, businessId).
		Where("products.business_id = ?", businessId).
		Order("products.id").
		Find(&products).Error
	if err != nil {
		return nil, err
	}
	return products, nil
}
