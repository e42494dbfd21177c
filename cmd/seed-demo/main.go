// seed-demo creates a demo warehouse with sectors and products so a fresh
// environment can exercise the counting flow end to end.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-demo --business-id <uuid>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	sectors := flag.Int("sectors", 3, "Optional: number of sectors to create")
	productsPerSector := flag.Int("products-per-sector", 5, "Optional: products per sector")
	baseQty := flag.String("base-qty", "10", "Optional: base on-hand qty per product (decimal)")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	base, err := utils.ParseDecimal(*baseQty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --base-qty %q: %v\n", *baseQty, err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, *businessID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")

	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{
		Name:    "Demo Warehouse",
		Address: "1 Demo Street",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create warehouse: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("warehouse id=%d\n", warehouse.ID)

	productNo := 0
	for s := 1; s <= *sectors; s++ {
		sector, err := models.CreateSector(ctx, &models.NewSector{
			WarehouseId: warehouse.ID,
			Name:        fmt.Sprintf("Sector %c", 'A'+s-1),
			Description: fmt.Sprintf("Demo sector %d", s),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create sector: %v\n", err)
			os.Exit(1)
		}

		for p := 0; p < *productsPerSector; p++ {
			productNo++
			product, err := models.CreateProduct(ctx, &models.NewProduct{
				Sku:          fmt.Sprintf("DEMO-%04d", productNo),
				Name:         fmt.Sprintf("Demo Product %d", productNo),
				Price:        decimal.NewFromInt(int64(100 + productNo)),
				CategoryName: "Demo",
				CurrentQty:   base.Mul(decimal.NewFromInt(int64(p + 1))),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to create product: %v\n", err)
				os.Exit(1)
			}
			if err := models.AssignProductToSector(ctx, sector.ID, product.ID); err != nil {
				fmt.Fprintf(os.Stderr, "failed to assign product to sector: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("sector id=%d products=%d\n", sector.ID, *productsPerSector)
	}

	fmt.Println("seed-demo done")
}
