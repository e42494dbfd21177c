// count-rollup-rebuild recomputes the derived session and run aggregates for a
// business from the count lines. Normally the aggregates are maintained
// transactionally; this exists for repair after manual data surgery.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/count-rollup-rebuild --business-id <uuid> [--stock-count-id N]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	stockCountID := flag.Int("stock-count-id", 0, "Optional: rebuild a single run")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	query := db.Model(&models.StockCount{}).
		Where("business_id = ? AND current_status NOT IN ?", *businessID,
			[]models.StockCountStatus{models.StockCountStatusCommitted, models.StockCountStatusCancelled})
	if *stockCountID > 0 {
		query = query.Where("id = ?", *stockCountID)
	}

	var runs []models.StockCount
	if err := query.Find(&runs).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list runs: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Println("no open runs to rebuild")
		return
	}

	rebuilt := 0
	for _, run := range runs {
		err := db.Transaction(func(tx *gorm.DB) error {
			var sessions []models.SectorCount
			err := tx.Where("business_id = ? AND stock_count_id = ? AND current_status <> ?",
				*businessID, run.ID, models.SectorCountStatusCancelled).
				Find(&sessions).Error
			if err != nil {
				return err
			}
			for _, s := range sessions {
				if err := models.RefreshSectorAggregates(tx, *businessID, s.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "run id=%d rebuild failed: %v\n", run.ID, err)
			os.Exit(1)
		}
		rebuilt++
		fmt.Printf("run id=%d rebuilt\n", run.ID)
	}
	fmt.Printf("count-rollup-rebuild done (%d runs)\n", rebuilt)
}
