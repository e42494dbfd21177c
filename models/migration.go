package models

import (
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/sirupsen/logrus"
)

func MigrateTable() {
	db := config.GetDB()
	logger := config.GetLogger()

	err := db.AutoMigrate(
		&Warehouse{},
		&Sector{},
		&SectorProduct{},
		&Product{},
		&StockCount{},
		&SectorCount{},
		&CountLine{},
		&CountAttempt{},
		&StockSummary{},
		&StockAdjustmentLog{},
		&IdempotencyKey{},
	)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field": "migration",
		}).Panic(err.Error())
	}
}
