package models

import (
	"log"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"gorm.io/gorm"
)

// AllModels is every table the service owns, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&PrintJob{}, &ProductionStage{},
		&History{},
		&ProductionEventRecord{}, &IdempotencyKey{},
		&ProductionDailySummary{}, &CustomerApprovalRequest{},
	}
}

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// Migrate runs AutoMigrate on conn; tests call it on their own database.
func Migrate(conn *gorm.DB) error {
	return conn.AutoMigrate(AllModels()...)
}
