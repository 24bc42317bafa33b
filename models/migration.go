package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Invoice{},
		&Allocation{},
		&PurchaseOrder{},
		&PurchaseOrderLineItem{},
		&ChangeOrder{},
		&BudgetLine{},
		&Draw{},
		&DrawInvoice{},
		&EntityLock{},
		&UndoSnapshot{},
		&History{},
		&OutboxMessage{},
		&IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
