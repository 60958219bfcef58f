package model

import "gorm.io/gorm"

// AutoMigrate creates/updates every table the engine depends on.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Technology{},
		&Meteringpoint{},
		&Measurement{},
		&GGO{},
		&Batch{},
		&Transaction{},
		&SplitTarget{},
		&TradeAgreement{},
		&Event{},
	)
}
