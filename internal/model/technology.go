package model

// Technology is a read-through lookup from (TechCode, FuelCode) to a
// human-readable label. The allocation engine never mutates it; it is
// populated out of band (by an external technology-catalog importer).
type Technology struct {
	ID       uint   `gorm:"primaryKey"`
	TechCode string `gorm:"uniqueIndex:idx_technology_codes;size:16;not null"`
	FuelCode string `gorm:"uniqueIndex:idx_technology_codes;size:16;not null"`
	Label    string `gorm:"size:128;not null"`
}

// TableName pins the table name.
func (Technology) TableName() string { return "technologies" }
