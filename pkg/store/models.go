package store

import (
	"time"

	"gorm.io/datatypes"
)

// CatalogEntryModel is the GORM model for catalog entries. The table doubles
// as the catalog index.
type CatalogEntryModel struct {
	Key       string         `gorm:"primaryKey"`
	Kind      string         `gorm:"not null;index"`
	Media     datatypes.JSON `gorm:"type:jsonb;not null"`
	AddedBy   int64          `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (CatalogEntryModel) TableName() string {
	return "catalog_entries"
}
