package models

import "time"

// RecordField is one field of a business record in the built-in record store.
// Value holds the JSON encoding of the field value.
type RecordField struct {
	ID        uint   `gorm:"primaryKey"`
	RecordKey string `gorm:"uniqueIndex:idx_record_field;not null"`
	Doctype   string `gorm:"index;not null"`
	Field     string `gorm:"uniqueIndex:idx_record_field;not null"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
