package records

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pysugar/teams-sync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the business-record store the engine reads participants and
// dates from and writes remote links back to.
type Store interface {
	// ReadFields returns the requested fields; absent fields are omitted.
	ReadFields(ctx context.Context, key Key, fields ...string) (map[string]any, error)
	// WriteFields sets fields. A nil value removes the field.
	WriteFields(ctx context.Context, key Key, values map[string]any) error
	// FindByField returns the records of doctype whose field equals value.
	FindByField(ctx context.Context, doctype, field string, value any) ([]Key, error)
	// Keys lists the records of a doctype.
	Keys(ctx context.Context, doctype string) ([]Key, error)
}

// SQLStore keeps record fields as JSON values in the record_fields table.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore creates a record store on db.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) ReadFields(ctx context.Context, key Key, fields ...string) (map[string]any, error) {
	var rows []models.RecordField
	q := s.db.WithContext(ctx).Where("record_key = ?", key.String())
	if len(fields) > 0 {
		q = q.Where("field IN ?", fields)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read fields of %s: %w", key, err)
	}

	out := make(map[string]any, len(rows))
	for _, row := range rows {
		var v any
		if err := json.Unmarshal([]byte(row.Value), &v); err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", key, row.Field, err)
		}
		out[row.Field] = v
	}
	return out, nil
}

func (s *SQLStore) WriteFields(ctx context.Context, key Key, values map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for field, value := range values {
			if field == "" {
				continue
			}
			if value == nil {
				if err := tx.Where("record_key = ? AND field = ?", key.String(), field).
					Delete(&models.RecordField{}).Error; err != nil {
					return fmt.Errorf("clear %s.%s: %w", key, field, err)
				}
				continue
			}
			encoded, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode %s.%s: %w", key, field, err)
			}
			row := models.RecordField{
				RecordKey: key.String(),
				Doctype:   key.Doctype,
				Field:     field,
				Value:     string(encoded),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "record_key"}, {Name: "field"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("write %s.%s: %w", key, field, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) FindByField(ctx context.Context, doctype, field string, value any) ([]Key, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode lookup value: %w", err)
	}
	var recordKeys []string
	err = s.db.WithContext(ctx).Model(&models.RecordField{}).
		Where("doctype = ? AND field = ? AND value = ?", doctype, field, string(encoded)).
		Order("record_key").
		Pluck("record_key", &recordKeys).Error
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", doctype, field, err)
	}
	return parseKeys(recordKeys)
}

func (s *SQLStore) Keys(ctx context.Context, doctype string) ([]Key, error) {
	var recordKeys []string
	err := s.db.WithContext(ctx).Model(&models.RecordField{}).
		Where("doctype = ?", doctype).
		Distinct("record_key").
		Order("record_key").
		Pluck("record_key", &recordKeys).Error
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", doctype, err)
	}
	return parseKeys(recordKeys)
}

func parseKeys(raw []string) ([]Key, error) {
	keys := make([]Key, 0, len(raw))
	for _, s := range raw {
		k, err := ParseKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
