package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/pysugar/teams-sync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists tenant credentials. Each method is a single statement, so a
// concurrent reader never observes a token without its matching expiry.
type Store struct {
	db *gorm.DB
}

// NewStore creates a credential store backed by db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Load returns the tenant's credential, or nil when none was ever stored.
func (s *Store) Load(ctx context.Context, tenantID string) (*models.Credential, error) {
	var cred models.Credential
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &cred, nil
}

// Save upserts the full credential.
func (s *Store) Save(ctx context.Context, cred *models.Credential) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "expires_at",
			"owner_object_id", "owner_email", "scopes", "updated_at",
		}),
	}).Create(cred).Error
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Clear drops both tokens and the expiry, keeping the owner for diagnostics.
func (s *Store) Clear(ctx context.Context, tenantID string) error {
	err := s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{
			"access_token":  "",
			"refresh_token": "",
			"expires_at":    nil,
		}).Error
	if err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}
