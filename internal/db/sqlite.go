package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/teams-sync/internal/db/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database at dbPath and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	// SQLite allows a single writer; serialize through one connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := ensureAPIKey(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Config{},
		&models.Credential{},
		&models.Conversation{},
		&models.Message{},
		&models.IdentityMapping{},
		&models.RecordField{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// ensureAPIKey generates the API key on first run.
func ensureAPIKey(db *gorm.DB) error {
	if GetAPIKey(db) != "" {
		return nil
	}
	apiKey, err := newAPIKey()
	if err != nil {
		return err
	}
	if err := SetConfigValue(db, models.ConfigKeyAPIKey, apiKey); err != nil {
		return err
	}
	log.WithField("api_key", MaskKey(apiKey)).Info("🔑 Generated new API key (run `teamsync apikey show` to print it)")
	return nil
}

// GetAPIKey returns the API key, or "" when none is configured.
func GetAPIKey(db *gorm.DB) string {
	value, _ := GetConfigValue(db, models.ConfigKeyAPIKey)
	return value
}

// RegenerateAPIKey replaces the API key and returns the new one.
func RegenerateAPIKey(db *gorm.DB) (string, error) {
	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	if err := SetConfigValue(db, models.ConfigKeyAPIKey, apiKey); err != nil {
		return "", err
	}
	log.WithField("api_key", MaskKey(apiKey)).Info("🔑 Regenerated API key")
	return apiKey, nil
}

// GetConfigValue reads a key from the Config table. A missing key yields "".
func GetConfigValue(db *gorm.DB, key string) (string, error) {
	var cfg models.Config
	err := db.Where("key = ?", key).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read config %s: %w", key, err)
	}
	return cfg.Value, nil
}

// SetConfigValue upserts a key in the Config table.
func SetConfigValue(db *gorm.DB, key, value string) error {
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&models.Config{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("write config %s: %w", key, err)
	}
	return nil
}

func newAPIKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sk-" + hex.EncodeToString(keyBytes), nil
}

// MaskKey shortens a key for logs and listings.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:5] + "..." + key[len(key)-4:]
}
