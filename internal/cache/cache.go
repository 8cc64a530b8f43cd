// Package cache is the content-addressed response cache fronting the
// expensive upstream calls. Entries are insert-only: a key, once written,
// is never rewritten, so racing writers cannot make results flap.
package cache

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/model"
)

// Snapshot is a full export of both cache tables, for backup.
type Snapshot struct {
	Captions map[string]string `json:"captions"`
	Prompts  map[string]string `json:"prompts"`
}

// Stats holds entry counts per table.
type Stats struct {
	CaptionCount int64 `json:"caption_count"`
	PromptCount  int64 `json:"prompt_count"`
}

// Service defines the cache operations. A miss is never an error, only an
// absent result; errors are storage faults.
type Service interface {
	GetCaption(key string) (string, bool, error)
	PutCaption(key, caption string) error
	GetPrompt(key string) (string, bool, error)
	PutPrompt(key, prompt string) error
	Export() (*Snapshot, error)
	Clear(olderThan *time.Duration) (int64, error)
	Stats() (*Stats, error)
	GetDB() *gorm.DB
}

type service struct {
	db *gorm.DB
}

// NewService initializes the cache database based on the provided
// configuration and migrates the schema.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	if err := db.AutoMigrate(&model.CaptionEntry{}, &model.PromptEntry{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate cache database: %w", err)
	}

	return &service{db: db}, nil
}

// GetDB returns the underlying gorm handle, used by tests.
func (s *service) GetDB() *gorm.DB {
	return s.db
}

// GetCaption returns the cached caption for an image fingerprint.
func (s *service) GetCaption(key string) (string, bool, error) {
	var entry model.CaptionEntry
	err := s.db.First(&entry, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read caption cache: %w", err)
	}
	return entry.Caption, true, nil
}

// PutCaption stores a caption unless the key is already present. The first
// writer wins; losing a race is a harmless no-op.
func (s *service) PutCaption(key, caption string) error {
	result := s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.CaptionEntry{Key: key, Caption: caption})
	if result.Error != nil {
		return fmt.Errorf("failed to write caption cache: %w", result.Error)
	}
	return nil
}

// GetPrompt returns the cached story prompt for a composite fingerprint.
func (s *service) GetPrompt(key string) (string, bool, error) {
	var entry model.PromptEntry
	err := s.db.First(&entry, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read prompt cache: %w", err)
	}
	return entry.Prompt, true, nil
}

// PutPrompt stores a prompt unless the key is already present.
func (s *service) PutPrompt(key, prompt string) error {
	result := s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.PromptEntry{Key: key, Prompt: prompt})
	if result.Error != nil {
		return fmt.Errorf("failed to write prompt cache: %w", result.Error)
	}
	return nil
}

// Export returns the full contents of both tables.
func (s *service) Export() (*Snapshot, error) {
	snapshot := &Snapshot{
		Captions: make(map[string]string),
		Prompts:  make(map[string]string),
	}

	var captions []model.CaptionEntry
	if err := s.db.Find(&captions).Error; err != nil {
		return nil, fmt.Errorf("failed to export caption cache: %w", err)
	}
	for _, entry := range captions {
		snapshot.Captions[entry.Key] = entry.Caption
	}

	var prompts []model.PromptEntry
	if err := s.db.Find(&prompts).Error; err != nil {
		return nil, fmt.Errorf("failed to export prompt cache: %w", err)
	}
	for _, entry := range prompts {
		snapshot.Prompts[entry.Key] = entry.Prompt
	}

	return snapshot, nil
}

// Clear deletes all entries, or only those older than the given age. It
// returns the number of deleted rows.
func (s *service) Clear(olderThan *time.Duration) (int64, error) {
	var deleted int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		captionQuery := tx.Model(&model.CaptionEntry{})
		promptQuery := tx.Model(&model.PromptEntry{})
		if olderThan != nil {
			cutoff := time.Now().Add(-*olderThan)
			captionQuery = captionQuery.Where("created_at < ?", cutoff)
			promptQuery = promptQuery.Where("created_at < ?", cutoff)
		} else {
			captionQuery = captionQuery.Where("1 = 1")
			promptQuery = promptQuery.Where("1 = 1")
		}

		result := captionQuery.Delete(&model.CaptionEntry{})
		if result.Error != nil {
			return result.Error
		}
		deleted += result.RowsAffected

		result = promptQuery.Delete(&model.PromptEntry{})
		if result.Error != nil {
			return result.Error
		}
		deleted += result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	return deleted, nil
}

// Stats returns the entry counts of both tables.
func (s *service) Stats() (*Stats, error) {
	var stats Stats
	if err := s.db.Model(&model.CaptionEntry{}).Count(&stats.CaptionCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count caption cache: %w", err)
	}
	if err := s.db.Model(&model.PromptEntry{}).Count(&stats.PromptCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count prompt cache: %w", err)
	}
	return &stats, nil
}
