// Package cachemodule manages the destination folders for generated
// artifacts: deterministic folder selection and atomic usage accounting.
package cachemodule

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/utils"
)

// ErrNoActiveFolders is returned when no cache folder is available.
var ErrNoActiveFolders = fmt.Errorf("no active cache folders")

// Manager selects artifact destinations and tracks their usage.
type Manager struct {
	db  *gorm.DB
	log hclog.Logger
}

// NewManager creates a cache folder manager.
func NewManager(db *gorm.DB, log hclog.Logger) *Manager {
	return &Manager{db: db, log: log}
}

// SyncFolders reconciles the configured folders into the database and makes
// sure each directory exists. Configured folders are (re)activated;
// previously known folders missing from the configuration keep their state.
func (m *Manager) SyncFolders(ctx context.Context, folders []config.CacheFolderConfig) error {
	for _, fc := range folders {
		if err := os.MkdirAll(fc.Path, 0755); err != nil {
			return fmt.Errorf("failed to create cache folder %s: %w", fc.Path, err)
		}

		folder := database.CacheFolder{
			Path:     fc.Path,
			Priority: fc.Priority,
			MaxBytes: fc.MaxBytes,
			Active:   true,
		}
		err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"priority", "max_bytes", "active"}),
		}).Create(&folder).Error
		if err != nil {
			return fmt.Errorf("failed to register cache folder %s: %w", fc.Path, err)
		}
	}
	return nil
}

// SelectFolder deterministically picks the destination folder for a
// collection: hash(collectionID) mod the active folders ordered by
// priority. Repeated calls with an unchanged active-folder set return the
// same folder, so retries and later lookups land in one place.
func (m *Manager) SelectFolder(ctx context.Context, collectionID uint) (*database.CacheFolder, error) {
	var folders []database.CacheFolder
	err := m.db.WithContext(ctx).
		Where("active = ?", true).
		Order("priority ASC, id ASC").
		Find(&folders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load cache folders: %w", err)
	}
	if len(folders) == 0 {
		return nil, ErrNoActiveFolders
	}

	idx := utils.HashString(strconv.FormatUint(uint64(collectionID), 10)) % uint64(len(folders))
	return &folders[idx], nil
}

// RecordUsage accounts artifact bytes/files against a folder with a single
// atomic update. Never read-modify-write: many consumers hit the same
// folder concurrently.
func (m *Manager) RecordUsage(ctx context.Context, folderID uint, deltaBytes, deltaFiles int64) error {
	res := m.db.WithContext(ctx).Model(&database.CacheFolder{}).
		Where("id = ?", folderID).
		Updates(map[string]interface{}{
			"used_bytes": gorm.Expr("used_bytes + ?", deltaBytes),
			"file_count": gorm.Expr("file_count + ?", deltaFiles),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record folder usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cache folder %d not found", folderID)
	}
	return nil
}

// DeactivateByPath marks a folder inactive, removing it from selection.
func (m *Manager) DeactivateByPath(ctx context.Context, path string) error {
	res := m.db.WithContext(ctx).Model(&database.CacheFolder{}).
		Where("path = ? AND active = ?", path, true).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		m.log.Warn("cache folder deactivated", "path", path)
	}
	return nil
}

// ActiveFolders returns the current active folders ordered by priority.
func (m *Manager) ActiveFolders(ctx context.Context) ([]database.CacheFolder, error) {
	var folders []database.CacheFolder
	err := m.db.WithContext(ctx).
		Where("active = ?", true).
		Order("priority ASC, id ASC").
		Find(&folders).Error
	return folders, err
}
