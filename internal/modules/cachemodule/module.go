package cachemodule

import (
	"context"

	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/logger"
)

const (
	// ModuleID is the unique identifier for the cache folder module
	ModuleID = "system.cachefolders"

	// ModuleName is the display name for the cache folder module
	ModuleName = "Cache Folder Manager"
)

// Module wires the cache folder manager into the module system.
type Module struct {
	db      *gorm.DB
	cfg     *config.CacheConfig
	manager *Manager
	watcher *FolderWatcher
}

// NewModule creates a new cache folder module
func NewModule(db *gorm.DB, cfg *config.CacheConfig) *Module {
	return &Module{db: db, cfg: cfg}
}

// ID returns the unique module identifier
func (m *Module) ID() string {
	return ModuleID
}

// Name returns the module display name
func (m *Module) Name() string {
	return ModuleName
}

// Core returns whether this is a core module
func (m *Module) Core() bool {
	return true
}

// Migrate performs any necessary database migrations
func (m *Module) Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&database.CacheFolder{})
}

// Init seeds the configured folders and starts the removal watcher.
func (m *Module) Init() error {
	m.manager = NewManager(m.db, logger.Named("cachefolders"))

	ctx := context.Background()
	if err := m.manager.SyncFolders(ctx, m.cfg.Folders); err != nil {
		return err
	}

	if m.cfg.WatchFolders {
		watcher, err := NewFolderWatcher(m.manager, logger.Named("cachefolders.watch"))
		if err != nil {
			logger.Warn("cache folder watcher unavailable: %v", err)
			return nil
		}
		for _, fc := range m.cfg.Folders {
			if err := watcher.Watch(fc.Path); err != nil {
				logger.Warn("failed to watch cache folder %s: %v", fc.Path, err)
			}
		}
		m.watcher = watcher
		go watcher.Run(ctx)
	}
	return nil
}

// GetManager returns the underlying folder manager.
func (m *Module) GetManager() *Manager {
	return m.manager
}
