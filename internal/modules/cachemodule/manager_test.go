package cachemodule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
)

func setupManager(t *testing.T) (*Manager, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cache.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&database.CacheFolder{}))

	// Serialize sqlite access so concurrent test writers queue instead of
	// failing with a busy error.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return NewManager(db, hclog.NewNullLogger()), db
}

func testFolders(t *testing.T, n int) []config.CacheFolderConfig {
	t.Helper()
	base := t.TempDir()
	folders := make([]config.CacheFolderConfig, 0, n)
	for i := 0; i < n; i++ {
		folders = append(folders, config.CacheFolderConfig{
			Path:     filepath.Join(base, string(rune('a'+i))),
			Priority: i + 1,
		})
	}
	return folders
}

func TestSyncFoldersCreatesAndUpserts(t *testing.T) {
	m, db := setupManager(t)
	ctx := context.Background()

	folders := testFolders(t, 2)
	require.NoError(t, m.SyncFolders(ctx, folders))
	assert.DirExists(t, folders[0].Path)

	var count int64
	db.Model(&database.CacheFolder{}).Count(&count)
	assert.Equal(t, int64(2), count)

	// Re-syncing with changed priority updates in place, never duplicates.
	folders[0].Priority = 9
	require.NoError(t, m.SyncFolders(ctx, folders))
	db.Model(&database.CacheFolder{}).Count(&count)
	assert.Equal(t, int64(2), count)

	var f database.CacheFolder
	require.NoError(t, db.Where("path = ?", folders[0].Path).First(&f).Error)
	assert.Equal(t, 9, f.Priority)
	assert.True(t, f.Active)
}

func TestSelectFolderIsDeterministicPerCollection(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	require.NoError(t, m.SyncFolders(ctx, testFolders(t, 3)))

	first, err := m.SelectFolder(ctx, 42)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := m.SelectFolder(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID, "same collection always lands on the same folder")
	}
}

func TestSelectFolderSkipsInactive(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	folders := testFolders(t, 2)
	require.NoError(t, m.SyncFolders(ctx, folders))
	require.NoError(t, m.DeactivateByPath(ctx, folders[0].Path))

	for id := uint(0); id < 20; id++ {
		f, err := m.SelectFolder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, folders[1].Path, f.Path)
	}
}

func TestSelectFolderNoActiveFolders(t *testing.T) {
	m, _ := setupManager(t)
	_, err := m.SelectFolder(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoActiveFolders)
}

func TestRecordUsageIsAtomicUnderConcurrency(t *testing.T) {
	m, db := setupManager(t)
	ctx := context.Background()
	require.NoError(t, m.SyncFolders(ctx, testFolders(t, 1)))

	var folder database.CacheFolder
	require.NoError(t, db.First(&folder).Error)

	const workers = 10
	const perWorker = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = m.RecordUsage(ctx, folder.ID, 100, 1)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, db.First(&folder, folder.ID).Error)
	assert.Equal(t, int64(workers*perWorker*100), folder.UsedBytes)
	assert.Equal(t, int64(workers*perWorker), folder.FileCount)
}

// The usage update must be a single in-database increment, never a
// read-modify-write from Go.
func TestRecordUsageEmitsSingleIncrementStatement(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 conn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE "cache_folders" SET "file_count"=file_count \+ \$1,.*"used_bytes"=used_bytes \+ \$`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewManager(db, hclog.NewNullLogger())
	require.NoError(t, m.RecordUsage(context.Background(), 7, 2048, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}
