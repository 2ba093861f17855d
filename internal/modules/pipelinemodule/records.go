package pipelinemodule

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mantonx/pixelpipe/internal/database"
)

// RecordStore owns the append-only artifact records. Records are created
// with insert-if-absent so a redelivered message lands on the existing row;
// there is no check-then-write window. Records are never rewritten and only
// removed when their owning collection is deleted.
type RecordStore struct {
	db *gorm.DB
}

// NewRecordStore creates a record store over the given database.
func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// EnsureImageRecord inserts an image record if none exists for the
// descriptor's (collection, container, entry) identity. Returns the record
// that is now durable and whether this call created it.
func (s *RecordStore) EnsureImageRecord(ctx context.Context, rec *database.ImageRecord) (*database.ImageRecord, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "collection_id"}, {Name: "container_path"}, {Name: "entry_key"},
		},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to insert image record: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return rec, true, nil
	}

	existing, err := s.GetImageRecord(ctx, rec.CollectionID, rec.ContainerPath, rec.EntryKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetImageRecord looks up an image record by its descriptor identity.
func (s *RecordStore) GetImageRecord(ctx context.Context, collectionID uint, containerPath, entryKey string) (*database.ImageRecord, error) {
	var rec database.ImageRecord
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND container_path = ? AND entry_key = ?", collectionID, containerPath, entryKey).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// EnsureThumbnailRecord inserts a thumbnail record if the image has none.
// Returns whether this call created it.
func (s *RecordStore) EnsureThumbnailRecord(ctx context.Context, rec *database.ThumbnailRecord) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "image_id"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert thumbnail record: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// EnsureCacheRecord inserts a cache record if the image has none. Returns
// whether this call created it.
func (s *RecordStore) EnsureCacheRecord(ctx context.Context, rec *database.CacheRecord) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "image_id"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert cache record: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetThumbnailRecord returns the thumbnail record for an image, if any.
func (s *RecordStore) GetThumbnailRecord(ctx context.Context, imageID string) (*database.ThumbnailRecord, error) {
	var rec database.ThumbnailRecord
	err := s.db.WithContext(ctx).Where("image_id = ?", imageID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetCacheRecord returns the cache record for an image, if any.
func (s *RecordStore) GetCacheRecord(ctx context.Context, imageID string) (*database.CacheRecord, error) {
	var rec database.CacheRecord
	err := s.db.WithContext(ctx).Where("image_id = ?", imageID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordCount is one row of a batched per-collection count.
type RecordCount struct {
	CollectionID uint
	Count        int64
}

// CountRecordsByCollection counts rows of one record model for many
// collections in a single grouped query. The reconciliation pass depends on
// this staying one query regardless of batch size.
func (s *RecordStore) CountRecordsByCollection(ctx context.Context, model interface{}, collectionIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(collectionIDs))
	if len(collectionIDs) == 0 {
		return counts, nil
	}

	var rows []RecordCount
	err := s.db.WithContext(ctx).Model(model).
		Select("collection_id, COUNT(*) as count").
		Where("collection_id IN ?", collectionIDs).
		Group("collection_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	for _, row := range rows {
		counts[row.CollectionID] = row.Count
	}
	return counts, nil
}

// CountRecordsByCollectionOutcome is CountRecordsByCollection restricted to
// failed or successful records, matching the completed/failed counter split.
func (s *RecordStore) CountRecordsByCollectionOutcome(ctx context.Context, model interface{}, collectionIDs []uint, failed bool) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(collectionIDs))
	if len(collectionIDs) == 0 {
		return counts, nil
	}

	var rows []RecordCount
	err := s.db.WithContext(ctx).Model(model).
		Select("collection_id, COUNT(*) as count").
		Where("collection_id IN ? AND failed = ?", collectionIDs, failed).
		Group("collection_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	for _, row := range rows {
		counts[row.CollectionID] = row.Count
	}
	return counts, nil
}

// ImagesMissingThumbnails returns image records that have no thumbnail
// record yet. Used by startup recovery to republish lost requests.
func (s *RecordStore) ImagesMissingThumbnails(ctx context.Context, collectionID uint) ([]database.ImageRecord, error) {
	var recs []database.ImageRecord
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND id NOT IN (?)", collectionID,
			s.db.Model(&database.ThumbnailRecord{}).Select("image_id").Where("collection_id = ?", collectionID)).
		Find(&recs).Error
	return recs, err
}

// ImagesMissingCache returns image records that have no cache record yet.
func (s *RecordStore) ImagesMissingCache(ctx context.Context, collectionID uint) ([]database.ImageRecord, error) {
	var recs []database.ImageRecord
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND id NOT IN (?)", collectionID,
			s.db.Model(&database.CacheRecord{}).Select("image_id").Where("collection_id = ?", collectionID)).
		Find(&recs).Error
	return recs, err
}

// DeleteCollectionRecords removes every artifact record owned by a
// collection. This is the only path that deletes records.
func (s *RecordStore) DeleteCollectionRecords(ctx context.Context, collectionID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection_id = ?", collectionID).Delete(&database.ThumbnailRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("collection_id = ?", collectionID).Delete(&database.CacheRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("collection_id = ?", collectionID).Delete(&database.ImageRecord{}).Error
	})
}
