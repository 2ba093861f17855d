package pipelinemodule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/imaging"
	"github.com/mantonx/pixelpipe/internal/mediasource"
	"github.com/mantonx/pixelpipe/internal/modules/cachemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
)

// GenerateConsumer produces the thumbnail and cache artifacts. Both stages
// share the same shape: skip if the artifact record already exists, reference
// the original directly when the collection allows it, otherwise render a
// resized copy into a cache folder. Every outcome writes exactly one artifact
// record and moves exactly one stage counter.
type GenerateConsumer struct {
	db      *gorm.DB
	tracker *Tracker
	records *RecordStore
	folders *cachemodule.Manager
	proc    *imaging.Processor
	cfg     *config.Config
	log     hclog.Logger
}

// NewGenerateConsumer creates the thumbnail/cache stage consumer.
func NewGenerateConsumer(db *gorm.DB, tracker *Tracker, records *RecordStore, folders *cachemodule.Manager, cfg *config.Config, log hclog.Logger) *GenerateConsumer {
	return &GenerateConsumer{
		db:      db,
		tracker: tracker,
		records: records,
		folders: folders,
		proc:    imaging.NewProcessor(),
		cfg:     cfg,
		log:     log,
	}
}

// HandleThumbnail processes one ThumbnailRequest delivery.
func (c *GenerateConsumer) HandleThumbnail(ctx context.Context, d *queue.Delivery) error {
	var req queue.ThumbnailRequest
	if err := d.Decode(&req); err != nil {
		c.log.Error("dropping malformed thumbnail request", "id", d.ID, "error", err)
		return nil
	}

	if rec, err := c.records.GetThumbnailRecord(ctx, req.ImageID); err == nil {
		// Finished work skips only while its artifact is still on disk;
		// a record whose file is gone falls through to regeneration.
		if artifactIntact(rec.DirectRef, rec.Failed, rec.Path) {
			return nil
		}
		c.log.Warn("thumbnail artifact missing on disk, regenerating",
			"image_id", req.ImageID, "path", rec.Path)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return NewTransientIOError("failed to look up thumbnail record", err)
	}

	// Videos cannot be rendered into a rendition; a regular video file is
	// referenced directly instead of being recorded as a failure.
	direct := (req.DirectAccess || req.Descriptor.IsVideo()) &&
		req.Descriptor.LocationKind == mediasource.RegularFile
	if direct {
		return c.finishThumbnail(ctx, &req, &database.ThumbnailRecord{
			ImageID:      req.ImageID,
			CollectionID: req.CollectionID,
			Path:         req.Descriptor.FilePath(),
			SizeBytes:    req.Descriptor.SizeBytes,
			DirectRef:    true,
		}, nil, 0)
	}

	data, renderErr := c.render(ctx, &req.Descriptor, req.Width, req.Height, c.cfg.Pipeline.ThumbQuality, "webp")
	if renderErr != nil {
		if Classify(renderErr) == FailureSkippable {
			return c.thumbnailDummy(ctx, &req, renderErr)
		}
		return renderErr
	}

	folder, path, err := c.writeArtifact(ctx, req.CollectionID, req.ImageID, "thumb", data.format, data.bytes)
	if err != nil {
		return err
	}
	return c.finishThumbnail(ctx, &req, &database.ThumbnailRecord{
		ImageID:      req.ImageID,
		CollectionID: req.CollectionID,
		Path:         path,
		Width:        data.width,
		Height:       data.height,
		SizeBytes:    int64(len(data.bytes)),
	}, folder, int64(len(data.bytes)))
}

// HandleCache processes one CacheRequest delivery.
func (c *GenerateConsumer) HandleCache(ctx context.Context, d *queue.Delivery) error {
	var req queue.CacheRequest
	if err := d.Decode(&req); err != nil {
		c.log.Error("dropping malformed cache request", "id", d.ID, "error", err)
		return nil
	}

	if rec, err := c.records.GetCacheRecord(ctx, req.ImageID); err == nil {
		if artifactIntact(rec.DirectRef, rec.Failed, rec.Path) {
			return nil
		}
		c.log.Warn("cache artifact missing on disk, regenerating",
			"image_id", req.ImageID, "path", rec.Path)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return NewTransientIOError("failed to look up cache record", err)
	}

	direct := (req.DirectAccess || req.PreserveOriginal || req.Descriptor.IsVideo()) &&
		req.Descriptor.LocationKind == mediasource.RegularFile
	if direct {
		return c.finishCache(ctx, &req, &database.CacheRecord{
			ImageID:      req.ImageID,
			CollectionID: req.CollectionID,
			Path:         req.Descriptor.FilePath(),
			SizeBytes:    req.Descriptor.SizeBytes,
			Format:       req.Descriptor.DetectedFormat,
			DirectRef:    true,
		}, nil, 0)
	}

	data, renderErr := c.render(ctx, &req.Descriptor, req.Width, req.Height, req.Quality, req.Format)
	if renderErr != nil {
		if Classify(renderErr) == FailureSkippable {
			return c.cacheDummy(ctx, &req, renderErr)
		}
		return renderErr
	}

	folder, path, err := c.writeArtifact(ctx, req.CollectionID, req.ImageID, "cache", data.format, data.bytes)
	if err != nil {
		return err
	}
	return c.finishCache(ctx, &req, &database.CacheRecord{
		ImageID:      req.ImageID,
		CollectionID: req.CollectionID,
		Path:         path,
		Width:        data.width,
		Height:       data.height,
		SizeBytes:    int64(len(data.bytes)),
		Format:       data.format,
		Quality:      req.Quality,
	}, folder, int64(len(data.bytes)))
}

// rendered is the output of one render pass.
type rendered struct {
	bytes  []byte
	format string
	width  int
	height int
}

// render reads and re-encodes the source into a bounded rendition.
func (c *GenerateConsumer) render(ctx context.Context, desc *mediasource.MediaDescriptor, maxWidth, maxHeight, quality int, format string) (*rendered, error) {
	if desc.IsVideo() {
		// Only archive-entry videos reach here; they have no standalone file
		// to reference and renditions would need frame extraction.
		return nil, NewUnsupportedFormatError(
			fmt.Sprintf("cannot render video file %s", desc.FileName()))
	}

	data, err := mediasource.ReadAll(*desc)
	if err != nil {
		return nil, classifyReadError(desc, err)
	}

	img, err := c.proc.Decode(data, desc.DetectedFormat)
	if err != nil {
		return nil, NewCorruptMediaError(
			fmt.Sprintf("failed to decode %s", desc.FileName()), err)
	}
	resized := c.proc.Resize(img, maxWidth, maxHeight)
	encoded, outFormat, err := c.proc.Encode(resized, format, quality)
	if err != nil {
		return nil, NewUnsupportedFormatError(
			fmt.Sprintf("failed to encode %s as %s: %v", desc.FileName(), format, err))
	}

	bounds := resized.Bounds()
	return &rendered{
		bytes:  encoded,
		format: outFormat,
		width:  bounds.Dx(),
		height: bounds.Dy(),
	}, nil
}

// writeArtifact places the rendered bytes into the collection's cache folder.
// The write goes through a temp file and rename so readers never observe a
// partial artifact.
func (c *GenerateConsumer) writeArtifact(ctx context.Context, collectionID uint, imageID, suffix, format string, data []byte) (*database.CacheFolder, string, error) {
	folder, err := c.folders.SelectFolder(ctx, collectionID)
	if err != nil {
		return nil, "", NewTransientIOError("no cache folder available", err)
	}

	dir := filepath.Join(folder.Path, strconv.FormatUint(uint64(collectionID), 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", NewTransientIOError("failed to create artifact directory", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", imageID, suffix, formatExtension(format)))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, "", NewTransientIOError("failed to write artifact", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, "", NewTransientIOError("failed to finalize artifact", err)
	}
	return folder, path, nil
}

// finishThumbnail makes the record durable and settles counters and folder
// usage. A lost insert race means another delivery finished first; our
// artifact file is removed and nothing is counted.
func (c *GenerateConsumer) finishThumbnail(ctx context.Context, req *queue.ThumbnailRequest, rec *database.ThumbnailRecord, folder *database.CacheFolder, artifactBytes int64) error {
	created, err := c.records.EnsureThumbnailRecord(ctx, rec)
	if err != nil {
		return NewTransientIOError("failed to persist thumbnail record", err)
	}
	if !created {
		c.removeLosingArtifact(rec.DirectRef, rec.Path, func() (string, error) {
			winner, err := c.records.GetThumbnailRecord(ctx, rec.ImageID)
			if err != nil {
				return "", err
			}
			return winner.Path, nil
		})
		return nil
	}

	if folder != nil {
		if err := c.folders.RecordUsage(ctx, folder.ID, artifactBytes, 1); err != nil {
			c.log.Error("failed to record folder usage", "folder", folder.Path, "error", err)
		}
	}
	if rec.Failed {
		return c.tracker.IncrementFailed(ctx, req.JobID, database.StageThumbnail)
	}
	return c.tracker.IncrementCompleted(ctx, req.JobID, database.StageThumbnail)
}

func (c *GenerateConsumer) finishCache(ctx context.Context, req *queue.CacheRequest, rec *database.CacheRecord, folder *database.CacheFolder, artifactBytes int64) error {
	created, err := c.records.EnsureCacheRecord(ctx, rec)
	if err != nil {
		return NewTransientIOError("failed to persist cache record", err)
	}
	if !created {
		c.removeLosingArtifact(rec.DirectRef, rec.Path, func() (string, error) {
			winner, err := c.records.GetCacheRecord(ctx, rec.ImageID)
			if err != nil {
				return "", err
			}
			return winner.Path, nil
		})
		return nil
	}

	if folder != nil {
		if err := c.folders.RecordUsage(ctx, folder.ID, artifactBytes, 1); err != nil {
			c.log.Error("failed to record folder usage", "folder", folder.Path, "error", err)
		}
	}
	if rec.Failed {
		return c.tracker.IncrementFailed(ctx, req.JobID, database.StageCache)
	}
	return c.tracker.IncrementCompleted(ctx, req.JobID, database.StageCache)
}

func (c *GenerateConsumer) thumbnailDummy(ctx context.Context, req *queue.ThumbnailRequest, cause error) error {
	c.log.Warn("thumbnail skipped",
		"job_id", req.JobID, "image_id", req.ImageID, "reason", Reason(cause))
	return c.finishThumbnail(ctx, req, &database.ThumbnailRecord{
		ImageID:      req.ImageID,
		CollectionID: req.CollectionID,
		Failed:       true,
		Reason:       Reason(cause),
		ErrorType:    ErrorType(cause),
	}, nil, 0)
}

func (c *GenerateConsumer) cacheDummy(ctx context.Context, req *queue.CacheRequest, cause error) error {
	c.log.Warn("cache rendition skipped",
		"job_id", req.JobID, "image_id", req.ImageID, "reason", Reason(cause))
	return c.finishCache(ctx, req, &database.CacheRecord{
		ImageID:      req.ImageID,
		CollectionID: req.CollectionID,
		Failed:       true,
		Reason:       Reason(cause),
		ErrorType:    ErrorType(cause),
	}, nil, 0)
}

// removeLosingArtifact cleans up after a lost insert race. Concurrent
// deliveries of the same request render to the same deterministic path, so
// the loser's file IS the winner's artifact; it is only removed when the
// winning record points somewhere else.
func (c *GenerateConsumer) removeLosingArtifact(directRef bool, path string, winnerPath func() (string, error)) {
	if directRef || path == "" {
		return
	}
	winner, err := winnerPath()
	if err != nil {
		c.log.Warn("leaving orphan artifact, winning record unreadable", "path", path, "error", err)
		return
	}
	if winner != path {
		os.Remove(path)
	}
}

// artifactIntact reports whether a finished record still has its artifact on
// disk. Direct references and failed dummies carry no generated file.
func artifactIntact(directRef, failed bool, path string) bool {
	if directRef || failed {
		return true
	}
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func formatExtension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	default:
		return format
	}
}
