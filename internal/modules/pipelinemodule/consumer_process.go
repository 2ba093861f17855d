package pipelinemodule

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/imaging"
	"github.com/mantonx/pixelpipe/internal/mediasource"
	"github.com/mantonx/pixelpipe/internal/metadata"
	"github.com/mantonx/pixelpipe/internal/queue"
	"github.com/mantonx/pixelpipe/internal/utils"
)

// ProcessConsumer is the metadata stage. For each discovered file it extracts
// dimensions and format, persists the image record, and fans out the
// thumbnail and cache requests. The record insert is the idempotency anchor:
// a redelivered message lands on the existing row, republishes downstream
// requests (the downstream consumers skip duplicates), and moves no counters.
type ProcessConsumer struct {
	db      *gorm.DB
	broker  *queue.Broker
	tracker *Tracker
	records *RecordStore
	proc    *imaging.Processor
	cfg     *config.Config
	log     hclog.Logger
}

// NewProcessConsumer creates the metadata stage consumer.
func NewProcessConsumer(db *gorm.DB, broker *queue.Broker, tracker *Tracker, records *RecordStore, cfg *config.Config, log hclog.Logger) *ProcessConsumer {
	return &ProcessConsumer{
		db:      db,
		broker:  broker,
		tracker: tracker,
		records: records,
		proc:    imaging.NewProcessor(),
		cfg:     cfg,
		log:     log,
	}
}

// Handle processes one ImageProcessRequest delivery.
func (c *ProcessConsumer) Handle(ctx context.Context, d *queue.Delivery) error {
	var req queue.ImageProcessRequest
	if err := d.Decode(&req); err != nil {
		// An unparseable body can never succeed; drop it as a decode failure.
		c.log.Error("dropping malformed process request", "id", d.ID, "error", err)
		return nil
	}

	err := c.process(ctx, &req)
	if err == nil {
		return nil
	}

	switch Classify(err) {
	case FailureSkippable:
		c.log.Warn("file skipped by metadata stage",
			"job_id", req.JobID, "entry", req.Descriptor.EntryKey, "reason", Reason(err))
		return c.recordSkipped(ctx, &req, err)
	case FailureFatal:
		c.log.Error("fatal metadata failure, failing job",
			"job_id", req.JobID, "error", err)
		if failErr := c.tracker.FailJob(ctx, req.JobID, Reason(err)); failErr != nil {
			return failErr
		}
		return nil
	default:
		return err
	}
}

func (c *ProcessConsumer) process(ctx context.Context, req *queue.ImageProcessRequest) error {
	desc := req.Descriptor

	if err := c.checkSize(&desc); err != nil {
		return err
	}

	var width, height int
	if desc.IsVideo() {
		width, height = c.probeVideo(ctx, &desc)
	} else {
		data, err := mediasource.ReadAll(desc)
		if err != nil {
			return classifyReadError(&desc, err)
		}
		width, height, err = c.proc.Dimensions(data, desc.DetectedFormat)
		if err != nil {
			return NewCorruptMediaError(
				fmt.Sprintf("failed to decode %s", desc.FileName()), err)
		}
	}

	rec := &database.ImageRecord{
		ID:            utils.GenerateUUID(),
		CollectionID:  req.CollectionID,
		ContainerPath: desc.ContainerPath,
		EntryKey:      desc.EntryKey,
		LocationKind:  string(desc.LocationKind),
		Width:         width,
		Height:        height,
		Format:        desc.DetectedFormat,
		SizeBytes:     desc.SizeBytes,
	}
	rec, created, err := c.records.EnsureImageRecord(ctx, rec)
	if err != nil {
		return NewTransientIOError("failed to persist image record", err)
	}

	// Downstream requests are published only after the record is durable, so
	// a thumbnail or cache consumer can always resolve its image. Republishing
	// on redelivery is harmless: the generation consumers skip existing
	// artifacts.
	if err := c.publishDownstream(ctx, req, rec.ID); err != nil {
		return NewTransientIOError("failed to publish generation requests", err)
	}

	if created {
		if err := c.tracker.IncrementCompleted(ctx, req.JobID, database.StageProcess); err != nil {
			return NewTransientIOError("failed to count completed file", err)
		}
	}
	return nil
}

func (c *ProcessConsumer) checkSize(desc *mediasource.MediaDescriptor) error {
	limit := c.cfg.Pipeline.MaxFileBytes
	if desc.LocationKind == mediasource.ArchiveEntry {
		limit = c.cfg.Pipeline.MaxArchiveEntryBytes
	}
	if limit > 0 && desc.SizeBytes > limit {
		return NewCapacityExceededError(
			fmt.Sprintf("%s is %d bytes, over the %d byte ceiling", desc.FileName(), desc.SizeBytes, limit))
	}
	return nil
}

// probeVideo reads video stream dimensions where possible. A probe failure
// never fails the file; the record simply carries unknown dimensions.
func (c *ProcessConsumer) probeVideo(ctx context.Context, desc *mediasource.MediaDescriptor) (int, int) {
	if !c.cfg.Scanner.ProbeVideoDimensions || desc.LocationKind != mediasource.RegularFile {
		return 0, 0
	}
	width, height, err := metadata.ProbeVideoDimensions(ctx, desc.FilePath(), c.cfg.Scanner.ProbeTimeout)
	if err != nil {
		c.log.Warn("video probe failed, continuing with unknown dimensions",
			"file", desc.FileName(), "error", err)
		return 0, 0
	}
	return width, height
}

func (c *ProcessConsumer) publishDownstream(ctx context.Context, req *queue.ImageProcessRequest, imageID string) error {
	p := c.cfg.Pipeline
	thumb := queue.ThumbnailRequest{
		JobID:        req.JobID,
		CollectionID: req.CollectionID,
		ImageID:      imageID,
		Descriptor:   req.Descriptor,
		Width:        p.ThumbWidth,
		Height:       p.ThumbHeight,
		DirectAccess: req.DirectAccess,
	}
	if err := c.broker.Publish(ctx, queue.QueueThumbnail, thumb); err != nil {
		return err
	}

	cache := queue.CacheRequest{
		JobID:            req.JobID,
		CollectionID:     req.CollectionID,
		ImageID:          imageID,
		Descriptor:       req.Descriptor,
		Width:            p.CacheWidth,
		Height:           p.CacheHeight,
		Quality:          p.CacheQuality,
		Format:           p.CacheFormat,
		PreserveOriginal: p.PreserveOriginals,
		DirectAccess:     req.DirectAccess,
	}
	return c.broker.Publish(ctx, queue.QueueCache, cache)
}

// recordSkipped converges a file the pipeline cannot process: a failed dummy
// record for every remaining stage, so each stage's counters still reach
// their totals. The message is then acknowledged.
func (c *ProcessConsumer) recordSkipped(ctx context.Context, req *queue.ImageProcessRequest, cause error) error {
	desc := req.Descriptor
	img := &database.ImageRecord{
		ID:            utils.GenerateUUID(),
		CollectionID:  req.CollectionID,
		ContainerPath: desc.ContainerPath,
		EntryKey:      desc.EntryKey,
		LocationKind:  string(desc.LocationKind),
		Format:        desc.DetectedFormat,
		SizeBytes:     desc.SizeBytes,
		Failed:        true,
		Reason:        Reason(cause),
		ErrorType:     ErrorType(cause),
	}
	img, created, err := c.records.EnsureImageRecord(ctx, img)
	if err != nil {
		return NewTransientIOError("failed to persist dummy image record", err)
	}
	if created {
		if err := c.tracker.IncrementFailed(ctx, req.JobID, database.StageProcess); err != nil {
			return err
		}
	}

	thumbCreated, err := c.records.EnsureThumbnailRecord(ctx, &database.ThumbnailRecord{
		ImageID:      img.ID,
		CollectionID: req.CollectionID,
		Failed:       true,
		Reason:       Reason(cause),
		ErrorType:    ErrorType(cause),
	})
	if err != nil {
		return NewTransientIOError("failed to persist dummy thumbnail record", err)
	}
	if thumbCreated {
		if err := c.tracker.IncrementFailed(ctx, req.JobID, database.StageThumbnail); err != nil {
			return err
		}
	}

	cacheCreated, err := c.records.EnsureCacheRecord(ctx, &database.CacheRecord{
		ImageID:      img.ID,
		CollectionID: req.CollectionID,
		Failed:       true,
		Reason:       Reason(cause),
		ErrorType:    ErrorType(cause),
	})
	if err != nil {
		return NewTransientIOError("failed to persist dummy cache record", err)
	}
	if cacheCreated {
		if err := c.tracker.IncrementFailed(ctx, req.JobID, database.StageCache); err != nil {
			return err
		}
	}
	return nil
}

// classifyReadError distinguishes input that is gone or unreadable by nature
// from infrastructure trouble worth retrying.
func classifyReadError(desc *mediasource.MediaDescriptor, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, mediasource.ErrEntryNotFound) {
		return NewCorruptMediaError(
			fmt.Sprintf("%s disappeared between scan and processing", desc.FileName()), err)
	}
	return NewTransientIOError(fmt.Sprintf("failed to read %s", desc.FileName()), err)
}
