package scannermodule

import (
	"archive/zip"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/mediasource"
	"github.com/mantonx/pixelpipe/internal/modules/pipelinemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
	"github.com/mantonx/pixelpipe/internal/utils"
)

// Scanner is the discovery stage. It enumerates a collection into media
// descriptors, finalizes every downstream stage total to the discovered file
// count, and fans out one process request per file. Publishing happens only
// after the totals are durable, so no counter can converge against an
// unfinalized total.
type Scanner struct {
	broker  *queue.Broker
	tracker *pipelinemodule.Tracker
	bus     events.EventBus
	log     hclog.Logger
}

// NewScanner creates the scan stage consumer.
func NewScanner(broker *queue.Broker, tracker *pipelinemodule.Tracker, bus events.EventBus, log hclog.Logger) *Scanner {
	return &Scanner{broker: broker, tracker: tracker, bus: bus, log: log}
}

// Handle processes one ScanRequest delivery.
func (s *Scanner) Handle(ctx context.Context, d *queue.Delivery) error {
	var req queue.ScanRequest
	if err := d.Decode(&req); err != nil {
		s.log.Error("dropping malformed scan request", "id", d.ID, "error", err)
		return nil
	}

	if err := s.tracker.StartJob(ctx, req.JobID); err != nil {
		return pipelinemodule.NewTransientIOError("failed to start job", err)
	}
	s.publishEvent(events.EventScanStarted, "Scan started", &req, 0)

	descriptors, err := s.enumerate(ctx, &req)
	if err != nil {
		if pipelinemodule.Classify(err) == pipelinemodule.FailureFatal {
			s.log.Error("collection root is unusable",
				"job_id", req.JobID, "root", req.RootPath, "error", err)
			s.publishEvent(events.EventScanFailed, "Scan failed", &req, 0)
			if failErr := s.tracker.FailJob(ctx, req.JobID, pipelinemodule.Reason(err)); failErr != nil {
				return failErr
			}
			return nil
		}
		return err
	}

	total := int64(len(descriptors))

	// Totals first: downstream counters may start moving the moment the
	// first process request is claimed.
	for _, stage := range []string{database.StageProcess, database.StageThumbnail, database.StageCache} {
		if err := s.tracker.FinalizeTotal(ctx, req.JobID, stage, total); err != nil {
			return pipelinemodule.NewTransientIOError("failed to finalize stage total", err)
		}
	}

	payloads := make([]interface{}, 0, len(descriptors))
	for _, desc := range descriptors {
		payloads = append(payloads, queue.ImageProcessRequest{
			JobID:        req.JobID,
			CollectionID: req.CollectionID,
			Descriptor:   desc,
			DirectAccess: req.DirectAccess,
		})
	}
	if err := s.broker.PublishAll(ctx, queue.QueueProcess, payloads); err != nil {
		return pipelinemodule.NewTransientIOError("failed to publish process requests", err)
	}

	if err := s.tracker.CompleteStage(ctx, req.JobID, database.StageScan, 1); err != nil {
		return pipelinemodule.NewTransientIOError("failed to complete scan stage", err)
	}

	s.log.Info("scan completed", "job_id", req.JobID, "files", total)
	s.publishEvent(events.EventScanCompleted, "Scan completed", &req, total)
	return nil
}

// enumerate discovers every media file in the collection. Unreadable roots
// are fatal; anything wrong with an individual archive or directory entry is
// logged and skipped so one bad file cannot sink the scan.
func (s *Scanner) enumerate(ctx context.Context, req *queue.ScanRequest) ([]mediasource.MediaDescriptor, error) {
	if req.Kind == "archive" {
		descriptors, err := s.enumerateArchive(req.RootPath)
		if err != nil {
			return nil, pipelinemodule.NewConfigurationError(
				fmt.Sprintf("cannot open collection archive %s", req.RootPath), err)
		}
		return descriptors, nil
	}

	var descriptors []mediasource.MediaDescriptor
	rootSeen := false
	err := filepath.WalkDir(req.RootPath, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if !rootSeen {
				return pipelinemodule.NewConfigurationError(
					fmt.Sprintf("cannot read collection root %s", req.RootPath), walkErr)
			}
			s.log.Warn("skipping unreadable path", "path", path, "error", walkErr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if entry.IsDir() {
			// Subfolders are always descended into. Collections that only
			// scanned their top level used to silently miss nested images.
			rootSeen = true
			return nil
		}
		rootSeen = true

		if utils.IsSidecarFile(path) {
			return nil
		}

		switch {
		case utils.IsArchiveFile(path):
			entries, err := s.enumerateArchive(path)
			if err != nil {
				s.log.Warn("skipping unreadable archive", "path", path, "error", err)
				return nil
			}
			descriptors = append(descriptors, entries...)
		case utils.IsMediaFile(path):
			desc, err := mediasource.DescribeFile(req.RootPath, path)
			if err != nil {
				s.log.Warn("skipping undescribable file", "path", path, "error", err)
				return nil
			}
			descriptors = append(descriptors, desc)
		}
		return nil
	})
	if err != nil {
		if pipelinemodule.Classify(err) == pipelinemodule.FailureFatal {
			return nil, err
		}
		return nil, pipelinemodule.NewTransientIOError("scan walk failed", err)
	}
	return descriptors, nil
}

// enumerateArchive lists the media entries of one zip archive. Entry keys
// come verbatim from the zip directory, never from a display name, so later
// extraction finds the entry by exact match.
func (s *Scanner) enumerateArchive(archivePath string) ([]mediasource.MediaDescriptor, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var descriptors []mediasource.MediaDescriptor
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if utils.IsSidecarFile(entry.Name) || !utils.IsMediaFile(entry.Name) {
			continue
		}
		descriptors = append(descriptors, mediasource.DescribeArchiveEntry(archivePath, entry))
	}
	return descriptors, nil
}

func (s *Scanner) publishEvent(eventType events.EventType, title string, req *queue.ScanRequest, files int64) {
	if s.bus == nil {
		return
	}
	event := events.NewSystemEvent(eventType, title,
		fmt.Sprintf("collection %d", req.CollectionID))
	event.Data["job_id"] = req.JobID
	event.Data["collection_id"] = req.CollectionID
	event.Data["files"] = files
	s.bus.PublishAsync(event)
}
