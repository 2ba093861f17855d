package monitormodule

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/mediasource"
	"github.com/mantonx/pixelpipe/internal/modules/pipelinemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
)

// Recovery resumes jobs a previous process left unfinished. The queue is
// durable, so most interrupted work simply redelivers; recovery covers the
// gaps where a job is incomplete but its queue has gone quiet, by
// republishing the missing requests from the durable records. Every
// republished request is safe to duplicate: consumers skip existing records.
type Recovery struct {
	db      *gorm.DB
	broker  *queue.Broker
	tracker *pipelinemodule.Tracker
	records *pipelinemodule.RecordStore
	bus     events.EventBus
	cfg     *config.Config
	log     hclog.Logger
}

// NewRecovery creates the startup recovery pass.
func NewRecovery(db *gorm.DB, broker *queue.Broker, tracker *pipelinemodule.Tracker, records *pipelinemodule.RecordStore, bus events.EventBus, cfg *config.Config, log hclog.Logger) *Recovery {
	return &Recovery{db: db, broker: broker, tracker: tracker, records: records, bus: bus, cfg: cfg, log: log}
}

// Run recovers every unfinished job. Called once at startup, before the
// broker begins dispatching.
func (r *Recovery) Run(ctx context.Context) error {
	var jobs []database.PipelineJob
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{database.JobPending, database.JobRunning}).
		Order("created_at").
		Find(&jobs).Error
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	for _, job := range jobs {
		if err := r.recoverJob(ctx, &job); err != nil {
			r.log.Error("failed to recover job", "job_id", job.ID, "error", err)
		}
	}
	if len(jobs) > 0 {
		r.log.Info("startup recovery finished", "jobs", len(jobs))
	}
	return nil
}

func (r *Recovery) recoverJob(ctx context.Context, job *database.PipelineJob) error {
	var collection database.Collection
	if err := r.db.WithContext(ctx).First(&collection, job.CollectionID).Error; err != nil {
		return fmt.Errorf("collection %d not found: %w", job.CollectionID, err)
	}

	stages, err := r.tracker.Stages(ctx, job.ID)
	if err != nil {
		return err
	}
	byName := make(map[string]database.JobStage, len(stages))
	for _, stage := range stages {
		byName[stage.Name] = stage
	}

	// Scan or metadata work missing with no message left to drive it: the
	// scan request restarts discovery. Everything it republishes lands on
	// existing records.
	scanIncomplete := byName[database.StageScan].Status != database.StageCompleted
	processIncomplete := byName[database.StageProcess].Status != database.StageCompleted
	if scanIncomplete || processIncomplete {
		quiet, err := r.queuesQuiet(queue.QueueScan, queue.QueueProcess)
		if err != nil {
			return err
		}
		if quiet {
			r.announceRecovery(job, "restarting scan")
			return r.broker.Publish(ctx, queue.QueueScan, queue.ScanRequest{
				JobID:        job.ID,
				CollectionID: collection.ID,
				RootPath:     collection.RootPath,
				Kind:         collection.Kind,
				Recursive:    collection.Recursive,
				DirectAccess: collection.DirectAccess,
			})
		}
		return nil
	}

	recovered := false
	if byName[database.StageThumbnail].Status != database.StageCompleted {
		n, err := r.republishThumbnails(ctx, job, &collection)
		if err != nil {
			return err
		}
		recovered = recovered || n > 0
	}
	if byName[database.StageCache].Status != database.StageCompleted {
		n, err := r.republishCache(ctx, job, &collection)
		if err != nil {
			return err
		}
		recovered = recovered || n > 0
	}
	if recovered {
		r.announceRecovery(job, "republished missing generation requests")
	}

	// Counters may have been the only thing lost; let the reconciler logic
	// settle the stages from the records that already exist.
	for _, sm := range stageModels {
		completed, err := r.records.CountRecordsByCollectionOutcome(ctx, sm.model, []uint{collection.ID}, false)
		if err != nil {
			return err
		}
		failed, err := r.records.CountRecordsByCollectionOutcome(ctx, sm.model, []uint{collection.ID}, true)
		if err != nil {
			return err
		}
		if err := r.tracker.RepairCounters(ctx, job.ID, sm.stage,
			completed[collection.ID], failed[collection.ID]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recovery) republishThumbnails(ctx context.Context, job *database.PipelineJob, collection *database.Collection) (int, error) {
	quiet, err := r.queuesQuiet(queue.QueueThumbnail)
	if err != nil || !quiet {
		return 0, err
	}

	missing, err := r.records.ImagesMissingThumbnails(ctx, collection.ID)
	if err != nil {
		return 0, err
	}

	p := r.cfg.Pipeline
	payloads := make([]interface{}, 0, len(missing))
	for _, img := range missing {
		payloads = append(payloads, queue.ThumbnailRequest{
			JobID:        job.ID,
			CollectionID: collection.ID,
			ImageID:      img.ID,
			Descriptor:   descriptorFromRecord(&img),
			Width:        p.ThumbWidth,
			Height:       p.ThumbHeight,
			DirectAccess: collection.DirectAccess,
		})
	}
	if err := r.broker.PublishAll(ctx, queue.QueueThumbnail, payloads); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

func (r *Recovery) republishCache(ctx context.Context, job *database.PipelineJob, collection *database.Collection) (int, error) {
	quiet, err := r.queuesQuiet(queue.QueueCache)
	if err != nil || !quiet {
		return 0, err
	}

	missing, err := r.records.ImagesMissingCache(ctx, collection.ID)
	if err != nil {
		return 0, err
	}

	p := r.cfg.Pipeline
	payloads := make([]interface{}, 0, len(missing))
	for _, img := range missing {
		payloads = append(payloads, queue.CacheRequest{
			JobID:            job.ID,
			CollectionID:     collection.ID,
			ImageID:          img.ID,
			Descriptor:       descriptorFromRecord(&img),
			Width:            p.CacheWidth,
			Height:           p.CacheHeight,
			Quality:          p.CacheQuality,
			Format:           p.CacheFormat,
			PreserveOriginal: p.PreserveOriginals,
			DirectAccess:     collection.DirectAccess,
		})
	}
	if err := r.broker.PublishAll(ctx, queue.QueueCache, payloads); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// queuesQuiet reports whether all given queues have no undelivered messages.
// Recovery only republishes into a quiet queue; anything still pending will
// be delivered by the broker on its own.
func (r *Recovery) queuesQuiet(queues ...string) (bool, error) {
	for _, q := range queues {
		depth, err := r.broker.Depth(q)
		if err != nil {
			return false, err
		}
		if depth > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (r *Recovery) announceRecovery(job *database.PipelineJob, detail string) {
	r.log.Info("recovering interrupted job", "job_id", job.ID, "detail", detail)
	if r.bus != nil {
		event := events.NewSystemEvent(events.EventJobRecovered, "Job recovered", detail)
		event.Data["job_id"] = job.ID
		r.bus.PublishAsync(event)
	}
}

func descriptorFromRecord(rec *database.ImageRecord) mediasource.MediaDescriptor {
	return mediasource.MediaDescriptor{
		LocationKind:   mediasource.LocationKind(rec.LocationKind),
		ContainerPath:  rec.ContainerPath,
		EntryKey:       rec.EntryKey,
		SizeBytes:      rec.SizeBytes,
		DetectedFormat: rec.Format,
	}
}
