package monitormodule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/modules/pipelinemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
)

// stageModels pairs each counter-bearing stage with its record table.
var stageModels = []struct {
	stage string
	model interface{}
}{
	{database.StageProcess, &database.ImageRecord{}},
	{database.StageThumbnail, &database.ThumbnailRecord{}},
	{database.StageCache, &database.CacheRecord{}},
}

// Reconciler is the periodic safety net. Counters are best-effort fast-path
// signals; the durable records are the truth. Each pass repairs counters for
// a bounded batch of running jobs from grouped record counts, retries or
// buries dead-lettered messages, and raises failure-ratio alerts.
type Reconciler struct {
	db      *gorm.DB
	broker  *queue.Broker
	tracker *pipelinemodule.Tracker
	records *pipelinemodule.RecordStore
	bus     events.EventBus
	cfg     *config.MonitorConfig
	log     hclog.Logger

	mu      sync.Mutex
	alerted map[string]bool // jobs already alerted this process lifetime
}

// NewReconciler creates the reconciliation pass.
func NewReconciler(db *gorm.DB, broker *queue.Broker, tracker *pipelinemodule.Tracker, records *pipelinemodule.RecordStore, bus events.EventBus, cfg *config.MonitorConfig, log hclog.Logger) *Reconciler {
	return &Reconciler{
		db:      db,
		broker:  broker,
		tracker: tracker,
		records: records,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		alerted: make(map[string]bool),
	}
}

// Run executes one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.reconcileJobs(ctx); err != nil {
		r.log.Error("job reconciliation failed", "error", err)
	}
	if err := r.reconcileDeadLetters(ctx); err != nil {
		r.log.Error("dead letter reconciliation failed", "error", err)
	}
	r.sampleQueues()
	metricReconcileRuns.Inc()
}

// reconcileJobs repairs stage counters for a bounded batch of running jobs.
// All record counting happens in one grouped query per stage table, so the
// pass costs a handful of queries no matter how many jobs are in the batch.
func (r *Reconciler) reconcileJobs(ctx context.Context) error {
	var jobs []database.PipelineJob
	err := r.db.WithContext(ctx).
		Where("status = ?", database.JobRunning).
		Order("created_at").
		Limit(r.cfg.BatchSize).
		Find(&jobs).Error
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	collectionIDs := make([]uint, 0, len(jobs))
	for _, job := range jobs {
		collectionIDs = append(collectionIDs, job.CollectionID)
	}

	for _, sm := range stageModels {
		completed, err := r.records.CountRecordsByCollectionOutcome(ctx, sm.model, collectionIDs, false)
		if err != nil {
			return err
		}
		failed, err := r.records.CountRecordsByCollectionOutcome(ctx, sm.model, collectionIDs, true)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			err := r.tracker.RepairCounters(ctx, job.ID, sm.stage,
				completed[job.CollectionID], failed[job.CollectionID])
			if err != nil {
				r.log.Error("failed to repair stage counters",
					"job_id", job.ID, "stage", sm.stage, "error", err)
			}
		}
	}

	for _, job := range jobs {
		r.checkFailureRatio(ctx, &job)
	}
	return nil
}

// checkFailureRatio raises one alert per job whose failed share of finalized
// work crosses the configured threshold.
func (r *Reconciler) checkFailureRatio(ctx context.Context, job *database.PipelineJob) {
	if r.cfg.AlertFailureRatio <= 0 {
		return
	}

	r.mu.Lock()
	seen := r.alerted[job.ID]
	r.mu.Unlock()
	if seen {
		return
	}

	stages, err := r.tracker.Stages(ctx, job.ID)
	if err != nil {
		return
	}

	var total, failed int64
	for _, stage := range stages {
		if !stage.TotalFinal {
			continue
		}
		total += stage.Total
		failed += stage.Failed
	}
	if total == 0 {
		return
	}

	ratio := float64(failed) / float64(total)
	if ratio < r.cfg.AlertFailureRatio {
		return
	}

	r.mu.Lock()
	r.alerted[job.ID] = true
	r.mu.Unlock()

	metricFailureAlerts.Inc()
	r.log.Warn("job failure ratio over threshold",
		"job_id", job.ID, "ratio", fmt.Sprintf("%.2f", ratio), "failed", failed, "total", total)
	if r.bus != nil {
		event := events.NewSystemEvent(events.EventFailureAlert, "High failure ratio",
			fmt.Sprintf("job %s has failed %d of %d files", job.ID, failed, total))
		event.Data["job_id"] = job.ID
		event.Data["ratio"] = ratio
		r.bus.PublishAsync(event)
	}
}

// jobEnvelope is the minimal message shape shared by every pipeline request.
type jobEnvelope struct {
	JobID string `json:"job_id"`
}

// reconcileDeadLetters retries dead messages a bounded number of times, then
// fails their job with the captured error so the job never hangs on work
// that can never succeed.
func (r *Reconciler) reconcileDeadLetters(ctx context.Context) error {
	dead, err := r.broker.ListDead(r.cfg.BatchSize)
	if err != nil {
		return err
	}
	metricDeadLetters.Set(float64(len(dead)))

	for _, msg := range dead {
		var env jobEnvelope
		if err := json.Unmarshal([]byte(msg.Body), &env); err != nil || env.JobID == "" {
			r.log.Error("dropping dead message with no job attribution", "id", msg.ID)
			if err := r.broker.Drop(msg.ID); err != nil {
				r.log.Error("failed to drop dead message", "id", msg.ID, "error", err)
			}
			continue
		}

		if msg.Redeliveries < r.cfg.DeadLetterRetries {
			r.log.Warn("redelivering dead message",
				"id", msg.ID, "queue", msg.Queue, "job_id", env.JobID, "redeliveries", msg.Redeliveries)
			if err := r.broker.Redeliver(msg.ID); err != nil {
				r.log.Error("failed to redeliver dead message", "id", msg.ID, "error", err)
				continue
			}
			metricRedeliveries.Inc()
			continue
		}

		reason := fmt.Sprintf("message exhausted redeliveries on %s: %s", msg.Queue, msg.LastError)
		r.log.Error("burying dead message and failing its job",
			"id", msg.ID, "queue", msg.Queue, "job_id", env.JobID)
		if r.bus != nil {
			event := events.NewSystemEvent(events.EventDeadLetter, "Dead letter buried", reason)
			event.Data["job_id"] = env.JobID
			event.Data["queue"] = msg.Queue
			r.bus.PublishAsync(event)
		}
		if err := r.tracker.FailJob(ctx, env.JobID, reason); err != nil {
			r.log.Error("failed to fail job for dead message", "job_id", env.JobID, "error", err)
			continue
		}
		if err := r.broker.Drop(msg.ID); err != nil {
			r.log.Error("failed to drop dead message", "id", msg.ID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) sampleQueues() {
	for _, q := range []string{queue.QueueScan, queue.QueueProcess, queue.QueueThumbnail, queue.QueueCache} {
		depth, err := r.broker.Depth(q)
		if err != nil {
			continue
		}
		metricQueueDepth.WithLabelValues(q).Set(float64(depth))
	}
}
