// Package pipelinemodule implements the processing stages that turn
// discovered media files into durable metadata and artifact records, and the
// job/stage state machine tracking their progress.
package pipelinemodule

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/logger"
	"github.com/mantonx/pixelpipe/internal/modules/cachemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
)

const (
	// ModuleID is the unique identifier for the pipeline module
	ModuleID = "system.pipeline"

	// ModuleName is the display name for the pipeline module
	ModuleName = "Processing Pipeline"
)

// Module wires the processing consumers into the module system.
type Module struct {
	db     *gorm.DB
	broker *queue.Broker
	bus    events.EventBus
	cfg    *config.Config
	cache  *cachemodule.Module

	tracker *Tracker
	records *RecordStore
}

// NewModule creates a new pipeline module. The cache module must initialize
// before this one; modules load in registration order.
func NewModule(db *gorm.DB, broker *queue.Broker, bus events.EventBus, cfg *config.Config, cache *cachemodule.Module) *Module {
	return &Module{db: db, broker: broker, bus: bus, cfg: cfg, cache: cache}
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
	return db.AutoMigrate(
		&database.Collection{},
		&database.PipelineJob{},
		&database.JobStage{},
		&database.ImageRecord{},
		&database.ThumbnailRecord{},
		&database.CacheRecord{},
	)
}

// Init builds the stage consumers and registers them with the broker.
func (m *Module) Init() error {
	m.tracker = NewTracker(m.db, m.bus, logger.Named("pipeline.tracker"))
	m.records = NewRecordStore(m.db)

	process := NewProcessConsumer(m.db, m.broker, m.tracker, m.records, m.cfg, logger.Named("pipeline.process"))
	generate := NewGenerateConsumer(m.db, m.tracker, m.records, m.cache.GetManager(), m.cfg, logger.Named("pipeline.generate"))

	m.broker.Consume(queue.QueueProcess, process.Handle)
	m.broker.Consume(queue.QueueThumbnail, generate.HandleThumbnail)
	m.broker.Consume(queue.QueueCache, generate.HandleCache)
	return nil
}

// GetTracker returns the job/stage tracker.
func (m *Module) GetTracker() *Tracker {
	return m.tracker
}

// GetRecordStore returns the artifact record store.
func (m *Module) GetRecordStore() *RecordStore {
	return m.records
}

// RegisterRoutes exposes the job status surface.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/jobs/:id", m.getJobStatus)
}

func (m *Module) getJobStatus(c *gin.Context) {
	job, stages, err := m.tracker.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":    job,
		"stages": stages,
	})
}
