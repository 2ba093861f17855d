// Package scannermodule implements collection discovery: walking folders,
// enumerating archives, and seeding the processing pipeline.
package scannermodule

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/logger"
	"github.com/mantonx/pixelpipe/internal/modules/pipelinemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
)

const (
	// ModuleID is the unique identifier for the scanner module
	ModuleID = "system.scanner"

	// ModuleName is the display name for the scanner module
	ModuleName = "Collection Scanner"
)

// Module wires the scanner into the module system.
type Module struct {
	db       *gorm.DB
	broker   *queue.Broker
	bus      events.EventBus
	pipeline *pipelinemodule.Module
	tracker  *pipelinemodule.Tracker
}

// NewModule creates a new scanner module. The pipeline module must
// initialize before this one; modules load in registration order.
func NewModule(db *gorm.DB, broker *queue.Broker, bus events.EventBus, pipeline *pipelinemodule.Module) *Module {
	return &Module{db: db, broker: broker, bus: bus, pipeline: pipeline}
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
	// Schema is owned by the pipeline module.
	return nil
}

// Init registers the scan consumer with the broker.
func (m *Module) Init() error {
	m.tracker = m.pipeline.GetTracker()
	scanner := NewScanner(m.broker, m.tracker, m.bus, logger.Named("scanner"))
	m.broker.Consume(queue.QueueScan, scanner.Handle)
	return nil
}

// StartScan creates a pipeline job for a collection and enqueues its scan.
// The job and its stage rows are durable before the scan request exists, so
// a crash between the two leaves a pending job the recovery pass can see.
func (m *Module) StartScan(ctx context.Context, collectionID uint) (*database.PipelineJob, error) {
	var collection database.Collection
	if err := m.db.WithContext(ctx).First(&collection, collectionID).Error; err != nil {
		return nil, fmt.Errorf("collection %d not found: %w", collectionID, err)
	}

	job, err := m.tracker.CreateJob(ctx, collection.ID)
	if err != nil {
		return nil, err
	}

	req := queue.ScanRequest{
		JobID:        job.ID,
		CollectionID: collection.ID,
		RootPath:     collection.RootPath,
		Kind:         collection.Kind,
		Recursive:    collection.Recursive,
		DirectAccess: collection.DirectAccess,
	}
	if err := m.broker.Publish(ctx, queue.QueueScan, req); err != nil {
		return nil, fmt.Errorf("failed to enqueue scan: %w", err)
	}

	logger.Info("Scan enqueued for collection %d (job %s)", collection.ID, job.ID)
	return job, nil
}

// RegisterRoutes exposes the scan trigger surface.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/collections/:id/scan", m.startScanHandler)
}

func (m *Module) startScanHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid collection id"})
		return
	}

	job, err := m.StartScan(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}
