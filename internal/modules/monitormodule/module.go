// Package monitormodule is the pipeline's safety net: scheduled counter
// reconciliation, dead-letter handling, startup recovery, and the metrics
// and health surfaces.
package monitormodule

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/logger"
	"github.com/mantonx/pixelpipe/internal/modules/pipelinemodule"
	"github.com/mantonx/pixelpipe/internal/queue"
)

const (
	// ModuleID is the unique identifier for the monitor module
	ModuleID = "system.monitor"

	// ModuleName is the display name for the monitor module
	ModuleName = "Pipeline Monitor"
)

// Module wires reconciliation and recovery into the module system.
type Module struct {
	db       *gorm.DB
	broker   *queue.Broker
	bus      events.EventBus
	cfg      *config.Config
	pipeline *pipelinemodule.Module

	reconciler *Reconciler
	recovery   *Recovery
	scheduler  *cron.Cron
}

// NewModule creates a new monitor module. The pipeline module must
// initialize before this one; modules load in registration order.
func NewModule(db *gorm.DB, broker *queue.Broker, bus events.EventBus, cfg *config.Config, pipeline *pipelinemodule.Module) *Module {
	return &Module{db: db, broker: broker, bus: bus, cfg: cfg, pipeline: pipeline}
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
	// Reconciliation works entirely over tables owned by other modules.
	return nil
}

// Init builds the reconciler and schedules it.
func (m *Module) Init() error {
	log := logger.Named("monitor")
	tracker := m.pipeline.GetTracker()
	records := m.pipeline.GetRecordStore()
	m.reconciler = NewReconciler(m.db, m.broker, tracker, records, m.bus, &m.cfg.Monitor, log)
	m.recovery = NewRecovery(m.db, m.broker, tracker, records, m.bus, m.cfg, log.Named("recovery"))

	m.scheduler = cron.New()
	_, err := m.scheduler.AddFunc(m.cfg.Monitor.Schedule, func() {
		m.reconciler.Run(context.Background())
	})
	if err != nil {
		return err
	}

	if m.cfg.Monitor.MetricsEnabled {
		m.subscribeJobMetrics()
	}
	return nil
}

// Start runs the startup recovery pass and begins the reconcile schedule.
// Called after every module is initialized and before the broker dispatches.
func (m *Module) Start(ctx context.Context) error {
	if err := m.recovery.Run(ctx); err != nil {
		return err
	}
	m.scheduler.Start()
	return nil
}

// Stop halts the reconcile schedule, waiting for a running pass to finish.
func (m *Module) Stop() {
	if m.scheduler != nil {
		<-m.scheduler.Stop().Done()
	}
}

// GetReconciler returns the reconciliation pass.
func (m *Module) GetReconciler() *Reconciler {
	return m.reconciler
}

// GetRecovery returns the startup recovery pass.
func (m *Module) GetRecovery() *Recovery {
	return m.recovery
}

func (m *Module) subscribeJobMetrics() {
	_, err := m.bus.Subscribe(events.EventFilter{
		Types: []events.EventType{events.EventJobCompleted, events.EventJobFailed},
	}, func(event events.Event) error {
		switch event.Type {
		case events.EventJobCompleted:
			metricJobsCompleted.Inc()
		case events.EventJobFailed:
			metricJobsFailed.Inc()
		}
		return nil
	})
	if err != nil {
		logger.Warn("failed to subscribe job metrics: %v", err)
	}
}

// RegisterRoutes exposes the health and metrics surfaces.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m.cfg.Monitor.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}
