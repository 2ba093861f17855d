// pixelpipe is an asynchronous media processing pipeline: it scans media
// collections, extracts image metadata, and generates thumbnail and
// display-cache artifacts with durable per-stage progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/pixelpipe/internal/config"
	"github.com/mantonx/pixelpipe/internal/database"
	"github.com/mantonx/pixelpipe/internal/events"
	"github.com/mantonx/pixelpipe/internal/logger"
	"github.com/mantonx/pixelpipe/internal/modules/cachemodule"
	"github.com/mantonx/pixelpipe/internal/modules/modulemanager"
	"github.com/mantonx/pixelpipe/internal/modules/monitormodule"
	"github.com/mantonx/pixelpipe/internal/modules/pipelinemodule"
	"github.com/mantonx/pixelpipe/internal/modules/scannermodule"
	"github.com/mantonx/pixelpipe/internal/queue"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("pixelpipe exited with error: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetLevel(cfg.Logging.Level)
	logger.Info("Starting pixelpipe")

	if err := database.Initialize(&cfg.Database); err != nil {
		return err
	}
	db := database.GetDB()
	if err := db.AutoMigrate(&events.StoredEvent{}); err != nil {
		return fmt.Errorf("failed to migrate event storage: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus(events.DefaultEventBusConfig(), logger.Named("events"),
		events.NewDatabaseEventStorage(db))
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	broker := queue.NewBroker(db, cfg.Queue, logger.Named("queue"))
	if err := broker.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate broker: %w", err)
	}

	// Registration order is load order: the cache module provides folders to
	// the pipeline, the pipeline provides tracking to the scanner and monitor.
	cacheModule := cachemodule.NewModule(db, &cfg.Cache)
	pipelineModule := pipelinemodule.NewModule(db, broker, bus, cfg, cacheModule)
	scannerModule := scannermodule.NewModule(db, broker, bus, pipelineModule)
	monitorModule := monitormodule.NewModule(db, broker, bus, cfg, pipelineModule)

	modulemanager.Register(cacheModule)
	modulemanager.Register(pipelineModule)
	modulemanager.Register(scannerModule)
	modulemanager.Register(monitorModule)

	if err := modulemanager.LoadAll(db); err != nil {
		return err
	}

	// Recovery republishes into quiet queues, so it has to finish before the
	// broker starts draining them.
	if err := monitorModule.Start(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if err := broker.Start(ctx); err != nil {
		return err
	}

	server := startHTTP(cfg)

	bus.PublishAsync(events.NewSystemEvent(events.EventSystemStarted, "Pipeline started", ""))
	logger.Info("pixelpipe is ready on port %d", cfg.Server.Port)

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	monitorModule.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown: %v", err)
	}
	if err := broker.Stop(shutdownCtx); err != nil {
		logger.Warn("broker shutdown: %v", err)
	}
	bus.PublishAsync(events.NewSystemEvent(events.EventSystemStopped, "Pipeline stopped", ""))
	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Warn("event bus shutdown: %v", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

func startHTTP(cfg *config.Config) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	modulemanager.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed: %v", err)
		}
	}()
	return server
}
