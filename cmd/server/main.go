// Package main is the entry point for the flood-map server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/damwatch/server/internal/api"
	"github.com/damwatch/server/internal/cache"
	"github.com/damwatch/server/internal/config"
	"github.com/damwatch/server/internal/events"
	"github.com/damwatch/server/internal/mapstore"
	"github.com/damwatch/server/internal/observability"
	"github.com/damwatch/server/internal/render"
	"github.com/damwatch/server/internal/service"
	"github.com/damwatch/server/pkg/colormap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file with environment overrides")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envPath, err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if _, ok := colormap.Named(cfg.Render.DefaultRamp); !ok {
		log.Fatalf("Unknown default ramp %q (have %v)", cfg.Render.DefaultRamp, colormap.Names())
	}

	log.Printf("Starting flood-map server on port %d", cfg.Server.Port)

	if err := os.MkdirAll(cfg.Media.Root, 0755); err != nil {
		log.Fatalf("Failed to create media root: %v", err)
	}

	store, err := mapstore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Record store: sqlite=%s", cfg.Store.SQLitePath)

	cacheManager, err := cache.NewManager(cache.Config{
		LegendCacheSizeMB: cfg.Cache.LegendSizeMB,
		LegendTTL:         time.Duration(cfg.Cache.LegendTTLMinutes) * time.Minute,
		RampCacheSize:     cfg.Cache.RampEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	renderer := render.NewRasterRenderer(render.Config{
		CompressionLevel: cfg.Render.PNGCompression(),
		LegendWidth:      cfg.Render.LegendWidth,
		LegendHeight:     cfg.Render.LegendHeight,
		MaxPixels:        cfg.Render.MaxPixels,
	})

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		publisher = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, clockwork.NewRealClock())
		log.Printf("Publishing flood-map events to kafka topic %q (%v)", cfg.Kafka.Topic, cfg.Kafka.Brokers)
	}
	defer publisher.Close()

	metrics := observability.NewMetrics()

	floodMaps := service.NewFloodMapService(service.Config{
		MediaRoot:   cfg.Media.Root,
		Timeout:     cfg.Render.Timeout(),
		DefaultRamp: cfg.Render.DefaultRamp,
		MaxPixels:   cfg.Render.MaxPixels,
	}, store, renderer, cacheManager, publisher, metrics)

	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		Retention:     time.Duration(cfg.Jobs.RetentionHours) * time.Hour,
		CleanupPeriod: 1 * time.Hour,
	}, store, metrics)
	jobManager.Executor = floodMaps.ExecuteRenderJob
	jobManager.Start()
	defer jobManager.Stop()
	log.Printf("Render job manager: max_concurrent=%d, queue=%d, retention_hours=%d",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.QueueSize, cfg.Jobs.RetentionHours)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:        floodMaps,
		JobManager:     jobManager,
		MediaRoot:      cfg.Media.Root,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // large uploads
		WriteTimeout: cfg.Render.WriteTimeout(),
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
