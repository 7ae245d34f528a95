/**
 * BOL Extraction Worker - Main Entry Point
 *
 * Architecture:
 * - Redis LIST (or asynq) consumer for queued extraction jobs
 * - OCR cascade: Tesseract, then PaddleOCR and Cloud Vision for low-confidence pages
 * - Rule-based BOL field extraction and quality scoring
 * - PostgreSQL job records and Qdrant fingerprints for duplicate detection
 * - Fiber HTTP API for synchronous extraction and job submission
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/api"
	"github.com/adverant/nexus/bolprocess-worker/internal/bootstrap"
	"github.com/adverant/nexus/bolprocess-worker/internal/config"
	"github.com/adverant/nexus/bolprocess-worker/internal/fingerprint"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/queue"
	"github.com/adverant/nexus/bolprocess-worker/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type consumer interface {
	Start() error
	Stop() error
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		logging.NewLogger("Main").Debug(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Configure(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	log := logging.NewLogger("Main")

	if err := run(cfg, log); err != nil {
		log.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log *logging.Logger) error {
	log.Info("BOL extraction worker starting",
		"queue", cfg.QueueName,
		"backend", cfg.QueueBackend,
		"workers", cfg.WorkerConcurrency,
		"postgres", cfg.DatabaseURL != "",
		"qdrant", cfg.QdrantURL != "",
		"paddleocr", cfg.PaddleOCRURL != "",
		"vision", cfg.GoogleVisionEnabled)

	proc, err := bootstrap.NewProcessor(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize processor: %w", err)
	}
	defer proc.Close()
	caps := proc.Capabilities()
	log.Info("Processor initialized", "ocrEngines", caps.OCREngines, "rasterizer", caps.Rasterizer, "layout", caps.Layout)

	handlerCfg := &queue.HandlerConfig{
		Processor:         proc,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
	}

	var storageManager *storage.StorageManager
	if cfg.DatabaseURL != "" {
		storageManager, err = storage.NewStorageManager(&storage.StorageConfig{
			DatabaseURL:        cfg.DatabaseURL,
			QdrantAddress:      cfg.QdrantURL,
			QdrantCollection:   cfg.QdrantCollection,
			Dimensions:         cfg.FingerprintDimensions,
			DuplicateThreshold: cfg.DuplicateThreshold,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize storage manager: %w", err)
		}
		defer storageManager.Close()
		handlerCfg.Recorder = storageManager

		generator, err := fingerprint.NewGenerator(cfg.FingerprintDimensions)
		if err != nil {
			return err
		}
		handlerCfg.Fingerprinter = generator
		log.Info("Storage manager initialized")
	} else {
		log.Warn("DATABASE_URL not set; results are kept in Redis only")
	}

	handler, err := queue.NewJobHandler(handlerCfg)
	if err != nil {
		return err
	}

	jobConsumer, producer, err := newQueue(cfg, handler)
	if err != nil {
		return err
	}
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := jobConsumer.Start(); err != nil {
			return fmt.Errorf("failed to start queue consumer: %w", err)
		}
		log.Info("Waiting for jobs", "queue", cfg.QueueName)
		<-gctx.Done()
		return jobConsumer.Stop()
	})

	if cfg.HTTPPort > 0 {
		opts := []api.Option{
			api.WithCapabilities(caps),
			api.WithProducer(producer),
			api.WithTimeout(time.Duration(cfg.ProcessingTimeout) * time.Millisecond),
		}
		if storageManager != nil {
			opts = append(opts, api.WithJobRecords(storageManager))
		}

		app := api.NewFiber(api.ServerConfig{
			BodyLimit:      cfg.MaxFileSize,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
		})
		api.New(proc, validator.New(), opts...).Start(app)

		g.Go(func() error {
			addr := fmt.Sprintf(":%d", cfg.HTTPPort)
			log.Info("HTTP API listening", "addr", addr)
			return app.Listen(addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			return app.ShutdownWithTimeout(shutdownTimeout)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newQueue builds the consumer and producer for the configured backend.
func newQueue(cfg *config.Config, handler *queue.JobHandler) (consumer, queue.Producer, error) {
	switch cfg.QueueBackend {
	case "asynq":
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Handler:     handler,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize asynq consumer: %w", err)
		}
		p, err := queue.NewAsynqProducer(cfg.RedisURL, cfg.QueueName, queue.DefaultMaxRetries)
		if err != nil {
			return nil, nil, err
		}
		return c, p, nil

	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Handler:     handler,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		p, err := queue.NewRedisProducer(cfg.RedisURL, cfg.QueueName, queue.DefaultMaxRetries)
		if err != nil {
			return nil, nil, err
		}
		return c, p, nil
	}
}
