/**
 * CurrencyScan Worker - Main Entry Point
 *
 * Scores banknote photographs for currency and authenticity.
 *
 * Architecture:
 * - Redis LIST (or asynq) consumer for asynchronous scan jobs
 * - Scan pipeline: preprocess -> Tesseract (optional vision fallback) -> scorer
 * - Redis job status store, optional PostgreSQL job tracking
 * - HTTP API for synchronous scans, job submission and exchange rates
 */

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/currencyscan-worker/internal/api"
	"github.com/adverant/nexus/currencyscan-worker/internal/clients"
	"github.com/adverant/nexus/currencyscan-worker/internal/config"
	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
	"github.com/adverant/nexus/currencyscan-worker/internal/queue"
	"github.com/adverant/nexus/currencyscan-worker/internal/scorer"
	"github.com/adverant/nexus/currencyscan-worker/internal/storage"
)

// consumer is implemented by both queue backends
type consumer interface {
	Stop() error
}

type asynqConsumer struct{ *queue.Consumer }

func (c asynqConsumer) Stop() error { return c.Consumer.Stop(context.Background()) }

func main() {
	if err := godotenv.Load(".env.currencyscan"); err != nil {
		log.Printf("Warning: .env.currencyscan not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))

	log.Printf("CurrencyScan Worker starting (env=%s)...", cfg.AppEnv)
	log.Printf("Configuration loaded: Queue=%s (%s), Workers=%d, PostgreSQL=%t, Rates=%t",
		cfg.QueueName, cfg.QueueBackend, cfg.WorkerConcurrency, cfg.DatabaseURL != "", cfg.RatesEnabled())

	ctx := context.Background()

	// Optional PostgreSQL job tracking
	var pg *storage.PostgresClient
	var jobStore processor.JobStore
	if cfg.DatabaseURL != "" {
		pg, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to prepare PostgreSQL schema: %v", err)
		}
		jobStore = pg
		log.Printf("PostgreSQL job tracking enabled")
	}

	proc, err := processor.NewScanProcessor(&processor.ProcessorConfig{
		Recognizer:   buildRecognizer(cfg),
		Preprocessor: processor.NewPreprocessor(cfg.ResizeWidth, cfg.JPEGQuality),
		Scorer:       scorer.New(),
		JobStore:     jobStore,
		MaxFileSize:  cfg.MaxFileSize,
		Logger:       logging.NewLogger("processor"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize scan processor: %v", err)
	}

	// Redis: status store, producer, consumer
	log.Printf("Connecting to Redis queue...")
	redisClient, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	status := queue.NewStatusStore(redisClient, cfg.QueueName, cfg.JobResultTTL)

	var producer queue.Producer
	var worker consumer
	switch cfg.QueueBackend {
	case "asynq":
		ap, err := queue.NewAsynqProducer(cfg.RedisURL, cfg.QueueName, cfg.MaxRetries, status)
		if err != nil {
			log.Fatalf("Failed to initialize asynq producer: %v", err)
		}
		producer = ap

		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			Status:            status,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logging.NewLogger("asynq-consumer"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := c.Start(ctx); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		worker = asynqConsumer{c}
	default:
		producer = queue.NewRedisProducer(redisClient, cfg.QueueName, cfg.MaxRetries, status)

		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			Client:            redisClient,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			Status:            status,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
			Logger:            logging.NewLogger("redis-consumer"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize queue consumer: %v", err)
		}
		if err := c.Start(); err != nil {
			log.Fatalf("Failed to start queue consumer: %v", err)
		}
		worker = c
	}
	defer producer.Close()
	log.Printf("Queue consumer started with concurrency=%d", cfg.WorkerConcurrency)

	// HTTP API
	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		deps := api.Deps{
			Scanner:     proc,
			Scorer:      scorer.New(),
			Producer:    producer,
			Statuses:    status,
			MaxFileSize: cfg.MaxFileSize,
			ScanTimeout: cfg.ProcessingTimeoutDuration(),
			Logger:      logging.NewLogger("api"),
		}
		deps.Health = []api.HealthCheck{{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		}}
		if pg != nil {
			deps.Jobs = pg
			deps.Health = append(deps.Health, api.HealthCheck{Name: "postgres", Check: pg.Ping})
		}
		if cfg.RatesEnabled() {
			deps.Rates = clients.NewRatesClient(clients.RatesConfig{
				BaseURL:   cfg.RatesAPIURL,
				AccessKey: cfg.RatesAPIKey,
				Symbols:   cfg.RatesSymbols,
				CacheTTL:  cfg.RatesCacheTTL,
			})
		}

		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP API listening on %s", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP server failed: %v", err)
			}
		}()
	}

	log.Printf("===========================================")
	log.Printf("CurrencyScan Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("OCR: tesseract [%v], vision fallback=%t", cfg.TesseractLanguages, cfg.VisionAPIURL != "")
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error stopping HTTP server: %v", err)
		}
		cancel()
	}

	log.Printf("Stopping queue consumer...")
	if err := worker.Stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	}

	log.Printf("Shutdown complete")
}

// buildRecognizer returns Tesseract, wrapped with the vision fallback tier
// when VISION_API_URL is set.
func buildRecognizer(cfg *config.Config) processor.Recognizer {
	tesseract, err := processor.NewTesseractOCR(&processor.TesseractConfig{Languages: cfg.TesseractLanguages})
	if err != nil {
		log.Fatalf("Failed to initialize Tesseract: %v", err)
	}
	if cfg.VisionAPIURL == "" {
		return tesseract
	}

	return &processor.TieredRecognizer{
		Primary:       tesseract,
		Fallback:      processor.NewVisionOCR(clients.NewVisionClient(cfg.VisionAPIURL, nil), ""),
		MinConfidence: cfg.OCRFallbackConfidence,
		Logger:        logging.NewLogger("ocr"),
	}
}
