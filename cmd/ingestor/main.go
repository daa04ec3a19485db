package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwatch/telemetry-pipeline/internal/admin"
	"github.com/fleetwatch/telemetry-pipeline/internal/alerting"
	"github.com/fleetwatch/telemetry-pipeline/internal/backpressure"
	"github.com/fleetwatch/telemetry-pipeline/internal/cache"
	"github.com/fleetwatch/telemetry-pipeline/internal/database"
	"github.com/fleetwatch/telemetry-pipeline/internal/enrichment"
	"github.com/fleetwatch/telemetry-pipeline/internal/ingestion"
	"github.com/fleetwatch/telemetry-pipeline/internal/logging"
	"github.com/fleetwatch/telemetry-pipeline/internal/metrics"
	"github.com/fleetwatch/telemetry-pipeline/internal/queue"
	"github.com/fleetwatch/telemetry-pipeline/internal/sampling"
	"github.com/fleetwatch/telemetry-pipeline/internal/timer"
	"github.com/fleetwatch/telemetry-pipeline/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.Log, "ingestor")

	fmt.Println("Starting Telemetry Ingestor...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.Connect(ctx, cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	fmt.Println("Connected to Redis")

	// Make sure the topics exist
	topics := []queue.TopicSpec{
		{Name: cfg.Kafka.TopicRaw, Partitions: cfg.Kafka.NumPartitions, ReplicationFactor: 1},
		{Name: cfg.Kafka.TopicDLQ, Partitions: 1, ReplicationFactor: 1},
		{Name: cfg.Kafka.TopicAlerts, Partitions: cfg.Kafka.NumPartitions, ReplicationFactor: 1},
	}
	if err := queue.EnsureTopics(ctx, cfg.Kafka.Brokers, topics...); err != nil {
		logger.Warn("could not ensure topics, relying on broker auto-creation", "error", err)
	}

	counters := metrics.NewCounters()

	// Critical-area sampling
	areas, err := sampling.LoadAreas(cfg.Sampling.AreasFile)
	if err != nil {
		log.Fatalf("Failed to load critical areas: %v", err)
	}
	loc, err := time.LoadLocation(cfg.Sampling.Timezone)
	if err != nil {
		logger.Warn("unknown sampling timezone, using UTC", "timezone", cfg.Sampling.Timezone, "error", err)
		loc = time.UTC
	}
	sampler := sampling.NewSampler(areas, loc, sampling.WithEnrichmentRate(cfg.Sampling.WeatherSampleRate))
	fmt.Printf("Loaded %d critical areas (%s)\n", len(areas), loc)

	// Alerting
	alertProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertProducer.Close()

	engine := alerting.NewEngine(db, db, counters, alerting.Limits{
		MaxSpeed:          cfg.Alerts.MaxSpeed,
		MinSpeed:          cfg.Alerts.MinSpeed,
		LowFuel:           cfg.Alerts.LowFuel,
		GPSSilence:        cfg.Alerts.GPSSilence,
		MaxDrivingTime:    cfg.Alerts.MaxDrivingTime,
		SuppressionWindow: cfg.Alerts.SuppressionWindow,
		WeatherCooldown:   cfg.Alerts.WeatherCooldown,
	}, logger,
		alerting.WithPublisher(alertProducer),
		alerting.WithWeatherChecker(enrichment.NewWeatherClient(cfg.Weather)),
		alerting.WithUrbanClassifier(enrichment.NewUrbanClassifier(cfg.Geocoding)),
	)
	dispatcher := alerting.NewDispatcher(engine, cfg.Pipeline.AlertWorkers, cfg.Pipeline.AlertQueueSize, counters, logger)
	dispatcher.Start()

	// Backpressure
	probe := metrics.NewCachedProbe(metrics.SystemProbe{}, cfg.Backpressure.ProbeInterval)
	monitor, err := backpressure.NewMonitor(counters, probe, backpressure.Thresholds{
		Lag:      cfg.Backpressure.LagThreshold,
		CPU:      cfg.Backpressure.CPUThreshold,
		Memory:   cfg.Backpressure.MemoryThreshold,
		Pause:    cfg.Backpressure.Pause,
		QueueMax: cfg.Backpressure.QueueMaxSize,
	}, logger, backpressure.WithQueueDepth(dispatcher.QueueDepth))
	if err != nil {
		log.Fatalf("Invalid backpressure thresholds: %v", err)
	}

	scheduler := timer.NewScheduler(2, logger)
	scheduler.Start()
	watchdog := timer.NewWatchdog(scheduler, cfg.Alerts.GPSSilence, engine.CheckSignalLoss, logger)
	fmt.Println("Alert engine started")

	// Ingestion
	dlqProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDLQ)
	defer dlqProducer.Close()

	positions := cache.NewPositionStore(redisClient, cfg.Redis.StateTTL)
	processor, err := ingestion.NewProcessor(ingestion.Deps{
		DeadLetters: dlqProducer,
		Vehicles:    cache.NewVehicleCache(redisClient, db, cfg.Redis.VehicleTTL, logger),
		Readings:    db,
		Alerts:      dispatcher,
		Sampler:     sampler,
		Monitor:     monitor,
		Counters:    counters,
		Positions:   positions,
		Watchdog:    watchdog,
	}, ingestion.Config{
		MaxInFlight: cfg.Pipeline.MaxInFlight,
		StatsEvery:  cfg.Pipeline.StatsEvery,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create processor: %v", err)
	}

	// Metrics and admin API
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry, counters, metrics.Gauges{
		Lag:        func() float64 { return float64(monitor.Lag()) },
		Throughput: monitor.Throughput,
		Overloaded: func() float64 {
			if monitor.Active() {
				return 1
			}
			return 0
		},
		AlertQueue: func() float64 { return float64(dispatcher.QueueDepth()) },
		Watched:    func() float64 { return float64(watchdog.Watching()) },
	}); err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	handlers := admin.NewHandlers(monitor, sampler, positions, map[string]admin.HealthCheck{
		"postgres": db.PingContext,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}, logger)
	server := admin.NewServer(cfg.Admin.Port, admin.NewRouter(handlers, registry))
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	// One reader per consumer slot; the group coordinator spreads the
	// partitions across them.
	consumers := make([]*queue.Consumer, cfg.Kafka.Consumers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range consumers {
		consumers[i] = queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicRaw, cfg.Kafka.GroupID)
		consumer := consumers[i]
		g.Go(func() error {
			return processor.Run(gctx, consumer)
		})
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for i, c := range consumers {
					stats := c.Stats()
					logger.Info("consumer stats",
						"consumer", i,
						"messages", stats.Messages,
						"bytes", stats.Bytes,
						"errors", stats.Errors,
						"lag", stats.Lag,
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Println("\n✓ Telemetry Ingestor is running")
	fmt.Printf("✓ Consuming %s with %d readers | %d messages in flight\n", cfg.Kafka.TopicRaw, cfg.Kafka.Consumers, cfg.Pipeline.MaxInFlight)
	fmt.Printf("✓ Dead-letter topic: %s | Alerts topic: %s\n", dlqProducer.Topic(), alertProducer.Topic())
	fmt.Printf("✓ Admin API on :%d\n", cfg.Admin.Port)
	fmt.Println("✓ Press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		logger.Error("consumer stopped", "error", err)
	}

	fmt.Println("\nShutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, c := range consumers {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close consumer", "error", err)
		}
	}
	dispatcher.Stop(shutdownCtx)
	scheduler.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", "error", err)
	}
	fmt.Println("Telemetry Ingestor stopped")
}
