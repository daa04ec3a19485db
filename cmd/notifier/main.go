package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/fleetwatch/telemetry-pipeline/internal/logging"
	"github.com/fleetwatch/telemetry-pipeline/internal/notification"
	"github.com/fleetwatch/telemetry-pipeline/internal/queue"
	"github.com/fleetwatch/telemetry-pipeline/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.Log, "notifier")

	fmt.Println("Starting Notification Service...")

	// Create email notifier
	notifier := notification.NewEmailNotifier(cfg.SMTP, logger)

	// Test SMTP connection (optional, will skip if not configured)
	if err := notifier.TestConnection(); err != nil {
		fmt.Printf("Note: %v (notifications will be logged only)\n", err)
	}

	// Create consumer for alert notifications
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, "notification-group")
	defer consumer.Close()
	fmt.Println("Kafka consumer initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("\n✓ Notification Service is running")
	fmt.Printf("✓ Consuming %s | e-mailing HIGH and CRITICAL alerts to %s\n", cfg.Kafka.TopicAlerts, cfg.SMTP.To)
	fmt.Println("✓ Press Ctrl+C to stop")

	service := notification.NewService(notifier, logger)
	if err := service.Run(ctx, consumer); err != nil {
		logger.Error("notification service stopped", "error", err)
	}

	fmt.Println("\nShutting down gracefully...")
}
