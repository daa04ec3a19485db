package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fleetwatch/telemetry-pipeline/internal/protocol"
)

// Source yields alert notifications. *queue.Consumer implements it.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Notifier delivers one notification.
type Notifier interface {
	Notify(n *protocol.AlertNotification) (bool, error)
}

// Service consumes the alerts topic and hands every notification to a
// Notifier. A failed delivery is retried a few times; after that the
// notification is skipped so one bad mailbox cannot stall the partition.
type Service struct {
	notifier Notifier
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewService creates a notification service.
func NewService(notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		notifier: notifier,
		attempts: 3,
		backoff:  2 * time.Second,
		logger:   logger.With("component", "notification"),
	}
}

// Run consumes until ctx is cancelled or the source is closed.
func (s *Service) Run(ctx context.Context, src Source) error {
	for {
		msg, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("failed to consume message", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		s.handle(ctx, msg)

		if err := src.Commit(ctx, msg); err != nil {
			s.logger.Error("failed to commit offset", "offset", msg.Offset, "error", err)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg kafka.Message) {
	n, err := protocol.DecodeAlertNotification(msg.Value)
	if err != nil {
		s.logger.Warn("failed to decode notification", "offset", msg.Offset, "error", err)
		return
	}

	for attempt := 1; ; attempt++ {
		sent, err := s.notifier.Notify(n)
		if err == nil {
			if sent {
				s.logger.Info("notification delivered",
					"notification_id", n.NotificationID,
					"alert_id", n.AlertID,
					"type", n.Type,
				)
			}
			return
		}

		s.logger.Warn("failed to send notification",
			"notification_id", n.NotificationID,
			"attempt", attempt,
			"error", err,
		)
		if attempt >= s.attempts {
			s.logger.Error("giving up on notification", "notification_id", n.NotificationID, "alert_id", n.AlertID)
			return
		}

		select {
		case <-time.After(s.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return
		}
	}
}
