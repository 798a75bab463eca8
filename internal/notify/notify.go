// Package notify is the NotificationDispatcher boundary: the core emits
// intents, delivery is best effort.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"ridelink/internal/logging"
	"ridelink/internal/observability"
	"ridelink/internal/types"
)

var ErrNoDevice = errors.New("no device registered for recipient")

// Intent is a fire-and-forget message keyed by recipient.
type Intent struct {
	RecipientID types.ID
	Title       string
	Body        string
	Data        map[string]string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, in Intent) error
}

// LogDispatcher writes intents to the log; used when FCM is not configured.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logging.OrNop(logger)}
}

func (d *LogDispatcher) Dispatch(_ context.Context, in Intent) error {
	d.logger.Info("notification intent",
		zap.String("recipient", string(in.RecipientID)),
		zap.String("title", in.Title),
		zap.String("body", in.Body),
		zap.Any("data", in.Data),
	)
	observability.NotificationsTotal.WithLabelValues("logged").Inc()
	return nil
}

// Send dispatches in and only logs failures. Notification delivery never
// fails the operation that produced it.
func Send(ctx context.Context, d Dispatcher, logger *zap.Logger, in Intent) {
	if d == nil {
		return
	}
	if err := d.Dispatch(ctx, in); err != nil {
		logging.OrNop(logger).Warn("notification dispatch failed",
			zap.String("recipient", string(in.RecipientID)),
			zap.String("title", in.Title),
			zap.Error(err),
		)
	}
}
