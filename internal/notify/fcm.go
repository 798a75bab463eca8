// README: FCM dispatcher; resolves device tokens through the token registry.
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"ridelink/internal/logging"
	"ridelink/internal/observability"
	"ridelink/internal/types"
)

type TokenResolver interface {
	Token(ctx context.Context, userID types.ID) (string, error)
}

// Messenger is the subset of *messaging.Client used here.
type Messenger interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type FCMDispatcher struct {
	client Messenger
	tokens TokenResolver
	logger *zap.Logger
}

func NewFCMDispatcher(client Messenger, tokens TokenResolver, logger *zap.Logger) *FCMDispatcher {
	return &FCMDispatcher{client: client, tokens: tokens, logger: logging.OrNop(logger)}
}

func (d *FCMDispatcher) Dispatch(ctx context.Context, in Intent) error {
	token, err := d.tokens.Token(ctx, in.RecipientID)
	if err != nil {
		observability.NotificationsTotal.WithLabelValues("no_device").Inc()
		return err
	}

	msg := &messaging.Message{
		Token: token,
		Data:  in.Data,
		Notification: &messaging.Notification{
			Title: in.Title,
			Body:  in.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := d.client.Send(ctx, msg)
	if err != nil {
		observability.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("sending FCM to %s: %w", string(in.RecipientID), err)
	}
	observability.NotificationsTotal.WithLabelValues("sent").Inc()
	d.logger.Debug("FCM sent", zap.String("recipient", string(in.RecipientID)), zap.String("message_id", messageID))
	return nil
}
