// README: Buffered fan-out so notification I/O never sits on a request path.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ridelink/internal/logging"
	"ridelink/internal/observability"
)

const asyncSendTimeout = 5 * time.Second

type Async struct {
	next   Dispatcher
	queue  chan Intent
	logger *zap.Logger
}

func NewAsync(next Dispatcher, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	return &Async{next: next, queue: make(chan Intent, buffer), logger: logging.OrNop(logger)}
}

// Dispatch enqueues the intent and drops it when the queue is full.
func (a *Async) Dispatch(_ context.Context, in Intent) error {
	select {
	case a.queue <- in:
	default:
		observability.NotificationsTotal.WithLabelValues("dropped").Inc()
		a.logger.Warn("notification queue full, dropping intent", zap.String("recipient", string(in.RecipientID)))
	}
	return nil
}

// Run drains the queue until ctx is done.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-a.queue:
			sendCtx, cancel := context.WithTimeout(ctx, asyncSendTimeout)
			Send(sendCtx, a.next, a.logger, in)
			cancel()
		}
	}
}
