package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/queue"
)

const consumeRestartDelay = 2 * time.Second

type CallbackHandler interface {
	HandleCallback(ctx context.Context, message domain.CallbackMessage) error
}

// CallbackProcessor drains the callback queue into the orchestrator. Retries
// and dead-lettering belong to the queue; a handler error only signals them.
type CallbackProcessor struct {
	consumer     queue.Consumer
	handler      CallbackHandler
	logger       *slog.Logger
	restartDelay time.Duration
}

func NewCallbackProcessor(consumer queue.Consumer, handler CallbackHandler, logger *slog.Logger) *CallbackProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackProcessor{
		consumer:     consumer,
		handler:      handler,
		logger:       logger.With(slog.String("component", "callback-processor")),
		restartDelay: consumeRestartDelay,
	}
}

// Start blocks until ctx is done, restarting the consume loop when it fails.
func (p *CallbackProcessor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error("consume loop stopped", slog.Any("error", err))

		timer := time.NewTimer(p.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *CallbackProcessor) processMessage(ctx context.Context, message domain.CallbackMessage) error {
	logger := p.logger.With(
		slog.String("provider", string(message.Provider)),
		slog.String("delivery_id", message.DeliveryID),
		slog.Int("attempt", message.Attempt),
	)
	if err := p.handler.HandleCallback(ctx, message); err != nil {
		logger.Warn("callback not applied", slog.Any("error", err))
		return err
	}
	logger.Debug("callback applied", slog.String("status", string(message.Status)))
	return nil
}
