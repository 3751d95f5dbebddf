package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
)

// LocalQueue is the in-process callback queue used when no broker is
// configured. Messages are lost on restart.
type LocalQueue struct {
	ch          chan domain.CallbackMessage
	maxAttempts int
	logger      *slog.Logger

	dlqMu sync.Mutex
	dlq   []domain.CallbackMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *slog.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{
		ch:          make(chan domain.CallbackMessage, bufferSize),
		maxAttempts: maxAttempts,
		logger:      logger,
		dlq:         make([]domain.CallbackMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.CallbackMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.CallbackMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				q.logger.Warn("local queue moved callback to DLQ",
					slog.String("delivery_id", message.DeliveryID),
					slog.String("provider", string(message.Provider)),
					slog.Any("error", err),
				)
				continue
			}

			delay := time.Duration(message.Attempt) * 500 * time.Millisecond
			go func(retryMessage domain.CallbackMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
				select {
				case <-ctx.Done():
				case q.ch <- retryMessage:
				}
			}(message)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
