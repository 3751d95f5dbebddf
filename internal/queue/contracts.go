package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iago/genjobs-back/internal/domain"
)

// Handler processes one provider callback. A non-nil error schedules a
// redelivery until the backend's attempt budget is spent.
type Handler func(context.Context, domain.CallbackMessage) error

// Producer sends provider callbacks to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.CallbackMessage) error
}

// Consumer receives provider callbacks and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

func encodeMessage(message domain.CallbackMessage) ([]byte, error) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode callback message: %w", err)
	}
	return encoded, nil
}

func decodeMessage(raw []byte) (domain.CallbackMessage, error) {
	var message domain.CallbackMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return domain.CallbackMessage{}, fmt.Errorf("decode callback message: %w", err)
	}
	if message.DeliveryID == "" || message.Provider == "" {
		return domain.CallbackMessage{}, fmt.Errorf("callback message without delivery id or provider")
	}
	return message, nil
}
