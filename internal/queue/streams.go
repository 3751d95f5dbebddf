package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams. Each
// entry carries the JSON-encoded callback in its "message" field.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "genjobs_callbacks"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "genjobs_callbacks_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "genjobs_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.CallbackMessage) error {
	args, err := q.addArgs(message)
	if err != nil {
		return err
	}
	if _, err := q.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.CallbackMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, message := range messages {
		args, err := q.addArgs(message)
		if err != nil {
			return err
		}
		pipeline.XAdd(ctx, args)
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) addArgs(message domain.CallbackMessage) (*redis.XAddArgs, error) {
	encoded, err := encodeMessage(message)
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"delivery_id": message.DeliveryID,
			"provider":    string(message.Provider),
			"message":     string(encoded),
		},
	}, nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handleItem(ctx, item, handler)
			}
		}
	}
}

func (q *StreamsQueue) handleItem(ctx context.Context, item redis.XMessage, handler Handler) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		_ = q.sendToDLQ(ctx, item, "", parseErr.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		_ = q.sendToDLQ(ctx, item, message.DeliveryID, handleErr.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		_ = q.sendToDLQ(ctx, item, message.DeliveryID, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	_ = q.ackAndDelete(ctx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, item redis.XMessage, deliveryID, errorMessage string) error {
	raw, _ := item.Values["message"].(string)
	values := map[string]any{
		"stream_id":   item.ID,
		"delivery_id": deliveryID,
		"message":     raw,
		"error":       errorMessage,
		"moved_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func parseStreamMessage(item redis.XMessage) (domain.CallbackMessage, error) {
	value, ok := item.Values["message"]
	if !ok {
		return domain.CallbackMessage{}, errors.New("missing field message")
	}
	switch casted := value.(type) {
	case string:
		return decodeMessage([]byte(casted))
	case []byte:
		return decodeMessage(casted)
	default:
		return decodeMessage([]byte(fmt.Sprintf("%v", casted)))
	}
}
