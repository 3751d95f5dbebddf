package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPConfig struct {
	URL         string
	Exchange    string
	Queue       string
	RoutingKey  string
	ConsumerTag string
	Prefetch    int
	MaxAttempts int
}

// AMQPQueue implements Producer+Consumer on a durable RabbitMQ queue bound to
// a direct exchange. Failed deliveries are republished with a bumped attempt
// and end up on "<queue>.dlq" once the budget is spent.
type AMQPQueue struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	publishMu   sync.Mutex
	exchange    string
	queue       string
	dlqQueue    string
	routingKey  string
	consumerTag string
	prefetch    int
	maxAttempts int
	logger      *slog.Logger
}

func NewAMQPQueue(cfg AMQPConfig, logger *slog.Logger) (*AMQPQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "genjobs"
	}
	if cfg.Queue == "" {
		cfg.Queue = "genjobs.callbacks"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "callback"
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "genjobs-api"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	queue := &AMQPQueue{
		conn:        conn,
		channel:     channel,
		exchange:    cfg.Exchange,
		queue:       cfg.Queue,
		dlqQueue:    cfg.Queue + ".dlq",
		routingKey:  cfg.RoutingKey,
		consumerTag: cfg.ConsumerTag,
		prefetch:    cfg.Prefetch,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
	if err := queue.setup(); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("rabbitmq callback queue ready",
		slog.String("exchange", cfg.Exchange),
		slog.String("queue", cfg.Queue),
	)
	return queue, nil
}

func (q *AMQPQueue) setup() error {
	if err := q.channel.ExchangeDeclare(q.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := q.channel.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := q.channel.QueueBind(q.queue, q.routingKey, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if _, err := q.channel.QueueDeclare(q.dlqQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if err := q.channel.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Close() error {
	if err := q.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		q.logger.Error("close rabbitmq channel", slog.Any("error", err))
	}
	return q.conn.Close()
}

func (q *AMQPQueue) Enqueue(ctx context.Context, message domain.CallbackMessage) error {
	body, err := encodeMessage(message)
	if err != nil {
		return err
	}
	return q.publish(ctx, q.exchange, q.routingKey, body, nil)
}

func (q *AMQPQueue) publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	if err := q.channel.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish to rabbitmq: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := q.channel.ConsumeWithContext(ctx, q.queue, q.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume rabbitmq: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			q.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler Handler) {
	message, err := decodeMessage(delivery.Body)
	if err != nil {
		q.deadLetter(ctx, delivery.Body, err)
		_ = delivery.Ack(false)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		_ = delivery.Ack(false)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		q.deadLetter(ctx, delivery.Body, handleErr)
		_ = delivery.Ack(false)
		return
	}

	if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		q.logger.Error("requeue callback failed",
			slog.String("delivery_id", message.DeliveryID),
			slog.Any("error", requeueErr),
		)
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}

func (q *AMQPQueue) deadLetter(ctx context.Context, body []byte, cause error) {
	headers := amqp.Table{
		"error":    cause.Error(),
		"moved_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.publish(ctx, "", q.dlqQueue, body, headers); err != nil {
		q.logger.Error("send callback to dlq failed", slog.Any("error", err))
	}
}
