package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.CallbackMessage
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, message domain.CallbackMessage) error {
	return p.EnqueueBatch(ctx, []domain.CallbackMessage{message})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, messages []domain.CallbackMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]domain.CallbackMessage(nil), messages...))
	return nil
}

func (p *recordingBatchProducer) snapshot() (batches int, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, batch := range p.batches {
		total += len(batch)
	}
	return len(p.batches), total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, message domain.CallbackMessage) error {
	return p.EnqueueBatch(ctx, []domain.CallbackMessage{message})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.CallbackMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

func callback(deliveryID string, receivedAt time.Time) domain.CallbackMessage {
	return jobCallback("pika-"+deliveryID, deliveryID, domain.ProviderStatusProcessing, receivedAt)
}

func jobCallback(providerJobID, deliveryID string, status domain.ProviderStatus, receivedAt time.Time) domain.CallbackMessage {
	return domain.CallbackMessage{
		DeliveryID:    deliveryID,
		Provider:      domain.ProviderPika,
		ProviderJobID: providerJobID,
		Status:        status,
		ReceivedAt:    receivedAt,
	}
}

func request(ctx context.Context, message domain.CallbackMessage) enqueueRequest {
	return enqueueRequest{ctx: ctx, message: message, result: make(chan error, 1)}
}

func deliveryIDs(messages []domain.CallbackMessage) []string {
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.DeliveryID)
	}
	return ids
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       time.Second,
		QueueCapacity:      64,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), callback(
				fmt.Sprintf("delivery-%d", index),
				time.Now().UTC().Add(time.Duration(index)*time.Millisecond),
			))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	batches, total := base.snapshot()
	assert.Equal(t, 10, total)
	assert.Less(t, batches, 10)
}

func TestBatchingProducerKeepsArrivalOrderPerJob(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{MaxBatchSize: 3, FlushInterval: time.Second})
	defer batcher.Close()

	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i, offset := range []int{3, 1, 2} {
		wg.Add(1)
		go func(index, offset int) {
			defer wg.Done()
			assert.NoError(t, batcher.Enqueue(context.Background(),
				jobCallback("pika-1", fmt.Sprintf("d-%d", offset), domain.ProviderStatusCompleted,
					start.Add(time.Duration(offset)*time.Second))))
		}(i, offset)
	}
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	require.Len(t, base.batches, 1)
	assert.Equal(t, []string{"d-1", "d-2", "d-3"}, deliveryIDs(base.batches[0]))
}

func TestCallbackBatchWritesRedeliveryOnce(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	batch := newCallbackBatch()
	first := request(ctx, jobCallback("pika-1", "d-1", domain.ProviderStatusCompleted, at))
	again := request(ctx, jobCallback("pika-1", "d-1", domain.ProviderStatusCompleted, at))
	batch.add(first)
	batch.add(again)

	messages, waiters := batch.live()
	assert.Equal(t, []string{"d-1"}, deliveryIDs(messages))
	assert.Len(t, waiters, 2)
	assert.Equal(t, 1, batch.deliveries)
}

func TestCallbackBatchCollapsesSupersededProgress(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	batch := newCallbackBatch()
	batch.add(request(ctx, jobCallback("pika-1", "d-2", domain.ProviderStatusProcessing, at.Add(2*time.Second))))
	batch.add(request(ctx, jobCallback("pika-1", "d-1", domain.ProviderStatusQueued, at.Add(time.Second))))
	batch.add(request(ctx, jobCallback("pika-2", "d-9", domain.ProviderStatusProcessing, at)))
	batch.add(request(ctx, jobCallback("pika-1", "d-3", domain.ProviderStatusProcessing, at.Add(3*time.Second))))

	messages, waiters := batch.live()
	assert.Equal(t, []string{"d-3", "d-9"}, deliveryIDs(messages))
	assert.Len(t, waiters, 4)
}

func TestCallbackBatchKeepsTerminalCallbacks(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	batch := newCallbackBatch()
	batch.add(request(ctx, jobCallback("pika-1", "d-1", domain.ProviderStatusProcessing, at)))
	batch.add(request(ctx, jobCallback("pika-1", "d-2", domain.ProviderStatusCompleted, at.Add(time.Second))))
	batch.add(request(ctx, jobCallback("pika-1", "d-3", domain.ProviderStatusProcessing, at.Add(2*time.Second))))
	batch.add(request(ctx, jobCallback("pika-1", "d-4", domain.ProviderStatusFailed, at.Add(3*time.Second))))
	// A redelivery of a folded progress update follows it into the terminal write.
	batch.add(request(ctx, jobCallback("pika-1", "d-1", domain.ProviderStatusProcessing, at)))

	messages, waiters := batch.live()
	assert.Equal(t, []string{"d-2", "d-4"}, deliveryIDs(messages))
	assert.Len(t, waiters, 5)
	assert.Equal(t, 4, batch.deliveries)
}

func TestCallbackBatchSkipsMessagesNobodyWaitsFor(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	batch := newCallbackBatch()
	gone := request(cancelled, jobCallback("pika-1", "d-1", domain.ProviderStatusCompleted, at))
	batch.add(gone)
	batch.add(request(context.Background(), jobCallback("pika-2", "d-2", domain.ProviderStatusCompleted, at)))

	messages, waiters := batch.live()
	assert.Equal(t, []string{"d-2"}, deliveryIDs(messages))
	assert.Len(t, waiters, 1)
	assert.ErrorIs(t, <-gone.result, context.Canceled)
}

func TestBatchingProducerAnswersFoldedCallers(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{MaxBatchSize: 64, FlushInterval: 200 * time.Millisecond})
	defer batcher.Close()

	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	messages := []domain.CallbackMessage{
		jobCallback("pika-1", "d-1", domain.ProviderStatusProcessing, at),
		jobCallback("pika-1", "d-1", domain.ProviderStatusProcessing, at),
		jobCallback("pika-1", "d-2", domain.ProviderStatusProcessing, at.Add(time.Second)),
		jobCallback("pika-1", "d-3", domain.ProviderStatusCompleted, at.Add(2*time.Second)),
	}

	var wg sync.WaitGroup
	for _, message := range messages {
		wg.Add(1)
		go func(message domain.CallbackMessage) {
			defer wg.Done()
			assert.NoError(t, batcher.Enqueue(context.Background(), message))
		}(message)
	}
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	require.Len(t, base.batches, 1)
	assert.Equal(t, []string{"d-3"}, deliveryIDs(base.batches[0]))
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      1,
		MaxInFlightBatches: 1,
	})
	defer batcher.Close()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- batcher.Enqueue(context.Background(), callback("first", time.Now().UTC()))
	}()

	// Let the loop pick up the first request and block on the base producer.
	time.Sleep(30 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- batcher.Enqueue(context.Background(), callback("second", time.Now().UTC()))
	}()

	time.Sleep(10 * time.Millisecond)

	err := batcher.Enqueue(context.Background(), callback("third", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrQueueBackpressure)

	close(base.block)
	assert.NoError(t, <-firstDone)
	assert.NoError(t, <-secondDone)
}
