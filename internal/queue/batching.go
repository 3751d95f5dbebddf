package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
}

type batchCapableProducer interface {
	EnqueueBatch(ctx context.Context, messages []domain.CallbackMessage) error
}

type enqueueRequest struct {
	ctx     context.Context
	message domain.CallbackMessage
	result  chan error
}

// BatchingProducer groups bursts of webhook deliveries into one broker write.
// Within a batch a redelivered id is written once, and a progress update made
// obsolete by a newer callback for the same provider job is not written at
// all. Callers of folded deliveries get the result of the write that
// replaced them.
type BatchingProducer struct {
	base        Producer
	batchWriter batchCapableProducer

	in         chan enqueueRequest
	semaphore  chan struct{}
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	config     BatchingConfig
	parentDone <-chan struct{}
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.MaxInFlightBatches <= 0 {
		cfg.MaxInFlightBatches = 4
	}

	batcher := &BatchingProducer{
		base:       base,
		in:         make(chan enqueueRequest, cfg.QueueCapacity),
		semaphore:  make(chan struct{}, cfg.MaxInFlightBatches),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		config:     cfg,
		parentDone: parent.Done(),
	}
	if writer, ok := base.(batchCapableProducer); ok {
		batcher.batchWriter = writer
	}

	go batcher.run()
	return batcher
}

// Enqueue blocks until the callback (or the callback that superseded it) is
// written, and fails fast with ErrQueueBackpressure when the buffer is full.
func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.CallbackMessage) error {
	request := enqueueRequest{ctx: ctx, message: message, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBatchingClosed
	case b.in <- request:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingProducer) run() {
	defer close(b.done)

	batch := newCallbackBatch()
	timer := time.NewTimer(b.config.FlushInterval)
	stopTimer(timer)
	var timerCh <-chan time.Time

	flush := func(final bool) {
		stopTimer(timer)
		timerCh = nil
		if batch.empty() {
			return
		}
		current := batch
		batch = newCallbackBatch()
		b.flushBatch(current, final)
	}

	for {
		select {
		case <-b.parentDone:
			flush(true)
			return
		case <-b.stop:
			flush(true)
			return
		case <-timerCh:
			flush(false)
		case request := <-b.in:
			if err := request.ctx.Err(); err != nil {
				request.result <- err
				continue
			}
			if batch.empty() {
				timer.Reset(b.config.FlushInterval)
				timerCh = timer.C
			}
			batch.add(request)
			if batch.deliveries >= b.config.MaxBatchSize {
				flush(false)
			}
		}
	}
}

func (b *BatchingProducer) flushBatch(batch *callbackBatch, final bool) {
	messages, waiters := batch.live()
	if len(messages) == 0 {
		return
	}

	flushCtx := context.Background()
	if !final {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(flushCtx, b.config.FlushTimeout)
		defer cancel()
	}

	select {
	case b.semaphore <- struct{}{}:
	case <-flushCtx.Done():
		answer(waiters, flushCtx.Err())
		return
	}
	defer func() { <-b.semaphore }()

	var err error
	if b.batchWriter != nil {
		err = b.batchWriter.EnqueueBatch(flushCtx, messages)
	} else {
		for _, message := range messages {
			if err = b.base.Enqueue(flushCtx, message); err != nil {
				break
			}
		}
	}
	answer(waiters, err)
}

func answer(waiters []enqueueRequest, err error) {
	for _, waiter := range waiters {
		waiter.result <- err
	}
}

// pendingCallback is one message to write and every caller waiting on it.
type pendingCallback struct {
	message    domain.CallbackMessage
	waiters    []enqueueRequest
	deliveries []string
	folded     bool
}

// callbackBatch is the set of callbacks collected for a single flush.
type callbackBatch struct {
	entries    []*pendingCallback
	byDelivery map[string]*pendingCallback
	// progress holds the newest unsent progress update per provider job and
	// settled the first terminal callback.
	progress   map[string]*pendingCallback
	settled    map[string]*pendingCallback
	deliveries int
}

func newCallbackBatch() *callbackBatch {
	return &callbackBatch{
		byDelivery: make(map[string]*pendingCallback),
		progress:   make(map[string]*pendingCallback),
		settled:    make(map[string]*pendingCallback),
	}
}

func (c *callbackBatch) empty() bool {
	return c.deliveries == 0
}

func (c *callbackBatch) add(request enqueueRequest) {
	message := request.message
	if entry, ok := c.byDelivery[deliveryKey(message)]; ok {
		entry.waiters = append(entry.waiters, request)
		return
	}
	c.deliveries++

	job := jobKey(message)
	incoming := &pendingCallback{message: message}

	if !isProgress(message.Status) {
		if previous := c.progress[job]; previous != nil {
			c.fold(previous, incoming)
			delete(c.progress, job)
		}
		if _, ok := c.settled[job]; !ok {
			c.settled[job] = incoming
		}
		c.keep(incoming, request)
		return
	}

	// A progress update after a terminal callback changes nothing.
	if settled := c.settled[job]; settled != nil {
		c.attach(settled, request)
		return
	}
	previous := c.progress[job]
	if previous != nil && message.ReceivedAt.Before(previous.message.ReceivedAt) {
		c.attach(previous, request)
		return
	}
	if previous != nil {
		c.fold(previous, incoming)
	}
	c.progress[job] = incoming
	c.keep(incoming, request)
}

func (c *callbackBatch) keep(entry *pendingCallback, request enqueueRequest) {
	c.entries = append(c.entries, entry)
	c.attach(entry, request)
}

func (c *callbackBatch) attach(entry *pendingCallback, request enqueueRequest) {
	key := deliveryKey(request.message)
	entry.waiters = append(entry.waiters, request)
	entry.deliveries = append(entry.deliveries, key)
	c.byDelivery[key] = entry
}

// fold hands every waiter and delivery id of from over to into.
func (c *callbackBatch) fold(from, into *pendingCallback) {
	into.waiters = append(into.waiters, from.waiters...)
	for _, key := range from.deliveries {
		c.byDelivery[key] = into
	}
	into.deliveries = append(into.deliveries, from.deliveries...)
	from.waiters = nil
	from.deliveries = nil
	from.folded = true
}

// live answers cancelled callers and returns the messages still wanted, in
// arrival order per provider job, with the callers to notify after the write.
func (c *callbackBatch) live() ([]domain.CallbackMessage, []enqueueRequest) {
	kept := make([]*pendingCallback, 0, len(c.entries))
	waiters := make([]enqueueRequest, 0, c.deliveries)
	for _, entry := range c.entries {
		if entry.folded {
			continue
		}
		wanted := false
		for _, waiter := range entry.waiters {
			if err := waiter.ctx.Err(); err != nil {
				waiter.result <- err
				continue
			}
			wanted = true
			waiters = append(waiters, waiter)
		}
		if wanted {
			kept = append(kept, entry)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		left, right := jobKey(kept[i].message), jobKey(kept[j].message)
		if left == right {
			return kept[i].message.ReceivedAt.Before(kept[j].message.ReceivedAt)
		}
		return left < right
	})

	messages := make([]domain.CallbackMessage, 0, len(kept))
	for _, entry := range kept {
		messages = append(messages, entry.message)
	}
	return messages, waiters
}

func isProgress(status domain.ProviderStatus) bool {
	return status == domain.ProviderStatusQueued || status == domain.ProviderStatusProcessing
}

func jobKey(message domain.CallbackMessage) string {
	return string(message.Provider) + "|" + message.ProviderJobID
}

func deliveryKey(message domain.CallbackMessage) string {
	return string(message.Provider) + "|" + message.DeliveryID
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
