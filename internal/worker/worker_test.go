package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/logging"
	"github.com/iago/genjobs-back/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	ids     []string
	listErr error
	block   chan struct{}

	mu       sync.Mutex
	calls    map[string]int
	running  map[string]int
	overlaps int
}

func newFakeReconciler(ids ...string) *fakeReconciler {
	return &fakeReconciler{ids: ids, calls: map[string]int{}, running: map[string]int{}}
}

func (r *fakeReconciler) ActiveJobIDs(context.Context) ([]string, error) {
	return r.ids, r.listErr
}

func (r *fakeReconciler) Reconcile(ctx context.Context, jobID string) error {
	r.mu.Lock()
	r.calls[jobID]++
	r.running[jobID]++
	if r.running[jobID] > 1 {
		r.overlaps++
	}
	r.mu.Unlock()

	if r.block != nil && jobID == "slow" {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.running[jobID]--
	r.mu.Unlock()
	return nil
}

func (r *fakeReconciler) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[jobID]
}

func TestSchedulerReconcilesActiveJobsEveryTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reconciler := newFakeReconciler("job-a", "job-b")
	scheduler := NewScheduler(reconciler, SchedulerConfig{Interval: 10 * time.Millisecond, Concurrency: 2}, logging.Discard())

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return reconciler.count("job-a") >= 2 && reconciler.count("job-b") >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSchedulerSkipsJobsAlreadyInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reconciler := newFakeReconciler("slow", "fast")
	reconciler.block = make(chan struct{})
	scheduler := NewScheduler(reconciler, SchedulerConfig{Interval: 5 * time.Millisecond, Concurrency: 3}, logging.Discard())

	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return reconciler.count("fast") >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reconciler.count("slow"))

	close(reconciler.block)
	cancel()
	<-done

	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	assert.Zero(t, reconciler.overlaps)
}

func TestSchedulerSurvivesListErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	reconciler := newFakeReconciler("job-a")
	reconciler.listErr = errors.New("database unavailable")

	NewScheduler(reconciler, SchedulerConfig{Interval: 5 * time.Millisecond}, logging.Discard()).Start(ctx)
	assert.Zero(t, reconciler.count("job-a"))
}

type handlerFunc func(context.Context, domain.CallbackMessage) error

func (f handlerFunc) HandleCallback(ctx context.Context, message domain.CallbackMessage) error {
	return f(ctx, message)
}

func TestCallbackProcessorAppliesQueuedCallbacks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	q := queue.NewLocalQueue(8, 3, logging.Discard())
	var calls atomic.Int32
	applied := make(chan domain.CallbackMessage, 1)
	processor := NewCallbackProcessor(q, handlerFunc(func(_ context.Context, message domain.CallbackMessage) error {
		if calls.Add(1) == 1 {
			return domain.ErrNotFound
		}
		applied <- message
		return nil
	}), logging.Discard())

	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	require.NoError(t, q.Enqueue(ctx, domain.CallbackMessage{
		DeliveryID:    "evt-1",
		Provider:      domain.ProviderPika,
		ProviderJobID: "pika-7",
		Status:        domain.ProviderStatusCompleted,
	}))

	select {
	case message := <-applied:
		assert.Equal(t, "evt-1", message.DeliveryID)
		assert.Equal(t, 1, message.Attempt)
	case <-ctx.Done():
		t.Fatal("callback was not retried")
	}

	cancel()
	<-done
}

type failingConsumer struct {
	calls atomic.Int32
}

func (c *failingConsumer) Consume(ctx context.Context, _ queue.Handler) error {
	if c.calls.Add(1) < 3 {
		return errors.New("broker connection reset")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestCallbackProcessorRestartsConsumeLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &failingConsumer{}
	processor := NewCallbackProcessor(consumer, handlerFunc(func(context.Context, domain.CallbackMessage) error {
		return nil
	}), logging.Discard())
	processor.restartDelay = time.Millisecond

	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return consumer.calls.Load() == 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

type fakeSweeper struct {
	maxAge  time.Duration
	calls   atomic.Int32
	settles atomic.Int32
	err     error
}

func (s *fakeSweeper) SweepStale(_ context.Context, maxAge time.Duration) (int, error) {
	s.maxAge = maxAge
	s.calls.Add(1)
	return 2, s.err
}

func (s *fakeSweeper) SettleCharges(context.Context) (int, error) {
	s.settles.Add(1)
	return 1, s.err
}

type fakePurger struct {
	calls atomic.Int32
}

func (p *fakePurger) Purge(context.Context) (int64, error) {
	p.calls.Add(1)
	return 5, nil
}

func TestReaperRunOnceSweepsAndPurges(t *testing.T) {
	sweeper := &fakeSweeper{}
	purger := &fakePurger{}
	reaper := NewReaper(sweeper, purger, ReaperConfig{JobMaxAge: 90 * time.Minute}, logging.Discard())

	reaper.RunOnce(context.Background())
	assert.Equal(t, 90*time.Minute, sweeper.maxAge)
	assert.Equal(t, int32(1), sweeper.settles.Load())
	assert.Equal(t, int32(1), purger.calls.Load())

	// A sweep failure does not stop the settle or the purge.
	sweeper.err = errors.New("database unavailable")
	reaper.RunOnce(context.Background())
	assert.Equal(t, int32(2), sweeper.settles.Load())
	assert.Equal(t, int32(2), purger.calls.Load())
}

func TestReaperStartTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := &fakeSweeper{}
	reaper := NewReaper(sweeper, nil, ReaperConfig{Interval: 5 * time.Millisecond}, logging.Discard())

	done := make(chan struct{})
	go func() {
		reaper.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
