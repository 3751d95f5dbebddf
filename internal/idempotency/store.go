// Package idempotency guarantees that a guarded operation runs its side
// effects at most once per key, across goroutines, processes and restarts.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
)

const (
	DefaultClaimTTL     = 30 * time.Second
	defaultWaitInterval = 50 * time.Millisecond
	maxWaitInterval     = time.Second
)

var ErrClaimLost = errors.New("idempotency claim no longer held")

// Store is the durable dedupe ledger. Claim is an atomic insert-if-absent:
// exactly one caller wins a key until the claim completes or its claim window
// expires.
type Store interface {
	// Claim returns won=true when the caller now owns key; the record then
	// carries the claim token. When won is false the returned record is the
	// current holder (claimed or completed).
	Claim(ctx context.Context, key string, claimTTL time.Duration) (domain.IdempotencyRecord, bool, error)
	// Extend pushes the claim window of a held claim forward.
	Extend(ctx context.Context, key, token string, claimTTL time.Duration) error
	// Complete stores the result for a key the caller has claimed. It fails
	// with ErrClaimLost once another caller took the claim over.
	Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error
	// Release drops an unfinished claim so a later caller may retry.
	Release(ctx context.Context, key, token string) error
	// Purge removes records whose retention window has passed.
	Purge(ctx context.Context) (int64, error)
}

type Operation func(ctx context.Context) ([]byte, error)

// Runner executes operations through a Store.
type Runner struct {
	store        Store
	claimTTL     time.Duration
	waitInterval time.Duration
}

type RunnerOption func(*Runner)

func WithClaimTTL(ttl time.Duration) RunnerOption {
	return func(r *Runner) {
		if ttl > 0 {
			r.claimTTL = ttl
		}
	}
}

func WithWaitInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.waitInterval = interval
		}
	}
}

func NewRunner(store Store, opts ...RunnerOption) *Runner {
	runner := &Runner{
		store:        store,
		claimTTL:     DefaultClaimTTL,
		waitInterval: defaultWaitInterval,
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

// RunOnce returns the stored result for key when one exists. Otherwise it
// claims key, runs op and persists the result for ttl. Callers that lose the
// claim wait for the winner's result. A failing op releases the claim and its
// error is returned; nothing is persisted.
func (r *Runner) RunOnce(ctx context.Context, key string, ttl time.Duration, op Operation) ([]byte, error) {
	wait := r.waitInterval
	for {
		record, won, err := r.store.Claim(ctx, key, r.claimTTL)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", key, err)
		}

		if won {
			return r.execute(ctx, key, record.Token, ttl, op)
		}
		if record.Status == domain.IdempotencyCompleted {
			return append([]byte(nil), record.Result...), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if wait > maxWaitInterval {
			wait = maxWaitInterval
		}
	}
}

func (r *Runner) execute(ctx context.Context, key, token string, ttl time.Duration, op Operation) ([]byte, error) {
	stop := r.keepAlive(ctx, key, token)
	result, opErr := op(ctx)
	stop()

	if opErr != nil {
		// The claim is released with a fresh context so a cancelled caller
		// does not pin the key until the claim window runs out.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.store.Release(releaseCtx, key, token); err != nil {
			return nil, errors.Join(opErr, fmt.Errorf("release %s: %w", key, err))
		}
		return nil, opErr
	}

	if err := r.store.Complete(ctx, key, token, result, ttl); err != nil {
		return nil, fmt.Errorf("complete %s: %w", key, err)
	}
	return result, nil
}

// keepAlive extends the claim every third of the claim window until stop is
// called, so an operation slower than the window is not taken over.
func (r *Runner) keepAlive(ctx context.Context, key, token string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	interval := max(r.claimTTL/3, time.Millisecond)

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Extend(ctx, key, token, r.claimTTL); errors.Is(err, ErrClaimLost) {
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}
