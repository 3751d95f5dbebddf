// Package providertest offers a scriptable adapter for exercising the
// orchestrator and workers without vendor APIs.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/provider"
)

type Adapter struct {
	mu sync.Mutex

	name   domain.Provider
	traits provider.Traits

	SubmitErr   error
	Immediate   *provider.PollResult
	PollResults map[string]provider.PollResult
	PollErr     error
	CancelErr   error

	submitted []json.RawMessage
	polls     map[string]int
	cancelled []string
	next      int
}

func New(name domain.Provider, traits provider.Traits) *Adapter {
	return &Adapter{
		name:        name,
		traits:      traits,
		PollResults: make(map[string]provider.PollResult),
		polls:       make(map[string]int),
	}
}

func (a *Adapter) Name() domain.Provider   { return a.name }
func (a *Adapter) Traits() provider.Traits { return a.traits }

func (a *Adapter) Submit(_ context.Context, kind domain.JobKind, parameters json.RawMessage) (provider.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.traits.Supports(kind) {
		return provider.SubmitResult{}, fmt.Errorf("%s does not generate %s: %w", a.name, kind, provider.ErrProviderRejected)
	}
	a.submitted = append(a.submitted, parameters)
	if a.SubmitErr != nil {
		return provider.SubmitResult{}, a.SubmitErr
	}
	a.next++
	result := provider.SubmitResult{ProviderJobID: fmt.Sprintf("%s-task-%d", a.name, a.next)}
	if a.Immediate != nil {
		immediate := *a.Immediate
		result.Immediate = &immediate
	}
	return result, nil
}

func (a *Adapter) Poll(_ context.Context, providerJobID string) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.polls[providerJobID]++
	if !a.traits.Pollable {
		return provider.PollResult{}, provider.ErrPushOnly
	}
	if a.PollErr != nil {
		return provider.PollResult{}, a.PollErr
	}
	if result, ok := a.PollResults[providerJobID]; ok {
		return result, nil
	}
	return provider.PollResult{Status: domain.ProviderStatusProcessing}, nil
}

func (a *Adapter) Cancel(_ context.Context, providerJobID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.traits.Cancellable {
		return false, nil
	}
	a.cancelled = append(a.cancelled, providerJobID)
	return true, a.CancelErr
}

// SetPollResult scripts the answer for a provider job id.
func (a *Adapter) SetPollResult(providerJobID string, result provider.PollResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PollResults[providerJobID] = result
}

func (a *Adapter) SetPollErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PollErr = err
}

// Submitted returns the parameters of every submission in order.
func (a *Adapter) Submitted() []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]json.RawMessage(nil), a.submitted...)
}

func (a *Adapter) Submissions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submitted)
}

func (a *Adapter) Polls(providerJobID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls[providerJobID]
}

func (a *Adapter) Cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}
