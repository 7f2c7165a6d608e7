// ABOUTME: Cached catalog of backend assistants with health tracking.
// ABOUTME: Serves last-known-good state when the backend is unreachable.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley-relay/internal/backend"
)

// ErrRegistryUnavailable indicates the backend catalog endpoint was
// unreachable. Callers must keep serving the last-known-good cache.
var ErrRegistryUnavailable = errors.New("assistant registry unavailable")

// HealthStatus is the advisory health of one assistant.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// AssistantHealth is the recorded result of the most recent health check.
type AssistantHealth struct {
	AssistantID string       `json:"assistant_id"`
	Status      HealthStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	LastCheck   time.Time    `json:"last_check"`
}

// Healthy reports whether the last check succeeded.
func (h AssistantHealth) Healthy() bool {
	return h.Status == StatusHealthy
}

// Registry caches the set of available assistants and their health. The
// catalog is replaced wholesale on refresh; readers never see a partial
// update. Health is advisory: a stale or unhealthy assistant is still
// routable unless the caller explicitly excludes it.
type Registry struct {
	client backend.Client
	logger *slog.Logger

	mu         sync.RWMutex
	assistants []backend.Assistant
	byID       map[string]backend.Assistant
	health     map[string]AssistantHealth
}

// New creates a Registry. Pass nil logger for default.
func New(client backend.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		client: client,
		logger: logger.With("component", "registry"),
		byID:   make(map[string]backend.Assistant),
		health: make(map[string]AssistantHealth),
	}
}

// Refresh fetches the catalog and atomically replaces the cached set.
// On failure the previous cache is kept and ErrRegistryUnavailable is
// returned wrapped with the cause.
func (r *Registry) Refresh(ctx context.Context) ([]backend.Assistant, error) {
	assistants, err := r.client.ListAssistants(ctx)
	if err != nil {
		r.logger.Warn("catalog refresh failed, serving stale cache",
			"error", err,
			"cached_assistants", r.Len())
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	byID := make(map[string]backend.Assistant, len(assistants))
	for _, a := range assistants {
		byID[a.ID] = a
	}

	r.mu.Lock()
	r.assistants = assistants
	r.byID = byID
	// Drop health records for assistants that no longer exist
	for id := range r.health {
		if _, ok := byID[id]; !ok {
			delete(r.health, id)
		}
	}
	r.mu.Unlock()

	r.logger.Info("assistant catalog refreshed", "count", len(assistants))
	return assistants, nil
}

// List returns a copy of the cached catalog.
func (r *Registry) List() []backend.Assistant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]backend.Assistant, len(r.assistants))
	copy(out, r.assistants)
	return out
}

// Get returns a cached assistant by id.
func (r *Registry) Get(id string) (backend.Assistant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byID[id]
	return a, ok
}

// Len returns the number of cached assistants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assistants)
}

// Health checks one assistant and records the result. Failures are recorded
// as unhealthy with the reason; they are never propagated as errors.
func (r *Registry) Health(ctx context.Context, assistantID string) AssistantHealth {
	h := AssistantHealth{
		AssistantID: assistantID,
		Status:      StatusHealthy,
		LastCheck:   time.Now(),
	}
	if err := r.client.CheckHealth(ctx, assistantID); err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
		r.logger.Debug("assistant unhealthy", "assistant_id", assistantID, "error", err)
	}

	r.mu.Lock()
	r.health[assistantID] = h
	r.mu.Unlock()

	return h
}

// HealthAll checks every cached assistant concurrently and returns all
// results. One failing assistant never blocks reporting on the others.
func (r *Registry) HealthAll(ctx context.Context) map[string]AssistantHealth {
	assistants := r.List()

	results := make([]AssistantHealth, len(assistants))
	var wg sync.WaitGroup
	for i, a := range assistants {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = r.Health(ctx, id)
		}(i, a.ID)
	}
	wg.Wait()

	out := make(map[string]AssistantHealth, len(results))
	for _, h := range results {
		out[h.AssistantID] = h
	}
	return out
}

// LastHealth returns the recorded health for an assistant, if any check has
// run since the assistant entered the catalog.
func (r *Registry) LastHealth(assistantID string) (AssistantHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.health[assistantID]
	return h, ok
}

// Run refreshes the catalog and health on their configured intervals until
// ctx is cancelled. An initial refresh runs immediately.
func (r *Registry) Run(ctx context.Context, refreshInterval, healthInterval time.Duration) {
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial catalog refresh failed", "error", err)
	}
	r.HealthAll(ctx)

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()
	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshTicker.C:
			_, _ = r.Refresh(ctx)
		case <-healthTicker.C:
			r.HealthAll(ctx)
		}
	}
}
