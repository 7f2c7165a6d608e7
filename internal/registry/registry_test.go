// ABOUTME: Tests for the assistant registry cache and health tracking.
// ABOUTME: Covers atomic refresh, stale-cache serving, and concurrent health checks.

package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-relay/internal/backend"
)

func echoAssistant(id string) *backend.FakeAssistant {
	return &backend.FakeAssistant{
		Assistant: backend.Assistant{
			ID:           id,
			Name:         id,
			Type:         "chat",
			Capabilities: backend.Capabilities{Streaming: true},
		},
	}
}

func TestRefresh_ReplacesCatalog(t *testing.T) {
	fake := backend.NewFake(echoAssistant("chatbot"), echoAssistant("writer"))
	r := New(fake, nil)

	assistants, err := r.Refresh(t.Context())
	require.NoError(t, err)
	assert.Len(t, assistants, 2)
	assert.Equal(t, 2, r.Len())

	a, ok := r.Get("chatbot")
	assert.True(t, ok)
	assert.True(t, a.Capabilities.Streaming)

	_, ok = r.Get("ghost")
	assert.False(t, ok)
}

func TestRefresh_FailureKeepsStaleCache(t *testing.T) {
	fake := backend.NewFake(echoAssistant("chatbot"))
	r := New(fake, nil)

	_, err := r.Refresh(t.Context())
	require.NoError(t, err)

	fake.SetListError(backend.ErrFakeUnreachable)

	_, err = r.Refresh(t.Context())
	require.ErrorIs(t, err, ErrRegistryUnavailable)

	// Last-known-good catalog still served
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get("chatbot")
	assert.True(t, ok)
}

func TestHealth_RecordsFailureWithoutPropagating(t *testing.T) {
	broken := echoAssistant("broken")
	broken.HealthErr = errors.New("model unavailable")
	fake := backend.NewFake(echoAssistant("good"), broken)
	r := New(fake, nil)

	_, err := r.Refresh(t.Context())
	require.NoError(t, err)

	h := r.Health(t.Context(), "good")
	assert.Equal(t, StatusHealthy, h.Status)
	assert.True(t, h.Healthy())
	assert.False(t, h.LastCheck.IsZero())

	h = r.Health(t.Context(), "broken")
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Error, "model unavailable")

	// Recorded for later reads
	last, ok := r.LastHealth("broken")
	require.True(t, ok)
	assert.False(t, last.Healthy())
}

func TestHealthAll_PartialFailureCollectsAllResults(t *testing.T) {
	broken := echoAssistant("broken")
	broken.HealthErr = errors.New("boom")
	fake := backend.NewFake(echoAssistant("a"), echoAssistant("b"), broken)
	r := New(fake, nil)

	_, err := r.Refresh(t.Context())
	require.NoError(t, err)

	results := r.HealthAll(t.Context())
	require.Len(t, results, 3)
	assert.True(t, results["a"].Healthy())
	assert.True(t, results["b"].Healthy())
	assert.False(t, results["broken"].Healthy())
}

func TestRefresh_DropsHealthForRemovedAssistants(t *testing.T) {
	fake := backend.NewFake(echoAssistant("keep"), echoAssistant("remove"))
	r := New(fake, nil)

	_, err := r.Refresh(t.Context())
	require.NoError(t, err)
	r.HealthAll(t.Context())

	_, ok := r.LastHealth("remove")
	require.True(t, ok)

	// Catalog shrinks on next refresh
	r.client = backend.NewFake(echoAssistant("keep"))
	_, err = r.Refresh(t.Context())
	require.NoError(t, err)

	_, ok = r.LastHealth("remove")
	assert.False(t, ok)
	_, ok = r.LastHealth("keep")
	assert.True(t, ok)
}

func TestConcurrentReadsDuringRefresh(t *testing.T) {
	fake := backend.NewFake(echoAssistant("chatbot"))
	r := New(fake, nil)

	_, err := r.Refresh(t.Context())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.List()
				_, _ = r.Get("chatbot")
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = r.Refresh(t.Context())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
}
