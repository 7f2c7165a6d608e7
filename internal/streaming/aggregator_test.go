// ABOUTME: Tests for the streaming aggregator session lifecycle.
// ABOUTME: Covers ordering, caps, idle timeout, age sweep, and duplicate starts.

package streaming

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records eviction notices for assertions.
type collector struct {
	mu      sync.Mutex
	notices []Notice
}

func (c *collector) listen(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
}

func (c *collector) all() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notice, len(c.notices))
	copy(out, c.notices)
	return out
}

func TestAppend_FragmentOrdering(t *testing.T) {
	agg := New(Config{}, nil, nil)
	defer agg.Close()

	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))

	_, ok := agg.Append("msg-1", "a")
	assert.True(t, ok)
	_, ok = agg.Append("msg-1", "b")
	assert.True(t, ok)
	acc, ok := agg.Append("msg-1", "c")
	assert.True(t, ok)
	assert.Equal(t, "abc", acc)

	content, ok := agg.Complete("msg-1")
	require.True(t, ok)
	assert.Equal(t, "abc", content)
}

func TestStart_DuplicateRejected(t *testing.T) {
	agg := New(Config{}, nil, nil)
	defer agg.Close()

	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))
	_, _ = agg.Append("msg-1", "abc")

	err := agg.Start("msg-1", "conv-1", "chatbot")
	assert.ErrorIs(t, err, ErrSessionExists)

	// Content not doubled by the second start
	content, ok := agg.Complete("msg-1")
	require.True(t, ok)
	assert.Equal(t, "abc", content)
}

func TestAppend_AfterCompleteIsNoOp(t *testing.T) {
	agg := New(Config{}, nil, nil)
	defer agg.Close()

	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))
	_, _ = agg.Append("msg-1", "done")
	_, ok := agg.Complete("msg-1")
	require.True(t, ok)

	// Session must not resurrect
	_, ok = agg.Append("msg-1", "late")
	assert.False(t, ok)
	assert.False(t, agg.IsActive("msg-1"))
}

func TestComplete_NotFoundIsSilent(t *testing.T) {
	agg := New(Config{}, nil, nil)
	defer agg.Close()

	_, ok := agg.Complete("never-started")
	assert.False(t, ok)

	// Duplicate completion signals are safe
	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))
	_, ok = agg.Complete("msg-1")
	require.True(t, ok)
	_, ok = agg.Complete("msg-1")
	assert.False(t, ok)
}

func TestCap_EvictsOldestFirst(t *testing.T) {
	c := &collector{}
	agg := New(Config{MaxSessions: 3}, c.listen, nil)
	defer agg.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, agg.Start(fmt.Sprintf("msg-%d", i), "conv-1", "chatbot"))
	}
	_, _ = agg.Append("msg-1", "partial text")

	// Fourth start evicts msg-1, the oldest by start time
	require.NoError(t, agg.Start("msg-4", "conv-1", "chatbot"))

	assert.Equal(t, 3, agg.ActiveCount())
	assert.False(t, agg.IsActive("msg-1"))
	assert.True(t, agg.IsActive("msg-2"))
	assert.True(t, agg.IsActive("msg-4"))

	notices := c.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "msg-1", notices[0].MessageID)
	assert.Equal(t, ReasonCapacity, notices[0].Reason)
	assert.Equal(t, "partial text", notices[0].Partial)
}

func TestCap_NeverExceeded(t *testing.T) {
	agg := New(Config{MaxSessions: 5}, nil, nil)
	defer agg.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, agg.Start(fmt.Sprintf("msg-%d", i), "conv-1", "chatbot"))
		assert.LessOrEqual(t, agg.ActiveCount(), 5)
	}
	assert.Equal(t, 5, agg.ActiveCount())
}

func TestIdleTimeout_EvictsStalledSession(t *testing.T) {
	c := &collector{}
	agg := New(Config{IdleTimeout: 30 * time.Millisecond}, c.listen, nil)
	defer agg.Close()

	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))
	_, _ = agg.Append("msg-1", "stalled")

	require.Eventually(t, func() bool {
		return !agg.IsActive("msg-1")
	}, time.Second, 5*time.Millisecond)

	notices := c.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ReasonIdle, notices[0].Reason)
	assert.Equal(t, "stalled", notices[0].Partial)
}

func TestIdleTimeout_AppendReArmsTimer(t *testing.T) {
	agg := New(Config{IdleTimeout: 60 * time.Millisecond}, nil, nil)
	defer agg.Close()

	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))

	// Keep appending within the idle window; session must survive
	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		_, ok := agg.Append("msg-1", "x")
		require.True(t, ok, "session evicted despite activity")
	}
	assert.True(t, agg.IsActive("msg-1"))
}

func TestSweep_EvictsOverAgeSessionDespiteActivity(t *testing.T) {
	c := &collector{}
	agg := New(Config{
		IdleTimeout:   time.Hour, // idle timer must not be the one firing
		SweepInterval: 20 * time.Millisecond,
		MaxAge:        50 * time.Millisecond,
	}, c.listen, nil)
	defer agg.Close()

	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))

	// Pathological upstream: keeps streaming fragments forever
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := agg.Append("msg-1", "y"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.False(t, agg.IsActive("msg-1"))
	notices := c.all()
	require.Len(t, notices, 1)
	assert.Equal(t, ReasonMaxAge, notices[0].Reason)
}

func TestConcurrentAppends(t *testing.T) {
	agg := New(Config{MaxSessions: 100}, nil, nil)
	defer agg.Close()

	const sessions = 10
	const fragments = 50

	for i := 0; i < sessions; i++ {
		require.NoError(t, agg.Start(fmt.Sprintf("msg-%d", i), "conv-1", "chatbot"))
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < fragments; j++ {
				_, _ = agg.Append(id, "z")
			}
		}(fmt.Sprintf("msg-%d", i))
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		content, ok := agg.Complete(fmt.Sprintf("msg-%d", i))
		require.True(t, ok)
		assert.Len(t, content, fragments)
	}
}

func TestClose_ReleasesEverything(t *testing.T) {
	agg := New(Config{}, nil, nil)

	require.NoError(t, agg.Start("msg-1", "conv-1", "chatbot"))
	agg.Close()
	agg.Close() // safe to call twice

	assert.Equal(t, 0, agg.ActiveCount())
}
