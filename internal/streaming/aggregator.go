// ABOUTME: Owns all in-flight streamed assistant responses.
// ABOUTME: Bounds session count and memory; evicts idle, over-age, and overflow sessions.

package streaming

import (
	"container/list"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrSessionExists indicates Start was called for a messageId that already
// has a live session. Starting twice never doubles accumulated content.
var ErrSessionExists = errors.New("streaming session already exists")

// EvictReason explains why a session was forcibly released.
type EvictReason string

const (
	// ReasonIdle: no fragment arrived within the idle window.
	ReasonIdle EvictReason = "idle_timeout"
	// ReasonMaxAge: total session age exceeded the hard ceiling even though
	// fragments kept arriving.
	ReasonMaxAge EvictReason = "max_age"
	// ReasonCapacity: the session was the oldest when the cap was hit.
	ReasonCapacity EvictReason = "capacity"
)

// Notice describes an evicted session so the owner can mark the message as
// failed instead of leaving it stuck streaming forever.
type Notice struct {
	MessageID      string
	ConversationID string
	AssistantID    string
	Reason         EvictReason
	Partial        string
}

// Listener receives eviction notices. Called outside the aggregator lock;
// it is safe to call back into the aggregator.
type Listener func(Notice)

// Config holds aggregator limits. Zero values are replaced with defaults.
type Config struct {
	MaxSessions   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	MaxAge        time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSessions == 0 {
		c.MaxSessions = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.MaxAge == 0 {
		c.MaxAge = 2 * time.Minute
	}
}

// session state machine: Started -> Accumulating -> {Completed|Errored|TimedOut}.
// Accumulating is re-entrant; every fragment re-arms the idle timer.
type session struct {
	messageID      string
	conversationID string
	assistantID    string

	buf           strings.Builder
	startedAt     time.Time
	lastUpdatedAt time.Time

	idleTimer *time.Timer
	element   *list.Element // position in start-order list (oldest at front)
}

// Aggregator accumulates streamed fragments per messageId. At most one
// session exists per messageId; a process-wide cap bounds the total.
type Aggregator struct {
	mu       sync.Mutex
	sessions map[string]*session
	order    *list.List // messageIDs in start order, oldest at front
	cfg      Config
	listener Listener
	logger   *slog.Logger
	done     chan struct{}
	closed   bool
}

// New creates an Aggregator and starts its background sweep. The listener
// may be nil. Close must be called to stop the sweep goroutine.
func New(cfg Config, listener Listener, logger *slog.Logger) *Aggregator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		sessions: make(map[string]*session),
		order:    list.New(),
		cfg:      cfg,
		listener: listener,
		logger:   logger.With("component", "streaming"),
		done:     make(chan struct{}),
	}
	go a.sweep()
	return a
}

// Start creates an empty session for messageId. If the session cap is
// reached, the oldest active session is evicted first (capacity pressure
// beats fairness to the evicted stream's consumer). Returns
// ErrSessionExists if a live session already holds this messageId.
func (a *Aggregator) Start(messageID, conversationID, assistantID string) error {
	var evicted []Notice

	a.mu.Lock()
	if _, exists := a.sessions[messageID]; exists {
		a.mu.Unlock()
		return ErrSessionExists
	}

	for len(a.sessions) >= a.cfg.MaxSessions {
		front := a.order.Front()
		if front == nil {
			break
		}
		oldest, _ := front.Value.(string)
		if n, ok := a.removeLocked(oldest, ReasonCapacity); ok {
			evicted = append(evicted, n)
		}
	}

	now := time.Now()
	s := &session{
		messageID:      messageID,
		conversationID: conversationID,
		assistantID:    assistantID,
		startedAt:      now,
		lastUpdatedAt:  now,
	}
	s.idleTimer = time.AfterFunc(a.cfg.IdleTimeout, func() {
		a.evictIdle(messageID)
	})
	s.element = a.order.PushBack(messageID)
	a.sessions[messageID] = s
	a.mu.Unlock()

	a.notify(evicted)

	a.logger.Debug("streaming session started",
		"message_id", messageID,
		"conversation_id", conversationID,
		"assistant_id", assistantID)
	return nil
}

// Append adds a fragment to the session buffer, re-arms the idle timer, and
// returns the accumulated content so far. Returns ok=false if the session
// does not exist (completed, evicted, or never started); the caller must
// drop the fragment, not treat it as an error.
func (a *Aggregator) Append(messageID, fragment string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[messageID]
	if !ok {
		return "", false
	}

	s.buf.WriteString(fragment)
	s.lastUpdatedAt = time.Now()
	s.idleTimer.Reset(a.cfg.IdleTimeout)
	return s.buf.String(), true
}

// Complete releases the session and returns its accumulated content.
// Not-found is a valid, silent outcome: duplicate completion signals are
// safe.
func (a *Aggregator) Complete(messageID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[messageID]
	if !ok {
		return "", false
	}

	content := s.buf.String()
	a.dropLocked(s)
	return content, true
}

// IsActive reports whether a live session exists for messageId.
func (a *Aggregator) IsActive(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.sessions[messageID]
	return ok
}

// ActiveCount returns the number of live sessions.
func (a *Aggregator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Close stops the sweep goroutine and releases all sessions without
// notification. Safe to call multiple times.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	close(a.done)

	for _, s := range a.sessions {
		a.dropLocked(s)
	}
}

// evictIdle is the idle timer callback. A fragment may have re-armed the
// timer between fire and lock acquisition, so the idle window is re-checked.
func (a *Aggregator) evictIdle(messageID string) {
	a.mu.Lock()
	s, ok := a.sessions[messageID]
	if !ok || time.Since(s.lastUpdatedAt) < a.cfg.IdleTimeout {
		a.mu.Unlock()
		return
	}
	n, _ := a.removeLocked(messageID, ReasonIdle)
	a.mu.Unlock()

	a.notify([]Notice{n})
}

// sweep periodically evicts sessions whose total age exceeds the ceiling,
// even if they keep receiving fragments. Defends against an upstream that
// streams forever without completing.
func (a *Aggregator) sweep() {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.runSweep()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) runSweep() {
	var evicted []Notice

	a.mu.Lock()
	now := time.Now()
	for id, s := range a.sessions {
		if now.Sub(s.startedAt) > a.cfg.MaxAge {
			if n, ok := a.removeLocked(id, ReasonMaxAge); ok {
				evicted = append(evicted, n)
			}
		}
	}
	a.mu.Unlock()

	a.notify(evicted)
}

// removeLocked releases a session and builds its eviction notice.
// Must be called with mu held.
func (a *Aggregator) removeLocked(messageID string, reason EvictReason) (Notice, bool) {
	s, ok := a.sessions[messageID]
	if !ok {
		return Notice{}, false
	}
	n := Notice{
		MessageID:      s.messageID,
		ConversationID: s.conversationID,
		AssistantID:    s.assistantID,
		Reason:         reason,
		Partial:        s.buf.String(),
	}
	a.dropLocked(s)
	return n, true
}

// dropLocked cancels the session timer and frees its entries.
// Must be called with mu held.
func (a *Aggregator) dropLocked(s *session) {
	s.idleTimer.Stop()
	a.order.Remove(s.element)
	delete(a.sessions, s.messageID)
}

// notify delivers eviction notices outside the lock.
func (a *Aggregator) notify(notices []Notice) {
	for _, n := range notices {
		a.logger.Warn("streaming session evicted",
			"message_id", n.MessageID,
			"assistant_id", n.AssistantID,
			"reason", string(n.Reason),
			"partial_len", len(n.Partial))
		if a.listener != nil {
			a.listener(n)
		}
	}
}
