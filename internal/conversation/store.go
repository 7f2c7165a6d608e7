// ABOUTME: In-memory conversation store - entities, participants, ordered history
// ABOUTME: All message appends flow through here; append order is the total order

package conversation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-relay/internal/protocol"
)

var (
	// ErrNotFound indicates the conversation id is unknown.
	ErrNotFound = errors.New("conversation not found")
	// ErrNoAssistants indicates a create request that resolved to zero assistants.
	ErrNoAssistants = errors.New("no assistants specified")
)

// Store owns every conversation in the process. Conversations are never
// evicted; they live until shutdown.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*protocol.Conversation
	logger        *slog.Logger
}

// NewStore creates an empty store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		conversations: make(map[string]*protocol.Conversation),
		logger:        logger.With("component", "conversation"),
	}
}

// Create makes a new active conversation with the creator and the given
// assistants as participants. The assistant ids must already be resolved
// against the registry; an empty list fails with ErrNoAssistants.
func (s *Store) Create(creatorUserID string, assistantIDs []string, title string) (*protocol.Conversation, error) {
	if len(assistantIDs) == 0 {
		return nil, ErrNoAssistants
	}

	now := time.Now()
	conv := &protocol.Conversation{
		ID:    uuid.New().String(),
		Title: title,
		Participants: protocol.Participants{
			Users:      []string{creatorUserID},
			Assistants: append([]string(nil), assistantIDs...),
		},
		Messages:  []protocol.Message{},
		Status:    protocol.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"creator", creatorUserID,
		"assistants", assistantIDs)

	return snapshot(conv), nil
}

// Get returns a snapshot of the conversation, or ErrNotFound.
func (s *Store) Get(id string) (*protocol.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(conv), nil
}

// Join adds userID to the conversation's participants and returns the
// updated conversation. Joining a conversation the user already belongs to
// is a no-op that still returns the conversation.
func (s *Store) Join(id, userID string) (*protocol.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	if !contains(conv.Participants.Users, userID) {
		conv.Participants.Users = append(conv.Participants.Users, userID)
		conv.UpdatedAt = time.Now()
		s.logger.Debug("participant joined",
			"conversation_id", id,
			"user_id", userID)
	}
	return snapshot(conv), nil
}

// IsParticipant reports whether userID belongs to the conversation.
// Unknown conversations report false.
func (s *Store) IsParticipant(id, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return false
	}
	return contains(conv.Participants.Users, userID)
}

// AppendMessage appends msg to the conversation's history and bumps
// UpdatedAt. Safe for concurrent appends to the same conversation; the
// store lock is the total order.
func (s *Store) AppendMessage(conversationID string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}

	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()
	return nil
}

// History returns the full finalized message list in append order.
func (s *Store) History(conversationID string) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]protocol.Message(nil), conv.Messages...), nil
}

// ListForUser returns snapshots of every conversation the user participates
// in, without messages (list views carry metadata only).
func (s *Store) ListForUser(userID string) []*protocol.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*protocol.Conversation
	for _, conv := range s.conversations {
		if contains(conv.Participants.Users, userID) {
			snap := snapshot(conv)
			snap.Messages = nil
			out = append(out, snap)
		}
	}
	return out
}

// Paginate returns one page of the append-ordered history plus whether
// further pages exist. Pages are 1-based; a page past the end is empty with
// hasMore false. Pure read, never mutates history.
func (s *Store) Paginate(conversationID string, page, pageSize int) ([]protocol.Message, bool, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, false, ErrNotFound
	}

	total := len(conv.Messages)
	start := (page - 1) * pageSize
	if start >= total {
		return []protocol.Message{}, false, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	slice := append([]protocol.Message(nil), conv.Messages[start:end]...)
	return slice, end < total, nil
}

// Len returns the number of conversations held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// snapshot copies the conversation so callers never share the store's
// backing slices. Caller must hold at least a read lock.
func snapshot(conv *protocol.Conversation) *protocol.Conversation {
	cp := *conv
	cp.Participants.Users = append([]string(nil), conv.Participants.Users...)
	cp.Participants.Assistants = append([]string(nil), conv.Participants.Assistants...)
	cp.Messages = append([]protocol.Message(nil), conv.Messages...)
	return &cp
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
