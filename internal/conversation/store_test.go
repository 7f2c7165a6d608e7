// ABOUTME: Tests for the in-memory conversation store.
// ABOUTME: Covers create/join/append ordering, list filtering, and pagination.

package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-relay/internal/protocol"
)

func humanMsg(conversationID, content string) protocol.Message {
	return protocol.Message{
		ID:             uuid.New().String(),
		Type:           protocol.MessageHuman,
		Content:        content,
		SenderID:       "u1",
		SenderType:     protocol.SenderUser,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
	}
}

func TestStore_CreateRequiresAssistants(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Create("u1", nil, "")
	assert.ErrorIs(t, err, ErrNoAssistants)

	_, err = s.Create("u1", []string{}, "")
	assert.ErrorIs(t, err, ErrNoAssistants)

	assert.Equal(t, 0, s.Len())
}

func TestStore_CreateAndGet(t *testing.T) {
	s := NewStore(nil)

	conv, err := s.Create("u1", []string{"echo", "writer"}, "brainstorm")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "brainstorm", conv.Title)
	assert.Equal(t, protocol.ConversationActive, conv.Status)
	assert.Equal(t, []string{"u1"}, conv.Participants.Users)
	assert.Equal(t, []string{"echo", "writer"}, conv.Participants.Assistants)

	got, err := s.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_JoinAddsParticipant(t *testing.T) {
	s := NewStore(nil)
	conv, err := s.Create("u1", []string{"echo"}, "")
	require.NoError(t, err)

	joined, err := s.Join(conv.ID, "u2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, joined.Participants.Users)
	assert.True(t, s.IsParticipant(conv.ID, "u2"))

	// Joining twice does not duplicate
	joined, err = s.Join(conv.ID, "u2")
	require.NoError(t, err)
	assert.Len(t, joined.Participants.Users, 2)

	_, err = s.Join("nope", "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SnapshotsAreIndependent(t *testing.T) {
	s := NewStore(nil)
	conv, err := s.Create("u1", []string{"echo"}, "")
	require.NoError(t, err)

	// Mutating a returned snapshot must not touch the stored conversation
	conv.Participants.Users[0] = "intruder"
	conv.Messages = append(conv.Messages, humanMsg(conv.ID, "fake"))

	got, err := s.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Participants.Users)
	assert.Empty(t, got.Messages)
}

func TestStore_ConcurrentAppendsKeepAllMessages(t *testing.T) {
	s := NewStore(nil)
	conv, err := s.Create("u1", []string{"echo"}, "")
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := s.AppendMessage(conv.ID, humanMsg(conv.ID, fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	history, err := s.History(conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, writers*perWriter)
}

func TestStore_AppendToUnknownConversation(t *testing.T) {
	s := NewStore(nil)
	err := s.AppendMessage("nope", humanMsg("nope", "hi"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListForUserFiltersByMembership(t *testing.T) {
	s := NewStore(nil)

	c1, err := s.Create("u1", []string{"echo"}, "first")
	require.NoError(t, err)
	_, err = s.Create("u2", []string{"echo"}, "second")
	require.NoError(t, err)
	c3, err := s.Create("u1", []string{"writer"}, "third")
	require.NoError(t, err)

	convs := s.ListForUser("u1")
	require.Len(t, convs, 2)
	ids := []string{convs[0].ID, convs[1].ID}
	assert.ElementsMatch(t, []string{c1.ID, c3.ID}, ids)

	// List views omit message bodies
	require.NoError(t, s.AppendMessage(c1.ID, humanMsg(c1.ID, "hello")))
	for _, conv := range s.ListForUser("u1") {
		assert.Empty(t, conv.Messages)
	}

	assert.Empty(t, s.ListForUser("stranger"))
}

func TestStore_PaginationDisjointOrderedSlices(t *testing.T) {
	s := NewStore(nil)
	conv, err := s.Create("u1", []string{"echo"}, "")
	require.NoError(t, err)

	for i := 0; i < 120; i++ {
		require.NoError(t, s.AppendMessage(conv.ID, humanMsg(conv.ID, fmt.Sprintf("m%03d", i))))
	}

	page1, more, err := s.Paginate(conv.ID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page1, 50)
	assert.True(t, more)
	assert.Equal(t, "m000", page1[0].Content)
	assert.Equal(t, "m049", page1[49].Content)

	page2, more, err := s.Paginate(conv.ID, 2, 50)
	require.NoError(t, err)
	require.Len(t, page2, 50)
	assert.True(t, more)
	assert.Equal(t, "m050", page2[0].Content)

	page3, more, err := s.Paginate(conv.ID, 3, 50)
	require.NoError(t, err)
	require.Len(t, page3, 20)
	assert.False(t, more)
	assert.Equal(t, "m119", page3[19].Content)

	// Past the end: empty page, no more
	page4, more, err := s.Paginate(conv.ID, 4, 50)
	require.NoError(t, err)
	assert.Empty(t, page4)
	assert.False(t, more)
}

func TestStore_PaginateUnknownConversation(t *testing.T) {
	s := NewStore(nil)
	_, _, err := s.Paginate("nope", 1, 50)
	assert.ErrorIs(t, err, ErrNotFound)
}
