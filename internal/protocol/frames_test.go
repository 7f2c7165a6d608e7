// ABOUTME: Tests for client frame parsing and server event encoding.
// ABOUTME: Covers every command type, unknown types, and JSON round shapes.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrame_Authenticate(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{"type":"authenticate","user_id":"u1","token":"tok"}`))
	require.NoError(t, err)
	require.Equal(t, CmdAuthenticate, frame.Type)
	require.NotNil(t, frame.Authenticate)
	assert.Equal(t, "u1", frame.Authenticate.UserID)
	assert.Equal(t, "tok", frame.Authenticate.Token)
}

func TestParseClientFrame_CreateConversation(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{
		"type": "create_conversation",
		"assistant_ids": ["chatbot", "writer"],
		"initial_message": "hi there",
		"config": {"streaming": false, "temperature": 0.2}
	}`))
	require.NoError(t, err)
	require.NotNil(t, frame.CreateConversation)
	assert.Equal(t, []string{"chatbot", "writer"}, frame.CreateConversation.AssistantIDs)
	assert.Equal(t, "hi there", frame.CreateConversation.InitialMessage)
	assert.False(t, frame.CreateConversation.Config.WantsStreaming())
	require.NotNil(t, frame.CreateConversation.Config.Temperature)
	assert.InDelta(t, 0.2, *frame.CreateConversation.Config.Temperature, 1e-9)
}

func TestParseClientFrame_SendMessage(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{"type":"send_message","conversation_id":"c1","content":"hello"}`))
	require.NoError(t, err)
	require.NotNil(t, frame.SendMessage)
	assert.Equal(t, "c1", frame.SendMessage.ConversationID)
	assert.Equal(t, "hello", frame.SendMessage.Content)
	// Streaming defaults to true when config is absent
	assert.True(t, frame.SendMessage.Config.WantsStreaming())
}

func TestParseClientFrame_NoPayloadCommands(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{"type":"list_conversations"}`))
	require.NoError(t, err)
	assert.Equal(t, CmdListConversations, frame.Type)
}

func TestParseClientFrame_Pagination(t *testing.T) {
	frame, err := ParseClientFrame([]byte(`{"type":"load_conversation_messages","conversation_id":"c1","page":2,"limit":50}`))
	require.NoError(t, err)
	require.NotNil(t, frame.LoadMessages)
	assert.Equal(t, 2, frame.LoadMessages.Page)
	assert.Equal(t, 50, frame.LoadMessages.Limit)
}

func TestParseClientFrame_UnknownType(t *testing.T) {
	_, err := ParseClientFrame([]byte(`{"type":"reboot_server"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestParseClientFrame_InvalidJSON(t *testing.T) {
	_, err := ParseClientFrame([]byte(`{not json`))
	assert.Error(t, err)
}

func TestServerEvent_ChunkShape(t *testing.T) {
	evt := MessageChunk("m1", "c1", "chatbot", "General Chatbot", "hel", 3)

	data, err := evt.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "message_chunk", decoded["type"])
	assert.Equal(t, "m1", decoded["message_id"])
	assert.Equal(t, "c1", decoded["conversation_id"])
	assert.Equal(t, "hel", decoded["content"])
	assert.Equal(t, float64(3), decoded["chunk_id"])
	// No unrelated fields leak onto the wire
	_, hasSchemas := decoded["schemas"]
	assert.False(t, hasSchemas)
}

func TestServerEvent_TestResultCarriesFalse(t *testing.T) {
	evt := AssistantTestResult("chatbot", false, "connection refused")

	data, err := evt.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	// healthy=false must be present, not omitted
	assert.Equal(t, false, decoded["healthy"])
	assert.Equal(t, "connection refused", decoded["error"])
}

func TestServerEvent_PaginationCarriesHasMoreFalse(t *testing.T) {
	evt := ConversationMessages("c1", nil, 3, false)

	data, err := evt.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["has_more"])
}
