// ABOUTME: Server-to-client event frames and their constructors.
// ABOUTME: One flat JSON shape per event type, mirroring the client frame style.

package protocol

import (
	"encoding/json"

	"github.com/2389/parley-relay/internal/backend"
)

// EventType enumerates every server-to-client event.
type EventType string

const (
	EvtAuthenticated           EventType = "authenticated"
	EvtAuthFailed              EventType = "auth_failed"
	EvtConversationCreated     EventType = "conversation_created"
	EvtConversationJoined      EventType = "conversation_joined"
	EvtConversationLeft        EventType = "conversation_left"
	EvtConversationsList       EventType = "conversations_list"
	EvtConversationHistory     EventType = "conversation_history"
	EvtConversationMessages    EventType = "conversation_messages"
	EvtMessageReceived         EventType = "message_received"
	EvtAssistantResponseStart  EventType = "assistant_response_start"
	EvtMessageChunk            EventType = "message_chunk"
	EvtAssistantResponseDone   EventType = "assistant_response_complete"
	EvtAssistantResponseError  EventType = "assistant_response_error"
	EvtAssistantTestResult     EventType = "assistant_test_result"
	EvtAssistantSchemas        EventType = "assistant_schemas"
	EvtError                   EventType = "error"
)

// ServerEvent is one server-to-client frame. Fields are populated per event
// type; everything else is omitted from the wire.
type ServerEvent struct {
	Type EventType `json:"type"`

	// authenticated
	UserID     string              `json:"user_id,omitempty"`
	Assistants []backend.Assistant `json:"available_assistants,omitempty"`

	// conversation_* events
	Conversation   *Conversation   `json:"conversation,omitempty"`
	Conversations  []*Conversation `json:"conversations,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Messages       []Message       `json:"messages,omitempty"`
	Message        *Message        `json:"message,omitempty"`

	// streaming events
	MessageID     string `json:"message_id,omitempty"`
	ChunkID       int    `json:"chunk_id,omitempty"`
	Content       string `json:"content,omitempty"`
	SenderID      string `json:"sender_id,omitempty"`
	SenderName    string `json:"sender_name,omitempty"`
	AssistantID   string `json:"assistant_id,omitempty"`
	AssistantName string `json:"assistant_name,omitempty"`

	// pagination
	Page    int   `json:"page,omitempty"`
	HasMore *bool `json:"has_more,omitempty"`

	// assistant_test_result / assistant_schemas
	Healthy *bool           `json:"healthy,omitempty"`
	Schemas json.RawMessage `json:"schemas,omitempty"`

	// error events
	Code  ErrorCode `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Encode serializes the event for the wire.
func (e *ServerEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Authenticated confirms the handshake and advertises the catalog.
func Authenticated(userID string, assistants []backend.Assistant) *ServerEvent {
	return &ServerEvent{Type: EvtAuthenticated, UserID: userID, Assistants: assistants}
}

// AuthFailed reports a failed handshake; the transport stays open for retry.
func AuthFailed(reason string) *ServerEvent {
	return &ServerEvent{Type: EvtAuthFailed, Code: CodeAuthFailed, Error: reason}
}

// ConversationCreated carries the new conversation back to its creator.
func ConversationCreated(conv *Conversation) *ServerEvent {
	return &ServerEvent{Type: EvtConversationCreated, Conversation: conv}
}

// ConversationJoined carries the joined conversation to the joiner.
func ConversationJoined(conv *Conversation) *ServerEvent {
	return &ServerEvent{Type: EvtConversationJoined, Conversation: conv}
}

// ConversationLeft confirms a room unsubscribe.
func ConversationLeft(conversationID string) *ServerEvent {
	return &ServerEvent{Type: EvtConversationLeft, ConversationID: conversationID}
}

// ConversationsList carries every conversation the user participates in.
func ConversationsList(convs []*Conversation) *ServerEvent {
	return &ServerEvent{Type: EvtConversationsList, Conversations: convs}
}

// ConversationHistory carries the full finalized message history.
func ConversationHistory(conversationID string, messages []Message) *ServerEvent {
	return &ServerEvent{Type: EvtConversationHistory, ConversationID: conversationID, Messages: messages}
}

// ConversationMessages carries one page of history.
func ConversationMessages(conversationID string, messages []Message, page int, hasMore bool) *ServerEvent {
	return &ServerEvent{
		Type:           EvtConversationMessages,
		ConversationID: conversationID,
		Messages:       messages,
		Page:           page,
		HasMore:        &hasMore,
	}
}

// MessageReceived announces a finalized message to the room.
func MessageReceived(msg *Message) *ServerEvent {
	return &ServerEvent{Type: EvtMessageReceived, Message: msg, ConversationID: msg.ConversationID}
}

// AssistantResponseStart announces that an assistant began responding.
func AssistantResponseStart(messageID, conversationID, assistantID, assistantName string) *ServerEvent {
	return &ServerEvent{
		Type:           EvtAssistantResponseStart,
		MessageID:      messageID,
		ConversationID: conversationID,
		AssistantID:    assistantID,
		AssistantName:  assistantName,
	}
}

// MessageChunk carries one streamed fragment. ChunkID increases per stream.
func MessageChunk(messageID, conversationID, senderID, senderName, content string, chunkID int) *ServerEvent {
	return &ServerEvent{
		Type:           EvtMessageChunk,
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		Content:        content,
		ChunkID:        chunkID,
	}
}

// AssistantResponseComplete carries the finalized AI message.
func AssistantResponseComplete(msg *Message) *ServerEvent {
	return &ServerEvent{
		Type:           EvtAssistantResponseDone,
		Message:        msg,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}
}

// AssistantResponseError reports one assistant's failure, scoped by
// assistant and message so siblings keep streaming.
func AssistantResponseError(messageID, conversationID, assistantID string, code ErrorCode, reason string) *ServerEvent {
	return &ServerEvent{
		Type:           EvtAssistantResponseError,
		MessageID:      messageID,
		ConversationID: conversationID,
		AssistantID:    assistantID,
		Code:           code,
		Error:          reason,
	}
}

// AssistantTestResult reports an on-demand health probe.
func AssistantTestResult(assistantID string, healthy bool, reason string) *ServerEvent {
	return &ServerEvent{
		Type:        EvtAssistantTestResult,
		AssistantID: assistantID,
		Healthy:     &healthy,
		Error:       reason,
	}
}

// AssistantSchemas carries the backend schema document verbatim.
func AssistantSchemas(assistantID string, schemas json.RawMessage) *ServerEvent {
	return &ServerEvent{Type: EvtAssistantSchemas, AssistantID: assistantID, Schemas: schemas}
}

// Error reports a connection- or conversation-level failure to the
// originating connection only.
func Error(code ErrorCode, message string) *ServerEvent {
	return &ServerEvent{Type: EvtError, Code: code, Error: message}
}
