// ABOUTME: Client command frames and the single typed parse entry point.
// ABOUTME: Replaces ad hoc per-event socket callbacks with one dispatcher input.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownCommand indicates a frame with an unrecognized type field.
var ErrUnknownCommand = errors.New("unknown command")

// CommandType enumerates every client-to-server command.
type CommandType string

const (
	CmdAuthenticate            CommandType = "authenticate"
	CmdCreateConversation      CommandType = "create_conversation"
	CmdSendMessage             CommandType = "send_message"
	CmdJoinConversation        CommandType = "join_conversation"
	CmdLeaveConversation       CommandType = "leave_conversation"
	CmdListConversations       CommandType = "list_conversations"
	CmdGetConversationHistory  CommandType = "get_conversation_history"
	CmdLoadConversationMessage CommandType = "load_conversation_messages"
	CmdTestAssistant           CommandType = "test_assistant"
	CmdGetAssistantSchemas     CommandType = "get_assistant_schemas"
)

// AuthenticateCmd starts the handshake. Token is optional in insecure mode.
type AuthenticateCmd struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// CreateConversationCmd creates a conversation with the given assistants.
type CreateConversationCmd struct {
	AssistantIDs   []string    `json:"assistant_ids"`
	InitialMessage string      `json:"initial_message,omitempty"`
	Title          string      `json:"title,omitempty"`
	Config         *SendConfig `json:"config,omitempty"`
}

// SendMessageCmd sends a human message into a conversation.
type SendMessageCmd struct {
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	Config         *SendConfig `json:"config,omitempty"`
}

// JoinConversationCmd subscribes the connection and adds the user as a
// participant.
type JoinConversationCmd struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationCmd unsubscribes the connection from a conversation room.
// The participant set is untouched; conversations outlive membership of any
// one connection.
type LeaveConversationCmd struct {
	ConversationID string `json:"conversation_id"`
}

// GetConversationHistoryCmd requests the full message history.
type GetConversationHistoryCmd struct {
	ConversationID string `json:"conversation_id"`
}

// LoadConversationMessagesCmd requests one page of history.
type LoadConversationMessagesCmd struct {
	ConversationID string `json:"conversation_id"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

// TestAssistantCmd runs an on-demand health probe.
type TestAssistantCmd struct {
	AssistantID string `json:"assistant_id"`
}

// GetAssistantSchemasCmd fetches the backend schema document for an assistant.
type GetAssistantSchemasCmd struct {
	AssistantID string `json:"assistant_id"`
}

// ClientFrame is one parsed client command. Exactly one payload field is
// non-nil, selected by Type (commands with no payload have none).
type ClientFrame struct {
	Type CommandType

	Authenticate        *AuthenticateCmd
	CreateConversation  *CreateConversationCmd
	SendMessage         *SendMessageCmd
	JoinConversation    *JoinConversationCmd
	LeaveConversation   *LeaveConversationCmd
	GetHistory          *GetConversationHistoryCmd
	LoadMessages        *LoadConversationMessagesCmd
	TestAssistant       *TestAssistantCmd
	GetAssistantSchemas *GetAssistantSchemasCmd
}

// ParseClientFrame decodes one wire frame. The frame is a flat JSON object
// whose "type" field selects the command; the remaining fields are the
// command payload.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var head struct {
		Type CommandType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	frame := &ClientFrame{Type: head.Type}

	var payload any
	switch head.Type {
	case CmdAuthenticate:
		frame.Authenticate = &AuthenticateCmd{}
		payload = frame.Authenticate
	case CmdCreateConversation:
		frame.CreateConversation = &CreateConversationCmd{}
		payload = frame.CreateConversation
	case CmdSendMessage:
		frame.SendMessage = &SendMessageCmd{}
		payload = frame.SendMessage
	case CmdJoinConversation:
		frame.JoinConversation = &JoinConversationCmd{}
		payload = frame.JoinConversation
	case CmdLeaveConversation:
		frame.LeaveConversation = &LeaveConversationCmd{}
		payload = frame.LeaveConversation
	case CmdListConversations:
		return frame, nil
	case CmdGetConversationHistory:
		frame.GetHistory = &GetConversationHistoryCmd{}
		payload = frame.GetHistory
	case CmdLoadConversationMessage:
		frame.LoadMessages = &LoadConversationMessagesCmd{}
		payload = frame.LoadMessages
	case CmdTestAssistant:
		frame.TestAssistant = &TestAssistantCmd{}
		payload = frame.TestAssistant
	case CmdGetAssistantSchemas:
		frame.GetAssistantSchemas = &GetAssistantSchemasCmd{}
		payload = frame.GetAssistantSchemas
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, head.Type)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", head.Type, err)
	}
	return frame, nil
}
