// ABOUTME: Wire-level data model shared by the relay and its clients.
// ABOUTME: Conversations and messages serialize with these shapes everywhere.

package protocol

import (
	"time"
)

// MessageType distinguishes who authored a message.
type MessageType string

const (
	MessageHuman  MessageType = "human"
	MessageAI     MessageType = "ai"
	MessageSystem MessageType = "system"
)

// SenderType distinguishes user-originated from assistant-originated messages.
type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationError     ConversationStatus = "error"
)

// Message is one finalized entry of a conversation's history. Immutable once
// appended; an in-progress AI response lives only in the streaming
// aggregator until its stream completes.
type Message struct {
	ID             string            `json:"id"`
	Type           MessageType       `json:"type"`
	Content        string            `json:"content"`
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name,omitempty"`
	SenderType     SenderType        `json:"sender_type"`
	Timestamp      time.Time         `json:"timestamp"`
	ConversationID string            `json:"conversation_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Participants holds the user and assistant membership of a conversation.
type Participants struct {
	Users      []string `json:"users"`
	Assistants []string `json:"assistants"`
}

// Conversation is a shared context with ordered message history.
type Conversation struct {
	ID           string             `json:"id"`
	Title        string             `json:"title,omitempty"`
	Participants Participants       `json:"participants"`
	Messages     []Message          `json:"messages"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// SendConfig carries per-send options. Streaming defaults to true when nil.
type SendConfig struct {
	Streaming        *bool    `json:"streaming,omitempty"`
	ExcludeUnhealthy bool     `json:"exclude_unhealthy,omitempty"`
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
}

// WantsStreaming reports the effective streaming flag (default true).
func (c *SendConfig) WantsStreaming() bool {
	if c == nil || c.Streaming == nil {
		return true
	}
	return *c.Streaming
}
