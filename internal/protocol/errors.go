// ABOUTME: Wire error codes for the relay protocol.
// ABOUTME: Maps the failure taxonomy onto stable client-visible identifiers.

package protocol

// ErrorCode identifies a failure class on the wire.
type ErrorCode string

const (
	CodeAuthRequired         ErrorCode = "AUTH_REQUIRED"
	CodeAuthFailed           ErrorCode = "AUTH_FAILED"
	CodeRegistryUnavailable  ErrorCode = "REGISTRY_UNAVAILABLE"
	CodeAssistantUnhealthy   ErrorCode = "ASSISTANT_UNHEALTHY"
	CodeNoAssistants         ErrorCode = "NO_ASSISTANTS_SPECIFIED"
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeAccessDenied         ErrorCode = "ACCESS_DENIED"
	CodeStreamTimedOut       ErrorCode = "STREAM_TIMED_OUT"
	CodeStreamEvicted        ErrorCode = "STREAM_EVICTED"
	CodeAssistantCallFailed  ErrorCode = "ASSISTANT_CALL_FAILED"
	CodeBadRequest           ErrorCode = "BAD_REQUEST"
)
