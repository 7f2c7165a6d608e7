// Package streaming aggregates per-assistant streamed response fragments
// into coherent messages while bounding memory.
//
// # Sessions
//
// Each in-flight assistant response is a session keyed by message id:
//
//	agg := streaming.New(cfg, onEvict, logger)
//	agg.Start(msgID, convID, assistantID)
//	agg.Append(msgID, "chunk")
//	content, ok := agg.Complete(msgID)
//
// At most one session exists per message id, and the total session count
// never exceeds the configured cap: starting past the cap evicts the oldest
// session first.
//
// # Eviction
//
// Sessions end through Complete, the idle timeout (no fragment within the
// idle window), the hard age ceiling (periodic sweep), or capacity pressure.
// Every forced eviction produces a Notice so the owner can fail the message
// instead of leaving it stuck streaming. Partial content dies with the
// session.
package streaming
