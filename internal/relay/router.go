// ABOUTME: Command dispatch and message fan-out orchestration
// ABOUTME: Routes client frames, drives assistant calls, broadcasts room events

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-relay/internal/auth"
	"github.com/2389/parley-relay/internal/backend"
	"github.com/2389/parley-relay/internal/conversation"
	"github.com/2389/parley-relay/internal/protocol"
	"github.com/2389/parley-relay/internal/registry"
	"github.com/2389/parley-relay/internal/streaming"
)

// RouterConfig carries the router's collaborators.
type RouterConfig struct {
	Registry    *registry.Registry
	Store       *conversation.Store
	Broadcaster *conversation.Broadcaster
	Aggregator  *streaming.Aggregator
	Backend     backend.Client
	Verifier    auth.TokenVerifier
	PageSize    int

	// BaseContext bounds assistant calls and room subscriptions. Assistant
	// responses outlive the sending connection; they stop only when the
	// server shuts down. Defaults to context.Background().
	BaseContext context.Context

	Logger *slog.Logger
}

// Router dispatches parsed client frames and orchestrates the send-message
// fan-out: append human message, broadcast it, then drive every assistant
// participant's call concurrently with isolated failures.
type Router struct {
	registry    *registry.Registry
	store       *conversation.Store
	broadcaster *conversation.Broadcaster
	aggregator  *streaming.Aggregator
	backend     backend.Client
	verifier    auth.TokenVerifier
	pageSize    int
	baseCtx     context.Context
	logger      *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Router{
		registry:    cfg.Registry,
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		aggregator:  cfg.Aggregator,
		backend:     cfg.Backend,
		verifier:    cfg.Verifier,
		pageSize:    pageSize,
		baseCtx:     baseCtx,
		logger:      logger.With("component", "router"),
	}
}

// EvictionNotifier builds the aggregator listener that surfaces evicted
// streaming sessions to the conversation room. Idle and over-age sessions
// report a stream timeout; capacity-pressure victims report eviction. The
// partial content is discarded with the session.
func EvictionNotifier(b *conversation.Broadcaster, logger *slog.Logger) streaming.Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return func(n streaming.Notice) {
		code := protocol.CodeStreamTimedOut
		reason := "assistant response timed out"
		if n.Reason == streaming.ReasonCapacity {
			code = protocol.CodeStreamEvicted
			reason = "assistant response evicted under load"
		}
		logger.Warn("streaming session lost",
			"message_id", n.MessageID,
			"assistant_id", n.AssistantID,
			"reason", string(n.Reason))
		b.Publish(n.ConversationID,
			protocol.AssistantResponseError(n.MessageID, n.ConversationID, n.AssistantID, code, reason), "")
	}
}

// HandleConn runs a connection's read loop until the transport fails or the
// context is cancelled. Owns the write pump and final cleanup.
func (r *Router) HandleConn(ctx context.Context, conn *Conn) {
	defer conn.close()
	go conn.writePump(ctx)

	r.logger.Debug("connection opened", "conn_id", conn.ID())

	for {
		_, data, err := conn.sock.Read(ctx)
		if err != nil {
			r.logger.Debug("read loop ended", "conn_id", conn.ID(), "error", err)
			return
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			conn.Send(protocol.Error(protocol.CodeBadRequest, err.Error()))
			continue
		}
		r.dispatch(ctx, conn, frame)
	}
}

// dispatch routes one parsed frame. Everything except authenticate requires
// an authenticated connection.
func (r *Router) dispatch(ctx context.Context, conn *Conn, frame *protocol.ClientFrame) {
	if frame.Type == protocol.CmdAuthenticate {
		r.handleAuthenticate(ctx, conn, frame.Authenticate)
		return
	}

	if conn.State() != StateAuthenticated {
		conn.Send(protocol.Error(protocol.CodeAuthRequired, "authenticate first"))
		return
	}

	switch frame.Type {
	case protocol.CmdCreateConversation:
		r.handleCreateConversation(conn, frame.CreateConversation)
	case protocol.CmdSendMessage:
		r.handleSendMessage(conn, frame.SendMessage)
	case protocol.CmdJoinConversation:
		r.handleJoinConversation(conn, frame.JoinConversation)
	case protocol.CmdLeaveConversation:
		r.handleLeaveConversation(conn, frame.LeaveConversation)
	case protocol.CmdListConversations:
		conn.Send(protocol.ConversationsList(r.store.ListForUser(conn.UserID())))
	case protocol.CmdGetConversationHistory:
		r.handleGetHistory(conn, frame.GetHistory)
	case protocol.CmdLoadConversationMessage:
		r.handleLoadMessages(conn, frame.LoadMessages)
	case protocol.CmdTestAssistant:
		r.handleTestAssistant(ctx, conn, frame.TestAssistant)
	case protocol.CmdGetAssistantSchemas:
		r.handleGetSchemas(ctx, conn, frame.GetAssistantSchemas)
	}
}

// handleAuthenticate verifies the handshake and advertises the catalog.
// Re-authentication re-verifies and replaces the bound identity. A failed
// handshake leaves the transport open for retry.
func (r *Router) handleAuthenticate(ctx context.Context, conn *Conn, cmd *protocol.AuthenticateCmd) {
	conn.beginAuth()

	userID, err := r.verifier.Verify(cmd.UserID, cmd.Token)
	if err != nil {
		conn.failAuth()
		r.logger.Info("authentication failed", "conn_id", conn.ID(), "error", err)
		conn.Send(protocol.AuthFailed(err.Error()))
		return
	}

	conn.finishAuth(userID)
	r.logger.Info("connection authenticated", "conn_id", conn.ID(), "user_id", userID)

	// Catalog unavailability degrades to the stale (possibly empty) cache;
	// the handshake still succeeds, with an advisory error ahead of it.
	if r.registry.Len() == 0 {
		if _, err := r.registry.Refresh(ctx); err != nil {
			r.logger.Warn("catalog unavailable during handshake", "error", err)
			conn.Send(protocol.Error(protocol.CodeRegistryUnavailable,
				"assistant catalog unavailable, serving cached list"))
		}
	}
	conn.Send(protocol.Authenticated(userID, r.registry.List()))
}

// handleCreateConversation resolves the requested assistants against the
// catalog, creates the conversation, subscribes the creator, and routes the
// initial message if present.
func (r *Router) handleCreateConversation(conn *Conn, cmd *protocol.CreateConversationCmd) {
	var known []string
	for _, id := range cmd.AssistantIDs {
		if _, ok := r.registry.Get(id); ok {
			known = append(known, id)
		} else {
			r.logger.Warn("ignoring unknown assistant in create", "assistant_id", id)
		}
	}
	if len(known) == 0 {
		conn.Send(protocol.Error(protocol.CodeNoAssistants, "no known assistants specified"))
		return
	}

	conv, err := r.store.Create(conn.UserID(), known, cmd.Title)
	if err != nil {
		conn.Send(protocol.Error(protocol.CodeNoAssistants, err.Error()))
		return
	}

	r.subscribe(conn, conv.ID)
	conn.Send(protocol.ConversationCreated(conv))

	if cmd.InitialMessage != "" {
		r.fanOut(conn, conv.ID, cmd.InitialMessage, cmd.Config)
	}
}

// handleSendMessage validates membership and runs the fan-out.
func (r *Router) handleSendMessage(conn *Conn, cmd *protocol.SendMessageCmd) {
	if !r.checkMembership(conn, cmd.ConversationID) {
		return
	}
	r.fanOut(conn, cmd.ConversationID, cmd.Content, cmd.Config)
}

// handleJoinConversation adds the user as a participant and subscribes the
// connection to the room.
func (r *Router) handleJoinConversation(conn *Conn, cmd *protocol.JoinConversationCmd) {
	conv, err := r.store.Join(cmd.ConversationID, conn.UserID())
	if err != nil {
		conn.Send(protocol.Error(protocol.CodeConversationNotFound, err.Error()))
		return
	}
	r.subscribe(conn, conv.ID)
	conn.Send(protocol.ConversationJoined(conv))
}

// handleLeaveConversation unsubscribes the connection from the room. The
// participant set is untouched; the conversation outlives any one
// connection's membership.
func (r *Router) handleLeaveConversation(conn *Conn, cmd *protocol.LeaveConversationCmd) {
	conn.dropSubscription(cmd.ConversationID)
	conn.Send(protocol.ConversationLeft(cmd.ConversationID))
}

func (r *Router) handleGetHistory(conn *Conn, cmd *protocol.GetConversationHistoryCmd) {
	if !r.checkMembership(conn, cmd.ConversationID) {
		return
	}
	messages, err := r.store.History(cmd.ConversationID)
	if err != nil {
		conn.Send(protocol.Error(protocol.CodeConversationNotFound, err.Error()))
		return
	}
	conn.Send(protocol.ConversationHistory(cmd.ConversationID, messages))
}

func (r *Router) handleLoadMessages(conn *Conn, cmd *protocol.LoadConversationMessagesCmd) {
	if !r.checkMembership(conn, cmd.ConversationID) {
		return
	}

	page := cmd.Page
	if page < 1 {
		page = 1
	}
	limit := cmd.Limit
	if limit < 1 {
		limit = r.pageSize
	}

	messages, hasMore, err := r.store.Paginate(cmd.ConversationID, page, limit)
	if err != nil {
		conn.Send(protocol.Error(protocol.CodeConversationNotFound, err.Error()))
		return
	}
	conn.Send(protocol.ConversationMessages(cmd.ConversationID, messages, page, hasMore))
}

// handleTestAssistant runs an on-demand probe and records the result in the
// registry alongside the background checks.
func (r *Router) handleTestAssistant(ctx context.Context, conn *Conn, cmd *protocol.TestAssistantCmd) {
	h := r.registry.Health(ctx, cmd.AssistantID)
	conn.Send(protocol.AssistantTestResult(cmd.AssistantID, h.Healthy(), h.Error))
}

// handleGetSchemas proxies the backend schema document verbatim.
func (r *Router) handleGetSchemas(ctx context.Context, conn *Conn, cmd *protocol.GetAssistantSchemasCmd) {
	schemas, err := r.backend.GetSchemas(ctx, cmd.AssistantID)
	if err != nil {
		code := protocol.CodeAssistantCallFailed
		if errors.Is(err, backend.ErrAssistantNotFound) {
			code = protocol.CodeBadRequest
		}
		conn.Send(protocol.Error(code, err.Error()))
		return
	}
	conn.Send(protocol.AssistantSchemas(cmd.AssistantID, schemas))
}

// checkMembership sends the scoped error to the originating connection only
// and reports whether the operation may proceed.
func (r *Router) checkMembership(conn *Conn, conversationID string) bool {
	if _, err := r.store.Get(conversationID); err != nil {
		conn.Send(protocol.Error(protocol.CodeConversationNotFound, "conversation not found"))
		return false
	}
	if !r.store.IsParticipant(conversationID, conn.UserID()) {
		conn.Send(protocol.Error(protocol.CodeAccessDenied, "not a participant"))
		return false
	}
	return true
}

// subscribe puts the connection in the conversation's room and pumps room
// events into its send buffer until the subscription is cancelled.
func (r *Router) subscribe(conn *Conn, conversationID string) {
	if conn.isSubscribed(conversationID) {
		return
	}

	subCtx, cancel := context.WithCancel(r.baseCtx)
	ch, subID := r.broadcaster.Subscribe(subCtx, conversationID)
	conn.trackSubscription(conversationID, subID, cancel)

	go func() {
		for evt := range ch {
			conn.Send(evt)
		}
	}()
}

// fanOut appends the human message, broadcasts it to the room, then drives
// every assistant participant's call concurrently. Each assistant's failure
// is isolated: it surfaces as a scoped error event and never aborts the
// siblings.
func (r *Router) fanOut(conn *Conn, conversationID, content string, cfg *protocol.SendConfig) {
	msg := protocol.Message{
		ID:             uuid.New().String(),
		Type:           protocol.MessageHuman,
		Content:        content,
		SenderID:       conn.UserID(),
		SenderType:     protocol.SenderUser,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
	}
	if err := r.store.AppendMessage(conversationID, msg); err != nil {
		conn.Send(protocol.Error(protocol.CodeConversationNotFound, err.Error()))
		return
	}
	// The human message reaches the room before any assistant is invoked.
	r.broadcaster.Publish(conversationID, protocol.MessageReceived(&msg), "")

	conv, err := r.store.Get(conversationID)
	if err != nil {
		return
	}
	history := toChatMessages(conv.Messages)

	for _, assistantID := range conv.Participants.Assistants {
		a, ok := r.registry.Get(assistantID)
		if !ok {
			// Dropped from the catalog since the conversation was created
			r.broadcaster.Publish(conversationID,
				protocol.AssistantResponseError("", conversationID, assistantID,
					protocol.CodeAssistantCallFailed, "assistant no longer available"), "")
			continue
		}

		if cfg != nil && cfg.ExcludeUnhealthy {
			if h, ok := r.registry.LastHealth(assistantID); ok && !h.Healthy() {
				r.logger.Info("skipping unhealthy assistant",
					"assistant_id", assistantID,
					"conversation_id", conversationID)
				r.broadcaster.Publish(conversationID,
					protocol.AssistantResponseError("", conversationID, assistantID,
						protocol.CodeAssistantUnhealthy, "assistant skipped: unhealthy at last check"), "")
				continue
			}
		}

		go r.invokeAssistant(conversationID, a, history, cfg)
	}
}

// invokeAssistant drives one assistant's response to one human message.
// Runs on the router's base context so the response survives the sending
// connection.
func (r *Router) invokeAssistant(conversationID string, a backend.Assistant, history []backend.ChatMessage, cfg *protocol.SendConfig) {
	messageID := uuid.New().String()
	callCfg := toCallConfig(cfg)

	r.broadcaster.Publish(conversationID,
		protocol.AssistantResponseStart(messageID, conversationID, a.ID, a.Name), "")

	if cfg.WantsStreaming() && a.Capabilities.Streaming {
		r.streamResponse(conversationID, messageID, a, history, callCfg)
		return
	}

	content, err := r.backend.Invoke(r.baseCtx, a.ID, history, callCfg)
	if err != nil {
		r.publishCallError(conversationID, messageID, a.ID, err)
		return
	}
	r.finishResponse(conversationID, messageID, a, content)
}

// streamResponse runs one streaming call: session start, per-fragment
// append + chunk broadcast, then completion with the aggregated content.
func (r *Router) streamResponse(conversationID, messageID string, a backend.Assistant, history []backend.ChatMessage, callCfg backend.CallConfig) {
	if err := r.aggregator.Start(messageID, conversationID, a.ID); err != nil {
		r.publishCallError(conversationID, messageID, a.ID, err)
		return
	}

	ch, err := r.backend.Stream(r.baseCtx, a.ID, history, callCfg)
	if err != nil {
		r.aggregator.Complete(messageID)
		r.publishCallError(conversationID, messageID, a.ID, err)
		return
	}

	chunkID := 0
	for chunk := range ch {
		if chunk.Done {
			if chunk.Err != "" {
				if _, ok := r.aggregator.Complete(messageID); !ok {
					// Session was evicted mid-stream; the eviction listener
					// already told the room. No second error.
					return
				}
				r.broadcaster.Publish(conversationID,
					protocol.AssistantResponseError(messageID, conversationID, a.ID,
						protocol.CodeAssistantCallFailed, chunk.Err), "")
				return
			}
			final, ok := r.aggregator.Complete(messageID)
			if !ok {
				// Evicted mid-stream, already reported.
				return
			}
			r.finishResponse(conversationID, messageID, a, final)
			return
		}

		if _, ok := r.aggregator.Append(messageID, chunk.Content); !ok {
			// Evicted session: drop the fragment, keep draining upstream.
			continue
		}
		chunkID++
		r.broadcaster.Publish(conversationID,
			protocol.MessageChunk(messageID, conversationID, a.ID, a.Name, chunk.Content, chunkID), "")
	}
}

// finishResponse appends the finalized AI message and announces completion.
func (r *Router) finishResponse(conversationID, messageID string, a backend.Assistant, content string) {
	msg := protocol.Message{
		ID:             messageID,
		Type:           protocol.MessageAI,
		Content:        content,
		SenderID:       a.ID,
		SenderName:     a.Name,
		SenderType:     protocol.SenderAgent,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
	}
	if err := r.store.AppendMessage(conversationID, msg); err != nil {
		r.logger.Error("appending assistant message",
			"conversation_id", conversationID,
			"message_id", messageID,
			"error", err)
		return
	}
	r.broadcaster.Publish(conversationID, protocol.AssistantResponseComplete(&msg), "")
}

func (r *Router) publishCallError(conversationID, messageID, assistantID string, err error) {
	r.logger.Warn("assistant call failed",
		"conversation_id", conversationID,
		"assistant_id", assistantID,
		"error", err)
	r.broadcaster.Publish(conversationID,
		protocol.AssistantResponseError(messageID, conversationID, assistantID,
			protocol.CodeAssistantCallFailed, err.Error()), "")
}

// toChatMessages converts finalized history into the backend's wire shape.
func toChatMessages(messages []protocol.Message) []backend.ChatMessage {
	out := make([]backend.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, backend.ChatMessage{
			Type:    string(m.Type),
			Content: m.Content,
		})
	}
	return out
}

func toCallConfig(cfg *protocol.SendConfig) backend.CallConfig {
	if cfg == nil {
		return backend.CallConfig{}
	}
	return backend.CallConfig{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
	}
}
