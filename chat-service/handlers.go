package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/blog-chat/pkg/otelhelper"
	"github.com/example/blog-chat/pkg/trash"
)

// ErrorBody is the error envelope of every request/reply subject. The gateway
// maps codes onto HTTP statuses.
type ErrorBody struct {
	Code    string `json:"code"` // not_found, forbidden, conflict, invalid, internal
	Message string `json:"message"`
}

type errorReply struct {
	Error ErrorBody `json:"error"`
}

func respondError(msg *nats.Msg, code, message string) {
	data, _ := json.Marshal(errorReply{Error: ErrorBody{Code: code, Message: message}})
	msg.Respond(data)
}

// respondTrashError maps the trash lifecycle sentinels onto wire codes.
func respondTrashError(msg *nats.Msg, err error) {
	switch {
	case errors.Is(err, trash.ErrNotFound):
		respondError(msg, "not_found", "conversation not found")
	case errors.Is(err, trash.ErrForbidden):
		respondError(msg, "forbidden", "not a participant")
	case errors.Is(err, trash.ErrAlreadyTrashed):
		respondError(msg, "conflict", "conversation already in trash")
	case errors.Is(err, trash.ErrNotInTrash):
		respondError(msg, "conflict", "conversation not in trash")
	default:
		respondError(msg, "internal", "internal error")
	}
}

func respondJSON(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		respondError(msg, "internal", "encode failed")
		return
	}
	msg.Respond(data)
}

// server holds the chat-service dependencies.
type server struct {
	nc    *nats.Conn
	store *chatStore
	trash *trash.Machine
}

// Event is the realtime envelope forwarded to sockets via deliver.* subjects.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// deliver pushes a realtime event to every current handle of a user. A user
// with no handles, or an unreachable presence service, is a silent no-op.
func (s *server) deliver(ctx context.Context, userId, event string, payload any) {
	resp, err := otelhelper.TracedRequest(ctx, s.nc, "presence.handles."+userId, nil)
	if err != nil {
		slog.DebugContext(ctx, "Presence handles lookup failed", "user", userId, "error", err)
		return
	}
	var handles []string
	if err := json.Unmarshal(resp.Data, &handles); err != nil || len(handles) == 0 {
		return
	}

	data, err := json.Marshal(Event{Event: event, Data: payload})
	if err != nil {
		slog.WarnContext(ctx, "Failed to marshal realtime event", "event", event, "error", err)
		return
	}
	for _, connId := range handles {
		s.nc.Publish("deliver."+userId+"."+connId, data)
	}
}

// notifyPush enqueues a durable notification for the notification-service.
func (s *server) notifyPush(ctx context.Context, recipientId, senderId, kind string, payload any) {
	body, err := json.Marshal(map[string]any{
		"recipientId": recipientId,
		"senderId":    senderId,
		"kind":        kind,
		"payload":     payload,
	})
	if err != nil {
		return
	}
	if err := otelhelper.TracedPublish(ctx, s.nc, "notify.push", body); err != nil {
		slog.WarnContext(ctx, "Failed to enqueue notification", "kind", kind, "error", err)
	}
}

// subjectParam extracts the trailing token of a subject like chat.trash.{id}.
func subjectParam(subject string, minParts int) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < minParts {
		return "", false
	}
	return parts[len(parts)-1], true
}

type createConversationRequest struct {
	UserId      string `json:"userId"`
	RecipientId string `json:"recipientId"`
}

func (s *server) handleConversationCreate(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "conversation create")
	defer span.End()

	var req createConversationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" || req.RecipientId == "" {
		respondError(msg, "invalid", "userId and recipientId are required")
		return
	}
	if req.UserId == req.RecipientId {
		respondError(msg, "invalid", "cannot start a conversation with yourself")
		return
	}

	id, err := s.store.GetOrCreateConversation(ctx, req.UserId, req.RecipientId)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to get or create conversation", "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}
	span.SetAttributes(attribute.String("chat.conversation", id))
	respondJSON(msg, map[string]string{"conversationId": id})
}

type userRequest struct {
	UserId string `json:"userId"`
}

func (s *server) handleConversationList(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "conversation list")
	defer span.End()

	var req userRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}

	list, err := s.store.ListConversations(ctx, req.UserId)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list conversations", "user", req.UserId, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}

	// Annotate each conversation with the other party's live status.
	for i := range list {
		other := otherParticipant(list[i].Participants, req.UserId)
		if other == "" {
			continue
		}
		resp, err := otelhelper.TracedRequest(ctx, s.nc, "presence.online."+other, nil)
		if err != nil {
			continue
		}
		var st struct {
			Online   bool  `json:"online"`
			LastSeen int64 `json:"lastSeen"`
		}
		if json.Unmarshal(resp.Data, &st) == nil {
			list[i].OtherOnline = st.Online
			list[i].OtherLastSeen = st.LastSeen
		}
	}

	if list == nil {
		list = []ConversationSummary{}
	}
	respondJSON(msg, list)
}

func otherParticipant(participants []string, userId string) string {
	for _, p := range participants {
		if p != userId {
			return p
		}
	}
	return ""
}

type historyRequest struct {
	UserId string `json:"userId"`
	Before int64  `json:"before,omitempty"`
}

type historyResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

func (s *server) handleMessages(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "message history")
	defer span.End()

	convID, ok := subjectParam(msg.Subject, 3)
	if !ok {
		respondError(msg, "invalid", "missing conversation id")
		return
	}
	span.SetAttributes(attribute.String("chat.conversation", convID))

	var req historyRequest
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &req)
	}
	if req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}

	if code := s.requireParticipant(ctx, convID, req.UserId); code != "" {
		respondError(msg, code, code)
		return
	}

	messages, hasMore, err := s.store.Messages(ctx, convID, req.Before, pageSize)
	if err != nil {
		slog.ErrorContext(ctx, "History query failed", "conversation", convID, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	respondJSON(msg, historyResponse{Messages: messages, HasMore: hasMore})
}

// requireParticipant returns an error code, or "" when the user may access
// the conversation.
func (s *server) requireParticipant(ctx context.Context, convID, userId string) string {
	participants, err := s.store.Participants(ctx, convID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "not_found"
		}
		slog.ErrorContext(ctx, "Participant check failed", "conversation", convID, "error", err)
		return "internal"
	}
	for _, p := range participants {
		if p == userId {
			return ""
		}
	}
	return "forbidden"
}

type sendRequest struct {
	ConversationId string `json:"conversationId"`
	SenderId       string `json:"senderId"`
	RecipientId    string `json:"recipientId"`
	Text           string `json:"text"`
	MediaUrl       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

func (s *server) handleSend(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "send message")
	defer span.End()

	var req sendRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil ||
		req.ConversationId == "" || req.SenderId == "" || req.RecipientId == "" {
		respondError(msg, "invalid", "conversationId, senderId and recipientId are required")
		return
	}
	if req.Text == "" && req.MediaUrl == "" {
		respondError(msg, "invalid", "message is empty")
		return
	}
	if code := s.requireParticipant(ctx, req.ConversationId, req.SenderId); code != "" {
		respondError(msg, code, code)
		return
	}

	m := &Message{
		Id:             uuid.NewString(),
		ConversationId: req.ConversationId,
		SenderId:       req.SenderId,
		RecipientId:    req.RecipientId,
		Text:           req.Text,
		MediaUrl:       req.MediaUrl,
		MediaType:      req.MediaType,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := s.store.InsertMessage(ctx, m); err != nil {
		slog.ErrorContext(ctx, "Failed to persist message", "conversation", req.ConversationId, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}
	span.SetAttributes(attribute.String("chat.message", m.Id))

	// A recipient who trashed the conversation still gets the message
	// stored, plus a hint event so the client can surface it.
	recipientTrashed, err := s.isTrashedFor(ctx, req.ConversationId, req.RecipientId)
	if err != nil {
		slog.WarnContext(ctx, "Trash check failed", "conversation", req.ConversationId, "error", err)
	}

	s.deliver(ctx, req.RecipientId, "new_message", map[string]any{
		"message":   m,
		"isTrashed": recipientTrashed,
	})
	if recipientTrashed {
		s.deliver(ctx, req.RecipientId, "message_in_trashed_chat", map[string]any{
			"conversationId": req.ConversationId,
			"senderId":       req.SenderId,
		})
	}
	s.notifyPush(ctx, req.RecipientId, req.SenderId, "message", map[string]any{
		"conversationId": req.ConversationId,
		"messageId":      m.Id,
		"preview":        preview(m.Text),
	})

	respondJSON(msg, m)
}

func (s *server) isTrashedFor(ctx context.Context, convID, userId string) (bool, error) {
	var n int
	err := s.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversation_trash WHERE conversation_id = $1 AND user_id = $2",
		convID, userId).Scan(&n)
	return n > 0, err
}

func preview(text string) string {
	const max = 80
	if len(text) <= max {
		return text
	}
	// Back up to a rune boundary so the cut never splits a character.
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func (s *server) handleRead(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "mark read")
	defer span.End()

	convID, ok := subjectParam(msg.Subject, 3)
	if !ok {
		respondError(msg, "invalid", "missing conversation id")
		return
	}
	var req userRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}
	if code := s.requireParticipant(ctx, convID, req.UserId); code != "" {
		respondError(msg, code, code)
		return
	}

	n, err := s.store.MarkRead(ctx, convID, req.UserId)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to mark read", "conversation", convID, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}

	// Tell the other side their messages were seen.
	if participants, err := s.store.Participants(ctx, convID); err == nil {
		if other := otherParticipant(participants, req.UserId); other != "" && n > 0 {
			s.deliver(ctx, other, "messages_read", map[string]any{
				"conversationId": convID,
				"readerId":       req.UserId,
			})
		}
	}
	respondJSON(msg, map[string]int64{"updated": n})
}

func (s *server) handleUnread(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "unread count")
	defer span.End()

	var req userRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}
	n, err := s.store.UnreadCount(ctx, req.UserId)
	if err != nil {
		slog.ErrorContext(ctx, "Unread count failed", "user", req.UserId, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}
	respondJSON(msg, map[string]int{"count": n})
}

type reactionRequest struct {
	MessageId string `json:"messageId"`
	UserId    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

func (s *server) handleReaction(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "toggle reaction")
	defer span.End()

	var req reactionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil ||
		req.MessageId == "" || req.UserId == "" || req.Emoji == "" {
		respondError(msg, "invalid", "messageId, userId and emoji are required")
		return
	}

	convID, senderId, recipientId, err := s.store.MessageMeta(ctx, req.MessageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(msg, "not_found", "message not found")
			return
		}
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}
	if req.UserId != senderId && req.UserId != recipientId {
		respondError(msg, "forbidden", "not a participant")
		return
	}

	added, err := s.store.ToggleReaction(ctx, req.MessageId, req.UserId, req.Emoji)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to toggle reaction", "message", req.MessageId, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}

	reactions, err := s.store.MessageReactions(ctx, req.MessageId)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load reaction state", "message", req.MessageId, "error", err)
	}

	evt := reactionEvent(convID, req.MessageId, req.UserId, req.Emoji, added, reactions)
	for _, u := range []string{senderId, recipientId} {
		s.deliver(ctx, u, "message_reaction", evt)
	}
	respondJSON(msg, map[string]any{"added": added, "reactions": evt["reactions"]})
}

// reactionEvent is the message_reaction payload. It always carries the full
// reaction state so clients can replace theirs instead of patching it.
func reactionEvent(convID, messageID, userID, emoji string, added bool, reactions map[string][]string) map[string]any {
	if reactions == nil {
		reactions = map[string][]string{}
	}
	return map[string]any{
		"conversationId": convID,
		"messageId":      messageID,
		"userId":         userID,
		"emoji":          emoji,
		"added":          added,
		"reactions":      reactions,
	}
}

type deleteMessageRequest struct {
	MessageId string `json:"messageId"`
	UserId    string `json:"userId"`
}

func (s *server) handleMessageDelete(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "delete message")
	defer span.End()

	var req deleteMessageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.MessageId == "" || req.UserId == "" {
		respondError(msg, "invalid", "messageId and userId are required")
		return
	}

	convID, senderId, recipientId, err := s.store.MessageMeta(ctx, req.MessageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(msg, "not_found", "message not found")
			return
		}
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}
	if req.UserId != senderId {
		respondError(msg, "forbidden", "only the sender can delete a message")
		return
	}

	if _, err := s.store.DeleteMessage(ctx, req.MessageId, req.UserId); err != nil {
		slog.ErrorContext(ctx, "Failed to delete message", "message", req.MessageId, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}

	evt := map[string]string{"conversationId": convID, "messageId": req.MessageId}
	s.deliver(ctx, recipientId, "message_deleted", evt)
	s.deliver(ctx, senderId, "message_deleted", evt)
	respondJSON(msg, map[string]bool{"deleted": true})
}

type themeRequest struct {
	UserId string `json:"userId"`
	Theme  string `json:"theme"`
}

func (s *server) handleTheme(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "update theme")
	defer span.End()

	convID, ok := subjectParam(msg.Subject, 3)
	if !ok {
		respondError(msg, "invalid", "missing conversation id")
		return
	}
	var req themeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" || req.Theme == "" {
		respondError(msg, "invalid", "userId and theme are required")
		return
	}
	if code := s.requireParticipant(ctx, convID, req.UserId); code != "" {
		respondError(msg, code, code)
		return
	}

	if err := s.store.SetTheme(ctx, convID, req.Theme); err != nil {
		slog.ErrorContext(ctx, "Failed to update theme", "conversation", convID, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}

	evt := map[string]string{"conversationId": convID, "theme": req.Theme, "updatedBy": req.UserId}
	if participants, err := s.store.Participants(ctx, convID); err == nil {
		for _, p := range participants {
			s.deliver(ctx, p, "conversation_theme_updated", evt)
		}
	}
	respondJSON(msg, map[string]string{"theme": req.Theme})
}

func (s *server) handleTrash(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "trash conversation")
	defer span.End()

	convID, ok := subjectParam(msg.Subject, 3)
	if !ok {
		respondError(msg, "invalid", "missing conversation id")
		return
	}
	var req userRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}

	res, err := s.trash.Trash(ctx, convID, req.UserId)
	if err != nil {
		span.RecordError(err)
		respondTrashError(msg, err)
		return
	}

	for _, other := range res.Others {
		s.deliver(ctx, other, "conversation_moved_to_trash", map[string]any{
			"conversationId": convID,
			"userId":         req.UserId,
		})
	}
	respondJSON(msg, map[string]any{
		"conversationId": res.ConversationID,
		"deletedAt":      res.DeletedAt.UnixMilli(),
		"expiresAt":      res.ExpiresAt.UnixMilli(),
	})
}

func (s *server) handleRestore(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "restore conversation")
	defer span.End()

	convID, ok := subjectParam(msg.Subject, 3)
	if !ok {
		respondError(msg, "invalid", "missing conversation id")
		return
	}
	var req userRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}

	if err := s.trash.Restore(ctx, convID, req.UserId); err != nil {
		span.RecordError(err)
		respondTrashError(msg, err)
		return
	}

	s.deliver(ctx, req.UserId, "conversation_restored", map[string]string{
		"conversationId": convID,
	})
	respondJSON(msg, map[string]bool{"restored": true})
}

func (s *server) handlePermanentDelete(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "permanent delete")
	defer span.End()

	convID, ok := subjectParam(msg.Subject, 3)
	if !ok {
		respondError(msg, "invalid", "missing conversation id")
		return
	}
	var req userRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}

	res, err := s.trash.PermanentDelete(ctx, convID, req.UserId)
	if err != nil {
		span.RecordError(err)
		respondTrashError(msg, err)
		return
	}

	if res.Erased {
		for _, p := range res.Participants {
			s.deliver(ctx, p, "conversation_permanently_deleted", map[string]string{
				"conversationId": convID,
			})
		}
	}
	respondJSON(msg, map[string]bool{"erased": res.Erased})
}

func (s *server) handleTrashList(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "list trash")
	defer span.End()

	var req userRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}

	items, err := s.trash.ListTrashed(ctx, req.UserId)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list trash", "user", req.UserId, "error", err)
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}
	if items == nil {
		items = []trash.TrashedConversation{}
	}
	respondJSON(msg, items)
}
