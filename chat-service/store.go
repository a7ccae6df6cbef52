package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// pairKey builds the unordered unique key for a two-party conversation so
// get-or-create is idempotent regardless of who initiates.
func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// Message is the wire shape of a chat message.
type Message struct {
	Id             string              `json:"id"`
	ConversationId string              `json:"conversationId"`
	SenderId       string              `json:"senderId"`
	RecipientId    string              `json:"recipientId"`
	Text           string              `json:"text"`
	MediaUrl       string              `json:"mediaUrl,omitempty"`
	MediaType      string              `json:"mediaType,omitempty"`
	ReplyTo        string              `json:"replyTo,omitempty"`
	Read           bool                `json:"read"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	CreatedAt      int64               `json:"createdAt"` // unix millis
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Id            string   `json:"id"`
	Participants  []string `json:"participants"`
	Theme         string   `json:"theme"`
	LastMessage   *Message `json:"lastMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
	OtherOnline   bool     `json:"otherOnline"`
	OtherLastSeen int64    `json:"otherLastSeen,omitempty"`
}

// chatStore wraps the database with prepared statements for the hot paths.
type chatStore struct {
	db *sql.DB

	insertConv        *sql.Stmt
	convByPairKey     *sql.Stmt
	insertParticipant *sql.Stmt
	insertMessage     *sql.Stmt
	touchConv         *sql.Stmt
	queryLatest       *sql.Stmt
	queryCursor       *sql.Stmt
	markRead          *sql.Stmt
	unreadCount       *sql.Stmt
}

const pageSize = 25

func newChatStore(db *sql.DB) (*chatStore, error) {
	s := &chatStore{db: db}

	var err error
	prepare := func(dst **sql.Stmt, q string) {
		if err != nil {
			return
		}
		*dst, err = db.Prepare(q)
	}

	prepare(&s.insertConv,
		"INSERT INTO conversations (id, pair_key) VALUES ($1, $2) ON CONFLICT (pair_key) DO NOTHING")
	prepare(&s.convByPairKey,
		"SELECT id FROM conversations WHERE pair_key = $1")
	prepare(&s.insertParticipant,
		"INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING")
	prepare(&s.insertMessage,
		`INSERT INTO messages (id, conversation_id, sender_id, recipient_id, body, media_url, media_type, reply_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`)
	prepare(&s.touchConv,
		"UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1")
	// Fetch pageSize+1 rows to detect hasMore without a COUNT query.
	prepare(&s.queryLatest,
		`SELECT m.id, m.sender_id, m.recipient_id, m.body, m.media_url, m.media_type, m.reply_to, m.read, m.created_at,
		        (SELECT json_object_agg(sub.emoji, sub.users) FROM (
		            SELECT emoji, json_agg(user_id ORDER BY created_at) AS users
		            FROM message_reactions WHERE message_id = m.id GROUP BY emoji
		        ) sub) AS reactions
		 FROM messages m
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC LIMIT $2`)
	prepare(&s.queryCursor,
		`SELECT m.id, m.sender_id, m.recipient_id, m.body, m.media_url, m.media_type, m.reply_to, m.read, m.created_at,
		        (SELECT json_object_agg(sub.emoji, sub.users) FROM (
		            SELECT emoji, json_agg(user_id ORDER BY created_at) AS users
		            FROM message_reactions WHERE message_id = m.id GROUP BY emoji
		        ) sub) AS reactions
		 FROM messages m
		 WHERE m.conversation_id = $1 AND m.created_at < $2
		 ORDER BY m.created_at DESC LIMIT $3`)
	prepare(&s.markRead,
		"UPDATE messages SET read = TRUE WHERE conversation_id = $1 AND recipient_id = $2 AND NOT read")
	prepare(&s.unreadCount,
		"SELECT COUNT(*) FROM messages WHERE recipient_id = $1 AND NOT read")

	if err != nil {
		return nil, fmt.Errorf("prepare chat statements: %w", err)
	}
	return s, nil
}

// GetOrCreateConversation returns the conversation id for the unordered user
// pair, creating the record and both participant rows on first contact. The
// unique pair key makes concurrent creates collapse onto one row.
func (s *chatStore) GetOrCreateConversation(ctx context.Context, a, b string) (string, error) {
	key := pairKey(a, b)
	if _, err := s.insertConv.ExecContext(ctx, uuid.NewString(), key); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	var id string
	if err := s.convByPairKey.QueryRowContext(ctx, key).Scan(&id); err != nil {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	for _, u := range []string{a, b} {
		if _, err := s.insertParticipant.ExecContext(ctx, id, u); err != nil {
			return "", fmt.Errorf("insert participant: %w", err)
		}
	}
	return id, nil
}

// Participants returns the current participant ids, or sql.ErrNoRows when the
// conversation does not exist.
func (s *chatStore) Participants(ctx context.Context, convID string) ([]string, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT NOT is_permanently_deleted FROM conversations WHERE id = $1", convID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, sql.ErrNoRows
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM conversation_participants WHERE conversation_id = $1", convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListConversations returns the user's non-trashed conversations, most recent
// activity first, with last message and per-conversation unread count.
func (s *chatStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.theme,
		        (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.recipient_id = $1 AND NOT m.read)
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		 WHERE NOT c.is_permanently_deleted
		   AND NOT EXISTS (SELECT 1 FROM conversation_trash t WHERE t.conversation_id = c.id AND t.user_id = $1)
		 ORDER BY c.updated_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		if err := rows.Scan(&cs.Id, &cs.Theme, &cs.UnreadCount); err != nil {
			return nil, err
		}
		list = append(list, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range list {
		ps, err := s.Participants(ctx, list[i].Id)
		if err != nil {
			return nil, err
		}
		list[i].Participants = ps

		msgs, _, err := s.Messages(ctx, list[i].Id, 0, 1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			m := msgs[len(msgs)-1]
			list[i].LastMessage = &m
		}
	}
	return list, nil
}

// Messages returns up to limit messages in chronological order plus a hasMore
// flag. before is an exclusive unix-millis cursor; zero means latest page.
func (s *chatStore) Messages(ctx context.Context, convID string, before int64, limit int) ([]Message, bool, error) {
	var rows *sql.Rows
	var err error
	if before > 0 {
		rows, err = s.queryCursor.QueryContext(ctx, convID, millisToTime(before), limit+1)
	} else {
		rows, err = s.queryLatest.QueryContext(ctx, convID, limit+1)
	}
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows, convID)
		if err != nil {
			return nil, false, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	// Reverse to chronological order (query was DESC).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, hasMore, nil
}

// InsertMessage persists a message and bumps the conversation's last-message
// reference.
func (s *chatStore) InsertMessage(ctx context.Context, m *Message) error {
	at := millisToTime(m.CreatedAt)
	if _, err := s.insertMessage.ExecContext(ctx,
		m.Id, m.ConversationId, m.SenderId, m.RecipientId, m.Text,
		m.MediaUrl, m.MediaType, m.ReplyTo, at); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.touchConv.ExecContext(ctx, m.ConversationId, m.Id, at); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// MarkRead flags every unread message addressed to the user in the
// conversation. Returns how many were flagged.
func (s *chatStore) MarkRead(ctx context.Context, convID, userID string) (int64, error) {
	res, err := s.markRead.ExecContext(ctx, convID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCount counts unread messages addressed to the user across all
// conversations.
func (s *chatStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.unreadCount.QueryRowContext(ctx, userID).Scan(&n)
	return n, err
}

// ToggleReaction removes the (message, user, emoji) reaction if present,
// otherwise adds it. Returns true when the reaction is present afterwards.
func (s *chatStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3",
		messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		messageID, userID, emoji, time.Now())
	return true, err
}

// MessageReactions returns the message's reaction state, emoji to the users
// holding it. Never nil.
func (s *chatStore) MessageReactions(ctx context.Context, messageID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT emoji, user_id FROM message_reactions WHERE message_id = $1 ORDER BY created_at",
		messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var emoji, userID string
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, err
		}
		out[emoji] = append(out[emoji], userID)
	}
	return out, rows.Err()
}

// MessageMeta resolves a message's conversation and parties.
func (s *chatStore) MessageMeta(ctx context.Context, messageID string) (convID, senderID, recipientID string, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT conversation_id, sender_id, recipient_id FROM messages WHERE id = $1",
		messageID).Scan(&convID, &senderID, &recipientID)
	return
}

// DeleteMessage removes a message if the caller sent it. Returns false when
// nothing matched.
func (s *chatStore) DeleteMessage(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE id = $1 AND sender_id = $2", messageID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetTheme updates the conversation theme.
func (s *chatStore) SetTheme(ctx context.Context, convID, theme string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET theme = $2, updated_at = $3 WHERE id = $1",
		convID, theme, time.Now())
	return err
}

// AllMessages streams the full transcript in chronological order for export.
func (s *chatStore) AllMessages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.sender_id, m.recipient_id, m.body, m.media_url, m.media_type, m.reply_to, m.read, m.created_at,
		        NULL::text AS reactions
		 FROM messages m
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at ASC`,
		convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows, convID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessage(rows *sql.Rows, convID string) (Message, error) {
	var m Message
	var mediaUrl, mediaType, replyTo, reactions sql.NullString
	var createdAt time.Time
	if err := rows.Scan(&m.Id, &m.SenderId, &m.RecipientId, &m.Text,
		&mediaUrl, &mediaType, &replyTo, &m.Read, &createdAt, &reactions); err != nil {
		return Message{}, err
	}
	m.ConversationId = convID
	m.MediaUrl = mediaUrl.String
	m.MediaType = mediaType.String
	m.ReplyTo = replyTo.String
	m.CreatedAt = createdAt.UnixMilli()
	if reactions.Valid {
		_ = unmarshalReactions(reactions.String, &m)
	}
	return m, nil
}

func unmarshalReactions(raw string, m *Message) error {
	return json.Unmarshal([]byte(raw), &m.Reactions)
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
