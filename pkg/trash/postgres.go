package trash

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store over PostgreSQL. Mark mutations are single
// statements (INSERT .. ON CONFLICT DO NOTHING / DELETE with rowcount) keyed
// by (conversation, user), so concurrent trash/restore calls on the same
// conversation never clobber each other's marks. Erase is a single DELETE on
// the conversation row; participants, marks, messages, and reactions go with
// it via ON DELETE CASCADE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Conversation(ctx context.Context, convID string) (*Conversation, error) {
	conv := &Conversation{ID: convID}
	var lastMessageAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT theme, is_permanently_deleted,
		        (SELECT MAX(created_at) FROM messages WHERE conversation_id = c.id)
		 FROM conversations c WHERE c.id = $1`,
		convID).Scan(&conv.Theme, &conv.PermanentlyDeleted, &lastMessageAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		conv.LastMessageAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM conversation_participants WHERE conversation_id = $1",
		convID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		conv.Participants = append(conv.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	markRows, err := s.db.QueryContext(ctx,
		"SELECT user_id, deleted_at FROM conversation_trash WHERE conversation_id = $1",
		convID)
	if err != nil {
		return nil, fmt.Errorf("query trash marks: %w", err)
	}
	defer markRows.Close()
	for markRows.Next() {
		var m Mark
		if err := markRows.Scan(&m.UserID, &m.DeletedAt); err != nil {
			return nil, err
		}
		conv.Marks = append(conv.Marks, m)
	}
	return conv, markRows.Err()
}

func (s *PostgresStore) AddMark(ctx context.Context, convID, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_trash (conversation_id, user_id, deleted_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		convID, userID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) RemoveMark(ctx context.Context, convID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM conversation_trash WHERE conversation_id = $1 AND user_id = $2",
		convID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ExpireMark(ctx context.Context, convID, userID string, before time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM conversation_trash WHERE conversation_id = $1 AND user_id = $2 AND deleted_at < $3",
		convID, userID, before)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, convID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2",
		convID, userID)
	return err
}

func (s *PostgresStore) Erase(ctx context.Context, convID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", convID)
	return err
}

func (s *PostgresStore) ListTrashed(ctx context.Context, userID string) ([]TrashedConversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.theme, t.deleted_at,
		        (SELECT MAX(created_at) FROM messages WHERE conversation_id = c.id)
		 FROM conversation_trash t
		 JOIN conversations c ON c.id = t.conversation_id
		 WHERE t.user_id = $1 AND NOT c.is_permanently_deleted
		 ORDER BY t.deleted_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []TrashedConversation
	for rows.Next() {
		var tc TrashedConversation
		var lastMessageAt sql.NullTime
		if err := rows.Scan(&tc.ID, &tc.Theme, &tc.DeletedAt, &lastMessageAt); err != nil {
			return nil, err
		}
		if lastMessageAt.Valid {
			t := lastMessageAt.Time
			tc.LastMessageAt = &t
		}
		items = append(items, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range items {
		pRows, err := s.db.QueryContext(ctx,
			"SELECT user_id FROM conversation_participants WHERE conversation_id = $1",
			items[i].ID)
		if err != nil {
			return nil, err
		}
		for pRows.Next() {
			var p string
			if err := pRows.Scan(&p); err != nil {
				pRows.Close()
				return nil, err
			}
			items[i].Participants = append(items[i].Participants, p)
		}
		if err := pRows.Err(); err != nil {
			pRows.Close()
			return nil, err
		}
		pRows.Close()
	}
	return items, nil
}

func (s *PostgresStore) ExpiredCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT conversation_id FROM conversation_trash WHERE deleted_at < $1",
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
