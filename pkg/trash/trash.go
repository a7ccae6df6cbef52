// Package trash implements the per-participant soft-delete lifecycle for
// conversations: a participant moves a conversation to trash, may restore it
// within the retention window, and a daily sweep promotes expired trash marks
// into per-participant removal, erasing the conversation outright once no
// participants remain.
package trash

import (
	"context"
	"errors"
	"time"
)

// RetentionWindow is how long a trash mark survives before the sweep expires it.
const RetentionWindow = 7 * 24 * time.Hour

var (
	// ErrNotFound means the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden means the actor is not a participant of the conversation.
	ErrForbidden = errors.New("not a participant")
	// ErrAlreadyTrashed means the actor already holds a trash mark.
	ErrAlreadyTrashed = errors.New("conversation already in trash")
	// ErrNotInTrash means the actor holds no trash mark.
	ErrNotInTrash = errors.New("conversation not in trash")
)

// Mark is one participant's soft-deletion of a conversation.
type Mark struct {
	UserID    string    `json:"userId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Conversation is the slice of conversation state the lifecycle operates on.
type Conversation struct {
	ID                 string     `json:"id"`
	Participants       []string   `json:"participants"`
	Theme              string     `json:"theme"`
	Marks              []Mark     `json:"marks"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	PermanentlyDeleted bool       `json:"permanentlyDeleted"`
}

// MarkFor returns the actor's trash mark, if any.
func (c *Conversation) MarkFor(userID string) (Mark, bool) {
	for _, m := range c.Marks {
		if m.UserID == userID {
			return m, true
		}
	}
	return Mark{}, false
}

// HasParticipant reports whether userID is a current participant.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// TrashedConversation is a trash listing entry for one user.
type TrashedConversation struct {
	ID            string     `json:"id"`
	Participants  []string   `json:"participants"`
	Theme         string     `json:"theme"`
	DeletedAt     time.Time  `json:"deletedAt"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	// HasNewMessages is true when messages arrived after the trash mark.
	HasNewMessages bool `json:"hasNewMessages"`
}

// Store is the storage contract for the trash lifecycle. Mutations are atomic
// single-key operations at the storage layer (set-style add/remove keyed by
// conversation and user), never read-modify-write of a mark list, so two
// racing callers resolve at the store rather than clobbering each other.
type Store interface {
	// Conversation returns a live snapshot or ErrNotFound.
	Conversation(ctx context.Context, convID string) (*Conversation, error)

	// AddMark records a trash mark. Returns false when the user already
	// holds one (the mark is left untouched).
	AddMark(ctx context.Context, convID, userID string, at time.Time) (bool, error)

	// RemoveMark deletes the user's trash mark. Returns false when there
	// was none.
	RemoveMark(ctx context.Context, convID, userID string) (bool, error)

	// ExpireMark deletes the user's trash mark only if it is older than
	// before. Returns false when no such mark existed, including when a
	// fresh mark replaced the one the caller saw.
	ExpireMark(ctx context.Context, convID, userID string, before time.Time) (bool, error)

	// RemoveParticipant drops the user from the participant list.
	RemoveParticipant(ctx context.Context, convID, userID string) error

	// Erase permanently deletes the conversation and every message
	// referencing it.
	Erase(ctx context.Context, convID string) error

	// ListTrashed returns conversations where the user holds a mark and the
	// record is not permanently deleted.
	ListTrashed(ctx context.Context, userID string) ([]TrashedConversation, error)

	// ExpiredCandidates returns ids of conversations holding at least one
	// mark older than the cutoff. Callers must re-read each conversation
	// before acting on it.
	ExpiredCandidates(ctx context.Context, cutoff time.Time) ([]string, error)
}
