package trash

import (
	"context"
	"fmt"
	"time"
)

// Machine runs the trash state machine for conversations. It contains no
// state of its own; every operation is a bounded sequence of store calls with
// the mutation itself expressed as one atomic store primitive.
type Machine struct {
	store Store
	now   func() time.Time
}

// NewMachine creates a Machine. A nil clock defaults to time.Now.
func NewMachine(store Store, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{store: store, now: clock}
}

// TrashResult reports a successful move to trash.
type TrashResult struct {
	ConversationID string
	DeletedAt      time.Time
	// ExpiresAt is when the mark becomes eligible for the expiry sweep.
	ExpiresAt time.Time
	// Others are the remaining participants to notify.
	Others []string
}

// Trash moves the conversation to the actor's trash. Fails with ErrNotFound,
// ErrForbidden, or ErrAlreadyTrashed.
func (m *Machine) Trash(ctx context.Context, convID, userID string) (*TrashResult, error) {
	conv, err := m.store.Conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrForbidden
	}

	at := m.now()
	added, err := m.store.AddMark(ctx, convID, userID, at)
	if err != nil {
		return nil, fmt.Errorf("add trash mark: %w", err)
	}
	if !added {
		return nil, ErrAlreadyTrashed
	}

	res := &TrashResult{
		ConversationID: convID,
		DeletedAt:      at,
		ExpiresAt:      at.Add(RetentionWindow),
	}
	for _, p := range conv.Participants {
		if p != userID {
			res.Others = append(res.Others, p)
		}
	}
	return res, nil
}

// Restore removes the actor's trash mark. Removing a mark that is already
// gone is a no-op, not an error; ErrNotFound only when the conversation is
// absent.
func (m *Machine) Restore(ctx context.Context, convID, userID string) error {
	if _, err := m.store.Conversation(ctx, convID); err != nil {
		return err
	}
	if _, err := m.store.RemoveMark(ctx, convID, userID); err != nil {
		return fmt.Errorf("remove trash mark: %w", err)
	}
	return nil
}

// PermanentDeleteResult reports the outcome of a permanent deletion.
type PermanentDeleteResult struct {
	ConversationID string
	// Erased is true when every participant had trashed the conversation
	// and the whole record plus its messages were destroyed.
	Erased bool
	// Participants is everyone to notify when Erased; otherwise empty.
	Participants []string
}

// PermanentDelete removes the conversation from the actor's trash for good.
// When every current participant holds a mark the conversation and its
// messages are erased outright; otherwise only the actor is dropped from the
// participant list and the record survives for the others.
func (m *Machine) PermanentDelete(ctx context.Context, convID, userID string) (*PermanentDeleteResult, error) {
	conv, err := m.store.Conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.MarkFor(userID); !ok {
		return nil, ErrNotInTrash
	}

	allTrashed := true
	for _, p := range conv.Participants {
		if _, ok := conv.MarkFor(p); !ok {
			allTrashed = false
			break
		}
	}

	if allTrashed {
		if err := m.store.Erase(ctx, convID); err != nil {
			return nil, fmt.Errorf("erase conversation: %w", err)
		}
		return &PermanentDeleteResult{
			ConversationID: convID,
			Erased:         true,
			Participants:   conv.Participants,
		}, nil
	}

	if _, err := m.store.RemoveMark(ctx, convID, userID); err != nil {
		return nil, fmt.Errorf("remove trash mark: %w", err)
	}
	if err := m.store.RemoveParticipant(ctx, convID, userID); err != nil {
		return nil, fmt.Errorf("remove participant: %w", err)
	}
	return &PermanentDeleteResult{ConversationID: convID}, nil
}

// ListTrashed returns the actor's trashed conversations annotated with the
// hasNewMessages flag: true iff the last message arrived strictly after the
// live mark timestamp.
func (m *Machine) ListTrashed(ctx context.Context, userID string) ([]TrashedConversation, error) {
	items, err := m.store.ListTrashed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list trashed: %w", err)
	}
	for i := range items {
		items[i].HasNewMessages = items[i].LastMessageAt != nil &&
			items[i].LastMessageAt.After(items[i].DeletedAt)
	}
	return items, nil
}
