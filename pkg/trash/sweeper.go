package trash

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper expires trash marks older than the retention window. One run visits
// every candidate conversation, drops expired participants, and erases the
// conversation once nobody is left. Runs are idempotent: a conversation with
// no expired marks is untouched.
type Sweeper struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewSweeper creates a Sweeper. A zero window defaults to RetentionWindow and
// a nil clock to time.Now.
func NewSweeper(store Store, window time.Duration, clock func() time.Time) *Sweeper {
	if window <= 0 {
		window = RetentionWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{store: store, window: window, now: clock}
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Checked int `json:"checked"`
	Expired int `json:"expired"`
	Erased  int `json:"erased"`
	Failed  int `json:"failed"`
}

// Sweep processes every conversation holding at least one expired mark. A
// failure on one conversation is logged and does not stop the rest. The
// candidate query is only a hint: each conversation's marks are re-read at
// iteration time, so a restore that lands after the batch query wins.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	cutoff := s.now().Add(-s.window)

	ids, err := s.store.ExpiredCandidates(ctx, cutoff)
	if err != nil {
		return SweepStats{}, err
	}

	var stats SweepStats
	for _, id := range ids {
		stats.Checked++
		expired, erased, err := s.sweepOne(ctx, id, cutoff)
		if err != nil {
			stats.Failed++
			slog.Warn("Trash sweep failed for conversation", "conversation", id, "error", err)
			continue
		}
		stats.Expired += expired
		if erased {
			stats.Erased++
		}
	}
	return stats, nil
}

// sweepOne expires a single conversation's stale marks against a live read.
// Returns how many marks expired and whether the conversation was erased.
func (s *Sweeper) sweepOne(ctx context.Context, convID string, cutoff time.Time) (int, bool, error) {
	conv, err := s.store.Conversation(ctx, convID)
	if err != nil {
		if err == ErrNotFound {
			return 0, false, nil // erased since the candidate query
		}
		return 0, false, err
	}

	// The guarded delete closes the window between this read and the mark
	// removal: a restore-then-re-trash in between leaves a fresh mark that
	// the delete will not touch, and that user stays a participant.
	expired := make(map[string]bool)
	for _, mark := range conv.Marks {
		if !mark.DeletedAt.Before(cutoff) {
			continue
		}
		removed, err := s.store.ExpireMark(ctx, convID, mark.UserID, cutoff)
		if err != nil {
			return len(expired), false, err
		}
		if !removed {
			continue
		}
		if err := s.store.RemoveParticipant(ctx, convID, mark.UserID); err != nil {
			return len(expired), false, err
		}
		expired[mark.UserID] = true
	}
	if len(expired) == 0 {
		return 0, false, nil
	}

	remaining := 0
	for _, p := range conv.Participants {
		if !expired[p] {
			remaining++
		}
	}

	if remaining == 0 {
		if err := s.store.Erase(ctx, convID); err != nil {
			return len(expired), false, err
		}
		slog.Info("Conversation erased, all participants expired out", "conversation", convID)
		return len(expired), true, nil
	}

	slog.Info("Expired participants removed from conversation",
		"conversation", convID, "expired", len(expired), "remaining", remaining)
	return len(expired), false, nil
}
