package trash

import (
	"context"
	"testing"
	"time"
)

func TestSweepOneSidedExpiry(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	clock := newFixedClock(testEpoch)
	m := NewMachine(store, clock.Now)
	sw := NewSweeper(store, 0, clock.Now)
	ctx := context.Background()

	if _, err := m.Trash(ctx, "c1", "alice"); err != nil {
		t.Fatal(err)
	}

	// Day 6: still inside the retention window, nothing happens.
	clock.Advance(6 * 24 * time.Hour)
	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Checked != 0 || stats.Expired != 0 {
		t.Errorf("day 6 sweep = %+v, want untouched", stats)
	}

	// Day 8: the mark is past the window. Alice drops out, bob keeps the
	// conversation.
	clock.Advance(2 * 24 * time.Hour)
	stats, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Checked != 1 || stats.Expired != 1 || stats.Erased != 0 || stats.Failed != 0 {
		t.Errorf("day 8 sweep = %+v", stats)
	}

	conv, err := store.Conversation(ctx, "c1")
	if err != nil {
		t.Fatalf("conversation erased after one-sided expiry: %v", err)
	}
	if conv.HasParticipant("alice") {
		t.Error("alice still a participant after expiry")
	}
	if !conv.HasParticipant("bob") {
		t.Error("bob lost from participants")
	}
}

func TestSweepBothSidesErases(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	store.addMessages("c1", 4)
	clock := newFixedClock(testEpoch)
	m := NewMachine(store, clock.Now)
	sw := NewSweeper(store, 0, clock.Now)
	ctx := context.Background()

	if _, err := m.Trash(ctx, "c1", "alice"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	if _, err := m.Trash(ctx, "c1", "bob"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(8 * 24 * time.Hour)
	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Erased != 1 || stats.Expired != 2 {
		t.Errorf("sweep = %+v, want 2 expired and 1 erased", stats)
	}
	if _, err := store.Conversation(ctx, "c1"); err != ErrNotFound {
		t.Errorf("conversation should be erased, got err = %v", err)
	}
	if n := store.messageCount("c1"); n != 0 {
		t.Errorf("messages = %d, want 0 after erase", n)
	}
}

func TestSweepIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	clock := newFixedClock(testEpoch)
	m := NewMachine(store, clock.Now)
	sw := NewSweeper(store, 0, clock.Now)
	ctx := context.Background()

	if _, err := m.Trash(ctx, "c1", "alice"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(8 * 24 * time.Hour)

	if _, err := sw.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Checked != 0 || stats.Expired != 0 || stats.Erased != 0 {
		t.Errorf("second sweep = %+v, want nothing to do", stats)
	}
}

func TestSweepHonorsLateRestore(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	clock := newFixedClock(testEpoch)
	m := NewMachine(store, clock.Now)
	ctx := context.Background()

	if _, err := m.Trash(ctx, "c1", "alice"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(8 * 24 * time.Hour)

	// A restore that lands between the candidate query and the per
	// conversation pass must win. candidateSpy restores on first touch.
	spy := &restoreOnCandidates{fakeStore: store, machine: m}
	sw := NewSweeper(spy, 0, clock.Now)

	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Expired != 0 {
		t.Errorf("sweep expired %d marks after restore, want 0", stats.Expired)
	}
	conv, err := store.Conversation(ctx, "c1")
	if err != nil {
		t.Fatalf("conversation gone: %v", err)
	}
	if !conv.HasParticipant("alice") {
		t.Error("alice removed despite restore")
	}
}

// restoreOnCandidates restores alice's mark right after the candidate query
// returns, simulating a user racing the sweep.
type restoreOnCandidates struct {
	*fakeStore
	machine *Machine
	done    bool
}

func (s *restoreOnCandidates) ExpiredCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.fakeStore.ExpiredCandidates(ctx, cutoff)
	if err == nil && !s.done {
		s.done = true
		if err := s.machine.Restore(ctx, "c1", "alice"); err != nil {
			return nil, err
		}
	}
	return ids, err
}

func TestSweepGuardsAgainstRetrash(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	clock := newFixedClock(testEpoch)
	m := NewMachine(store, clock.Now)
	ctx := context.Background()

	if _, err := m.Trash(ctx, "c1", "alice"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(8 * 24 * time.Hour)

	// A restore followed by an immediate re-trash can land after the sweep
	// reads the conversation but before it deletes the mark. The stale
	// snapshot still shows the old mark; the fresh one must survive.
	spy := &retrashAfterRead{fakeStore: store, machine: m}
	sw := NewSweeper(spy, 0, clock.Now)

	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Expired != 0 || stats.Erased != 0 {
		t.Errorf("sweep = %+v, want the fresh mark untouched", stats)
	}
	conv, err := store.Conversation(ctx, "c1")
	if err != nil {
		t.Fatalf("conversation gone: %v", err)
	}
	if !conv.HasParticipant("alice") {
		t.Error("alice removed despite the re-trash")
	}
	mark, ok := conv.MarkFor("alice")
	if !ok {
		t.Fatal("alice's fresh mark deleted")
	}
	if !mark.DeletedAt.Equal(clock.Now()) {
		t.Errorf("mark timestamp = %v, want the re-trash time %v", mark.DeletedAt, clock.Now())
	}
}

// retrashAfterRead serves a stale snapshot and then replaces alice's mark
// with a fresh one, simulating restore plus re-trash racing the sweep.
type retrashAfterRead struct {
	*fakeStore
	machine *Machine
	done    bool
}

func (s *retrashAfterRead) Conversation(ctx context.Context, convID string) (*Conversation, error) {
	snap, err := s.fakeStore.Conversation(ctx, convID)
	if err == nil && !s.done {
		s.done = true
		if err := s.machine.Restore(ctx, convID, "alice"); err != nil {
			return nil, err
		}
		if _, err := s.machine.Trash(ctx, convID, "alice"); err != nil {
			return nil, err
		}
	}
	return snap, err
}

func TestSweepFailureIsolation(t *testing.T) {
	store := newFakeStore()
	store.addConversation("bad", "alice", "bob")
	store.addConversation("good", "alice", "carol")
	clock := newFixedClock(testEpoch)
	m := NewMachine(store, clock.Now)
	sw := NewSweeper(store, 0, clock.Now)
	ctx := context.Background()

	if _, err := m.Trash(ctx, "bad", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Trash(ctx, "good", "alice"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(8 * 24 * time.Hour)
	store.failOn["bad"] = true

	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep must not abort on a single bad conversation: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Expired != 1 {
		t.Errorf("Expired = %d, want 1 from the healthy conversation", stats.Expired)
	}

	conv, err := store.Conversation(ctx, "good")
	if err != nil {
		t.Fatal(err)
	}
	if conv.HasParticipant("alice") {
		t.Error("healthy conversation not swept")
	}
}

func TestSweepCutoffIsLive(t *testing.T) {
	store := newFakeStore()
	store.addConversation("c1", "alice", "bob")
	clock := newFixedClock(testEpoch)
	m := NewMachine(store, clock.Now)
	sw := NewSweeper(store, 0, clock.Now)
	ctx := context.Background()

	if _, err := m.Trash(ctx, "c1", "alice"); err != nil {
		t.Fatal(err)
	}

	// Exactly at the window boundary the mark is not yet expired.
	clock.Advance(RetentionWindow)
	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Expired != 0 {
		t.Errorf("mark at exactly the boundary expired early: %+v", stats)
	}

	clock.Advance(time.Second)
	stats, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Expired != 1 {
		t.Errorf("mark past the boundary not expired: %+v", stats)
	}
}
