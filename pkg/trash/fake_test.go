package trash

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for tests. Failure injection is per
// conversation id so sweep isolation can be exercised.
type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*Conversation
	// messages counts stored messages per conversation id; Erase drops the
	// whole entry the way the cascading delete does.
	messages map[string]int
	// failOn makes every operation on that conversation id error out.
	failOn map[string]bool
}

var errInjected = errors.New("injected store failure")

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:    make(map[string]*Conversation),
		messages: make(map[string]int),
		failOn:   make(map[string]bool),
	}
}

func (s *fakeStore) addConversation(id string, participants ...string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Conversation{ID: id, Participants: participants}
	s.convs[id] = c
	return c
}

func (s *fakeStore) setLastMessage(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id].LastMessageAt = &at
}

func (s *fakeStore) addMessages(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] += n
}

func (s *fakeStore) messageCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *fakeStore) Conversation(ctx context.Context, convID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[convID] {
		return nil, errInjected
	}
	c, ok := s.convs[convID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.Marks = append([]Mark(nil), c.Marks...)
	return &cp, nil
}

func (s *fakeStore) AddMark(ctx context.Context, convID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[convID] {
		return false, errInjected
	}
	c, ok := s.convs[convID]
	if !ok {
		return false, ErrNotFound
	}
	for _, m := range c.Marks {
		if m.UserID == userID {
			return false, nil
		}
	}
	c.Marks = append(c.Marks, Mark{UserID: userID, DeletedAt: at})
	return true, nil
}

func (s *fakeStore) RemoveMark(ctx context.Context, convID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[convID] {
		return false, errInjected
	}
	c, ok := s.convs[convID]
	if !ok {
		return false, nil
	}
	for i, m := range c.Marks {
		if m.UserID == userID {
			c.Marks = append(c.Marks[:i], c.Marks[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ExpireMark(ctx context.Context, convID, userID string, before time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[convID] {
		return false, errInjected
	}
	c, ok := s.convs[convID]
	if !ok {
		return false, nil
	}
	for i, m := range c.Marks {
		if m.UserID == userID && m.DeletedAt.Before(before) {
			c.Marks = append(c.Marks[:i], c.Marks[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) RemoveParticipant(ctx context.Context, convID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[convID] {
		return errInjected
	}
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	for i, p := range c.Participants {
		if p == userID {
			c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) Erase(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[convID] {
		return errInjected
	}
	delete(s.convs, convID)
	delete(s.messages, convID)
	return nil
}

func (s *fakeStore) ListTrashed(ctx context.Context, userID string) ([]TrashedConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrashedConversation
	for _, c := range s.convs {
		if c.PermanentlyDeleted {
			continue
		}
		for _, m := range c.Marks {
			if m.UserID == userID {
				tc := TrashedConversation{
					ID:           c.ID,
					Participants: append([]string(nil), c.Participants...),
					Theme:        c.Theme,
					DeletedAt:    m.DeletedAt,
				}
				if c.LastMessageAt != nil {
					t := *c.LastMessageAt
					tc.LastMessageAt = &t
				}
				out = append(out, tc)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ExpiredCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.convs {
		for _, m := range c.Marks {
			if m.DeletedAt.Before(cutoff) {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

// fixedClock returns a settable test clock.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock {
	return &fixedClock{t: t}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
