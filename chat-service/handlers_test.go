package main

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestPairKeyUnordered(t *testing.T) {
	if pairKey("alice", "bob") != pairKey("bob", "alice") {
		t.Error("pair key must be the same regardless of order")
	}
	if pairKey("alice", "bob") != "alice:bob" {
		t.Errorf("pairKey = %q, want alice:bob", pairKey("alice", "bob"))
	}
}

func TestSubjectParam(t *testing.T) {
	tests := []struct {
		subject  string
		minParts int
		want     string
		ok       bool
	}{
		{"chat.trash.conv-1", 3, "conv-1", true},
		{"chat.messages.abc", 3, "abc", true},
		{"chat.trash", 3, "", false},
	}
	for _, tt := range tests {
		got, ok := subjectParam(tt.subject, tt.minParts)
		if got != tt.want || ok != tt.ok {
			t.Errorf("subjectParam(%q) = %q, %v; want %q, %v", tt.subject, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOtherParticipant(t *testing.T) {
	if got := otherParticipant([]string{"alice", "bob"}, "alice"); got != "bob" {
		t.Errorf("otherParticipant = %q, want bob", got)
	}
	if got := otherParticipant([]string{"alice"}, "alice"); got != "" {
		t.Errorf("otherParticipant with no other = %q, want empty", got)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("hello"); got != "hello" {
		t.Errorf("preview = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := preview(long); len(got) != 80 {
		t.Errorf("preview length = %d, want 80", len(got))
	}

	// A cut landing mid rune backs up to the boundary. The leading byte
	// shifts every two-byte rune so byte 80 is a continuation byte.
	wide := "a" + strings.Repeat("é", 100)
	got := preview(wide)
	if !utf8.ValidString(got) {
		t.Errorf("preview produced invalid UTF-8: %q", got)
	}
	if want := "a" + strings.Repeat("é", 39); got != want {
		t.Errorf("preview length = %d, want %d", len(got), len(want))
	}
}

func TestReactionEventCarriesState(t *testing.T) {
	state := map[string][]string{"👍": {"alice", "bob"}}
	evt := reactionEvent("c1", "m1", "bob", "👍", true, state)

	got, ok := evt["reactions"].(map[string][]string)
	if !ok {
		t.Fatalf("reactions missing from event: %v", evt)
	}
	if len(got["👍"]) != 2 {
		t.Errorf("reactions = %v, want both holders", got)
	}
	if evt["added"] != true || evt["messageId"] != "m1" {
		t.Errorf("event = %v", evt)
	}

	// A failed state load still yields a collection, never null.
	evt = reactionEvent("c1", "m1", "bob", "👍", false, nil)
	got, ok = evt["reactions"].(map[string][]string)
	if !ok || got == nil {
		t.Errorf("reactions should be an empty map, got %v", evt["reactions"])
	}
}

func TestFormatTranscriptTxt(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	messages := []Message{
		{SenderId: "alice", Text: "hi there", CreatedAt: at.UnixMilli()},
		{SenderId: "bob", MediaUrl: "https://cdn/img.png", CreatedAt: at.Add(time.Minute).UnixMilli()},
	}
	out := formatTranscriptTxt(messages)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out)
	}
	if lines[0] != "[2025-03-01 10:30:00] alice: hi there" {
		t.Errorf("line 1 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "[media] https://cdn/img.png") {
		t.Errorf("line 2 = %q, want media placeholder", lines[1])
	}
}

func TestFormatTranscriptCsv(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	messages := []Message{
		{SenderId: "alice", RecipientId: "bob", Text: `say "hi"`, Read: true, CreatedAt: at.UnixMilli()},
	}
	out, err := formatTranscriptCsv(messages)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header + 1:\n%s", len(lines), out)
	}
	if lines[0] != "timestamp,sender,recipient,text,mediaUrl,read" {
		t.Errorf("header = %q", lines[0])
	}
	// Embedded quotes must be escaped per CSV rules.
	if !strings.Contains(lines[1], `"say ""hi"""`) {
		t.Errorf("row = %q, want quoted text", lines[1])
	}
}
