package main

import (
	"encoding/json"
	"testing"
)

func newTestClient(userId, connId string) *wsClient {
	return &wsClient{userId: userId, connId: connId, send: make(chan []byte, 1)}
}

func receivedFrame(t *testing.T, c *wsClient) (string, map[string]any) {
	t.Helper()
	select {
	case data := <-c.send:
		var frame struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return frame.Event, frame.Data
	default:
		t.Fatalf("%s/%s received no frame", c.userId, c.connId)
		return "", nil
	}
}

func assertNoFrame(t *testing.T, c *wsClient) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("%s/%s unexpectedly received %s", c.userId, c.connId, data)
	default:
	}
}

func TestHubBroadcastReachesOtherUsers(t *testing.T) {
	h := newHub()
	bob := newTestClient("bob", "b1")
	carol := newTestClient("carol", "c1")
	h.add(bob)
	h.add(carol)

	h.broadcastPresence(presenceEvent{Type: "user_online", UserId: "alice"})

	for _, c := range []*wsClient{bob, carol} {
		event, data := receivedFrame(t, c)
		if event != "user_online" {
			t.Errorf("%s got event %q, want user_online", c.userId, event)
		}
		if data["userId"] != "alice" {
			t.Errorf("%s got userId %v, want alice", c.userId, data["userId"])
		}
	}
}

func TestHubBroadcastSkipsTransitioningUser(t *testing.T) {
	h := newHub()
	alice1 := newTestClient("alice", "a1")
	alice2 := newTestClient("alice", "a2")
	bob := newTestClient("bob", "b1")
	h.add(alice1)
	h.add(alice2)
	h.add(bob)

	h.broadcastPresence(presenceEvent{Type: "user_offline", UserId: "alice", LastSeen: 1700000000000})

	event, data := receivedFrame(t, bob)
	if event != "user_offline" {
		t.Errorf("bob got event %q, want user_offline", event)
	}
	if data["lastSeen"] != float64(1700000000000) {
		t.Errorf("bob got lastSeen %v", data["lastSeen"])
	}
	assertNoFrame(t, alice1)
	assertNoFrame(t, alice2)
}

func TestHubRemove(t *testing.T) {
	h := newHub()
	bob := newTestClient("bob", "b1")
	h.add(bob)
	h.remove(bob)

	h.broadcastPresence(presenceEvent{Type: "user_online", UserId: "alice"})
	assertNoFrame(t, bob)
}
