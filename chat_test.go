package feiralivre

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestChatSession(t *testing.T, handler http.Handler) (*ChatSession, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient("tok", WithBaseURL(srv.URL))
	cs := NewChatSession(client, Session{UserID: "u1", DisplayName: "Jo", Token: "tok"}, ChatSessionConfig{})
	t.Cleanup(cs.Close)
	return cs, srv
}

func TestOpenSeedsHistorySorted(t *testing.T) {
	cs, _ := newTestChatSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, okEnvelope([]map[string]any{
			{"id": "m2", "text": "tudo bem?", "authorId": "u2", "createdAt": "2026-03-01T12:00:02Z"},
			{"id": "m1", "text": "oi", "authorId": "u2", "createdAt": "2026-03-01T12:00:01Z"},
		}))
	}))

	if err := cs.Open(context.Background(), "conv-1"); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	msgs := cs.Stream().Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("history not sorted ascending: %s,%s", msgs[0].ID, msgs[1].ID)
	}
}

func TestOpenHistoryFailureOpensEmpty(t *testing.T) {
	cs, _ := newTestChatSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, errEnvelope("INTERNAL", "boom"))
	}))

	// REST fails and the socket fallback is unavailable (never connected):
	// the conversation still opens, just empty. No error bubbles up.
	if err := cs.Open(context.Background(), "conv-1"); err != nil {
		t.Fatalf("Open must not fail on history errors, got %v", err)
	}
	if got := len(cs.Stream().Messages()); got != 0 {
		t.Errorf("expected empty conversation, got %d messages", got)
	}
	if cs.Stream().Active() != "conv-1" {
		t.Errorf("conversation should still be active")
	}
}

func TestOpenDiscardsStaleHistoryResponse(t *testing.T) {
	release := make(chan struct{})
	cs, _ := newTestChatSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "conv-old") {
			<-release
		}
		fmt.Fprint(w, okEnvelope([]map[string]any{
			{"id": "stale-1", "text": "velho", "authorId": "u2", "createdAt": "2026-03-01T12:00:01Z"},
		}))
	}))

	done := make(chan error, 1)
	go func() {
		done <- cs.Open(context.Background(), "conv-old")
	}()

	// Switch away while the first history call is in flight.
	time.Sleep(20 * time.Millisecond)
	cs.Stream().SetActive("conv-new")
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if got := len(cs.Stream().Messages()); got != 0 {
		t.Errorf("stale history leaked into the new conversation: %d messages", got)
	}
	if cs.Stream().Active() != "conv-new" {
		t.Errorf("active conversation clobbered")
	}
}

func TestOpenWithResolvesThenOpens(t *testing.T) {
	cs, _ := newTestChatSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/conversations/with/u2":
			fmt.Fprint(w, okEnvelope(testConversation("conv-9", "u2", "Maria")))
		case strings.HasSuffix(r.URL.Path, "/messages"):
			fmt.Fprint(w, okEnvelope([]map[string]any{
				{"id": "m1", "text": "oi", "authorId": "u2", "createdAt": "2026-03-01T12:00:01Z"},
			}))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	conv, err := cs.OpenWith(context.Background(), "u2")
	if err != nil {
		t.Fatalf("OpenWith returned error: %v", err)
	}
	if conv.ID != "conv-9" {
		t.Errorf("unexpected conversation %s", conv.ID)
	}
	if cs.Stream().Active() != "conv-9" {
		t.Errorf("conversation not activated")
	}
	if len(cs.Stream().Messages()) != 1 {
		t.Errorf("history not seeded")
	}
}

func TestChatSessionNotReady(t *testing.T) {
	client := NewClient("")
	cs := NewChatSession(client, Session{}, ChatSessionConfig{})
	defer cs.Close()

	if err := cs.Open(context.Background(), "conv-1"); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := cs.Connect(context.Background()); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := cs.OpenWith(context.Background(), "u2"); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestSendThroughSessionWithoutSocket(t *testing.T) {
	cs, _ := newTestChatSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okEnvelope([]map[string]any{}))
	}))

	if err := cs.Open(context.Background(), "conv-1"); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	// The socket is down; the optimistic placeholder still appears and stays
	// pending until a later echo or ack resolves it.
	localID, err := cs.Send(context.Background(), "oi")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	msgs := cs.Stream().Messages()
	if len(msgs) != 1 || msgs[0].ID != localID {
		t.Fatalf("placeholder missing: %+v", msgs)
	}
	if !msgs[0].Local() {
		t.Error("placeholder must carry the local id prefix")
	}
}
