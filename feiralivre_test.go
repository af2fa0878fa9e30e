package feiralivre

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

func okEnvelope(data any) string {
	b, _ := json.Marshal(map[string]any{"ok": true, "data": data})
	return string(b)
}

func errEnvelope(code, msg string) string {
	b, _ := json.Marshal(map[string]any{
		"ok":    false,
		"error": map[string]string{"code": code, "message": msg},
	})
	return string(b)
}

func testConversation(id, peerID, peerName string) map[string]any {
	return map[string]any{
		"id": id,
		"participants": []map[string]any{
			{"id": "u1", "displayName": "Jo"},
			{"id": peerID, "displayName": peerName},
		},
		"lastMessage": map[string]any{"text": "oi", "authorId": peerID, "createdAt": "2026-03-01T12:00:00Z"},
		"createdAt":   "2026-02-01T09:00:00Z",
	}
}

// ============================================================================
// Client plumbing
// ============================================================================

func TestRequestsDeferredWithoutToken(t *testing.T) {
	client := NewClient("")
	_, err := client.Conversations.List(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestBearerHeaderSet(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, okEnvelope([]any{}))
	}))
	defer srv.Close()

	client := NewClient("tok-123", WithBaseURL(srv.URL))
	if _, err := client.Conversations.List(context.Background()); err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

// ============================================================================
// Conversation directory
// ============================================================================

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, okEnvelope([]any{
			testConversation("conv-1", "u2", "Maria"),
			testConversation("conv-2", "u3", "Pedro"),
		}))
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	convs, err := client.Conversations.List(context.Background())
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].Other("u1").DisplayName != "Maria" {
		t.Errorf("unexpected peer: %+v", convs[0].Other("u1"))
	}
}

func TestResolveConversationIdempotent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/conversations/with/u2" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, okEnvelope(testConversation("conv-1", "u2", "Maria")))
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	first, err := client.Conversations.With(context.Background(), "u2")
	if err != nil {
		t.Fatalf("With returned error: %v", err)
	}
	second, err := client.Conversations.With(context.Background(), "u2")
	if err != nil {
		t.Fatalf("With returned error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("resolving the same pair twice returned different conversations: %s vs %s", first.ID, second.ID)
	}
}

func TestGetConversationServesFromCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, okEnvelope(testConversation("conv-1", "u2", "Maria")))
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	if _, err := client.Conversations.With(context.Background(), "u2"); err != nil {
		t.Fatalf("With returned error: %v", err)
	}
	conv, err := client.Conversations.Get(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if conv.ID != "conv-1" {
		t.Errorf("unexpected conversation %s", conv.ID)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected cache hit, server saw %d calls", got)
	}
}

func TestDirectoryErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, errEnvelope("USER_NOT_FOUND", "no such user"))
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Conversations.With(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error")
	}
	if CodeOf(err) != CodeDirectory {
		t.Errorf("expected directory error, got %v", err)
	}
}

// ============================================================================
// Message history
// ============================================================================

func TestHistoryLimitQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/conv-1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("expected limit=25, got %q", got)
		}
		fmt.Fprint(w, okEnvelope([]map[string]any{
			{"id": "m2", "text": "b", "authorId": "u2", "createdAt": "2026-03-01T12:00:02Z"},
			{"id": "m1", "text": "a", "authorId": "u2", "createdAt": "2026-03-01T12:00:01Z"},
		}))
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	raw, err := client.Messages.History(context.Background(), "conv-1", 25)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(raw) != 2 {
		t.Fatalf("expected 2 raw payloads, got %d", len(raw))
	}

	// The response order is arbitrary; the engine owns the sort.
	stream := NewStream("u1", nil)
	stream.SetActive("conv-1")
	stream.IngestRawBatch(raw)
	msgs := stream.Messages()
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("expected ascending order m1,m2; got %s,%s", msgs[0].ID, msgs[1].ID)
	}
}

func TestHistoryFetchErrorTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, errEnvelope("INTERNAL", "boom"))
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Messages.History(context.Background(), "conv-1", 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if CodeOf(err) != CodeHistory {
		t.Errorf("expected history error, got %v", err)
	}
}
