package feiralivre

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Normalization
// ============================================================================

// wireMessage captures every field name the backend (or its older versions)
// has been observed to use for a logical field. It exists only inside the
// normalization boundary.
type wireMessage struct {
	ID        string `json:"id"`
	AltID     string `json:"_id"`
	MessageID string `json:"messageId"`

	Text    string `json:"text"`
	Content string `json:"content"`
	Message string `json:"message"`

	AuthorID string `json:"authorId"`
	SenderID string `json:"senderId"`
	From     string `json:"from"`
	User     string `json:"user"`

	AuthorName string `json:"authorName"`
	SenderName string `json:"senderName"`
	Name       string `json:"name"`

	CreatedAt string `json:"createdAt"`
	Timestamp string `json:"timestamp"`
	Time      string `json:"time"`

	RoomID         string `json:"roomId"`
	ConversationID string `json:"conversationId"`
	Room           string `json:"room"`

	ClientID string `json:"clientId"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// NormalizeMessage converts a raw inbound payload into the strict ChatMessage
// type. Field priority per logical field:
//
//	id     ← id, _id, messageId (synthesized from author+timestamp if absent)
//	text   ← text, content, message   (required non-empty)
//	author ← authorId, senderId, from, user   (required)
//	name   ← authorName, senderName, name
//	time   ← createdAt, timestamp, time   (defaults to receivedAt)
//	room   ← roomId, conversationId, room
//
// A payload failing a required field is rejected and must be discarded, not
// queued or retried.
func NormalizeMessage(data json.RawMessage, receivedAt time.Time) (ChatMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return ChatMessage{}, &ChatError{Code: CodeMalformed, Message: "undecodable payload", Cause: err}
	}

	author := firstNonEmpty(w.AuthorID, w.SenderID, w.From, w.User)
	if author == "" {
		return ChatMessage{}, &ChatError{Code: CodeMalformed, Message: "missing author id"}
	}

	text := firstNonEmpty(w.Text, w.Content, w.Message)
	if text == "" {
		return ChatMessage{}, &ChatError{Code: CodeMalformed, Message: "empty message text"}
	}

	created := receivedAt
	if raw := firstNonEmpty(w.CreatedAt, w.Timestamp, w.Time); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			created = t
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			created = t
		}
	}

	id := firstNonEmpty(w.ID, w.AltID, w.MessageID)
	if id == "" {
		id = fmt.Sprintf("gen-%s-%d", author, created.UnixNano())
	}

	return ChatMessage{
		ID:         id,
		ClientID:   w.ClientID,
		Text:       text,
		AuthorID:   author,
		AuthorName: firstNonEmpty(w.AuthorName, w.SenderName, w.Name),
		CreatedAt:  created,
		RoomID:     firstNonEmpty(w.RoomID, w.ConversationID, w.Room),
	}, nil
}

// ============================================================================
// Stream Engine
// ============================================================================

// IngestResult describes what the engine did with an inbound message.
type IngestResult string

const (
	IngestAppended     IngestResult = "appended"
	IngestReplaced     IngestResult = "replaced"
	IngestDuplicate    IngestResult = "duplicate"
	IngestWrongRoom    IngestResult = "wrong_room"
	IngestMalformed    IngestResult = "malformed"
	IngestNoActiveRoom IngestResult = "no_active_room"
)

// Stream is the single owner of message-list ordering and deduplication for
// the active conversation. The list is kept sorted ascending by creation
// timestamp after every mutation; full re-sort per event is a deliberate
// correctness-over-efficiency choice at conversation scale.
type Stream struct {
	mu      sync.Mutex
	log     *slog.Logger
	selfID  string
	active  string
	list    []ChatMessage
	pending map[string]struct{}
}

// NewStream creates an engine for the given current-user id.
func NewStream(selfID string, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		log:     log,
		selfID:  selfID,
		pending: make(map[string]struct{}),
	}
}

// SetActive switches the active conversation, discarding all message state
// and pending local ids. No cross-conversation bleed.
func (s *Stream) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conversationID
	s.list = nil
	s.pending = make(map[string]struct{})
}

// Active returns the active conversation id.
func (s *Stream) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns a copy of the ordered message list.
func (s *Stream) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.list))
	copy(out, s.list)
	return out
}

// PendingCount returns the number of unconfirmed local sends.
func (s *Stream) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AppendLocal inserts an optimistic placeholder and records its id as
// pending. The message must carry a LocalIDPrefix id.
func (s *Stream) AppendLocal(m ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" || !m.Local() {
		return
	}
	s.pending[m.ID] = struct{}{}
	s.list = append(s.list, m)
	s.resort()
}

// Confirm swaps a pending placeholder's id for the server-assigned id. This
// is the acknowledgment path; late echoes of the same message then dedupe
// via the identical-id rule. Returns false if the placeholder is gone.
func (s *Stream) Confirm(localID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[localID]; !ok {
		return false
	}
	for i := range s.list {
		if s.list[i].ID == localID {
			s.list[i].ID = serverID
			s.list[i].ClientID = localID
			delete(s.pending, localID)
			s.resort()
			return true
		}
	}
	delete(s.pending, localID)
	return false
}

// Discard removes an unconfirmed placeholder (abandoned send). Returns the
// removed message for retry affordances.
func (s *Stream) Discard(localID string) (ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[localID]; !ok {
		return ChatMessage{}, false
	}
	delete(s.pending, localID)
	for i := range s.list {
		if s.list[i].ID == localID {
			m := s.list[i]
			s.list = append(s.list[:i], s.list[i+1:]...)
			return m, true
		}
	}
	return ChatMessage{}, false
}

// IngestRaw normalizes an inbound payload, applies room scoping, and merges
// it. Malformed and foreign-room events are dropped and diagnostic-logged,
// never surfaced.
func (s *Stream) IngestRaw(data json.RawMessage) IngestResult {
	m, err := NormalizeMessage(data, time.Now())
	if err != nil {
		s.log.Debug("dropping malformed chat event", "err", err)
		return IngestMalformed
	}
	return s.Ingest(m)
}

// IngestRawBatch merges a history backfill. Each entry follows the same
// normalization and merge rules as live messages, so REST and socket history
// can arrive in either order without duplicating entries.
func (s *Stream) IngestRawBatch(batch []json.RawMessage) {
	for _, data := range batch {
		s.IngestRaw(data)
	}
}

// Ingest merges a normalized inbound message into the ordered list.
//
// Precedence, evaluated in order:
//  1. identical id already present → drop (pure duplicate)
//  2. own message whose id or echoed clientId is a pending local id →
//     replace that placeholder in place
//  3. own message matching a pending placeholder by exact (author, text) →
//     treat as the delayed echo of that send, replace the first such match
//  4. append as new
//
// The list is re-sorted ascending by timestamp after any mutation.
func (s *Stream) Ingest(m ChatMessage) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == "" {
		s.log.Debug("dropping chat event with no active conversation", "id", m.ID)
		return IngestNoActiveRoom
	}
	if m.RoomID != "" && m.RoomID != s.active {
		s.log.Debug("dropping chat event for inactive room", "room", m.RoomID, "active", s.active)
		return IngestWrongRoom
	}

	// Rule 1: pure duplicate.
	for i := range s.list {
		if s.list[i].ID == m.ID {
			return IngestDuplicate
		}
	}

	if m.AuthorID == s.selfID {
		// Rule 2: correlation match against the pending set.
		if key, ok := s.pendingKeyFor(m); ok {
			s.replacePlaceholder(key, m)
			return IngestReplaced
		}
		// Rule 3: heuristic echo match on exact author + text. When several
		// placeholders share identical text the first in list order wins.
		for i := range s.list {
			e := s.list[i]
			if _, pend := s.pending[e.ID]; pend && e.AuthorID == m.AuthorID && e.Text == m.Text {
				s.replacePlaceholder(e.ID, m)
				return IngestReplaced
			}
		}
	}

	// Rule 4: new entry.
	s.list = append(s.list, m)
	s.resort()
	return IngestAppended
}

// pendingKeyFor returns the pending local id the inbound message correlates
// to, via its echoed clientId or its own id.
func (s *Stream) pendingKeyFor(m ChatMessage) (string, bool) {
	if m.ClientID != "" {
		if _, ok := s.pending[m.ClientID]; ok {
			return m.ClientID, true
		}
	}
	if _, ok := s.pending[m.ID]; ok {
		return m.ID, true
	}
	return "", false
}

// replacePlaceholder swaps the placeholder identified by localID for the
// server-confirmed message. Caller holds the lock.
func (s *Stream) replacePlaceholder(localID string, m ChatMessage) {
	delete(s.pending, localID)
	for i := range s.list {
		if s.list[i].ID == localID {
			s.list[i] = m
			s.resort()
			return
		}
	}
	// Placeholder already gone; keep the server copy.
	s.list = append(s.list, m)
	s.resort()
}

// resort keeps the display order non-decreasing by creation timestamp.
// Stable so equal-timestamp messages keep arrival order. Caller holds the
// lock.
func (s *Stream) resort() {
	sort.SliceStable(s.list, func(i, j int) bool {
		return s.list[i].CreatedAt.Before(s.list[j].CreatedAt)
	})
}
