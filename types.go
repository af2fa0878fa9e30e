package feiralivre

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversation Types
// ============================================================================

// Participant is one side of a 1:1 conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// LastMessage is the denormalized last-message snapshot used for list display.
type LastMessage struct {
	Text      string `json:"text"`
	AuthorID  string `json:"authorId"`
	CreatedAt string `json:"createdAt"`
}

// Conversation is a 1:1 channel between two users. The conversation id doubles
// as the socket room id.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	CreatedAt    string        `json:"createdAt"`
	UpdatedAt    string        `json:"updatedAt,omitempty"`
}

// Other returns the participant that is not selfID. Falls back to a zero
// Participant when the conversation has no other member (should not happen
// for well-formed server data).
func (c *Conversation) Other(selfID string) Participant {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p
		}
	}
	return Participant{}
}

// ============================================================================
// Message Types
// ============================================================================

// LocalIDPrefix marks client-generated placeholder message ids. A message id
// with this prefix must never survive reconciliation with the server.
const LocalIDPrefix = "local-"

// ChatMessage is the single strict message type used past the normalization
// boundary. Raw socket and REST payloads never leave the normalizer.
type ChatMessage struct {
	ID         string
	ClientID   string // client correlation id echoed by the server, optional
	Text       string
	AuthorID   string
	AuthorName string // populated for the other participant only
	CreatedAt  time.Time
	RoomID     string
}

// Local reports whether the message is an unconfirmed optimistic placeholder.
func (m ChatMessage) Local() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// Session is the identity supplied by the auth collaborator. It is immutable
// for the lifetime of the chat components; on sign-out the socket is simply
// released.
type Session struct {
	UserID      string
	DisplayName string
	Token       string
}

// Ready reports whether the session can drive socket/REST activity.
func (s Session) Ready() bool {
	return s.UserID != "" && s.Token != ""
}
