package feiralivre

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Composer
// ============================================================================

// SendState tracks an outbound message through its lifecycle.
type SendState string

const (
	SendPending   SendState = "pending"
	SendConfirmed SendState = "confirmed"
	SendAbandoned SendState = "abandoned"
)

// OutboundMessage is the composer's record of one send.
type OutboundMessage struct {
	LocalID  string
	ServerID string
	Text     string
	RoomID   string
	State    SendState
	SentAt   time.Time
}

// MessageEmitter is the outbound transport the composer writes to.
// *RealtimeClient satisfies it.
type MessageEmitter interface {
	SendChatMessage(ctx context.Context, roomID, clientID, text string, ack func(ChatAckPayload)) error
}

// Composer manages the outbound message lifecycle: optimistic local insert,
// socket emit, and acknowledgment reconciliation. Multiple sends may be
// pending concurrently; each carries its own placeholder id so
// reconciliation is independent per message.
type Composer struct {
	mu       sync.Mutex
	session  Session
	stream   *Stream
	emitter  MessageEmitter
	log      *slog.Logger
	outbound map[string]*OutboundMessage

	// AckTimeout, when non-zero, moves a send to Abandoned and discards its
	// placeholder if no acknowledgment arrives in time. Zero disables the
	// timer and an unacked placeholder remains indefinitely.
	AckTimeout time.Duration
}

// NewComposer creates a composer bound to the session identity, the stream
// engine, and an outbound emitter.
func NewComposer(session Session, stream *Stream, emitter MessageEmitter, log *slog.Logger) *Composer {
	if log == nil {
		log = slog.Default()
	}
	return &Composer{
		session:  session,
		stream:   stream,
		emitter:  emitter,
		log:      log,
		outbound: make(map[string]*OutboundMessage),
	}
}

// Send validates the draft, inserts an optimistic placeholder, and emits the
// message addressed to the active conversation's room. Precheck failures
// return a sentinel error and are debug-logged; callers should disable the
// send control rather than show them to the user.
func (c *Composer) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		c.log.Debug("send blocked", "reason", "empty text")
		return "", ErrEmptyText
	}
	if !c.session.Ready() {
		c.log.Debug("send blocked", "reason", "no identity")
		return "", ErrNoIdentity
	}
	roomID := c.stream.Active()
	if roomID == "" {
		c.log.Debug("send blocked", "reason", "no active conversation")
		return "", ErrNoConversation
	}

	localID := LocalIDPrefix + uuid.NewString()
	now := time.Now()

	c.stream.AppendLocal(ChatMessage{
		ID:        localID,
		Text:      text,
		AuthorID:  c.session.UserID,
		CreatedAt: now,
		RoomID:    roomID,
	})

	out := &OutboundMessage{
		LocalID: localID,
		Text:    text,
		RoomID:  roomID,
		State:   SendPending,
		SentAt:  now,
	}
	c.mu.Lock()
	c.outbound[localID] = out
	c.mu.Unlock()

	if err := c.emitter.SendChatMessage(ctx, roomID, localID, text, func(ack ChatAckPayload) {
		c.confirm(localID, ack.ID)
	}); err != nil {
		// The placeholder stays; the message remains pending until an echo
		// arrives or the ack timer abandons it.
		c.log.Debug("emit failed, send left pending", "localId", localID, "err", err)
	}

	if c.AckTimeout > 0 {
		go c.watchAck(localID)
	}
	return localID, nil
}

// Retry re-emits an abandoned send with a fresh placeholder. Returns the new
// local id.
func (c *Composer) Retry(ctx context.Context, localID string) (string, error) {
	c.mu.Lock()
	out, ok := c.outbound[localID]
	if !ok || out.State != SendAbandoned {
		c.mu.Unlock()
		return "", fmt.Errorf("no abandoned send with id %s", localID)
	}
	text := out.Text
	c.mu.Unlock()

	return c.Send(ctx, text)
}

// StateOf returns the composer's record for a local id.
func (c *Composer) StateOf(localID string) (OutboundMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outbound[localID]
	if !ok {
		return OutboundMessage{}, false
	}
	return *out, true
}

// confirm handles the acknowledgment callback: the placeholder id is swapped
// for the server id through the engine, so any later broadcast of the same
// message dedupes on the identical-id rule.
func (c *Composer) confirm(localID, serverID string) {
	c.stream.Confirm(localID, serverID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if out, ok := c.outbound[localID]; ok && out.State == SendPending {
		out.State = SendConfirmed
		out.ServerID = serverID
	}
}

// watchAck abandons the send if neither the ack nor an inbound echo resolves
// the placeholder within AckTimeout.
func (c *Composer) watchAck(localID string) {
	time.Sleep(c.AckTimeout)

	c.mu.Lock()
	out, ok := c.outbound[localID]
	if !ok || out.State != SendPending {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if _, removed := c.stream.Discard(localID); !removed {
		// An echo already reconciled it.
		c.mu.Lock()
		if out.State == SendPending {
			out.State = SendConfirmed
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	out.State = SendAbandoned
	c.mu.Unlock()
	c.log.Debug("send abandoned, no ack", "localId", localID)
}
