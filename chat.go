package feiralivre

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ============================================================================
// ChatSession
// ============================================================================

// ChatSessionConfig configures a ChatSession.
type ChatSessionConfig struct {
	HistoryLimit int // page size for the initial history fetch (default 50)
	Realtime     RealtimeConfig
	Logger       *slog.Logger
}

// ChatSession ties the directory client, history loader, stream engine,
// composer, and socket together for one user session. Exactly one
// conversation is live at a time; opening another fully discards prior
// message state.
type ChatSession struct {
	client  *Client
	session Session
	sockets *SocketManager
	conn    *RealtimeClient
	stream  *Stream
	comp    *Composer
	log     *slog.Logger

	historyLimit int
}

// NewChatSession builds the chat stack for a session identity. The socket is
// acquired but not connected; call Connect explicitly.
func NewChatSession(client *Client, session Session, cfg ChatSessionConfig) *ChatSession {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := cfg.HistoryLimit
	if limit == 0 {
		limit = 50
	}

	rtCfg := cfg.Realtime
	rtCfg.Token = session.Token

	cs := &ChatSession{
		client:       client,
		session:      session,
		sockets:      client.Sockets(rtCfg),
		stream:       NewStream(session.UserID, log),
		log:          log,
		historyLimit: limit,
	}
	cs.conn = cs.sockets.Acquire(session.Token)
	cs.comp = NewComposer(session, cs.stream, cs.conn, log)

	cs.conn.OnChatMessage(func(raw json.RawMessage) {
		cs.stream.IngestRaw(raw)
	})
	cs.conn.OnChatHistory(func(batch []json.RawMessage) {
		cs.stream.IngestRawBatch(batch)
	})
	// A reconnect invalidates room membership; re-announce interest in the
	// active conversation before expecting further live events.
	cs.conn.OnConnected(func() {
		if active := cs.stream.Active(); active != "" {
			if err := cs.conn.Join(context.Background(), active); err != nil {
				cs.log.Debug("rejoin failed", "room", active, "err", err)
			}
		}
	})

	return cs
}

// Stream exposes the message engine (read-only use expected).
func (cs *ChatSession) Stream() *Stream { return cs.stream }

// Composer exposes the outbound state machine.
func (cs *ChatSession) Composer() *Composer { return cs.comp }

// Conn exposes the shared realtime connection for lifecycle handlers.
func (cs *ChatSession) Conn() *RealtimeClient { return cs.conn }

// Connect establishes the socket. Failures surface through the connect-error
// event as well as the returned error; retry is manual.
func (cs *ChatSession) Connect(ctx context.Context) error {
	if !cs.session.Ready() {
		return ErrNotReady
	}
	return cs.conn.Connect(ctx)
}

// Open makes conversationID the active conversation: resets message state,
// joins its room, and seeds history. The REST fetch is authoritative when it
// arrives first; on failure the socket backfill path takes over. Both paths
// funnel through the engine's merge rules, so a late second response merges
// by id instead of duplicating.
func (cs *ChatSession) Open(ctx context.Context, conversationID string) error {
	if !cs.session.Ready() {
		return ErrNotReady
	}

	cs.stream.SetActive(conversationID)

	if cs.conn.State() == StateConnected {
		if err := cs.conn.Join(ctx, conversationID); err != nil {
			cs.log.Debug("join failed", "room", conversationID, "err", err)
		}
	}

	raw, err := cs.client.Messages.History(ctx, conversationID, cs.historyLimit)
	if err != nil {
		cs.log.Debug("history fetch failed, falling back to socket", "room", conversationID, "err", err)
		if sockErr := cs.conn.RequestHistory(ctx, conversationID); sockErr != nil {
			// Both paths down: the conversation opens empty; the transport
			// error, if any, is already surfaced via its own event.
			cs.log.Debug("socket history fallback failed", "room", conversationID, "err", sockErr)
		}
		return nil
	}

	// Guard: a slow response for a conversation the user already left must
	// be discarded, not merged.
	if cs.stream.Active() != conversationID {
		cs.log.Debug("discarding stale history response", "room", conversationID)
		return nil
	}
	cs.stream.IngestRawBatch(raw)
	return nil
}

// OpenWith resolves (or creates) the 1:1 conversation with targetUserID and
// opens it.
func (cs *ChatSession) OpenWith(ctx context.Context, targetUserID string) (*Conversation, error) {
	if !cs.session.Ready() {
		return nil, ErrNotReady
	}

	conv, err := cs.client.Conversations.With(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	if err := cs.Open(ctx, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

// Send forwards to the composer.
func (cs *ChatSession) Send(ctx context.Context, text string) (string, error) {
	return cs.comp.Send(ctx, text)
}

// Close releases the shared socket. Used at session end; a new ChatSession
// acquires a fresh connection.
func (cs *ChatSession) Close() {
	cs.sockets.Release()
}
