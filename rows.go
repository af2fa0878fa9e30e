package feiralivre

// ConversationRow is the display shape consumed by list UIs: the other
// participant plus the last-message snapshot.
type ConversationRow struct {
	ConversationID string
	PeerID         string
	PeerName       string
	PeerAvatarURL  string
	Snippet        string
	SnippetAuthor  string
	LastActivity   string
}

// BuildConversationRows maps conversations into list rows for the given
// current user. Backend ordering is preserved; no client-side resort.
func BuildConversationRows(convs []Conversation, selfID string) []ConversationRow {
	rows := make([]ConversationRow, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		peer := c.Other(selfID)
		row := ConversationRow{
			ConversationID: c.ID,
			PeerID:         peer.ID,
			PeerName:       peer.DisplayName,
			PeerAvatarURL:  peer.AvatarURL,
			LastActivity:   c.UpdatedAt,
		}
		if c.LastMessage != nil {
			row.Snippet = c.LastMessage.Text
			row.SnippetAuthor = c.LastMessage.AuthorID
			if row.LastActivity == "" {
				row.LastActivity = c.LastMessage.CreatedAt
			}
		}
		rows = append(rows, row)
	}
	return rows
}
