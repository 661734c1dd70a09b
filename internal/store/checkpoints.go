package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Checkpoint is a crash-recovery snapshot of an in-flight generation's
// streamed content, taken periodically so a sidecar crash or process
// restart loses at most one checkpoint interval of text.
type Checkpoint struct {
	ConversationID string
	MessageID      string
	Content        string
	TokenCount     int
	CreatedAt      time.Time
}

// SaveCheckpoint upserts the checkpoint for (conversationID, messageID).
func (s *Store) SaveCheckpoint(c Checkpoint) error {
	_, err := s.db.Exec(`INSERT INTO checkpoints (conversation_id, message_id, content, token_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			content = excluded.content, token_count = excluded.token_count, created_at = excluded.created_at`,
		c.ConversationID, c.MessageID, c.Content, c.TokenCount, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the saved checkpoint for a message, or nil if
// none was ever written (generation completed before the first
// interval, or was never interrupted).
func (s *Store) GetCheckpoint(conversationID, messageID string) (*Checkpoint, error) {
	var c Checkpoint
	err := s.db.QueryRow(`SELECT conversation_id, message_id, content, token_count, created_at
		FROM checkpoints WHERE conversation_id = ? AND message_id = ?`, conversationID, messageID).
		Scan(&c.ConversationID, &c.MessageID, &c.Content, &c.TokenCount, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &c, nil
}

// DeleteCheckpoint removes the checkpoint for a message, called once
// generation finishes (success, error, or cancel) and the final
// content is persisted to the messages table.
func (s *Store) DeleteCheckpoint(conversationID, messageID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE conversation_id = ? AND message_id = ?`,
		conversationID, messageID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpointsForConversation removes every checkpoint belonging
// to a conversation. DeleteConversation does not call it; it deletes
// the checkpoints inside its own transaction.
func (s *Store) DeleteCheckpointsForConversation(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete checkpoints for conversation: %w", err)
	}
	return nil
}
