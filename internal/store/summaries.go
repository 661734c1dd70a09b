package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Summary is one Tier-2 condensation of a run of older active-path
// messages, produced by internal/summary's background worker.
type Summary struct {
	ID                     string
	ConversationID         string
	Content                string
	CoversThroughMessageID string
	CreatedAt              time.Time
}

// SaveSummary appends a new summary for a conversation. Summaries are
// never edited in place, so the Prompt Assembler always has a stable
// ordered history of condensations to join for Tier 2.
func (s *Store) SaveSummary(conversationID, content, coversThroughMessageID string) (*Summary, error) {
	sum := &Summary{
		ID:                     uuid.NewString(),
		ConversationID:         conversationID,
		Content:                content,
		CoversThroughMessageID: coversThroughMessageID,
		CreatedAt:              time.Now(),
	}
	_, err := s.db.Exec(`INSERT INTO summaries (id, conversation_id, content, covers_through_message_id, created_at)
		VALUES (?, ?, ?, ?, ?)`, sum.ID, sum.ConversationID, sum.Content, sum.CoversThroughMessageID, sum.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}
	return sum, nil
}

// ListSummaries returns every summary for a conversation, oldest first
// — the order the Prompt Assembler joins them in for Tier 2.
func (s *Store) ListSummaries(conversationID string) ([]*Summary, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, content, covers_through_message_id, created_at
		FROM summaries WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()
	var out []*Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.ConversationID, &sum.Content, &sum.CoversThroughMessageID, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}
