package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

const conversationColumns = `id, title, character_ids_json, persona_id, active_message_id,
	attached_lorebook_ids_json, speaker_cursor, created_at, updated_at`

func scanConversation(row interface{ Scan(dest ...any) error }) (*chatmodel.Conversation, error) {
	var c chatmodel.Conversation
	var charIDsJSON, lorebookIDsJSON string
	var personaID, activeMsgID sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &charIDsJSON, &personaID, &activeMsgID,
		&lorebookIDsJSON, &c.SpeakerCursor, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.PersonaID = personaID.String
	c.ActiveMessageID = activeMsgID.String
	if err := json.Unmarshal([]byte(charIDsJSON), &c.CharacterIDs); err != nil {
		return nil, fmt.Errorf("unmarshal character_ids: %w", err)
	}
	if lorebookIDsJSON != "" {
		if err := json.Unmarshal([]byte(lorebookIDsJSON), &c.AttachedLorebookIDs); err != nil {
			return nil, fmt.Errorf("unmarshal attached_lorebook_ids: %w", err)
		}
	}
	return &c, nil
}

func insertConversation(q dbtx, c *chatmodel.Conversation) error {
	charIDs, err := json.Marshal(c.CharacterIDs)
	if err != nil {
		return fmt.Errorf("marshal character_ids: %w", err)
	}
	lorebookIDs, err := json.Marshal(c.AttachedLorebookIDs)
	if err != nil {
		return fmt.Errorf("marshal attached_lorebook_ids: %w", err)
	}
	var personaID, activeMsgID sql.NullString
	if c.PersonaID != "" {
		personaID = sql.NullString{String: c.PersonaID, Valid: true}
	}
	if c.ActiveMessageID != "" {
		activeMsgID = sql.NullString{String: c.ActiveMessageID, Valid: true}
	}
	_, err = q.Exec(`INSERT INTO conversations (id, title, character_ids_json, persona_id,
			active_message_id, attached_lorebook_ids_json, speaker_cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, string(charIDs), personaID, activeMsgID, string(lorebookIDs),
		c.SpeakerCursor, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func getConversation(q dbtx, id string) (*chatmodel.Conversation, error) {
	row := q.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func setConversationActiveMessage(q dbtx, conversationID, messageID string) error {
	_, err := q.Exec(`UPDATE conversations SET active_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("set conversation active message: %w", err)
	}
	return nil
}

// InsertConversation persists a new conversation row.
func (s *Store) InsertConversation(c *chatmodel.Conversation) error {
	return insertConversation(s.db, c)
}

// GetConversation fetches a conversation by id, returning nil, nil if absent.
func (s *Store) GetConversation(id string) (*chatmodel.Conversation, error) {
	return getConversation(s.db, id)
}

// ListConversations returns all conversations ordered by most recently updated.
func (s *Store) ListConversations() ([]*chatmodel.Conversation, error) {
	rows, err := s.db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []*chatmodel.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindConversationByCharacter returns conversations that include the
// given character id among their CharacterIDs. Filtering happens in
// Go since character_ids is stored as a JSON array, not relational.
func (s *Store) FindConversationByCharacter(characterID string) ([]*chatmodel.Conversation, error) {
	all, err := s.ListConversations()
	if err != nil {
		return nil, err
	}
	var out []*chatmodel.Conversation
	for _, c := range all {
		for _, id := range c.CharacterIDs {
			if id == characterID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// UpdateConversation overwrites title, persona, and attached lorebooks.
func (s *Store) UpdateConversation(c *chatmodel.Conversation) error {
	lorebookIDs, err := json.Marshal(c.AttachedLorebookIDs)
	if err != nil {
		return fmt.Errorf("marshal attached_lorebook_ids: %w", err)
	}
	var personaID sql.NullString
	if c.PersonaID != "" {
		personaID = sql.NullString{String: c.PersonaID, Valid: true}
	}
	_, err = s.db.Exec(`UPDATE conversations SET title = ?, persona_id = ?,
			attached_lorebook_ids_json = ?, updated_at = ? WHERE id = ?`,
		c.Title, personaID, string(lorebookIDs), time.Now(), c.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Store) DeleteConversation(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM checkpoints WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// SetConversationActiveMessage updates the leaf of the active branch.
func (s *Store) SetConversationActiveMessage(conversationID, messageID string) error {
	return setConversationActiveMessage(s.db, conversationID, messageID)
}

// SetSpeakerCursor updates the group-chat round-robin pointer.
func (s *Store) SetSpeakerCursor(conversationID string, cursor int) error {
	_, err := s.db.Exec(`UPDATE conversations SET speaker_cursor = ?, updated_at = ? WHERE id = ?`,
		cursor, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("set speaker cursor: %w", err)
	}
	return nil
}

// AttachLorebook adds a lorebook id to a conversation's attached set (idempotent).
func (s *Store) AttachLorebook(conversationID, lorebookID string) error {
	c, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("conversation %q not found", conversationID)
	}
	for _, id := range c.AttachedLorebookIDs {
		if id == lorebookID {
			return nil
		}
	}
	c.AttachedLorebookIDs = append(c.AttachedLorebookIDs, lorebookID)
	return s.UpdateConversation(c)
}

// DetachLorebook removes a lorebook id from a conversation's attached set.
func (s *Store) DetachLorebook(conversationID, lorebookID string) error {
	c, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("conversation %q not found", conversationID)
	}
	filtered := c.AttachedLorebookIDs[:0]
	for _, id := range c.AttachedLorebookIDs {
		if id != lorebookID {
			filtered = append(filtered, id)
		}
	}
	c.AttachedLorebookIDs = filtered
	return s.UpdateConversation(c)
}

// Tx wrappers used by the Branch Manager inside an atomic transaction.

func (t *Tx) GetConversation(id string) (*chatmodel.Conversation, error) { return getConversation(t.tx, id) }
func (t *Tx) SetConversationActiveMessage(conversationID, messageID string) error {
	return setConversationActiveMessage(t.tx, conversationID, messageID)
}
