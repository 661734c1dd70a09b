package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

func insertMessage(q dbtx, m *chatmodel.Message) error {
	params, err := json.Marshal(m.GenerationParams)
	if err != nil {
		return fmt.Errorf("marshal generation_params: %w", err)
	}
	var parentID, authorID sql.NullString
	if m.ParentID != "" {
		parentID = sql.NullString{String: m.ParentID, Valid: true}
	}
	if m.AuthorID != "" {
		authorID = sql.NullString{String: m.AuthorID, Valid: true}
	}
	_, err = q.Exec(`
		INSERT INTO messages (id, conversation_id, parent_id, author_type, author_id,
			content, branch_index, is_active_branch, token_count, generation_params_json,
			stopped_by_user, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, parentID, string(m.AuthorType), authorID,
		m.Content, m.BranchIndex, boolToInt(m.IsActiveBranch), m.TokenCount, string(params),
		boolToInt(m.StoppedByUser), m.Error, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func scanMessage(row interface {
	Scan(dest ...any) error
}) (*chatmodel.Message, error) {
	var m chatmodel.Message
	var parentID, authorID, paramsJSON, errMsg sql.NullString
	var authorType string
	var isActive, stopped int
	if err := row.Scan(&m.ID, &m.ConversationID, &parentID, &authorType, &authorID,
		&m.Content, &m.BranchIndex, &isActive, &m.TokenCount, &paramsJSON,
		&stopped, &errMsg, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.ParentID = parentID.String
	m.AuthorID = authorID.String
	m.AuthorType = chatmodel.AuthorType(authorType)
	m.IsActiveBranch = isActive != 0
	m.StoppedByUser = stopped != 0
	m.Error = errMsg.String
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &m.GenerationParams); err != nil {
			return nil, fmt.Errorf("unmarshal generation_params: %w", err)
		}
	}
	return &m, nil
}

const messageColumns = `id, conversation_id, parent_id, author_type, author_id,
	content, branch_index, is_active_branch, token_count, generation_params_json,
	stopped_by_user, error, created_at, updated_at`

func getMessage(q dbtx, id string) (*chatmodel.Message, error) {
	row := q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// listSiblings returns all messages sharing parentID within
// conversationID, ordered by branch_index. parentID == "" matches the
// root greeting (NULL parent).
func listSiblings(q dbtx, conversationID, parentID string) ([]*chatmodel.Message, error) {
	var rows *sql.Rows
	var err error
	if parentID == "" {
		rows, err = q.Query(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND parent_id IS NULL
			ORDER BY branch_index ASC`, conversationID)
	} else {
		rows, err = q.Query(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND parent_id = ?
			ORDER BY branch_index ASC`, conversationID, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("list siblings: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*chatmodel.Message, error) {
	var out []*chatmodel.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// activeChild returns the single active-branch child of parentID, or
// nil if none exists. Invariant 4.1(b): at most one such child.
func activeChild(q dbtx, conversationID, parentID string) (*chatmodel.Message, error) {
	var row *sql.Row
	if parentID == "" {
		row = q.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND parent_id IS NULL AND is_active_branch = 1`, conversationID)
	} else {
		row = q.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND parent_id = ? AND is_active_branch = 1`, conversationID, parentID)
	}
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active child: %w", err)
	}
	return m, nil
}

func setActiveBranch(q dbtx, id string, active bool) error {
	_, err := q.Exec(`UPDATE messages SET is_active_branch = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now(), id)
	if err != nil {
		return fmt.Errorf("set active branch: %w", err)
	}
	return nil
}

func nextBranchIndex(q dbtx, conversationID, parentID string) (int, error) {
	siblings, err := listSiblings(q, conversationID, parentID)
	if err != nil {
		return 0, err
	}
	max := -1
	for _, s := range siblings {
		if s.BranchIndex > max {
			max = s.BranchIndex
		}
	}
	return max + 1, nil
}

func updateMessageContent(q dbtx, id, content string, tokenCount int) error {
	_, err := q.Exec(`UPDATE messages SET content = ?, token_count = ?, updated_at = ? WHERE id = ?`,
		content, tokenCount, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	return nil
}

func finalizeMessageError(q dbtx, id, content, errMsg string, stoppedByUser bool) error {
	_, err := q.Exec(`UPDATE messages SET content = ?, error = ?, stopped_by_user = ?, updated_at = ? WHERE id = ?`,
		content, errMsg, boolToInt(stoppedByUser), time.Now(), id)
	if err != nil {
		return fmt.Errorf("finalize message error: %w", err)
	}
	return nil
}

func listMessagesByConversation(q dbtx, conversationID string) ([]*chatmodel.Message, error) {
	rows, err := q.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// --- Store/Tx public wrappers ---

// InsertMessage persists a new message row.
func (s *Store) InsertMessage(m *chatmodel.Message) error { return insertMessage(s.db, m) }

// GetMessage fetches a message by id, returning nil, nil if absent.
func (s *Store) GetMessage(id string) (*chatmodel.Message, error) { return getMessage(s.db, id) }

// Siblings returns all messages sharing parentID, ordered by branch_index.
func (s *Store) Siblings(conversationID, parentID string) ([]*chatmodel.Message, error) {
	return listSiblings(s.db, conversationID, parentID)
}

// ActiveChild returns the active-branch child of parentID, if any.
func (s *Store) ActiveChild(conversationID, parentID string) (*chatmodel.Message, error) {
	return activeChild(s.db, conversationID, parentID)
}

// NextBranchIndex returns the branch_index to assign to a new sibling
// of parentID (max existing + 1, or 0).
func (s *Store) NextBranchIndex(conversationID, parentID string) (int, error) {
	return nextBranchIndex(s.db, conversationID, parentID)
}

// SetActiveBranch flips a single message's is_active_branch flag.
func (s *Store) SetActiveBranch(id string, active bool) error {
	return setActiveBranch(s.db, id, active)
}

// UpdateMessageContent overwrites a message's content and cached
// token count, used by the Chat Engine's periodic stream checkpoint
// and final persistence.
func (s *Store) UpdateMessageContent(id, content string, tokenCount int) error {
	return updateMessageContent(s.db, id, content, tokenCount)
}

// FinalizeMessageError persists a partial message on error, cancel, or
// crash, recording whatever content streamed plus the error text.
func (s *Store) FinalizeMessageError(id, content, errMsg string, stoppedByUser bool) error {
	return finalizeMessageError(s.db, id, content, errMsg, stoppedByUser)
}

// ListMessagesByConversation returns every message in a conversation
// (all branches), ordered by creation time. Used by get_conversation_messages.
func (s *Store) ListMessagesByConversation(conversationID string) ([]*chatmodel.Message, error) {
	return listMessagesByConversation(s.db, conversationID)
}

// Tx wrappers, bound to the transaction for atomic multi-step branch mutations.

func (t *Tx) InsertMessage(m *chatmodel.Message) error { return insertMessage(t.tx, m) }
func (t *Tx) GetMessage(id string) (*chatmodel.Message, error) { return getMessage(t.tx, id) }
func (t *Tx) Siblings(conversationID, parentID string) ([]*chatmodel.Message, error) {
	return listSiblings(t.tx, conversationID, parentID)
}
func (t *Tx) ActiveChild(conversationID, parentID string) (*chatmodel.Message, error) {
	return activeChild(t.tx, conversationID, parentID)
}
func (t *Tx) NextBranchIndex(conversationID, parentID string) (int, error) {
	return nextBranchIndex(t.tx, conversationID, parentID)
}
func (t *Tx) SetActiveBranch(id string, active bool) error { return setActiveBranch(t.tx, id, active) }
