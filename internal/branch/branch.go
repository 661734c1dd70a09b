// Package branch implements the conversation message DAG's branching
// operations — appending a new child, switching the active path, and
// reading sibling/ancestor state — atomically against internal/store.
package branch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// Manager applies branch mutations through a *store.Store, wrapping
// every multi-step operation in a transaction so readers never observe
// a half-applied branch switch (spec invariant: "atomic with respect
// to readers").
type Manager struct {
	store *store.Store
}

// New returns a Manager backed by st.
func New(st *store.Store) *Manager {
	return &Manager{store: st}
}

// AppendChild creates a new message as a child of parentID (empty
// means the conversation root), assigns it the next branch_index among
// its siblings, marks it the active branch, deactivates any previously
// active sibling, and advances the conversation's active_message_id to
// the new leaf. All of this happens inside one transaction.
func (m *Manager) AppendChild(conversationID, parentID string, authorType chatmodel.AuthorType, authorID, content string) (*chatmodel.Message, error) {
	tx, err := m.store.BeginTx()
	if err != nil {
		return nil, apperr.Storage(err, "begin branch transaction")
	}
	defer tx.Rollback()

	conv, err := tx.GetConversation(conversationID)
	if err != nil {
		return nil, apperr.Storage(err, "load conversation")
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", conversationID)
	}

	if parentID != "" {
		parent, err := tx.GetMessage(parentID)
		if err != nil {
			return nil, apperr.Storage(err, "load parent message")
		}
		if parent == nil {
			return nil, apperr.NotFound("message", parentID)
		}
	}

	if active, err := tx.ActiveChild(conversationID, parentID); err != nil {
		return nil, apperr.Storage(err, "load active sibling")
	} else if active != nil {
		if err := tx.SetActiveBranch(active.ID, false); err != nil {
			return nil, apperr.Storage(err, "deactivate previous sibling")
		}
	}

	idx, err := tx.NextBranchIndex(conversationID, parentID)
	if err != nil {
		return nil, apperr.Storage(err, "compute branch index")
	}

	now := time.Now()
	msg := &chatmodel.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ParentID:       parentID,
		AuthorType:     authorType,
		AuthorID:       authorID,
		Content:        content,
		BranchIndex:    idx,
		IsActiveBranch: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertMessage(msg); err != nil {
		return nil, apperr.Storage(err, "insert message")
	}
	if err := tx.SetConversationActiveMessage(conversationID, msg.ID); err != nil {
		return nil, apperr.Storage(err, "advance active message")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage(err, "commit branch append")
	}
	return msg, nil
}

// SwitchBranch walks from messageID up to the conversation root,
// activating messageID and every ancestor on its path while
// deactivating any other active sibling at each level, then follows
// each level's already-active child back down from messageID to the
// deepest reachable active leaf and sets that leaf as the
// conversation's active_message_id. This is how explicit branch
// navigation moves the active path (regenerate/edit go through
// AppendChild instead): is_active_branch flags and active_message_id
// must agree on the same leaf.
func (m *Manager) SwitchBranch(conversationID, messageID string) error {
	tx, err := m.store.BeginTx()
	if err != nil {
		return apperr.Storage(err, "begin branch transaction")
	}
	defer tx.Rollback()

	conv, err := tx.GetConversation(conversationID)
	if err != nil {
		return apperr.Storage(err, "load conversation")
	}
	if conv == nil {
		return apperr.NotFound("conversation", conversationID)
	}

	cur, err := tx.GetMessage(messageID)
	if err != nil {
		return apperr.Storage(err, "load message")
	}
	if cur == nil || cur.ConversationID != conversationID {
		return apperr.NotFound("message", messageID)
	}

	for cur != nil {
		if active, err := tx.ActiveChild(conversationID, cur.ParentID); err != nil {
			return apperr.Storage(err, "load active sibling")
		} else if active != nil && active.ID != cur.ID {
			if err := tx.SetActiveBranch(active.ID, false); err != nil {
				return apperr.Storage(err, "deactivate sibling")
			}
		}
		if !cur.IsActiveBranch {
			if err := tx.SetActiveBranch(cur.ID, true); err != nil {
				return apperr.Storage(err, "activate message")
			}
		}
		if cur.ParentID == "" {
			break
		}
		parent, err := tx.GetMessage(cur.ParentID)
		if err != nil {
			return apperr.Storage(err, "load ancestor")
		}
		cur = parent
	}

	leaf := messageID
	for {
		child, err := tx.ActiveChild(conversationID, leaf)
		if err != nil {
			return apperr.Storage(err, "load active child")
		}
		if child == nil {
			break
		}
		leaf = child.ID
	}

	if err := tx.SetConversationActiveMessage(conversationID, leaf); err != nil {
		return apperr.Storage(err, "set active leaf")
	}
	return tx.Commit()
}

// Siblings returns every message sharing parentID, ordered by
// branch_index, for the get_branch_siblings operation.
func (m *Manager) Siblings(conversationID, parentID string) ([]*chatmodel.Message, error) {
	sibs, err := m.store.Siblings(conversationID, parentID)
	if err != nil {
		return nil, apperr.Storage(err, "load siblings")
	}
	return sibs, nil
}

// ActivePath walks from the conversation's active leaf up to the root
// and returns messages in root-to-leaf order — the sequence the Prompt
// Assembler turns into conversation history.
func (m *Manager) ActivePath(conversationID string) ([]*chatmodel.Message, error) {
	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		return nil, apperr.Storage(err, "load conversation")
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", conversationID)
	}
	if conv.ActiveMessageID == "" {
		return nil, nil
	}

	var reversed []*chatmodel.Message
	id := conv.ActiveMessageID
	for id != "" {
		msg, err := m.store.GetMessage(id)
		if err != nil {
			return nil, apperr.Storage(err, "load message")
		}
		if msg == nil {
			return nil, apperr.Storage(fmt.Errorf("dangling message id %q in active path", id), "walk active path")
		}
		reversed = append(reversed, msg)
		id = msg.ParentID
	}

	out := make([]*chatmodel.Message, len(reversed))
	for i, msg := range reversed {
		out[len(reversed)-1-i] = msg
	}
	return out, nil
}
