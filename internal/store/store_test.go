package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newConversation(t *testing.T, s *Store, characterID string) *chatmodel.Conversation {
	t.Helper()
	now := time.Now()
	conv := &chatmodel.Conversation{
		ID:           uuid.NewString(),
		CharacterIDs: []string{characterID},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.InsertConversation(conv); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	return conv
}

func newCharacter(t *testing.T, s *Store) *chatmodel.Character {
	t.Helper()
	now := time.Now()
	c := &chatmodel.Character{ID: uuid.NewString(), Name: "Aria", CreatedAt: now, UpdatedAt: now}
	if err := s.InsertCharacter(c); err != nil {
		t.Fatalf("insert character: %v", err)
	}
	return c
}

func newMessage(t *testing.T, s *Store, conversationID, parentID string, author chatmodel.AuthorType, content string) *chatmodel.Message {
	t.Helper()
	idx, err := s.NextBranchIndex(conversationID, parentID)
	if err != nil {
		t.Fatalf("NextBranchIndex: %v", err)
	}
	now := time.Now()
	m := &chatmodel.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ParentID:       parentID,
		AuthorType:     author,
		Content:        content,
		BranchIndex:    idx,
		IsActiveBranch: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return m
}

// TestActiveBranchPathIntegrity covers invariant 1: following
// is_active_branch from the root reaches the conversation's
// active_message_id.
func TestActiveBranchPathIntegrity(t *testing.T) {
	s := newTestStore(t)
	char := newCharacter(t, s)
	conv := newConversation(t, s, char.ID)

	root := newMessage(t, s, conv.ID, "", chatmodel.AuthorUser, "hi")
	child := newMessage(t, s, conv.ID, root.ID, chatmodel.AuthorCharacter, "hello")
	if err := s.SetConversationActiveMessage(conv.ID, child.ID); err != nil {
		t.Fatalf("SetConversationActiveMessage: %v", err)
	}

	conv2, err := s.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv2.ActiveMessageID != child.ID {
		t.Fatalf("active_message_id = %q, want %q", conv2.ActiveMessageID, child.ID)
	}

	rootActive, err := s.ActiveChild(conv.ID, "")
	if err != nil {
		t.Fatalf("ActiveChild(root): %v", err)
	}
	if rootActive == nil || rootActive.ID != root.ID {
		t.Fatalf("active root child = %+v, want %q", rootActive, root.ID)
	}
	childActive, err := s.ActiveChild(conv.ID, root.ID)
	if err != nil {
		t.Fatalf("ActiveChild(child): %v", err)
	}
	if childActive == nil || childActive.ID != child.ID {
		t.Fatalf("active child = %+v, want %q", childActive, child.ID)
	}
}

// TestSingleActiveChildPerParent covers invariant 2: switching the
// active branch among siblings deactivates the previous one.
func TestSingleActiveChildPerParent(t *testing.T) {
	s := newTestStore(t)
	char := newCharacter(t, s)
	conv := newConversation(t, s, char.ID)

	root := newMessage(t, s, conv.ID, "", chatmodel.AuthorUser, "hi")
	a := newMessage(t, s, conv.ID, root.ID, chatmodel.AuthorCharacter, "first reply")

	if err := s.SetActiveBranch(a.ID, false); err != nil {
		t.Fatalf("SetActiveBranch(a, false): %v", err)
	}
	b := newMessage(t, s, conv.ID, root.ID, chatmodel.AuthorCharacter, "second reply")

	siblings, err := s.Siblings(conv.ID, root.ID)
	if err != nil {
		t.Fatalf("Siblings: %v", err)
	}
	if len(siblings) != 2 {
		t.Fatalf("siblings = %d, want 2", len(siblings))
	}

	activeCount := 0
	for _, m := range siblings {
		if m.IsActiveBranch {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("active siblings = %d, want 1", activeCount)
	}

	active, err := s.ActiveChild(conv.ID, root.ID)
	if err != nil {
		t.Fatalf("ActiveChild: %v", err)
	}
	if active == nil || active.ID != b.ID {
		t.Fatalf("active child = %+v, want %q", active, b.ID)
	}
}

// TestBranchIndexContiguity covers invariant 3: branch_index among
// siblings sharing a parent starts at 0 and increases by 1 per sibling.
func TestBranchIndexContiguity(t *testing.T) {
	s := newTestStore(t)
	char := newCharacter(t, s)
	conv := newConversation(t, s, char.ID)

	root := newMessage(t, s, conv.ID, "", chatmodel.AuthorUser, "hi")
	var siblings []*chatmodel.Message
	for i := 0; i < 4; i++ {
		siblings = append(siblings, newMessage(t, s, conv.ID, root.ID, chatmodel.AuthorCharacter, "reply"))
	}

	for i, m := range siblings {
		if m.BranchIndex != i {
			t.Fatalf("sibling %d has branch_index %d, want %d", i, m.BranchIndex, i)
		}
	}

	next, err := s.NextBranchIndex(conv.ID, root.ID)
	if err != nil {
		t.Fatalf("NextBranchIndex: %v", err)
	}
	if next != len(siblings) {
		t.Fatalf("NextBranchIndex = %d, want %d", next, len(siblings))
	}
}

// TestSingleDefaultPersona covers invariant 4: at most one persona has
// is_default=true, enforced atomically across InsertPersona and
// SetDefaultPersona.
func TestSingleDefaultPersona(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	p1 := &chatmodel.Persona{ID: uuid.NewString(), Name: "Default A", IsDefault: true, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertPersona(p1); err != nil {
		t.Fatalf("insert p1: %v", err)
	}
	p2 := &chatmodel.Persona{ID: uuid.NewString(), Name: "Default B", IsDefault: true, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertPersona(p2); err != nil {
		t.Fatalf("insert p2: %v", err)
	}

	personas, err := s.ListPersonas()
	if err != nil {
		t.Fatalf("ListPersonas: %v", err)
	}
	defaults := 0
	for _, p := range personas {
		if p.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("default personas after two inserts = %d, want 1", defaults)
	}
	got2, err := s.GetPersona(p2.ID)
	if err != nil {
		t.Fatalf("GetPersona(p2): %v", err)
	}
	if !got2.IsDefault {
		t.Fatal("most-recently inserted default persona should win")
	}

	if err := s.SetDefaultPersona(p1.ID); err != nil {
		t.Fatalf("SetDefaultPersona(p1): %v", err)
	}
	personas, err = s.ListPersonas()
	if err != nil {
		t.Fatalf("ListPersonas: %v", err)
	}
	defaults = 0
	var defaultID string
	for _, p := range personas {
		if p.IsDefault {
			defaults++
			defaultID = p.ID
		}
	}
	if defaults != 1 || defaultID != p1.ID {
		t.Fatalf("after SetDefaultPersona(p1): defaults=%d id=%q, want 1/%q", defaults, defaultID, p1.ID)
	}
}

func TestFinalizeMessageErrorPreservesPartialContent(t *testing.T) {
	s := newTestStore(t)
	char := newCharacter(t, s)
	conv := newConversation(t, s, char.ID)
	root := newMessage(t, s, conv.ID, "", chatmodel.AuthorUser, "hi")
	placeholder := newMessage(t, s, conv.ID, root.ID, chatmodel.AuthorCharacter, "")

	if err := s.FinalizeMessageError(placeholder.ID, "partial tex", "sidecar crashed", false); err != nil {
		t.Fatalf("FinalizeMessageError: %v", err)
	}
	got, err := s.GetMessage(placeholder.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "partial tex" || got.Error != "sidecar crashed" || got.StoppedByUser {
		t.Fatalf("got %+v, want partial content with error set", got)
	}
}
