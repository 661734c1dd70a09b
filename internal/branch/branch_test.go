package branch

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/store"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newConversation(t *testing.T, s *store.Store, characterID string) *chatmodel.Conversation {
	t.Helper()
	now := time.Now()
	conv := &chatmodel.Conversation{ID: uuid.NewString(), CharacterIDs: []string{characterID}, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertConversation(conv); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	return conv
}

func newCharacter(t *testing.T, s *store.Store) *chatmodel.Character {
	t.Helper()
	now := time.Now()
	c := &chatmodel.Character{ID: uuid.NewString(), Name: "Aria", CreatedAt: now, UpdatedAt: now}
	if err := s.InsertCharacter(c); err != nil {
		t.Fatalf("insert character: %v", err)
	}
	return c
}

func TestAppendChildDeactivatesPreviousSiblingAndAdvancesLeaf(t *testing.T) {
	st := newTestStore(t)
	char := newCharacter(t, st)
	conv := newConversation(t, st, char.ID)
	mgr := New(st)

	root, err := mgr.AppendChild(conv.ID, "", chatmodel.AuthorUser, "", "hi")
	if err != nil {
		t.Fatalf("AppendChild(root): %v", err)
	}
	first, err := mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "first reply")
	if err != nil {
		t.Fatalf("AppendChild(first): %v", err)
	}
	second, err := mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "second reply")
	if err != nil {
		t.Fatalf("AppendChild(second): %v", err)
	}

	gotFirst, err := st.GetMessage(first.ID)
	if err != nil {
		t.Fatalf("GetMessage(first): %v", err)
	}
	if gotFirst.IsActiveBranch {
		t.Fatal("first sibling should be deactivated once a new sibling is appended")
	}
	if !second.IsActiveBranch {
		t.Fatal("second sibling should be the active branch")
	}
	if second.BranchIndex != 1 {
		t.Fatalf("second.BranchIndex = %d, want 1", second.BranchIndex)
	}

	conv2, err := st.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv2.ActiveMessageID != second.ID {
		t.Fatalf("active_message_id = %q, want %q", conv2.ActiveMessageID, second.ID)
	}
}

func TestAppendChildUnknownParentReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	char := newCharacter(t, st)
	conv := newConversation(t, st, char.ID)
	mgr := New(st)

	_, err := mgr.AppendChild(conv.ID, uuid.NewString(), chatmodel.AuthorUser, "", "hi")
	if err == nil {
		t.Fatal("expected an error for an unknown parent id")
	}
}

func TestSwitchBranchReactivatesAncestorPath(t *testing.T) {
	st := newTestStore(t)
	char := newCharacter(t, st)
	conv := newConversation(t, st, char.ID)
	mgr := New(st)

	root, err := mgr.AppendChild(conv.ID, "", chatmodel.AuthorUser, "", "hi")
	if err != nil {
		t.Fatalf("AppendChild(root): %v", err)
	}
	first, err := mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "first reply")
	if err != nil {
		t.Fatalf("AppendChild(first): %v", err)
	}
	_, err = mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "second reply")
	if err != nil {
		t.Fatalf("AppendChild(second): %v", err)
	}

	if err := mgr.SwitchBranch(conv.ID, first.ID); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	gotFirst, err := st.GetMessage(first.ID)
	if err != nil {
		t.Fatalf("GetMessage(first): %v", err)
	}
	if !gotFirst.IsActiveBranch {
		t.Fatal("first sibling should be reactivated after SwitchBranch")
	}

	active, err := st.ActiveChild(conv.ID, root.ID)
	if err != nil {
		t.Fatalf("ActiveChild: %v", err)
	}
	if active == nil || active.ID != first.ID {
		t.Fatalf("active child = %+v, want %q", active, first.ID)
	}

	conv2, err := st.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv2.ActiveMessageID != first.ID {
		t.Fatalf("active_message_id = %q, want %q", conv2.ActiveMessageID, first.ID)
	}
}

func TestSwitchBranchToNonLeafFollowsActiveDescendantsToLeaf(t *testing.T) {
	st := newTestStore(t)
	char := newCharacter(t, st)
	conv := newConversation(t, st, char.ID)
	mgr := New(st)

	root, err := mgr.AppendChild(conv.ID, "", chatmodel.AuthorUser, "", "hi")
	if err != nil {
		t.Fatalf("AppendChild(root): %v", err)
	}
	midA, err := mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "branch A")
	if err != nil {
		t.Fatalf("AppendChild(midA): %v", err)
	}
	leafA, err := mgr.AppendChild(conv.ID, midA.ID, chatmodel.AuthorUser, "", "deeper on A")
	if err != nil {
		t.Fatalf("AppendChild(leafA): %v", err)
	}
	if _, err := mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "branch B"); err != nil {
		t.Fatalf("AppendChild(midB): %v", err)
	}

	// Appending midB deactivated midA but left leafA marked active under it.
	// Switching back to the non-leaf midA should reactivate it and follow
	// leafA down, landing active_message_id on leafA rather than midA itself.
	if err := mgr.SwitchBranch(conv.ID, midA.ID); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}

	conv2, err := st.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv2.ActiveMessageID != leafA.ID {
		t.Fatalf("active_message_id = %q, want the deepest active leaf %q", conv2.ActiveMessageID, leafA.ID)
	}

	path, err := mgr.ActivePath(conv.ID)
	if err != nil {
		t.Fatalf("ActivePath: %v", err)
	}
	if len(path) != 3 || path[0].ID != root.ID || path[1].ID != midA.ID || path[2].ID != leafA.ID {
		t.Fatalf("ActivePath = %v, want root/midA/leafA", path)
	}
}

func TestActivePathReturnsRootToLeafOrder(t *testing.T) {
	st := newTestStore(t)
	char := newCharacter(t, st)
	conv := newConversation(t, st, char.ID)
	mgr := New(st)

	root, err := mgr.AppendChild(conv.ID, "", chatmodel.AuthorUser, "", "hi")
	if err != nil {
		t.Fatalf("AppendChild(root): %v", err)
	}
	mid, err := mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "hello")
	if err != nil {
		t.Fatalf("AppendChild(mid): %v", err)
	}
	leaf, err := mgr.AppendChild(conv.ID, mid.ID, chatmodel.AuthorUser, "", "how are you")
	if err != nil {
		t.Fatalf("AppendChild(leaf): %v", err)
	}

	path, err := mgr.ActivePath(conv.ID)
	if err != nil {
		t.Fatalf("ActivePath: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("path length = %d, want 3", len(path))
	}
	if path[0].ID != root.ID || path[1].ID != mid.ID || path[2].ID != leaf.ID {
		t.Fatalf("path = [%s %s %s], want root-to-leaf order", path[0].ID, path[1].ID, path[2].ID)
	}
}

func TestActivePathEmptyConversationReturnsNil(t *testing.T) {
	st := newTestStore(t)
	char := newCharacter(t, st)
	conv := newConversation(t, st, char.ID)
	mgr := New(st)

	path, err := mgr.ActivePath(conv.ID)
	if err != nil {
		t.Fatalf("ActivePath: %v", err)
	}
	if path != nil {
		t.Fatalf("path = %v, want nil for a conversation with no messages", path)
	}
}

func TestSiblingsOrderedByBranchIndex(t *testing.T) {
	st := newTestStore(t)
	char := newCharacter(t, st)
	conv := newConversation(t, st, char.ID)
	mgr := New(st)

	root, err := mgr.AppendChild(conv.ID, "", chatmodel.AuthorUser, "", "hi")
	if err != nil {
		t.Fatalf("AppendChild(root): %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := mgr.AppendChild(conv.ID, root.ID, chatmodel.AuthorCharacter, char.ID, "reply"); err != nil {
			t.Fatalf("AppendChild(reply %d): %v", i, err)
		}
	}

	sibs, err := mgr.Siblings(conv.ID, root.ID)
	if err != nil {
		t.Fatalf("Siblings: %v", err)
	}
	if len(sibs) != 3 {
		t.Fatalf("siblings = %d, want 3", len(sibs))
	}
	for i, m := range sibs {
		if m.BranchIndex != i {
			t.Fatalf("sibling %d has branch_index %d, want %d", i, m.BranchIndex, i)
		}
	}
}
